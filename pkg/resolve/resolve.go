// Package resolve turns hierarchical path strings into entities. A path
// addresses a node by sibling position, by payload name, or by semantic
// name, and resolution always reflects the current structure.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/trelliscms/trellis/pkg/store"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Kind classifies a parsed path.
type Kind int

const (
	// KindRoot addresses the root set: "" or "content".
	KindRoot Kind = iota
	// KindDirect addresses a node by walking segments: "content.1.hero".
	KindDirect
	// KindSemantic addresses a node by semantic name: "$hero".
	KindSemantic
)

// Segment is one step of a direct path: a 1-based sibling position or a
// payload-name lookup.
type Segment struct {
	Index int    // 1-based position; zero when Name is set
	Name  string // payload "name" match; empty when Index is set
}

// Path is the syntactic parse of a path string.
type Path struct {
	Kind     Kind
	Raw      string
	Semantic string    // semantic name, KindSemantic only
	Segments []Segment // walk steps, KindDirect only
}

// Parse performs the pure syntactic parse of a path string. No storage
// is consulted; malformed input fails with ucg.ErrInvalidPath.
func Parse(raw string) (*Path, error) {
	if raw == "" || raw == "content" {
		return &Path{Kind: KindRoot, Raw: raw}, nil
	}

	if strings.HasPrefix(raw, "$") {
		name := raw[1:]
		if name == "" || strings.Contains(name, ".") {
			return nil, fmt.Errorf("semantic path %q: %w", raw, ucg.ErrInvalidPath)
		}
		return &Path{Kind: KindSemantic, Raw: raw, Semantic: name}, nil
	}

	if !strings.HasPrefix(raw, "content.") {
		return nil, fmt.Errorf("path %q must start with content: %w", raw, ucg.ErrInvalidPath)
	}

	parts := strings.Split(raw[len("content."):], ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("path %q has an empty segment: %w", raw, ucg.ErrInvalidPath)
		}
		if n, err := strconv.Atoi(part); err == nil {
			if n < 1 {
				return nil, fmt.Errorf("path %q: position %d is not 1-based: %w", raw, n, ucg.ErrInvalidPath)
			}
			segments = append(segments, Segment{Index: n})
			continue
		}
		if strings.Contains(part, "$") {
			return nil, fmt.Errorf("path %q: segment %q: %w", raw, part, ucg.ErrInvalidPath)
		}
		segments = append(segments, Segment{Name: part})
	}
	return &Path{Kind: KindDirect, Raw: raw, Segments: segments}, nil
}

// Resolution is the outcome of resolving a path. For a root resolution
// Entity and Association are nil and Children holds the root set as
// synthetic associations. For a node resolution the association is the
// edge the node hangs from, synthetic when the node is itself a root.
type Resolution struct {
	Path        string
	Entity      *ucg.Entity
	Association *ucg.Association
	Children    []ucg.Association
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver resolves paths against the entity store. Stateless beyond
// its handles; safe for concurrent use.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(s *store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  s,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve parses and resolves a path string. The resolution's Path is
// always the canonical numeric form, whatever form the input took.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Resolution, error) {
	path, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	switch path.Kind {
	case KindRoot:
		children, err := r.rootAssociations(ctx)
		if err != nil {
			return nil, err
		}
		return &Resolution{Path: "content", Children: children}, nil
	case KindSemantic:
		return r.resolveSemantic(ctx, path.Semantic)
	default:
		return r.resolveDirect(ctx, path)
	}
}

// rootAssociations fabricates position-ordered associations for the
// root set. They exist only for the duration of the call and are never
// persisted; their empty ID marks them synthetic.
func (r *Resolver) rootAssociations(ctx context.Context) ([]ucg.Association, error) {
	roots, err := r.store.RootEntities(ctx)
	if err != nil {
		return nil, err
	}

	assocs := make([]ucg.Association, len(roots))
	for i, root := range roots {
		assocs[i] = ucg.Association{
			ChildID:   root.ID,
			Type:      store.AssociationTypeChild,
			Weight:    i,
			Path:      fmt.Sprintf("content.%d", i+1),
			CreatedAt: root.CreatedAt,
		}
	}
	return assocs, nil
}

// resolveDirect walks the segments from the root context downward.
func (r *Resolver) resolveDirect(ctx context.Context, path *Path) (*Resolution, error) {
	candidates, err := r.rootAssociations(ctx)
	if err != nil {
		return nil, err
	}

	var (
		entity   *ucg.Entity
		chosen   *ucg.Association
		resolved = "content"
	)
	for _, seg := range path.Segments {
		pos, err := r.pick(ctx, candidates, seg, path.Raw)
		if err != nil {
			return nil, err
		}
		chosen = &candidates[pos-1]

		entity, err = r.store.GetEntity(ctx, chosen.ChildID)
		if err != nil {
			return nil, err
		}
		resolved = fmt.Sprintf("%s.%d", resolved, pos)

		candidates, err = r.store.Children(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
	}

	return &Resolution{
		Path:        resolved,
		Entity:      entity,
		Association: chosen,
		Children:    candidates,
	}, nil
}

// pick selects one association from the current sibling group: by
// 1-based position, or by scanning for a payload "name" match.
func (r *Resolver) pick(ctx context.Context, candidates []ucg.Association, seg Segment, raw string) (int, error) {
	if seg.Index > 0 {
		if seg.Index > len(candidates) {
			return 0, fmt.Errorf("path %q: position %d exceeds %d siblings: %w",
				raw, seg.Index, len(candidates), ucg.ErrInvalidPath)
		}
		return seg.Index, nil
	}

	for i := range candidates {
		entity, err := r.store.GetEntity(ctx, candidates[i].ChildID)
		if err != nil {
			return 0, err
		}
		if name, ok := entity.Data["name"].(string); ok && name == seg.Name {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("path %q: no sibling named %q: %w", raw, seg.Name, ucg.ErrInvalidPath)
}

// resolveSemantic finds the entity by semantic name across the known
// types, then reconstructs its canonical numeric path.
func (r *Resolver) resolveSemantic(ctx context.Context, name string) (*Resolution, error) {
	var entity *ucg.Entity
	for _, entityType := range r.store.Registry().Types() {
		e, err := r.store.GetBySemanticName(ctx, entityType, name)
		if errors.Is(err, ucg.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entity = e
		break
	}
	if entity == nil {
		r.logger.Debug("semantic name unmatched", "name", name)
		return nil, fmt.Errorf("semantic name %q: %w", name, ucg.ErrNotFound)
	}

	resolved, err := r.store.CanonicalPath(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("semantic name resolved", "name", name, "type", entity.Type, "path", resolved)

	assoc, err := r.nodeAssociation(ctx, entity, resolved)
	if err != nil {
		return nil, err
	}
	children, err := r.store.Children(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Path:        resolved,
		Entity:      entity,
		Association: assoc,
		Children:    children,
	}, nil
}

// nodeAssociation returns the edge the entity hangs from, fabricating a
// synthetic one when the entity is a root.
func (r *Resolver) nodeAssociation(ctx context.Context, entity *ucg.Entity, resolved string) (*ucg.Association, error) {
	assoc, err := r.store.ParentAssociation(ctx, entity.ID)
	if err == nil {
		return assoc, nil
	}
	if !errors.Is(err, ucg.ErrNotFound) {
		return nil, err
	}
	return &ucg.Association{
		ChildID:   entity.ID,
		Type:      store.AssociationTypeChild,
		Path:      resolved,
		CreatedAt: entity.CreatedAt,
	}, nil
}
