package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trelliscms/trellis/pkg/store"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// DefaultMaxDepth bounds subtree assembly. A deeper tree means an
// undetected cycle reached this layer, and the build fails rather than
// recursing unboundedly.
const DefaultMaxDepth = 50

// Option configures a Builder.
type Option func(*Builder)

// WithMaxDepth overrides the assembly depth guard.
func WithMaxDepth(depth int) Option {
	return func(b *Builder) {
		if depth > 0 {
			b.maxDepth = depth
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Builder assembles snapshots from the entity store and applies
// structural mutations through it. The build takes no lock against
// concurrent mutation; a mutation mid-build can yield a snapshot mixing
// pre- and post-mutation state, which is why callers rebuild per query.
type Builder struct {
	store    *store.Store
	maxDepth int
	logger   *slog.Logger
}

// NewBuilder creates a builder over the given store.
func NewBuilder(s *store.Store, opts ...Option) *Builder {
	b := &Builder{
		store:    s,
		maxDepth: DefaultMaxDepth,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the full content tree: every root and, recursively,
// every child, computing canonical paths and the lookup indices in the
// same walk.
func (b *Builder) Build(ctx context.Context) (*Graph, error) {
	roots, err := b.store.RootEntities(ctx)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		byID:       make(map[string]*Node),
		byPath:     make(map[string]string),
		bySemantic: make(map[string]string),
	}

	for i, root := range roots {
		node := &Node{
			Entity: root,
			Association: &ucg.Association{
				ChildID:   root.ID,
				Type:      store.AssociationTypeChild,
				Weight:    i,
				Path:      fmt.Sprintf("content.%d", i+1),
				CreatedAt: root.CreatedAt,
			},
			Path: fmt.Sprintf("content.%d", i+1),
		}
		if err := b.assemble(ctx, g, node, 1); err != nil {
			return nil, err
		}
		g.Roots = append(g.Roots, node)
	}

	return g, nil
}

// assemble indexes node and recursively attaches its children.
func (b *Builder) assemble(ctx context.Context, g *Graph, node *Node, depth int) error {
	if depth > b.maxDepth {
		return fmt.Errorf("subtree at %s exceeds depth %d: %w", node.Path, b.maxDepth, ucg.ErrIntegrityViolation)
	}

	g.byID[node.Entity.ID] = node
	g.byPath[node.Path] = node.Entity.ID
	if node.Entity.SemanticName != "" {
		g.bySemantic[node.Entity.Type+"/"+node.Entity.SemanticName] = node.Entity.ID
	}

	assocs, err := b.store.Children(ctx, node.Entity.ID)
	if err != nil {
		return err
	}
	for i := range assocs {
		assoc := assocs[i]
		entity, err := b.store.GetEntity(ctx, assoc.ChildID)
		if err != nil {
			return fmt.Errorf("child %s of %s: %w", assoc.ChildID, node.Entity.ID, err)
		}
		child := &Node{
			Entity:      entity,
			Association: &assoc,
			Path:        fmt.Sprintf("%s.%d", node.Path, i+1),
		}
		if err := b.assemble(ctx, g, child, depth+1); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// AddNode creates an entity and attaches it under parent in one call.
// If the attach fails the created entity is deleted again, so a failed
// call leaves no orphan behind.
func (b *Builder) AddNode(ctx context.Context, parentID, entityType, semanticName string, data map[string]any, weight int, actor string) (*ucg.Entity, error) {
	// Attaching needs both endpoints to exist, so the entity comes
	// first even though it is briefly parentless.
	entity, err := b.store.CreateEntity(ctx, entityType, semanticName, data, actor)
	if err != nil {
		return nil, err
	}

	if _, err := b.store.CreateAssociation(ctx, parentID, entity.ID, "", weight); err != nil {
		if derr := b.store.DeleteEntity(ctx, entity.ID, actor); derr != nil {
			b.logger.Error("failed to clean up unattached entity", "id", entity.ID, "error", derr)
		}
		return nil, err
	}
	return entity, nil
}

// RemoveNode deletes a node and its entire subtree, children first so
// the delete-with-children guard never fires on the way down.
func (b *Builder) RemoveNode(ctx context.Context, id, actor string) error {
	g, err := b.Build(ctx)
	if err != nil {
		return err
	}
	if g.NodeByID(id) == nil {
		return fmt.Errorf("node %s: %w", id, ucg.ErrNotFound)
	}

	for _, desc := range g.Descendants(id) {
		if err := b.store.DeleteEntity(ctx, desc.Entity.ID, actor); err != nil {
			return err
		}
	}
	return b.store.DeleteEntity(ctx, id, actor)
}

// MoveSubtree reparents a node, subtree and all, under a new parent.
// Moving a node under itself or one of its own descendants fails with
// ucg.ErrIntegrityViolation.
func (b *Builder) MoveSubtree(ctx context.Context, id, newParentID string, weight int) error {
	g, err := b.Build(ctx)
	if err != nil {
		return err
	}
	if g.NodeByID(id) == nil {
		return fmt.Errorf("node %s: %w", id, ucg.ErrNotFound)
	}
	if g.NodeByID(newParentID) == nil {
		return fmt.Errorf("new parent %s: %w", newParentID, ucg.ErrNotFound)
	}

	if id == newParentID || g.FindPath(id, newParentID) != nil {
		return fmt.Errorf("moving %s under %s would create cycle: %w", id, newParentID, ucg.ErrIntegrityViolation)
	}

	_, err = b.store.Reparent(ctx, id, newParentID, weight)
	return err
}
