package resolve

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/trelliscms/trellis/pkg/ucg"
)

// Derived navigation. Each operation works on the canonical numeric
// path plus one resolve of the sibling group; no dedicated index backs
// these.

// Parent resolves the node one level above path. The parent of a
// top-level node is the root resolution; the root itself has no parent.
func (r *Resolver) Parent(ctx context.Context, raw string) (*Resolution, error) {
	resolved, err := r.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	if resolved.Entity == nil {
		return nil, fmt.Errorf("root has no parent: %w", ucg.ErrInvalidPath)
	}

	parentPath, _, err := splitNumeric(resolved.Path)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, parentPath)
}

// Siblings returns the other members of the node's sibling group, in
// position order.
func (r *Resolver) Siblings(ctx context.Context, raw string) ([]ucg.Association, error) {
	resolved, err := r.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	if resolved.Entity == nil {
		return nil, fmt.Errorf("root has no siblings: %w", ucg.ErrInvalidPath)
	}

	group, err := r.siblingGroup(ctx, resolved.Path)
	if err != nil {
		return nil, err
	}

	siblings := make([]ucg.Association, 0, len(group))
	for _, assoc := range group {
		if assoc.ChildID != resolved.Entity.ID {
			siblings = append(siblings, assoc)
		}
	}
	return siblings, nil
}

// NextSibling resolves the node at the next position in the sibling
// group. Returns ucg.ErrNotFound past the last position.
func (r *Resolver) NextSibling(ctx context.Context, raw string) (*Resolution, error) {
	return r.siblingAt(ctx, raw, +1)
}

// PreviousSibling resolves the node at the previous position in the
// sibling group. Returns ucg.ErrNotFound before the first position.
func (r *Resolver) PreviousSibling(ctx context.Context, raw string) (*Resolution, error) {
	return r.siblingAt(ctx, raw, -1)
}

func (r *Resolver) siblingAt(ctx context.Context, raw string, offset int) (*Resolution, error) {
	resolved, err := r.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	if resolved.Entity == nil {
		return nil, fmt.Errorf("root has no siblings: %w", ucg.ErrInvalidPath)
	}

	parentPath, pos, err := splitNumeric(resolved.Path)
	if err != nil {
		return nil, err
	}

	target := pos + offset
	group, err := r.siblingGroup(ctx, resolved.Path)
	if err != nil {
		return nil, err
	}
	if target < 1 || target > len(group) {
		return nil, fmt.Errorf("no sibling at position %d of %s: %w", target, parentPath, ucg.ErrNotFound)
	}
	return r.Resolve(ctx, fmt.Sprintf("%s.%d", parentPath, target))
}

// siblingGroup returns the association list the node belongs to: the
// parent's children, or the synthetic root set for a top-level node.
func (r *Resolver) siblingGroup(ctx context.Context, numericPath string) ([]ucg.Association, error) {
	parentPath, _, err := splitNumeric(numericPath)
	if err != nil {
		return nil, err
	}
	parent, err := r.Resolve(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	return parent.Children, nil
}

// splitNumeric splits a canonical numeric path into its parent path and
// the final position.
func splitNumeric(numericPath string) (string, int, error) {
	i := strings.LastIndex(numericPath, ".")
	if i < 0 {
		return "", 0, fmt.Errorf("path %q has no parent segment: %w", numericPath, ucg.ErrInvalidPath)
	}
	pos, err := strconv.Atoi(numericPath[i+1:])
	if err != nil || pos < 1 {
		return "", 0, fmt.Errorf("path %q: bad final position: %w", numericPath, ucg.ErrInvalidPath)
	}
	return numericPath[:i], pos, nil
}
