package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// AssociationTypeChild is the default edge type.
const AssociationTypeChild = "child"

// maxAncestorDepth bounds parent-chain walks. A chain this deep means
// the structure is corrupt, not merely large.
const maxAncestorDepth = 50

// CreateAssociation attaches child under parent. Each child has at most
// one parent and the structure stays acyclic; violations return
// ucg.ErrIntegrityViolation. The association records the child's
// materialized path at creation time.
func (s *Store) CreateAssociation(ctx context.Context, parentID, childID, assocType string, weight int) (assoc *ucg.Association, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_association", start, err) }(time.Now())

	if assocType == "" {
		assocType = AssociationTypeChild
	}
	if parentID == childID {
		return nil, fmt.Errorf("entity %s cannot parent itself: %w", parentID, ucg.ErrIntegrityViolation)
	}

	parent, err := s.GetEntity(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("parent %s: %w", parentID, err)
	}
	if parent.Deleted() {
		return nil, fmt.Errorf("parent %s is deleted: %w", parentID, ucg.ErrNotFound)
	}
	child, err := s.GetEntity(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("child %s: %w", childID, err)
	}
	if child.Deleted() {
		return nil, fmt.Errorf("child %s is deleted: %w", childID, ucg.ErrNotFound)
	}

	if _, err := s.ParentAssociation(ctx, childID); err == nil {
		return nil, fmt.Errorf("child %s already has a parent: %w", childID, ucg.ErrIntegrityViolation)
	} else if !errors.Is(err, ucg.ErrNotFound) {
		return nil, err
	}

	// Attaching child under one of its own descendants would close a
	// cycle: child must not appear on parent's ancestor chain.
	onChain, err := s.onAncestorChain(ctx, parentID, childID)
	if err != nil {
		return nil, err
	}
	if onChain {
		return nil, fmt.Errorf("attaching %s under %s would create cycle: %w", childID, parentID, ucg.ErrIntegrityViolation)
	}

	siblings, err := s.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	parentPath, err := s.CanonicalPath(ctx, parentID)
	if err != nil {
		return nil, err
	}

	assoc = &ucg.Association{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		ChildID:   childID,
		Type:      assocType,
		Weight:    weight,
		Path:      fmt.Sprintf("%s.%d", parentPath, len(siblings)+1),
		CreatedAt: nowUTC(),
	}

	if err := s.durable.UpsertAssociation(ctx, assoc); err != nil {
		return nil, err
	}
	if err := s.cacheAssociation(ctx, assoc); err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, parentID, append(siblings, *assoc)); err != nil {
		return nil, err
	}

	s.logger.Debug("association created", "parent", parentID, "child", childID, "path", assoc.Path)
	return assoc, nil
}

// RemoveAssociationByChild detaches a child from its parent. Returns
// ucg.ErrNotFound when the child has no parent.
func (s *Store) RemoveAssociationByChild(ctx context.Context, childID string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "remove_association", start, err) }(time.Now())

	assoc, err := s.ParentAssociation(ctx, childID)
	if err != nil {
		return err
	}

	if err := s.durable.DeleteAssociation(ctx, assoc.ID); err != nil {
		return err
	}
	if err := s.deleteAssociationRecord(ctx, assoc); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, keys.Parent(childID)); err != nil {
		return err
	}

	siblings, err := s.Children(ctx, assoc.ParentID)
	if err != nil {
		return err
	}
	kept := siblings[:0]
	for _, sib := range siblings {
		if sib.ChildID != childID {
			kept = append(kept, sib)
		}
	}
	return s.writeChildren(ctx, assoc.ParentID, kept)
}

// Reparent moves child (and implicitly its whole subtree) under a new
// parent. The cycle check runs before the old edge is dropped, so a
// rejected move leaves the structure untouched.
func (s *Store) Reparent(ctx context.Context, childID, newParentID string, weight int) (assoc *ucg.Association, err error) {
	defer func(start time.Time) { s.observe(ctx, "reparent", start, err) }(time.Now())

	old, err := s.ParentAssociation(ctx, childID)
	if err != nil && !errors.Is(err, ucg.ErrNotFound) {
		return nil, err
	}

	onChain, err := s.onAncestorChain(ctx, newParentID, childID)
	if err != nil {
		return nil, err
	}
	if onChain || childID == newParentID {
		return nil, fmt.Errorf("moving %s under %s would create cycle: %w", childID, newParentID, ucg.ErrIntegrityViolation)
	}

	if old != nil {
		if err := s.RemoveAssociationByChild(ctx, childID); err != nil {
			return nil, err
		}
	}

	assoc, err = s.CreateAssociation(ctx, newParentID, childID, edgeType(old), weight)
	if err != nil && old != nil {
		// Restore the old edge so the child is not orphaned.
		if _, rerr := s.CreateAssociation(ctx, old.ParentID, childID, old.Type, old.Weight); rerr != nil {
			s.logger.Error("failed to restore association after move", "child", childID, "error", rerr)
		}
		return nil, err
	}
	return assoc, err
}

// Children returns the parent's associations ordered by weight, then
// creation time. Fast tier first, durable fallback with repopulation.
func (s *Store) Children(ctx context.Context, parentID string) ([]ucg.Association, error) {
	raw, err := s.cache.Read(ctx, keys.Children(parentID))
	if err == nil {
		var assocs []ucg.Association
		if err := json.Unmarshal(raw, &assocs); err != nil {
			return nil, fmt.Errorf("failed to decode children of %s: %w", parentID, err)
		}
		return assocs, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("children lookup fell back to durable", "parent", parentID, "error", err)
	}

	assocs, err := s.durable.ListAssociationsByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(assocs) > 0 {
		if werr := s.writeChildren(ctx, parentID, assocs); werr != nil {
			s.logger.Warn("failed to repopulate children", "parent", parentID, "error", werr)
		}
	}
	return assocs, nil
}

// ParentAssociation returns the association under which childID hangs.
// Returns ucg.ErrNotFound for a parentless entity.
func (s *Store) ParentAssociation(ctx context.Context, childID string) (*ucg.Association, error) {
	raw, err := s.cache.Read(ctx, keys.Parent(childID))
	if err == nil {
		siblings, err := s.Children(ctx, string(raw))
		if err != nil {
			return nil, err
		}
		for i := range siblings {
			if siblings[i].ChildID == childID {
				return &siblings[i], nil
			}
		}
		// Index out of step with the children set; fall through.
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("parent lookup fell back to durable", "child", childID, "error", err)
	}

	assoc, err := s.durable.GetAssociationByChild(ctx, childID)
	if err != nil {
		return nil, err
	}
	if cerr := s.cacheAssociation(ctx, assoc); cerr != nil {
		s.logger.Warn("failed to repopulate association", "child", childID, "error", cerr)
	}
	return assoc, nil
}

// RootEntities returns the parentless, live entities of root-eligible
// types, oldest first. Their positions define the first path segment.
func (s *Store) RootEntities(ctx context.Context) ([]*ucg.Entity, error) {
	var roots []*ucg.Entity
	for _, entityType := range s.registry.RootTypes() {
		entities, err := s.ListByType(ctx, entityType, 0)
		if err != nil {
			return nil, err
		}
		for _, entity := range entities {
			_, err := s.ParentAssociation(ctx, entity.ID)
			if errors.Is(err, ucg.ErrNotFound) {
				roots = append(roots, entity)
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(roots, func(i, j int) bool {
		if !roots[i].CreatedAt.Equal(roots[j].CreatedAt) {
			return roots[i].CreatedAt.Before(roots[j].CreatedAt)
		}
		return roots[i].ID < roots[j].ID
	})
	return roots, nil
}

// CanonicalPath computes the entity's current index path, of the form
// "content.1.2.1". Positions are 1-based: roots by creation order,
// children by weight order. The canonical path reflects the structure
// now, unlike the association path recorded at creation time.
func (s *Store) CanonicalPath(ctx context.Context, id string) (string, error) {
	segments := []string{}
	current := id
	for depth := 0; ; depth++ {
		if depth > maxAncestorDepth {
			return "", fmt.Errorf("ancestor chain of %s exceeds depth %d: %w", id, maxAncestorDepth, ucg.ErrIntegrityViolation)
		}

		assoc, err := s.ParentAssociation(ctx, current)
		if errors.Is(err, ucg.ErrNotFound) {
			break
		}
		if err != nil {
			return "", err
		}

		siblings, err := s.Children(ctx, assoc.ParentID)
		if err != nil {
			return "", err
		}
		pos := 0
		for i := range siblings {
			if siblings[i].ChildID == current {
				pos = i + 1
				break
			}
		}
		if pos == 0 {
			return "", fmt.Errorf("entity %s missing from children of %s: %w", current, assoc.ParentID, ucg.ErrIntegrityViolation)
		}
		segments = append([]string{fmt.Sprintf("%d", pos)}, segments...)
		current = assoc.ParentID
	}

	roots, err := s.RootEntities(ctx)
	if err != nil {
		return "", err
	}
	rootPos := 0
	for i, root := range roots {
		if root.ID == current {
			rootPos = i + 1
			break
		}
	}
	if rootPos == 0 {
		return "", fmt.Errorf("entity %s is not reachable from a root: %w", id, ucg.ErrInvalidPath)
	}

	path := fmt.Sprintf("content.%d", rootPos)
	for _, seg := range segments {
		path += "." + seg
	}
	return path, nil
}

// onAncestorChain reports whether target appears on the ancestor chain
// of start, start included.
func (s *Store) onAncestorChain(ctx context.Context, start, target string) (bool, error) {
	current := start
	for depth := 0; ; depth++ {
		if current == target {
			return true, nil
		}
		if depth > maxAncestorDepth {
			return false, fmt.Errorf("ancestor chain of %s exceeds depth %d: %w", start, maxAncestorDepth, ucg.ErrIntegrityViolation)
		}
		assoc, err := s.ParentAssociation(ctx, current)
		if errors.Is(err, ucg.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		current = assoc.ParentID
	}
}

// deleteAssociationRecord removes the assoc:{path} record, but only
// when it still belongs to this association. Creation-time paths can
// repeat once siblings are removed and re-created, so two live edges
// may have recorded the same path; the later cache write wins that key,
// and removing the loser must not take the survivor's record with it.
func (s *Store) deleteAssociationRecord(ctx context.Context, assoc *ucg.Association) error {
	key := keys.Association(assoc.Path)
	raw, err := s.cache.Read(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}

	var cached ucg.Association
	if err := json.Unmarshal(raw, &cached); err != nil {
		return s.cache.Delete(ctx, key)
	}
	if cached.ID != assoc.ID {
		return nil
	}
	return s.cache.Delete(ctx, key)
}

// cacheAssociation writes the association record and the parent pointer.
func (s *Store) cacheAssociation(ctx context.Context, assoc *ucg.Association) error {
	raw, err := json.Marshal(assoc)
	if err != nil {
		return fmt.Errorf("failed to encode association %s: %w", assoc.ID, err)
	}
	if err := s.storeProtectedLenient(ctx, keys.Association(assoc.Path), raw); err != nil {
		return err
	}
	return s.storeProtectedLenient(ctx, keys.Parent(assoc.ChildID), []byte(assoc.ParentID))
}

// writeChildren persists a parent's children set in weight order.
func (s *Store) writeChildren(ctx context.Context, parentID string, assocs []ucg.Association) error {
	if len(assocs) == 0 {
		return s.cache.Delete(ctx, keys.Children(parentID))
	}

	sort.Slice(assocs, func(i, j int) bool {
		if assocs[i].Weight != assocs[j].Weight {
			return assocs[i].Weight < assocs[j].Weight
		}
		return assocs[i].CreatedAt.Before(assocs[j].CreatedAt)
	})
	raw, err := json.Marshal(assocs)
	if err != nil {
		return fmt.Errorf("failed to encode children of %s: %w", parentID, err)
	}
	return s.storeProtectedLenient(ctx, keys.Children(parentID), raw)
}

// storeProtectedLenient swallows degraded-mode refusals the same way
// cacheEntity does: the durable tier already holds the structure.
func (s *Store) storeProtectedLenient(ctx context.Context, key string, value []byte) error {
	err := s.cache.StoreProtected(ctx, key, value)
	if errors.Is(err, cache.ErrRebuildFailed) {
		s.logger.Warn("fast tier degraded, key restored on next rebuild", "key", key)
		return nil
	}
	return err
}

// edgeType returns the association type, defaulting when Reparent has
// no old edge to carry it from.
func edgeType(a *ucg.Association) string {
	if a == nil {
		return AssociationTypeChild
	}
	return a.Type
}
