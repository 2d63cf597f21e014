package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Membership indices (type_index, status_index, word, entity_words) are
// stored as sorted JSON string arrays in the fast tier. They are derived
// data rebuilt from the seed, so a lost index is a cache problem, not a
// data problem.

// indexMembers reads an index. A missing index is an empty set.
func (s *Store) indexMembers(ctx context.Context, key string) ([]string, error) {
	raw, err := s.cache.Read(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("failed to decode index %s: %w", key, err)
	}
	return members, nil
}

// indexAdd inserts member into the index at key. Idempotent.
func (s *Store) indexAdd(ctx context.Context, key, member string) error {
	members, err := s.indexMembers(ctx, key)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == member {
			return nil
		}
	}
	members = append(members, member)
	return s.writeIndex(ctx, key, members)
}

// typeIndexMembers returns the id set for an entity type. The durable
// tier is authoritative: an absent index is rebuilt from it and written
// through, never trusted as empty, so losing the cache key cannot hide
// rows that still sit in the durable tier.
func (s *Store) typeIndexMembers(ctx context.Context, entityType string) ([]string, error) {
	key := keys.TypeIndex(entityType)
	raw, err := s.cache.Read(ctx, key)
	if err == nil {
		var members []string
		if err := json.Unmarshal(raw, &members); err != nil {
			return nil, fmt.Errorf("failed to decode index %s: %w", key, err)
		}
		return members, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}

	all, err := s.durable.ListEntitiesByType(ctx, entityType, 0)
	if err != nil {
		return nil, err
	}
	var members []string
	for _, entity := range all {
		if !entity.Deleted() {
			members = append(members, entity.ID)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}
	if werr := s.writeIndex(ctx, key, members); werr != nil && !errors.Is(werr, cache.ErrRebuildFailed) {
		return nil, werr
	}
	s.logger.Warn("type index rebuilt from durable tier", "type", entityType, "members", len(members))
	return members, nil
}

// typeIndexAdd inserts the id into the type index. When the fast tier
// lost the index, the set is rebuilt from the durable tier before the
// insert, so the new member never masks older rows.
func (s *Store) typeIndexAdd(ctx context.Context, entityType, id string) error {
	members, err := s.typeIndexMembers(ctx, entityType)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == id {
			return nil
		}
	}
	return s.writeIndex(ctx, keys.TypeIndex(entityType), append(members, id))
}

// indexRemove deletes member from the index at key. Removing an absent
// member is not an error.
func (s *Store) indexRemove(ctx context.Context, key, member string) error {
	members, err := s.indexMembers(ctx, key)
	if err != nil {
		return err
	}

	kept := members[:0]
	for _, m := range members {
		if m != member {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(members) {
		return nil
	}
	if len(kept) == 0 {
		return s.cache.Delete(ctx, key)
	}
	return s.writeIndex(ctx, key, kept)
}

func (s *Store) writeIndex(ctx context.Context, key string, members []string) error {
	sort.Strings(members)
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("failed to encode index %s: %w", key, err)
	}
	return s.cache.StoreProtected(ctx, key, raw)
}

// cacheEntity writes the entity record into the fast tier. Degraded-mode
// refusals are swallowed: the durable tier already holds the write, and
// the record returns to the fast tier on the next successful rebuild.
func (s *Store) cacheEntity(ctx context.Context, entity *ucg.Entity) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", entity.ID, err)
	}
	err = s.cache.StoreProtected(ctx, entityKey(entity), raw)
	if errors.Is(err, cache.ErrRebuildFailed) {
		s.logger.Warn("fast tier degraded, entity cached on next rebuild", "entity", entity.ID)
		return nil
	}
	return err
}
