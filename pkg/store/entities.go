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

func entityKey(entity *ucg.Entity) string {
	return keys.Entity(entity.Type, entity.ID)
}

// CreateEntity creates a typed entity. The semantic name, when given,
// must be unique among live entities of the same type; the claim is a
// conditional fast-tier write, so two concurrent creators of the same
// name cannot both win. Returns ucg.ErrAlreadyExists when the name is
// taken.
func (s *Store) CreateEntity(ctx context.Context, entityType, semanticName string, data map[string]any, actor string) (entity *ucg.Entity, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_entity", start, err) }(time.Now())

	if !s.registry.Known(entityType) {
		return nil, fmt.Errorf("unknown entity type %q: %w", entityType, ucg.ErrIntegrityViolation)
	}
	if err := ucg.ValidateSemanticName(semanticName); err != nil {
		return nil, err
	}

	now := nowUTC()
	entity = &ucg.Entity{
		ID:           uuid.New().String(),
		Type:         entityType,
		SemanticName: semanticName,
		Data:         data,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    actor,
		UpdatedBy:    actor,
	}

	if semanticName != "" {
		// The durable tier may hold a mapping the fast tier lost.
		existing, err := s.durable.GetEntityBySemanticName(ctx, entityType, semanticName)
		if err != nil && !errors.Is(err, ucg.ErrNotFound) {
			return nil, err
		}
		if existing != nil && !existing.Deleted() {
			return nil, fmt.Errorf("semantic name %s/%s: %w", entityType, semanticName, ucg.ErrAlreadyExists)
		}

		stored, err := s.cache.StoreProtectedNX(ctx, keys.Semantic(entityType, semanticName), []byte(entity.ID))
		if err != nil {
			return nil, err
		}
		if !stored {
			return nil, fmt.Errorf("semantic name %s/%s: %w", entityType, semanticName, ucg.ErrAlreadyExists)
		}
	}

	if err := s.durable.UpsertEntity(ctx, entity); err != nil {
		if semanticName != "" {
			// Release the claim so the name is not orphaned.
			if derr := s.cache.Delete(ctx, keys.Semantic(entityType, semanticName)); derr != nil {
				s.logger.Error("failed to release semantic claim", "entity", entity.ID, "error", derr)
			}
		}
		return nil, err
	}

	if err := s.cacheEntity(ctx, entity); err != nil {
		return nil, err
	}
	if err := s.typeIndexAdd(ctx, entityType, entity.ID); err != nil {
		return nil, err
	}
	if err := s.indexAdd(ctx, keys.StatusIndex(cache.StatusLive), entity.ID); err != nil {
		return nil, err
	}
	if err := s.indexWords(ctx, entity); err != nil {
		return nil, err
	}

	s.logger.Debug("entity created", "id", entity.ID, "type", entityType, "name", semanticName)
	return entity, nil
}

// GetEntity retrieves an entity by id: fast tier first across the
// registered types, then the durable tier with repopulation.
func (s *Store) GetEntity(ctx context.Context, id string) (entity *ucg.Entity, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_entity", start, err) }(time.Now())

	for _, entityType := range s.registry.Types() {
		raw, err := s.cache.Read(ctx, keys.Entity(entityType, id))
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			break // fall back to durable
		}
		var e ucg.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode entity %s: %w", id, err)
		}
		return &e, nil
	}

	entity, err = s.durable.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if cerr := s.cacheEntity(ctx, entity); cerr != nil {
		s.logger.Warn("failed to repopulate entity", "id", id, "error", cerr)
	}
	return entity, nil
}

// GetBySemanticName retrieves a live entity by its (type, name) pair.
func (s *Store) GetBySemanticName(ctx context.Context, entityType, name string) (entity *ucg.Entity, err error) {
	defer func(start time.Time) { s.observe(ctx, "get_by_semantic_name", start, err) }(time.Now())

	raw, err := s.cache.Read(ctx, keys.Semantic(entityType, name))
	if err == nil {
		return s.GetEntity(ctx, string(raw))
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("semantic lookup fell back to durable", "type", entityType, "name", name, "error", err)
	}

	entity, err = s.durable.GetEntityBySemanticName(ctx, entityType, name)
	if err != nil {
		return nil, err
	}
	if entity.Deleted() {
		return nil, fmt.Errorf("semantic name %s/%s: %w", entityType, name, ucg.ErrNotFound)
	}
	if cerr := s.cacheEntity(ctx, entity); cerr != nil {
		s.logger.Warn("failed to repopulate entity", "id", entity.ID, "error", cerr)
	}
	return entity, nil
}

// UpdateEntity replaces the entity's payload wholesale and stamps the
// update actor and time. Deleted entities cannot be updated.
func (s *Store) UpdateEntity(ctx context.Context, id string, data map[string]any, actor string) (entity *ucg.Entity, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_entity", start, err) }(time.Now())

	entity, err = s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.Deleted() {
		return nil, fmt.Errorf("entity %s is deleted: %w", id, ucg.ErrNotFound)
	}

	entity.Data = data
	entity.UpdatedAt = nowUTC()
	entity.UpdatedBy = actor

	if err := s.durable.UpsertEntity(ctx, entity); err != nil {
		return nil, err
	}
	if err := s.cacheEntity(ctx, entity); err != nil {
		return nil, err
	}

	// Payload text changed, so the word index must follow.
	if err := s.removeWords(ctx, id); err != nil {
		return nil, err
	}
	if err := s.indexWords(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// DeleteEntity soft-deletes an entity: the record stays, the delete
// markers go into the payload, and the semantic name is released for
// reuse. An entity with children cannot be deleted; remove or reparent
// the children first.
func (s *Store) DeleteEntity(ctx context.Context, id, actor string) (err error) {
	defer func(start time.Time) { s.observe(ctx, "delete_entity", start, err) }(time.Now())

	entity, err := s.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if entity.Deleted() {
		return fmt.Errorf("entity %s already deleted: %w", id, ucg.ErrNotFound)
	}

	children, err := s.Children(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("entity %s has %d children: %w", id, len(children), ucg.ErrIntegrityViolation)
	}

	// Detach from its parent, if any.
	if err := s.RemoveAssociationByChild(ctx, id); err != nil && !errors.Is(err, ucg.ErrNotFound) {
		return err
	}

	if entity.SemanticName != "" {
		if err := s.cache.Delete(ctx, keys.Semantic(entity.Type, entity.SemanticName)); err != nil {
			return err
		}
		if err := s.durable.ClearSemanticName(ctx, id); err != nil {
			return err
		}
		entity.SemanticName = ""
	}

	entity.MarkDeleted(actor, nowUTC())
	entity.UpdatedAt = nowUTC()
	entity.UpdatedBy = actor

	if err := s.durable.UpsertEntity(ctx, entity); err != nil {
		return err
	}
	if err := s.cacheEntity(ctx, entity); err != nil {
		return err
	}

	if err := s.indexRemove(ctx, keys.StatusIndex(cache.StatusLive), id); err != nil {
		return err
	}
	if err := s.indexAdd(ctx, keys.StatusIndex(cache.StatusDeleted), id); err != nil {
		return err
	}
	if err := s.removeWords(ctx, id); err != nil {
		return err
	}

	s.logger.Debug("entity deleted", "id", id, "by", actor)
	return nil
}

// ListByType returns live entities of the given type, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListByType(ctx context.Context, entityType string, limit int) (entities []*ucg.Entity, err error) {
	defer func(start time.Time) { s.observe(ctx, "list_by_type", start, err) }(time.Now())

	ids, err := s.typeIndexMembers(ctx, entityType)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		entity, err := s.GetEntity(ctx, id)
		if err != nil {
			if errors.Is(err, ucg.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !entity.Deleted() {
			entities = append(entities, entity)
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if !entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].CreatedAt.After(entities[j].CreatedAt)
		}
		return entities[i].ID < entities[j].ID
	})
	if limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}
