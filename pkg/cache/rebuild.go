package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/seed"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Entity statuses tracked by the status index.
const (
	StatusLive    = "live"
	StatusDeleted = "deleted"
)

// RebuildStats reports what a successful rebuild replayed.
type RebuildStats struct {
	Entities     int
	Associations int
	Words        int
}

// Rebuild wipes the entire fast tier and replays the canonical CSV seed
// into protected storage: entity records, semantic mappings, type and
// status indexes, association records, children/parent indices and the
// word index. Failure is fatal for the fast tier: the manager marks
// itself degraded and refuses protected traffic until a later rebuild
// succeeds.
func (m *Manager) Rebuild(ctx context.Context) (RebuildStats, error) {
	if m.seedDir == "" {
		m.setDegraded(true)
		return RebuildStats{}, fmt.Errorf("no seed directory configured: %w", ErrRebuildFailed)
	}

	data, err := seed.Load(m.seedDir)
	if err != nil {
		m.setDegraded(true)
		return RebuildStats{}, fmt.Errorf("load seed: %v: %w", err, ErrRebuildFailed)
	}

	if err := m.db.DropAll(); err != nil {
		m.setDegraded(true)
		return RebuildStats{}, fmt.Errorf("wipe fast tier: %v: %w", err, ErrRebuildFailed)
	}

	stats, err := m.replay(ctx, data)
	if err != nil {
		m.setDegraded(true)
		return RebuildStats{}, fmt.Errorf("replay seed: %v: %w", err, ErrRebuildFailed)
	}

	m.setDegraded(false)
	m.logger.Info("fast tier rebuilt from seed",
		"entities", stats.Entities, "associations", stats.Associations, "words", stats.Words)
	return stats, nil
}

// replay writes the seed back into protected keys. Writes go straight to
// the store, bypassing the degraded gate that blocks ordinary callers.
func (m *Manager) replay(ctx context.Context, data *seed.Data) (RebuildStats, error) {
	stats := RebuildStats{}

	typeIndex := make(map[string][]string)
	statusIndex := make(map[string][]string)

	for i := range data.Entities {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entity := &data.Entities[i]

		raw, err := json.Marshal(entity)
		if err != nil {
			return stats, fmt.Errorf("marshal entity %s: %w", entity.ID, err)
		}
		if err := m.writeRaw(keys.Entity(entity.Type, entity.ID), raw); err != nil {
			return stats, err
		}

		if entity.SemanticName != "" && !entity.Deleted() {
			if err := m.writeRaw(keys.Semantic(entity.Type, entity.SemanticName), []byte(entity.ID)); err != nil {
				return stats, err
			}
		}

		typeIndex[entity.Type] = append(typeIndex[entity.Type], entity.ID)
		status := StatusLive
		if entity.Deleted() {
			status = StatusDeleted
		}
		statusIndex[status] = append(statusIndex[status], entity.ID)

		if m.registry != nil && !m.registry.Known(entity.Type) {
			if err := m.registry.Register(entity.Type, false); err != nil {
				return stats, err
			}
		}
		stats.Entities++
	}

	for entityType, ids := range typeIndex {
		if err := m.writeIndex(keys.TypeIndex(entityType), ids); err != nil {
			return stats, err
		}
	}
	for status, ids := range statusIndex {
		if err := m.writeIndex(keys.StatusIndex(status), ids); err != nil {
			return stats, err
		}
	}

	children := make(map[string][]ucg.Association)
	for _, assoc := range data.Associations {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw, err := json.Marshal(assoc)
		if err != nil {
			return stats, fmt.Errorf("marshal association %s: %w", assoc.ID, err)
		}
		if err := m.writeRaw(keys.Association(assoc.Path), raw); err != nil {
			return stats, err
		}
		if err := m.writeRaw(keys.Parent(assoc.ChildID), []byte(assoc.ParentID)); err != nil {
			return stats, err
		}
		children[assoc.ParentID] = append(children[assoc.ParentID], assoc)
		stats.Associations++
	}

	for parentID, assocs := range children {
		sort.Slice(assocs, func(i, j int) bool {
			if assocs[i].Weight != assocs[j].Weight {
				return assocs[i].Weight < assocs[j].Weight
			}
			return assocs[i].CreatedAt.Before(assocs[j].CreatedAt)
		})
		raw, err := json.Marshal(assocs)
		if err != nil {
			return stats, fmt.Errorf("marshal children of %s: %w", parentID, err)
		}
		if err := m.writeRaw(keys.Children(parentID), raw); err != nil {
			return stats, err
		}
	}

	wordIndex := make(map[string][]string)
	entityWords := make(map[string][]string)
	for _, row := range data.Words {
		wordIndex[row.Word] = append(wordIndex[row.Word], row.EntityID)
		entityWords[row.EntityID] = append(entityWords[row.EntityID], row.Word)
		stats.Words++
	}
	for word, ids := range wordIndex {
		if err := m.writeIndex(keys.Word(word), ids); err != nil {
			return stats, err
		}
	}
	for id, words := range entityWords {
		if err := m.writeIndex(keys.EntityWords(id), words); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// writeRaw stores a protected value without the degraded gate or the
// two-step expiry clear: rebuild writes never inherit a TTL.
func (m *Manager) writeRaw(key string, value []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (m *Manager) writeIndex(key string, members []string) error {
	sort.Strings(members)
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", key, err)
	}
	return m.writeRaw(key, raw)
}
