package trellis

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/graph"
	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/resolve"
	"github.com/trelliscms/trellis/pkg/trace"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// CreateEntity creates a typed entity with an optional semantic name.
func (t *Trellis) CreateEntity(ctx context.Context, entityType, semanticName string, data map[string]any, actor string) (*ucg.Entity, error) {
	start := time.Now()
	entity, err := t.store.CreateEntity(ctx, entityType, semanticName, data, actor)
	ids := map[string]interface{}{"type": entityType}
	if entity != nil {
		ids["entity"] = entity.ID
	}
	t.emitTrace(ctx, "create_entity", start, err, ids)
	return entity, err
}

// GetEntity retrieves an entity by id.
func (t *Trellis) GetEntity(ctx context.Context, id string) (*ucg.Entity, error) {
	return t.store.GetEntity(ctx, id)
}

// GetBySemanticName retrieves a live entity by its (type, name) pair.
func (t *Trellis) GetBySemanticName(ctx context.Context, entityType, name string) (*ucg.Entity, error) {
	return t.store.GetBySemanticName(ctx, entityType, name)
}

// UpdateEntity replaces an entity's payload.
func (t *Trellis) UpdateEntity(ctx context.Context, id string, data map[string]any, actor string) (*ucg.Entity, error) {
	start := time.Now()
	entity, err := t.store.UpdateEntity(ctx, id, data, actor)
	t.emitTrace(ctx, "update_entity", start, err, map[string]interface{}{"entity": id})
	return entity, err
}

// DeleteEntity soft-deletes a childless entity.
func (t *Trellis) DeleteEntity(ctx context.Context, id, actor string) error {
	start := time.Now()
	err := t.store.DeleteEntity(ctx, id, actor)
	t.emitTrace(ctx, "delete_entity", start, err, map[string]interface{}{"entity": id})
	return err
}

// ListByType returns live entities of a type, newest first.
func (t *Trellis) ListByType(ctx context.Context, entityType string, limit int) ([]*ucg.Entity, error) {
	return t.store.ListByType(ctx, entityType, limit)
}

// SearchByWord returns the live entities indexed under a search term.
func (t *Trellis) SearchByWord(ctx context.Context, word string) ([]*ucg.Entity, error) {
	return t.store.SearchByWord(ctx, word)
}

// Resolve resolves a path string to its entity and children.
func (t *Trellis) Resolve(ctx context.Context, path string) (*resolve.Resolution, error) {
	start := time.Now()
	resolution, err := t.resolver.Resolve(ctx, path)
	t.emitTrace(ctx, "resolve", start, err, map[string]interface{}{"path": path})
	return resolution, err
}

// Parent resolves the node above the given path.
func (t *Trellis) Parent(ctx context.Context, path string) (*resolve.Resolution, error) {
	return t.resolver.Parent(ctx, path)
}

// Siblings returns the other members of the node's sibling group.
func (t *Trellis) Siblings(ctx context.Context, path string) ([]ucg.Association, error) {
	return t.resolver.Siblings(ctx, path)
}

// NextSibling resolves the node at the next sibling position.
func (t *Trellis) NextSibling(ctx context.Context, path string) (*resolve.Resolution, error) {
	return t.resolver.NextSibling(ctx, path)
}

// PreviousSibling resolves the node at the previous sibling position.
func (t *Trellis) PreviousSibling(ctx context.Context, path string) (*resolve.Resolution, error) {
	return t.resolver.PreviousSibling(ctx, path)
}

// BuildGraph assembles a fresh snapshot of the full content tree.
func (t *Trellis) BuildGraph(ctx context.Context) (*graph.Graph, error) {
	return t.builder.Build(ctx)
}

// AddNode creates an entity and attaches it under a parent.
func (t *Trellis) AddNode(ctx context.Context, parentID, entityType, semanticName string, data map[string]any, weight int, actor string) (*ucg.Entity, error) {
	start := time.Now()
	entity, err := t.builder.AddNode(ctx, parentID, entityType, semanticName, data, weight, actor)
	ids := map[string]interface{}{"parent": parentID}
	if entity != nil {
		ids["entity"] = entity.ID
	}
	t.emitTrace(ctx, "add_node", start, err, ids)
	return entity, err
}

// RemoveNode deletes a node and its whole subtree.
func (t *Trellis) RemoveNode(ctx context.Context, id, actor string) error {
	start := time.Now()
	err := t.builder.RemoveNode(ctx, id, actor)
	t.emitTrace(ctx, "remove_node", start, err, map[string]interface{}{"entity": id})
	return err
}

// MoveSubtree reparents a node, subtree and all.
func (t *Trellis) MoveSubtree(ctx context.Context, id, newParentID string, weight int) error {
	start := time.Now()
	err := t.builder.MoveSubtree(ctx, id, newParentID, weight)
	t.emitTrace(ctx, "move_subtree", start, err,
		map[string]interface{}{"entity": id, "newParent": newParentID})
	return err
}

// CachePage stores a rendered page under its (path, locale, theme) key
// with the page-cache default lifetime.
func (t *Trellis) CachePage(ctx context.Context, path, locale, theme string, rendered []byte) error {
	key := keys.PageCache(path, locale, theme)
	return t.cache.StoreEvictable(ctx, key, rendered, keys.DefaultTTL(keys.CategoryPageCache))
}

// CachedPage reads a rendered page back, or cache.ErrCacheMiss.
func (t *Trellis) CachedPage(ctx context.Context, path, locale, theme string) ([]byte, error) {
	return t.cache.Read(ctx, keys.PageCache(path, locale, theme))
}

// InvalidatePages purges every cached rendering of every page.
func (t *Trellis) InvalidatePages(ctx context.Context) (int, error) {
	return t.cache.PurgePattern(ctx, "page:cache:")
}

// HandlePressure checks fast-tier usage and purges or rebuilds as
// needed.
func (t *Trellis) HandlePressure(ctx context.Context) error {
	start := time.Now()
	err := t.cache.HandlePressure(ctx)
	t.emitTrace(ctx, "handle_pressure", start, err, nil)
	return err
}

// Rebuild wipes the fast tier and replays the CSV seed.
func (t *Trellis) Rebuild(ctx context.Context) (cache.RebuildStats, error) {
	start := time.Now()
	stats, err := t.cache.Rebuild(ctx)

	span := trace.SpanRecord{
		Name:       "replay-seed",
		DurationMs: time.Since(start).Milliseconds(),
		OK:         err == nil,
		Counters: map[string]int64{
			"entitiesReplayed":     int64(stats.Entities),
			"associationsReplayed": int64(stats.Associations),
			"wordsReplayed":        int64(stats.Words),
		},
	}
	if err != nil {
		span.ErrorType = ClassifyError(err)
	} else {
		t.metrics.SetStorageCount(ctx, "entities", int64(stats.Entities))
		t.metrics.SetStorageCount(ctx, "associations", int64(stats.Associations))
	}
	t.emitTrace(ctx, "rebuild", start, err, nil, span)
	return stats, err
}

// ExportSeed writes a fresh canonical seed from the durable tier.
func (t *Trellis) ExportSeed(ctx context.Context, dir string) error {
	return t.store.ExportSeed(ctx, dir)
}

// Usage returns the fast-tier usage ratio.
func (t *Trellis) Usage() float64 {
	return t.cache.Usage()
}

// Degraded reports whether the fast tier is refusing protected traffic.
func (t *Trellis) Degraded() bool {
	return t.cache.Degraded()
}

// emitTrace exports one operation trace; export failures are logged,
// never propagated.
func (t *Trellis) emitTrace(ctx context.Context, operation string, start time.Time, opErr error, ids map[string]interface{}, spans ...trace.SpanRecord) {
	record := &trace.TraceRecord{
		Timestamp:   start,
		OperationID: uuid.New().String(),
		Operation:   operation,
		DurationMs:  time.Since(start).Milliseconds(),
		Status:      "success",
		Spans:       spans,
		IDs:         ids,
	}
	if opErr != nil {
		record.Status = "error"
		record.ErrorType = ClassifyError(opErr)
	}
	if err := t.tracer.Export(ctx, record); err != nil {
		t.logger.Warn("trace export failed", "operation", operation, "error", err)
	}
}
