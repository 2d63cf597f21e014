package trellis

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/metrics"
	"github.com/trelliscms/trellis/pkg/trace"
	"github.com/trelliscms/trellis/pkg/ucg"
)

func setupTestInstance(t *testing.T, cfg Config) *Trellis {
	t.Helper()

	cfg.DBPath = ":memory:"
	cfg.CacheInMemory = true
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = -1
	}

	instance, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { instance.Close() })
	return instance
}

func TestLifecycle(t *testing.T) {
	instance := setupTestInstance(t, Config{})
	ctx := context.Background()

	root, err := instance.CreateEntity(ctx, ucg.TypePage, "home", map[string]any{"title": "Home"}, "alice")
	require.NoError(t, err)

	hero, err := instance.AddNode(ctx, root.ID, ucg.TypeBlock, "", map[string]any{"name": "hero"}, 0, "alice")
	require.NoError(t, err)

	// Resolution by index, name and semantic name all land on the
	// same nodes.
	res, err := instance.Resolve(ctx, "content.1")
	require.NoError(t, err)
	assert.Equal(t, root.ID, res.Entity.ID)

	res, err = instance.Resolve(ctx, "content.1.hero")
	require.NoError(t, err)
	assert.Equal(t, hero.ID, res.Entity.ID)

	res, err = instance.Resolve(ctx, "$home")
	require.NoError(t, err)
	assert.Equal(t, root.ID, res.Entity.ID)

	g, err := instance.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, g.NodeCount())

	hits, err := instance.SearchByWord(ctx, "home")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, root.ID, hits[0].ID)

	require.NoError(t, instance.RemoveNode(ctx, hero.ID, "alice"))
	g, err = instance.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, g.NodeCount())
}

func TestMoveSubtreeGuards(t *testing.T) {
	instance := setupTestInstance(t, Config{})
	ctx := context.Background()

	root, err := instance.CreateEntity(ctx, ucg.TypePage, "move-root", nil, "alice")
	require.NoError(t, err)
	section, err := instance.AddNode(ctx, root.ID, ucg.TypeSection, "", nil, 0, "alice")
	require.NoError(t, err)
	block, err := instance.AddNode(ctx, section.ID, ucg.TypeBlock, "", nil, 0, "alice")
	require.NoError(t, err)

	err = instance.MoveSubtree(ctx, section.ID, block.ID, 0)
	assert.ErrorIs(t, err, ucg.ErrIntegrityViolation)

	require.NoError(t, instance.MoveSubtree(ctx, block.ID, root.ID, 10))
	res, err := instance.Resolve(ctx, "content.1.2")
	require.NoError(t, err)
	assert.Equal(t, block.ID, res.Entity.ID)
}

func TestPageCache(t *testing.T) {
	instance := setupTestInstance(t, Config{})
	ctx := context.Background()

	require.NoError(t, instance.CachePage(ctx, "/about", "en", "dark", []byte("<html>")))

	got, err := instance.CachedPage(ctx, "/about", "en", "dark")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>"), got)

	// Other locales are distinct keys.
	_, err = instance.CachedPage(ctx, "/about", "sv", "dark")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	n, err := instance.InvalidatePages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = instance.CachedPage(ctx, "/about", "en", "dark")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestSeedRoundTrip(t *testing.T) {
	seedDir := filepath.Join(t.TempDir(), "seed")
	instance := setupTestInstance(t, Config{SeedDir: seedDir})
	ctx := context.Background()

	root, err := instance.CreateEntity(ctx, ucg.TypePage, "seed-root", map[string]any{"title": "Seed"}, "alice")
	require.NoError(t, err)
	_, err = instance.AddNode(ctx, root.ID, ucg.TypeBlock, "", map[string]any{"body": "hello"}, 0, "alice")
	require.NoError(t, err)

	require.NoError(t, instance.ExportSeed(ctx, seedDir))

	stats, err := instance.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.Associations)
	assert.False(t, instance.Degraded())

	// Structure is intact after the wipe and replay.
	res, err := instance.Resolve(ctx, "$seed-root")
	require.NoError(t, err)
	assert.Equal(t, root.ID, res.Entity.ID)
	assert.Len(t, res.Children, 1)

	g, err := instance.BuildGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Entities, g.NodeCount())
}

func TestMonitorLifecycle(t *testing.T) {
	instance := setupTestInstance(t, Config{MonitorInterval: 10 * time.Millisecond})
	instance.Start(context.Background())
	// Close stops the monitor without hanging.
	require.NoError(t, instance.Close())
}

func TestRegistryExposed(t *testing.T) {
	instance := setupTestInstance(t, Config{})
	ctx := context.Background()

	require.NoError(t, instance.Registry().Register("campaign", true))

	entity, err := instance.CreateEntity(ctx, "campaign", "spring-sale", nil, "alice")
	require.NoError(t, err)

	roots, err := instance.Store().RootEntities(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, entity.ID, roots[0].ID)
}

// captureExporter collects trace records in memory for assertions.
type captureExporter struct {
	mu      sync.Mutex
	records []*trace.TraceRecord
}

func (c *captureExporter) Export(ctx context.Context, record *trace.TraceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *captureExporter) Close() error { return nil }

func (c *captureExporter) byOperation(op string) *trace.TraceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.records) - 1; i >= 0; i-- {
		if c.records[i].Operation == op {
			return c.records[i]
		}
	}
	return nil
}

func TestRebuildTraceAndGauges(t *testing.T) {
	seedDir := filepath.Join(t.TempDir(), "seed")
	exporter := &captureExporter{}
	collector := metrics.NewCollector()

	cfg := Config{DBPath: ":memory:", CacheInMemory: true, MonitorInterval: -1, SeedDir: seedDir}
	instance, err := New(cfg, WithTracer(exporter), WithMetrics(collector))
	require.NoError(t, err)
	t.Cleanup(func() { instance.Close() })

	ctx := context.Background()
	root, err := instance.CreateEntity(ctx, ucg.TypePage, "root", map[string]any{"title": "Root"}, "alice")
	require.NoError(t, err)
	_, err = instance.AddNode(ctx, root.ID, ucg.TypeBlock, "", map[string]any{"name": "intro"}, 0, "alice")
	require.NoError(t, err)

	require.NoError(t, instance.ExportSeed(ctx, seedDir))

	stats, err := instance.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entities)

	record := exporter.byOperation("rebuild")
	require.NotNil(t, record)
	assert.Equal(t, "success", record.Status)
	require.Len(t, record.Spans, 1)
	span := record.Spans[0]
	assert.Equal(t, "replay-seed", span.Name)
	assert.True(t, span.OK)
	assert.Equal(t, int64(stats.Entities), span.Counters["entitiesReplayed"])
	assert.Equal(t, int64(stats.Associations), span.Counters["associationsReplayed"])
	assert.Equal(t, int64(stats.Words), span.Counters["wordsReplayed"])

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "trellis_storage_count" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "type" {
					counts[label.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(stats.Entities), counts["entities"])
	assert.Equal(t, float64(stats.Associations), counts["associations"])
}
