// Package trellis wires the content graph core together: key scheme,
// fast-tier manager, entity store, path resolver and graph builder,
// constructed once at startup and torn down in reverse.
package trellis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/graph"
	"github.com/trelliscms/trellis/pkg/metrics"
	"github.com/trelliscms/trellis/pkg/resolve"
	"github.com/trelliscms/trellis/pkg/store"
	"github.com/trelliscms/trellis/pkg/trace"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Config holds configuration for a Trellis instance.
type Config struct {
	// DBPath is the durable tier database file, or ":memory:".
	DBPath string

	// CacheDir is the fast tier data directory. Ignored when
	// CacheInMemory is set.
	CacheDir      string
	CacheInMemory bool

	// CacheCapacityBytes is the nominal fast-tier capacity (default
	// 256 MiB).
	CacheCapacityBytes int64

	// WarningThreshold and CriticalThreshold are the pressure ratios
	// (defaults 0.85 and 0.95).
	WarningThreshold  float64
	CriticalThreshold float64

	// CacheDefaultTTL is the fast tier's default expiry for writes.
	CacheDefaultTTL time.Duration

	// SeedDir is the CSV seed directory for disaster recovery.
	SeedDir string

	// MonitorInterval is the pressure sampling period (default 30s).
	// Negative disables the monitor.
	MonitorInterval time.Duration

	// AlertCooldown rate-limits critical alerts (default 60s).
	AlertCooldown time.Duration

	// MaxDepth bounds graph assembly (default 50).
	MaxDepth int
}

// Option configures a Trellis instance.
type Option func(*Trellis)

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trellis) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(t *Trellis) {
		if collector != nil {
			t.metrics = collector
		}
	}
}

// WithTracer sets the trace exporter. Closed with the instance.
func WithTracer(exporter trace.Exporter) Option {
	return func(t *Trellis) {
		if exporter != nil {
			t.tracer = exporter
		}
	}
}

// Trellis is the assembled content graph core.
type Trellis struct {
	config   Config
	registry *ucg.TypeRegistry
	cache    *cache.Manager
	store    *store.Store
	resolver *resolve.Resolver
	builder  *graph.Builder
	monitor  *cache.Monitor

	logger  *slog.Logger
	metrics metrics.Collector
	tracer  trace.Exporter
}

// New constructs an instance: fast tier, durable tier, store, resolver
// and builder, in that dependency order, plus the background pressure
// monitor unless disabled.
func New(cfg Config, opts ...Option) (*Trellis, error) {
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 30 * time.Second
	}

	t := &Trellis{
		config:   cfg,
		registry: ucg.NewTypeRegistry(),
		logger:   slog.New(slog.DiscardHandler),
		metrics:  metrics.NewNoopCollector(),
		tracer:   trace.Discard,
	}
	for _, opt := range opts {
		opt(t)
	}

	mgr, err := cache.NewManager(cache.Options{
		Dir:               cfg.CacheDir,
		InMemory:          cfg.CacheInMemory,
		CapacityBytes:     cfg.CacheCapacityBytes,
		WarningThreshold:  cfg.WarningThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		DefaultTTL:        cfg.CacheDefaultTTL,
		SeedDir:           cfg.SeedDir,
		AlertCooldown:     cfg.AlertCooldown,
		Registry:          t.registry,
		Logger:            t.logger,
		Metrics:           t.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fast tier: %w", err)
	}
	t.cache = mgr

	durable, err := store.NewDurable(cfg.DBPath)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("failed to initialize durable tier: %w", err)
	}

	t.store = store.NewStore(mgr, durable, t.registry,
		store.WithLogger(t.logger), store.WithMetrics(t.metrics))
	t.resolver = resolve.NewResolver(t.store, resolve.WithLogger(t.logger))
	t.builder = graph.NewBuilder(t.store,
		graph.WithMaxDepth(cfg.MaxDepth), graph.WithLogger(t.logger))

	if cfg.MonitorInterval > 0 {
		t.monitor = cache.NewMonitor(mgr, cfg.MonitorInterval)
	}
	return t, nil
}

// Start launches the background pressure monitor, if configured.
func (t *Trellis) Start(ctx context.Context) {
	if t.monitor != nil {
		t.monitor.Start(ctx)
	}
}

// Close tears the instance down in reverse construction order: monitor,
// store, fast tier, tracer.
func (t *Trellis) Close() error {
	if t.monitor != nil {
		t.monitor.Stop()
	}

	var firstErr error
	if err := t.store.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close durable tier: %w", err)
	}
	if err := t.cache.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close fast tier: %w", err)
	}
	if err := t.tracer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close tracer: %w", err)
	}
	return firstErr
}

// Registry exposes the entity type registry for registering open types.
func (t *Trellis) Registry() *ucg.TypeRegistry {
	return t.registry
}

// Store exposes the entity and association store.
func (t *Trellis) Store() *store.Store {
	return t.store
}
