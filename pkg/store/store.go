package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trelliscms/trellis/pkg/cache"
	"github.com/trelliscms/trellis/pkg/metrics"
	"github.com/trelliscms/trellis/pkg/seed"
	"github.com/trelliscms/trellis/pkg/ucg"
)

// Store is the entity and association store. Reads are cache-first with
// durable fallback and repopulation; every structural write lands in
// both tiers, durable first so a fast-tier crash never loses structure.
//
// Associations are managed here rather than behind a separate type:
// every association write must also maintain the children and parent
// indices, and splitting that across components would split the
// invariant with it.
type Store struct {
	cache    *cache.Manager
	durable  *Durable
	registry *ucg.TypeRegistry
	logger   *slog.Logger
	metrics  metrics.Collector
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(s *Store) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// NewStore builds a store over an opened fast tier and durable tier.
func NewStore(cacheMgr *cache.Manager, durable *Durable, registry *ucg.TypeRegistry, opts ...Option) *Store {
	s := &Store{
		cache:    cacheMgr,
		durable:  durable,
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		metrics:  metrics.NewNoopCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the entity type registry.
func (s *Store) Registry() *ucg.TypeRegistry {
	return s.registry
}

// Cache returns the fast-tier manager, for pressure handling and
// derived-data storage.
func (s *Store) Cache() *cache.Manager {
	return s.cache
}

// Close releases the durable tier. The fast tier is owned by whoever
// opened it.
func (s *Store) Close() error {
	return s.durable.Close()
}

// EntityCount returns the number of entities in the durable tier.
func (s *Store) EntityCount(ctx context.Context) (int64, error) {
	return s.durable.EntityCount(ctx)
}

// AssociationCount returns the number of associations in the durable
// tier.
func (s *Store) AssociationCount(ctx context.Context) (int64, error) {
	return s.durable.AssociationCount(ctx)
}

// ExportSeed writes the canonical CSV seed to dir from the durable
// tier: every entity, every association, and the word rows recomputed
// from live entity content. The export is the disaster-recovery input
// for a later fast-tier rebuild.
func (s *Store) ExportSeed(ctx context.Context, dir string) error {
	entities, err := s.durable.AllEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to export entities: %w", err)
	}
	assocs, err := s.durable.AllAssociations(ctx)
	if err != nil {
		return fmt.Errorf("failed to export associations: %w", err)
	}

	data := &seed.Data{
		Associations: assocs,
	}
	for _, entity := range entities {
		data.Entities = append(data.Entities, *entity)
		if entity.Deleted() {
			continue
		}
		for _, word := range tokenize(entity) {
			data.Words = append(data.Words, seed.WordRow{Word: word, EntityID: entity.ID})
		}
	}

	if err := seed.Write(dir, data); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	s.metrics.SetStorageCount(ctx, "entities", int64(len(data.Entities)))
	s.metrics.SetStorageCount(ctx, "associations", int64(len(data.Associations)))
	s.logger.Info("seed exported",
		"dir", dir,
		"entities", len(data.Entities),
		"associations", len(data.Associations),
		"words", len(data.Words))
	return nil
}

// observe records an operation's outcome and duration.
func (s *Store) observe(ctx context.Context, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordError(ctx, op, errType(err))
	}
	s.metrics.RecordOperation(ctx, op, status, time.Since(start).Milliseconds())
}

// errType maps an error to a stable metric label.
func errType(err error) string {
	switch {
	case errors.Is(err, ucg.ErrNotFound):
		return "not_found"
	case errors.Is(err, ucg.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ucg.ErrIntegrityViolation):
		return "integrity"
	case errors.Is(err, ucg.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, cache.ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, cache.ErrRebuildFailed):
		return "rebuild_failed"
	case errors.Is(err, ucg.ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
