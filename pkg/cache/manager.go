// Package cache implements the fast-tier memory manager: the single
// gateway for protected reads/writes against the embedded key/value
// store, pressure-driven eviction of derived data, and full rebuild of
// protected structure from the canonical CSV seed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/trelliscms/trellis/pkg/keys"
	"github.com/trelliscms/trellis/pkg/metrics"
	"github.com/trelliscms/trellis/pkg/ucg"
)

var (
	// ErrCacheMiss indicates the key is absent from the fast tier.
	// Fallback to the durable tier is the caller's responsibility.
	ErrCacheMiss = errors.New("cache miss")

	// ErrProtectedPattern indicates a purge was attempted against a
	// protected key prefix.
	ErrProtectedPattern = errors.New("purge pattern matches protected keys")

	// ErrResourceExhausted indicates the fast tier remained above the
	// critical threshold after purge and rebuild.
	ErrResourceExhausted = errors.New("fast tier resource exhausted")

	// ErrRebuildFailed indicates the last rebuild did not complete. The
	// manager refuses protected traffic until a rebuild succeeds.
	ErrRebuildFailed = errors.New("fast tier rebuild failed")
)

// purgeBatchSize bounds how many keys are deleted per transaction during
// a pattern purge, so eviction never blocks the store for long.
const purgeBatchSize = 100

// Options configures a Manager.
type Options struct {
	// Dir is the badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the fast tier entirely in RAM (tests, ephemeral
	// deployments).
	InMemory bool

	// CapacityBytes is the nominal fast-tier capacity used to compute
	// the usage ratio. Default 256 MiB.
	CapacityBytes int64

	// WarningThreshold and CriticalThreshold are usage ratios that
	// trigger purge and rebuild respectively. Defaults 0.85 and 0.95.
	WarningThreshold  float64
	CriticalThreshold float64

	// DefaultTTL models a backing store that applies a default expiry
	// to every write. Protected writes explicitly clear it.
	DefaultTTL time.Duration

	// SeedDir is the CSV seed directory used by Rebuild.
	SeedDir string

	// AlertCooldown rate-limits critical alerts. Default 60s.
	AlertCooldown time.Duration

	// Registry receives entity types observed during rebuild so reads
	// can find them again. Optional.
	Registry *ucg.TypeRegistry

	// UsageFn overrides the usage ratio computation. Intended for
	// tests; when nil the ratio is derived from badger's reported size.
	UsageFn func() float64

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Manager is the single gateway for all fast-tier access. Safe for
// concurrent use.
type Manager struct {
	db         *badger.DB
	capacity   int64
	warning    float64
	critical   float64
	defaultTTL time.Duration
	seedDir    string
	registry   *ucg.TypeRegistry
	usageFn    func() float64
	logger     *slog.Logger
	metrics    metrics.Collector

	// degraded is set when a rebuild fails; protected traffic is
	// refused until a later rebuild succeeds.
	degradedMu sync.RWMutex
	degraded   bool

	// lastAlert enforces the critical-alert cooldown. Guarded by
	// alertMu: the monitor and any direct HandlePressure callers share
	// this single timestamp.
	alertMu   sync.Mutex
	lastAlert time.Time
	cooldown  time.Duration
}

// NewManager opens the fast tier and returns a manager over it.
func NewManager(opts Options) (*Manager, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open fast tier: %w", err)
	}

	if opts.CapacityBytes <= 0 {
		opts.CapacityBytes = 256 << 20
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = 0.85
	}
	if opts.CriticalThreshold <= 0 {
		opts.CriticalThreshold = 0.95
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}

	return &Manager{
		db:         db,
		capacity:   opts.CapacityBytes,
		warning:    opts.WarningThreshold,
		critical:   opts.CriticalThreshold,
		defaultTTL: opts.DefaultTTL,
		seedDir:    opts.SeedDir,
		registry:   opts.Registry,
		usageFn:    opts.UsageFn,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		cooldown:   opts.AlertCooldown,
	}, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Degraded reports whether the manager is refusing protected traffic
// after a failed rebuild.
func (m *Manager) Degraded() bool {
	m.degradedMu.RLock()
	defer m.degradedMu.RUnlock()
	return m.degraded
}

func (m *Manager) setDegraded(v bool) {
	m.degradedMu.Lock()
	m.degraded = v
	m.degradedMu.Unlock()
}

// StoreProtected writes a protected record and then explicitly clears
// any inherited expiry. The two steps are not atomic; a crash between
// them can leave a protected record with a stray expiry (accepted
// window).
func (m *Manager) StoreProtected(ctx context.Context, key string, value []byte) error {
	if m.Degraded() {
		return fmt.Errorf("protected write of %s refused: %w", key, ErrRebuildFailed)
	}

	// Step 1: ordinary write, inheriting the store's default TTL.
	err := m.db.Update(func(txn *badger.Txn) error {
		if m.defaultTTL > 0 {
			return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(m.defaultTTL))
		}
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to store protected key %s: %w", key, err))
	}

	// Step 2: clear the expiry if one was inherited.
	err = m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if item.ExpiresAt() == 0 {
			return nil
		}
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to clear expiry on %s: %w", key, err))
	}
	return nil
}

// StoreProtectedNX writes a protected record only if the key is absent.
// Returns false without error when the key already exists. The check and
// write run inside one store transaction, so concurrent creators of the
// same key cannot both win.
func (m *Manager) StoreProtectedNX(ctx context.Context, key string, value []byte) (bool, error) {
	if m.Degraded() {
		return false, fmt.Errorf("protected write of %s refused: %w", key, ErrRebuildFailed)
	}

	stored := false
	err := m.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		stored = true
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return false, ucg.Transient(fmt.Errorf("failed conditional store of %s: %w", key, err))
	}
	return stored, nil
}

// StoreEvictable writes a time-bounded record. A non-positive ttl falls
// back to the category default derived from the key, then to the
// store's default TTL.
func (m *Manager) StoreEvictable(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		if ttl > 0 {
			return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
		}
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to store evictable key %s: %w", key, err))
	}
	return nil
}

// Read returns the value for key, cache-first with no durable fallback.
// Returns ErrCacheMiss when absent, expired, or while the manager is
// degraded (protected content is untrustworthy until rebuild succeeds).
func (m *Manager) Read(ctx context.Context, key string) ([]byte, error) {
	if m.Degraded() && keys.IsProtected(key) {
		return nil, ErrCacheMiss
	}

	var value []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, ucg.Transient(fmt.Errorf("failed to read key %s: %w", key, err))
	}
	return value, nil
}

// Delete removes a key from the fast tier. Deleting an absent key is
// not an error.
func (m *Manager) Delete(ctx context.Context, key string) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return ucg.Transient(fmt.Errorf("failed to delete key %s: %w", key, err))
	}
	return nil
}

// PurgePattern deletes every key under prefix in bounded batches and
// returns the number of keys removed. Protected prefixes are refused.
// Keys created concurrently with the scan may or may not be swept in the
// same pass.
func (m *Manager) PurgePattern(ctx context.Context, prefix string) (int, error) {
	// Refuse prefixes inside a protected family, and broader prefixes
	// that would sweep one (e.g. "ent" covering "entity:").
	for _, protected := range keys.ProtectedPrefixes() {
		if strings.HasPrefix(prefix, protected) || strings.HasPrefix(protected, prefix) {
			return 0, fmt.Errorf("prefix %q: %w", prefix, ErrProtectedPattern)
		}
	}

	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		batch, err := m.collectBatch(prefix, purgeBatchSize)
		if err != nil {
			return deleted, ucg.Transient(fmt.Errorf("failed to scan prefix %s: %w", prefix, err))
		}
		if len(batch) == 0 {
			return deleted, nil
		}

		err = m.db.Update(func(txn *badger.Txn) error {
			for _, k := range batch {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, ucg.Transient(fmt.Errorf("failed to purge prefix %s: %w", prefix, err))
		}
		deleted += len(batch)
	}
}

// collectBatch gathers up to limit keys under prefix using a read-only
// cursor, so the delete transaction stays small.
func (m *Manager) collectBatch(prefix string, limit int) ([][]byte, error) {
	var batch [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p) && len(batch) < limit; it.Next() {
			batch = append(batch, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return batch, err
}

// Usage returns the fast tier usage ratio against configured capacity.
func (m *Manager) Usage() float64 {
	if m.usageFn != nil {
		return m.usageFn()
	}
	lsm, vlog := m.db.Size()
	return float64(lsm+vlog) / float64(m.capacity)
}

// HandlePressure checks usage and reacts: above the warning threshold it
// purges all evictable patterns best-effort; if usage is still at or
// above the critical threshold it performs exactly one full rebuild from
// the CSV seed. Returns ErrResourceExhausted when even the rebuild did
// not bring usage below critical.
func (m *Manager) HandlePressure(ctx context.Context) error {
	usage := m.Usage()
	m.metrics.SetUsageRatio(ctx, usage)
	if usage < m.warning {
		return nil
	}

	m.logger.Warn("fast tier pressure, purging evictable patterns", "usage", usage)
	m.metrics.RecordPressure(ctx, "warning")

	for _, pattern := range keys.EvictablePatterns() {
		n, err := m.PurgePattern(ctx, pattern)
		if err != nil {
			// Best-effort: log and continue with the next pattern.
			m.logger.Error("pattern purge failed", "pattern", pattern, "error", err)
			continue
		}
		if n > 0 {
			m.logger.Debug("purged pattern", "pattern", pattern, "keys", n)
		}
	}

	usage = m.Usage()
	if usage < m.critical {
		return nil
	}

	m.logger.Error("fast tier critical after purge, rebuilding from seed", "usage", usage)
	m.metrics.RecordPressure(ctx, "critical")

	if _, err := m.Rebuild(ctx); err != nil {
		return err
	}

	if usage = m.Usage(); usage >= m.critical {
		return fmt.Errorf("usage %.2f after rebuild: %w", usage, ErrResourceExhausted)
	}
	return nil
}

// allowCriticalAlert applies the alert cooldown. The read-modify-write
// of the shared timestamp is done under a single lock so concurrent
// samplers cannot both alert inside one window.
func (m *Manager) allowCriticalAlert(now time.Time) bool {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	if now.Sub(m.lastAlert) < m.cooldown {
		return false
	}
	m.lastAlert = now
	return true
}
