package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/metrics"
)

const defaultBackingTimeout = 3 * time.Second

// Options configures a Store.
type Options struct {
	// Backing is optional. Without one the store is memory-only.
	Backing Backing
	// HardMaxAge bounds how long an entry stays readable as stale.
	HardMaxAge time.Duration
	// BackingTimeout bounds each durable read or write.
	BackingTimeout time.Duration
	Clock          Clock
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Store is the keyed TTL cache shared by content resolution and discovery.
// Values are opaque bytes; Namespace layers typed access on top.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry

	backing        Backing
	backingTimeout time.Duration
	hardMaxAge     time.Duration
	now            Clock
	logger         *slog.Logger
	metrics        *metrics.Recorder

	sweepMu  sync.Mutex
	sweeping bool
	closed   bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStore constructs a Store. A zero HardMaxAge defaults to 24h.
func NewStore(opts Options) *Store {
	if opts.HardMaxAge <= 0 {
		opts.HardMaxAge = 24 * time.Hour
	}
	if opts.BackingTimeout <= 0 {
		opts.BackingTimeout = defaultBackingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Store{
		entries:        make(map[string]Entry),
		backing:        opts.Backing,
		backingTimeout: opts.BackingTimeout,
		hardMaxAge:     opts.HardMaxAge,
		now:            opts.Clock,
		logger:         opts.Logger.With(slog.String("agent", "cache")),
		metrics:        opts.Metrics,
		stopCh:         make(chan struct{}),
	}
}

// HardMaxAge exposes the configured stale horizon.
func (s *Store) HardMaxAge() time.Duration { return s.hardMaxAge }

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the value only when it is fresh.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	lookup, ok := s.GetStale(ctx, key)
	if !ok || !lookup.Fresh {
		return nil, false
	}
	return lookup.Value, true
}

// GetStale returns any entry younger than the hard max age together with its
// freshness.
func (s *Store) GetStale(ctx context.Context, key string) (Lookup, bool) {
	start := time.Now()
	entry, ok, result := s.lookup(ctx, key)
	s.metrics.ObserveCacheLookup(namespaceOf(key), result, time.Since(start))
	if !ok {
		return Lookup{}, false
	}
	now := s.now()
	return Lookup{
		Value:     cloneBytes(entry.Value),
		Fresh:     entry.Fresh(now),
		Age:       entry.Age(now),
		CreatedAt: entry.CreatedAt,
	}, true
}

func (s *Store) lookup(ctx context.Context, key string) (Entry, bool, metrics.CacheLookupOutcome) {
	now := s.now()
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		loaded, found, err := s.loadBacking(ctx, key)
		if err != nil {
			s.logger.Warn("cache backing read failed", slog.String("key", key), slog.Any("error", err))
			return Entry{}, false, metrics.CacheLookupError
		}
		if !found {
			return Entry{}, false, metrics.CacheLookupMiss
		}
		entry = loaded
		if entry.Age(now) < s.hardMaxAge {
			s.hydrate(entry)
		}
	}

	if entry.Age(now) >= s.hardMaxAge {
		s.evict(ctx, key, entry.CreatedAt)
		return Entry{}, false, metrics.CacheLookupMiss
	}
	if entry.Fresh(now) {
		return entry, true, metrics.CacheLookupHit
	}
	return entry, true, metrics.CacheLookupStale
}

func (s *Store) loadBacking(ctx context.Context, key string) (Entry, bool, error) {
	if s.backing == nil {
		return Entry{}, false, nil
	}
	bctx, cancel := s.backingContext(ctx)
	defer cancel()
	return s.backing.Load(bctx, key)
}

// hydrate copies a durable entry into memory unless a newer write raced it.
func (s *Store) hydrate(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.Key]; ok && !existing.CreatedAt.Before(entry.CreatedAt) {
		return
	}
	s.entries[entry.Key] = entry
}

// evict drops an entry past the hard max age unless it was rewritten since.
// The backing copy is left alone when memory holds a newer write.
func (s *Store) evict(ctx context.Context, key string, createdAt time.Time) {
	s.mu.Lock()
	existing, ok := s.entries[key]
	expired := !ok || existing.CreatedAt.Equal(createdAt)
	if ok && expired {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if expired {
		s.deleteBacking(ctx, key)
	}
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
// Persistence failures are logged and never surface to the caller.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	entry := Entry{
		Key:       key,
		Value:     cloneBytes(value),
		CreatedAt: s.now(),
		TTL:       ttl,
	}
	start := time.Now()
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	result := metrics.CacheStoreStored
	if s.backing != nil {
		bctx, cancel := s.backingContext(ctx)
		err := s.backing.Save(bctx, entry)
		cancel()
		if err != nil {
			result = metrics.CacheStoreError
			s.logger.Warn("cache backing write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	s.metrics.ObserveCacheStore(namespaceOf(key), result, time.Since(start))
}

// Invalidate removes key from memory and the backing.
func (s *Store) Invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.deleteBacking(ctx, key)
}

// InvalidatePrefix removes every key in a namespace. An empty prefix is
// ignored; use Clear to drop everything.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) {
	if prefix == "" {
		return
	}
	s.deletePrefix(ctx, prefix)
}

// Clear drops every entry.
func (s *Store) Clear(ctx context.Context) {
	s.deletePrefix(ctx, "")
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) {
	s.mu.Lock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
	if s.backing == nil {
		return
	}
	bctx, cancel := s.backingContext(ctx)
	defer cancel()
	if err := s.backing.DeletePrefix(bctx, prefix); err != nil {
		s.logger.Warn("cache backing prefix delete failed", slog.String("prefix", prefix), slog.Any("error", err))
	}
}

func (s *Store) deleteBacking(ctx context.Context, key string) {
	if s.backing == nil {
		return
	}
	bctx, cancel := s.backingContext(ctx)
	defer cancel()
	if err := s.backing.Delete(bctx, key); err != nil {
		s.logger.Warn("cache backing delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

// backingContext detaches durable I/O from the caller's cancellation so an
// abandoned request does not leave memory and backing out of step.
func (s *Store) backingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.backingTimeout)
}

// Len reports the number of entries held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes entries older than the hard max age from memory and asks the
// backing to do the same. It returns the number of in-memory entries removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	removed := 0
	s.mu.Lock()
	for key, entry := range s.entries {
		if entry.Age(now) >= s.hardMaxAge {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()

	if s.backing != nil {
		bctx, cancel := s.backingContext(ctx)
		dropped, err := s.backing.Cleanup(bctx, now.Add(-s.hardMaxAge))
		cancel()
		if err != nil {
			s.logger.Warn("cache backing cleanup failed", slog.Any("error", err))
		} else if dropped > 0 {
			s.logger.Debug("cache backing cleanup", slog.Int("removed", dropped))
		}
	}
	if removed > 0 {
		s.logger.Debug("cache sweep", slog.Int("removed", removed))
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close. Calling it more than
// once has no effect.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweeping || s.closed {
		return
	}
	s.sweeping = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep(context.Background())
			}
		}
	}()
}

// Close stops the sweeper and releases the backing.
func (s *Store) Close(_ context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.sweepMu.Lock()
		s.closed = true
		close(s.stopCh)
		s.sweepMu.Unlock()
		s.wg.Wait()
		if s.backing != nil {
			err = s.backing.Close()
		}
	})
	return err
}
