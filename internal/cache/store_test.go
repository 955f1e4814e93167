package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/ledgerlens/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingBacking struct {
	saves int
}

var errBackingDown = errors.New("backing down")

func (f *failingBacking) Load(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errBackingDown
}

func (f *failingBacking) Save(context.Context, Entry) error {
	f.saves++
	return errBackingDown
}
func (f *failingBacking) Delete(context.Context, string) error       { return errBackingDown }
func (f *failingBacking) DeletePrefix(context.Context, string) error { return errBackingDown }
func (f *failingBacking) Cleanup(context.Context, time.Time) (int, error) {
	return 0, errBackingDown
}
func (f *failingBacking) Close() error { return nil }

func TestStoreFreshThenStale(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(Options{Clock: clock.Now, HardMaxAge: time.Hour})
	ctx := context.Background()

	store.Set(ctx, "content:a", []byte("v1"), time.Minute)

	value, ok := store.Get(ctx, "content:a")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)

	clock.Advance(2 * time.Minute)
	_, ok = store.Get(ctx, "content:a")
	require.False(t, ok, "expired entry must not be returned as fresh")

	lookup, ok := store.GetStale(ctx, "content:a")
	require.True(t, ok)
	require.False(t, lookup.Fresh)
	require.Equal(t, 2*time.Minute, lookup.Age)
	require.Equal(t, []byte("v1"), lookup.Value)
}

func TestStoreHardMaxAgeEvicts(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(Options{Clock: clock.Now, HardMaxAge: 10 * time.Minute})
	ctx := context.Background()

	store.Set(ctx, "record:1", []byte("x"), time.Minute)
	clock.Advance(10 * time.Minute)

	_, ok := store.GetStale(ctx, "record:1")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestStoreSetIgnoresNonPositiveTTL(t *testing.T) {
	store := NewStore(Options{})
	store.Set(context.Background(), "k", []byte("v"), 0)
	require.Equal(t, 0, store.Len())
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()
	value := []byte("abc")
	store.Set(ctx, "k", value, time.Minute)
	value[0] = 'z'

	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("abc"), got)
	got[0] = 'q'

	again, _ := store.Get(ctx, "k")
	require.Equal(t, []byte("abc"), again)
}

func TestStoreInvalidatePrefixAndClear(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()
	store.Set(ctx, "record:1", []byte("a"), time.Minute)
	store.Set(ctx, "record:2", []byte("b"), time.Minute)
	store.Set(ctx, "content:x", []byte("c"), time.Minute)

	store.InvalidatePrefix(ctx, "")
	require.Equal(t, 3, store.Len(), "empty prefix must not clear the store")

	store.InvalidatePrefix(ctx, "record:")
	require.Equal(t, 1, store.Len())
	_, ok := store.Get(ctx, "content:x")
	require.True(t, ok)

	store.Invalidate(ctx, "content:x")
	require.Equal(t, 0, store.Len())

	store.Set(ctx, "a", []byte("1"), time.Minute)
	store.Clear(ctx)
	require.Equal(t, 0, store.Len())
}

func TestStoreSweepDropsOnlyExpiredPastHorizon(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(Options{Clock: clock.Now, HardMaxAge: time.Hour})
	ctx := context.Background()

	store.Set(ctx, "old", []byte("1"), time.Minute)
	clock.Advance(59 * time.Minute)
	store.Set(ctx, "new", []byte("2"), time.Minute)
	clock.Advance(2 * time.Minute)

	require.Equal(t, 1, store.Sweep(ctx))
	require.Equal(t, 1, store.Len())

	lookup, ok := store.GetStale(ctx, "new")
	require.True(t, ok)
	require.False(t, lookup.Fresh)
}

func TestStoreBackingFailuresAreNotFatal(t *testing.T) {
	backing := &failingBacking{}
	recorder := metrics.NewRecorder(nil)
	store := NewStore(Options{Backing: backing, Metrics: recorder})
	ctx := context.Background()

	store.Set(ctx, "content:a", []byte("v"), time.Minute)
	require.Equal(t, 1, backing.saves)

	value, ok := store.Get(ctx, "content:a")
	require.True(t, ok, "memory copy must still serve reads")
	require.Equal(t, []byte("v"), value)

	_, ok = store.Get(ctx, "content:missing")
	require.False(t, ok)

	store.Invalidate(ctx, "content:a")
	store.InvalidatePrefix(ctx, "content:")
	require.Equal(t, 0, store.Sweep(ctx))
	require.NoError(t, store.Close(ctx))
}

func TestStoreReadsThroughBacking(t *testing.T) {
	clock := newFakeClock()
	backing, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := NewStore(Options{Backing: backing, Clock: clock.Now})
	first.Set(ctx, "content:a", []byte("persisted"), time.Minute)

	// a second store over the same backing simulates a restart
	second := NewStore(Options{Backing: backing, Clock: clock.Now})
	require.Equal(t, 0, second.Len())

	value, ok := second.Get(ctx, "content:a")
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), value)
	require.Equal(t, 1, second.Len())

	require.NoError(t, second.Close(ctx))
}

func TestStoreEvictKeepsNewerBackingEntry(t *testing.T) {
	clock := newFakeClock()
	backing, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = backing.Close() })

	expiredAt := clock.Now()
	clock.Advance(time.Hour)
	store := NewStore(Options{Backing: backing, Clock: clock.Now, HardMaxAge: 30 * time.Minute})
	store.Set(ctx, "record:1", []byte("rewritten"), time.Minute)

	// an eviction decided on the older copy must not drop the rewrite
	store.evict(ctx, "record:1", expiredAt)
	entry, found, err := backing.Load(ctx, "record:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("rewritten"), entry.Value)
	require.Equal(t, 1, store.Len())

	// with nothing in memory the expired backing copy is removed
	restarted := NewStore(Options{Backing: backing, Clock: clock.Now, HardMaxAge: 30 * time.Minute})
	restarted.evict(ctx, "record:1", expiredAt)
	_, found, err = backing.Load(ctx, "record:1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStoreSweeperStopsOnClose(t *testing.T) {
	store := NewStore(Options{})
	store.StartSweeper(time.Millisecond)
	store.StartSweeper(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Close(context.Background()))
	require.NoError(t, store.Close(context.Background()))

	// starting after close is a no-op
	store.StartSweeper(time.Millisecond)
}

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNamespaceTypedAccess(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(Options{Clock: clock.Now})
	ctx := context.Background()
	ns := NewNamespace[sample](store, "sample:")

	require.Equal(t, "sample:x", ns.Key("x"))
	require.NoError(t, ns.Set(ctx, "x", sample{Name: "x", Count: 3}, time.Minute))

	got, ok := ns.Get(ctx, "x")
	require.True(t, ok)
	require.Equal(t, sample{Name: "x", Count: 3}, got)

	clock.Advance(2 * time.Minute)
	_, ok = ns.Get(ctx, "x")
	require.False(t, ok)
	cached, ok := ns.GetStale(ctx, "x")
	require.True(t, ok)
	require.False(t, cached.Fresh)
	require.Equal(t, 3, cached.Value.Count)

	ns.InvalidateAll(ctx)
	_, ok = ns.GetStale(ctx, "x")
	require.False(t, ok)
}

func TestNamespaceDropsUndecodableEntries(t *testing.T) {
	store := NewStore(Options{})
	ctx := context.Background()
	store.Set(ctx, "sample:bad", []byte("not json"), time.Minute)

	ns := NewNamespace[sample](store, "sample:")
	_, ok := ns.GetStale(ctx, "bad")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}
