package cache

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

// brokenStore fails every call, standing in for an unavailable backend
type brokenStore struct{}

var errBackendDown = stderrors.New("backend down")

func (brokenStore) Get(context.Context, string) ([]byte, error)     { return nil, errBackendDown }
func (brokenStore) Put(context.Context, string, []byte) error       { return errBackendDown }
func (brokenStore) Delete(context.Context, string) error            { return errBackendDown }
func (brokenStore) List(context.Context, string) ([]string, error)  { return nil, errBackendDown }
func (brokenStore) Close() error                                    { return nil }

// countingStore counts reads to verify promotion deduplication
type countingStore struct {
	*kvstore.MemoryStore
	gets  atomic.Int64
	delay time.Duration
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	return c.MemoryStore.Get(ctx, key)
}

type recordingObserver struct {
	mu        sync.Mutex
	lookups   map[string]int
	evictions map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{lookups: map[string]int{}, evictions: map[string]int{}}
}

func (r *recordingObserver) CacheLookup(tier string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := "miss"
	if hit {
		result = "hit"
	}
	r.lookups[tier+"/"+result]++
}

func (r *recordingObserver) CacheEviction(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions[reason]++
}

func newTestCache(t *testing.T, store kvstore.Store, memory MemoryConfig) (*TieredCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if memory.SweepInterval == 0 {
		memory.SweepInterval = -1
	}
	c := New(Options{Memory: memory, Store: store, Clock: clock})
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func TestTieredCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{MaxSize: 1 << 20})

	require.True(t, c.Store(ctx, "config.json", []byte(`{"theme":"dark"}`), StoreOptions{}))

	entry, err := c.Get(ctx, "config.json", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, string(entry.Payload))
	assert.Equal(t, types.ResourceJSON, entry.Type)
	assert.Equal(t, int64(16), entry.Size)
	assert.Equal(t, int64(1), entry.AccessCount)
}

func TestTieredCache_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	type manifest struct {
		Version int               `json:"version"`
		Assets  []string          `json:"assets"`
		Meta    map[string]string `json:"meta"`
	}
	in := manifest{Version: 3, Assets: []string{"a.js", "b.css"}, Meta: map[string]string{"env": "prod"}}
	require.True(t, c.StoreJSON(ctx, "manifest", in, StoreOptions{}))

	var out manifest
	require.NoError(t, c.GetJSON(ctx, "manifest", &out, GetOptions{}))
	assert.Equal(t, in, out)

	// the persistent copy decodes to the same value
	var fromDisk manifest
	require.NoError(t, c.GetJSON(ctx, "manifest", &fromDisk, GetOptions{SkipMemory: true}))
	assert.Equal(t, in, fromDisk)
}

func TestTieredCache_MissSemantics(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	entry, err := c.Get(ctx, "absent", GetOptions{})
	assert.Nil(t, entry)
	assert.True(t, errors.IsNotFound(err))

	entry, err = c.Get(ctx, "absent", GetOptions{NoThrow: true})
	assert.Nil(t, entry)
	assert.NoError(t, err)

	assert.Equal(t, uint64(2), c.Stats().Misses)
}

func TestTieredCache_PromotesPersistentHits(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	require.True(t, c.Store(ctx, "k", []byte("v"), StoreOptions{PersistenceOnly: true}))
	assert.False(t, c.Has(ctx, "k", HasOptions{CheckMemoryOnly: true}))
	assert.True(t, c.Has(ctx, "k", HasOptions{}))

	clock.Advance(time.Second)
	entry, err := c.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v", string(entry.Payload))
	assert.True(t, entry.LastAccessedAt.Equal(clock.Now()))

	assert.True(t, c.Has(ctx, "k", HasOptions{CheckMemoryOnly: true}), "hit should be promoted")

	second, err := c.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.AccessCount)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.PersistentHits)
	assert.Equal(t, uint64(1), stats.MemoryHits)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.InDelta(t, 1.0, stats.HitRate, 0.0001)
}

func TestTieredCache_SkipMemoryDoesNotPromote(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	require.True(t, c.Store(ctx, "k", []byte("v"), StoreOptions{PersistenceOnly: true}))
	_, err := c.Get(ctx, "k", GetOptions{SkipMemory: true})
	require.NoError(t, err)
	assert.False(t, c.Has(ctx, "k", HasOptions{CheckMemoryOnly: true}))
}

func TestTieredCache_ConcurrentPromotionReadsOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: kvstore.NewMemoryStore(), delay: 20 * time.Millisecond}
	c, _ := newTestCache(t, store, MemoryConfig{})

	require.True(t, c.Store(ctx, "k", []byte("v"), StoreOptions{PersistenceOnly: true}))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entry, err := c.Get(ctx, "k", GetOptions{SkipMemory: false})
			assert.NoError(t, err)
			assert.Equal(t, "v", string(entry.Payload))
		}()
	}
	close(start)
	wg.Wait()

	assert.Less(t, store.gets.Load(), int64(10))
}

func TestTieredCache_MemoryLimitScenario(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil, MemoryConfig{MaxEntries: 2})

	require.True(t, c.Store(ctx, "first", []byte("1"), StoreOptions{}))
	clock.Advance(time.Second)
	require.True(t, c.Store(ctx, "second", []byte("2"), StoreOptions{}))
	clock.Advance(time.Second)
	require.True(t, c.Store(ctx, "third", []byte("3"), StoreOptions{}))

	stats := c.Stats()
	assert.Equal(t, 2, stats.MemoryEntries)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.False(t, c.Has(ctx, "first", HasOptions{}))
	assert.True(t, c.Has(ctx, "second", HasOptions{}))
	assert.True(t, c.Has(ctx, "third", HasOptions{}))
}

func TestTieredCache_SizeEviction(t *testing.T) {
	ctx := context.Background()
	obs := newRecordingObserver()
	c := New(Options{Memory: MemoryConfig{MaxSize: 1000, SweepInterval: -1}, Observer: obs})
	defer c.Close()

	payload := make([]byte, 200)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, c.Store(ctx, k, payload, StoreOptions{}))
	}
	require.True(t, c.Store(ctx, "f", payload, StoreOptions{}))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.MemorySize, int64(750))
	assert.Equal(t, []string{"d", "e", "f"}, c.Memory().Keys())
	assert.Equal(t, 3, obs.evictions[string(EvictSize)])
}

func TestTieredCache_OversizedFallsBackToPersistent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{MaxSize: 10})

	assert.True(t, c.Store(ctx, "big", make([]byte, 50), StoreOptions{}))
	assert.False(t, c.Has(ctx, "big", HasOptions{CheckMemoryOnly: true}))
	assert.True(t, c.Has(ctx, "big", HasOptions{}))

	assert.False(t, c.Store(ctx, "big2", make([]byte, 50), StoreOptions{MemoryOnly: true}))
}

func TestTieredCache_BrokenPersistenceDegrades(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, brokenStore{}, MemoryConfig{})

	assert.True(t, c.Store(ctx, "k", []byte("v"), StoreOptions{}), "memory tier still accepts")
	assert.False(t, c.Store(ctx, "p", []byte("v"), StoreOptions{PersistenceOnly: true}))

	entry, err := c.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v", string(entry.Payload))

	entry, err = c.Get(ctx, "p", GetOptions{NoThrow: true})
	assert.Nil(t, entry)
	assert.NoError(t, err)

	assert.False(t, c.Has(ctx, "p", HasOptions{}))
	assert.False(t, c.Remove(ctx, "k"))
	assert.False(t, c.Has(ctx, "k", HasOptions{CheckMemoryOnly: true}), "memory copy removed even if persistence fails")
	assert.False(t, c.Clear(ctx, ClearOptions{}))
	assert.True(t, c.Clear(ctx, ClearOptions{MemoryOnly: true}))

	assert.GreaterOrEqual(t, c.Stats().PersistentErrors, uint64(3))
}

func TestTieredCache_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	require.True(t, c.Store(ctx, "a", []byte("1"), StoreOptions{}))
	require.True(t, c.Store(ctx, "b", []byte("2"), StoreOptions{}))

	assert.True(t, c.Remove(ctx, "a"))
	assert.True(t, c.Remove(ctx, "a"), "removing a missing key is not an error")
	assert.False(t, c.Has(ctx, "a", HasOptions{}))

	assert.True(t, c.Clear(ctx, ClearOptions{MemoryOnly: true}))
	assert.False(t, c.Has(ctx, "b", HasOptions{CheckMemoryOnly: true}))
	assert.True(t, c.Has(ctx, "b", HasOptions{}))

	assert.True(t, c.Clear(ctx, ClearOptions{PersistentOnly: true}))
	assert.False(t, c.Has(ctx, "b", HasOptions{}))
}

func TestTieredCache_MemoryOnlyDropsStalePersistentCopy(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{})

	require.True(t, c.Store(ctx, "k", []byte("v1"), StoreOptions{}))
	require.True(t, c.Store(ctx, "k", []byte("v2"), StoreOptions{MemoryOnly: true}))

	_, err := c.Get(ctx, "k", GetOptions{SkipMemory: true})
	assert.True(t, errors.IsNotFound(err))
}

func TestTieredCache_StoreRejectsEmptyKeyAndNoTier(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil, MemoryConfig{})

	assert.False(t, c.Store(ctx, "", []byte("v"), StoreOptions{}))
	assert.False(t, c.Store(ctx, "k", []byte("v"), StoreOptions{PersistenceOnly: true}))
}

func TestTieredCache_ExplicitTypeAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, kvstore.NewMemoryStore(), MemoryConfig{DefaultExpiry: time.Hour})

	require.True(t, c.Store(ctx, "k", []byte("x"), StoreOptions{Type: types.ResourceImage, Expiry: time.Minute, Size: 512}))

	entry, err := c.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.ResourceImage, entry.Type)
	assert.Equal(t, int64(512), entry.Size)

	clock.Advance(2 * time.Minute)
	_, err = c.Get(ctx, "k", GetOptions{})
	assert.True(t, errors.IsNotFound(err), "both tiers honour the per-entry expiry")
	assert.Equal(t, uint64(2), c.Stats().Expired)
}

func TestTieredCache_ObserverSeesLookups(t *testing.T) {
	ctx := context.Background()
	obs := newRecordingObserver()
	c := New(Options{Memory: MemoryConfig{SweepInterval: -1}, Store: kvstore.NewMemoryStore(), Observer: obs})
	defer c.Close()

	c.Store(ctx, "k", []byte("v"), StoreOptions{PersistenceOnly: true})
	c.Get(ctx, "k", GetOptions{})
	c.Get(ctx, "k", GetOptions{})
	c.Get(ctx, "missing", GetOptions{NoThrow: true})

	assert.Equal(t, 1, obs.lookups["memory/hit"])
	assert.Equal(t, 2, obs.lookups["memory/miss"])
	assert.Equal(t, 1, obs.lookups["persistent/hit"])
	assert.Equal(t, 1, obs.lookups["persistent/miss"])
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Cache.Memory.MaxSize = "1MB"
	cfg.Cache.Memory.SweepInterval = -1

	c, err := NewFromConfig(cfg, kvstore.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, int64(1<<20), c.Stats().MemoryCapacity)
	assert.NotNil(t, c.Persistent())

	cfg.Cache.Persistent.Enabled = false
	memOnly, err := NewFromConfig(cfg, kvstore.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer memOnly.Close()
	assert.Nil(t, memOnly.Persistent())

	cfg.Cache.Memory.MaxSize = "huge"
	_, err = NewFromConfig(cfg, nil, nil)
	assert.Error(t, err)
}
