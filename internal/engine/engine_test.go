package engine

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/resload/internal/cache"
	"github.com/objectfs/resload/internal/circuit"
	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/internal/scheduler"
	"github.com/objectfs/resload/internal/strategy"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Controller.DefaultStrategies = false
	cfg.Controller.SessionID = "test-session"
	cfg.Controller.Seed = 1
	cfg.Cache.Memory.SweepInterval = 0
	cfg.Scheduler.Retry.MaxAttempts = 2
	cfg.Scheduler.Retry.InitialDelay = time.Millisecond
	cfg.Scheduler.Retry.Jitter = false
	return cfg
}

func okFetch(ctx context.Context, req types.LoadRequest, _ scheduler.ProgressFunc) ([]byte, error) {
	if strings.HasSuffix(req.ID, ".missing") {
		return nil, stderrors.New("404 not found")
	}
	return []byte("body of " + req.ID), nil
}

func newTestEngine(t *testing.T, cfg *config.Configuration, store kvstore.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithStore(store)}, opts...)
	e, err := New(context.Background(), cfg, okFetch, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func waitQueue(t *testing.T, e *Engine) <-chan *scheduler.BatchSummary {
	t.Helper()
	ch := make(chan *scheduler.BatchSummary, 4)
	e.On(scheduler.QueueComplete, func(ev scheduler.Event) { ch <- ev.Summary })
	return ch
}

func recv(t *testing.T, ch <-chan *scheduler.BatchSummary) *scheduler.BatchSummary {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for QUEUE_COMPLETE")
		return nil
	}
}

func reqs(ids ...string) []types.LoadRequest {
	out := make([]types.LoadRequest, len(ids))
	for i, id := range ids {
		out[i] = types.LoadRequest{ID: id, URL: "https://cdn.example.com/" + id}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), testConfig(), nil)
	code, ok := errors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeInvalidConfig, code)

	bad := testConfig()
	bad.Scheduler.DefaultConcurrency = 0
	_, err = New(context.Background(), bad, okFetch)
	assert.Error(t, err)
}

func TestNewWithDefaults(t *testing.T) {
	e, err := New(context.Background(), nil, okFetch)
	require.NoError(t, err)
	defer e.Close(context.Background())

	assert.Len(t, e.Controller().Strategies(), 5)
	assert.NotNil(t, e.Cache().Persistent(), "default config enables the persistent tier")
}

func TestPreloadRecordsBatch(t *testing.T) {
	store := kvstore.NewMemoryStore()
	e := newTestEngine(t, testConfig(), store,
		WithStrategies(strategy.Strategy{ID: "pair", Name: "Pair", Provider: strategy.Fixed(2)}))
	done := waitQueue(t, e)

	rc := types.RuntimeContext{NetworkType: "4g"}
	added := e.Preload(context.Background(), rc, reqs("a.js", "b.css", "c.png", "d.missing"))
	assert.Equal(t, 4, added)

	summary := recv(t, done)
	assert.Equal(t, 3, summary.Delivered)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Ceiling)
	assert.Equal(t, 2, e.Scheduler().Ceiling())

	results := e.Controller().GetTestResults(context.Background())
	require.Len(t, results.Strategies, 1)
	sr := results.Strategies[0]
	assert.Equal(t, "pair", sr.ID)
	assert.Equal(t, 1, sr.SampleCount)
	assert.InDelta(t, 0.75, sr.RecentSuccessRate, 0.001)
	assert.Equal(t, 2.0, sr.AvgConcurrency)

	keys, err := store.List(context.Background(), "resload/strategy/")
	require.NoError(t, err)
	assert.Contains(t, keys, "resload/strategy/samples/pair")
	assert.Contains(t, keys, "resload/strategy/assignment/test-session")

	cached, err := store.List(context.Background(), "resload/cache/")
	require.NoError(t, err)
	assert.Len(t, cached, 3, "fetched resources reach the persistent tier")
}

func TestCachedBatchIsNotRecorded(t *testing.T) {
	e := newTestEngine(t, testConfig(), kvstore.NewMemoryStore(),
		WithStrategies(strategy.Strategy{ID: "solo", Name: "Solo", Provider: strategy.Fixed(4)}))
	done := waitQueue(t, e)

	require.True(t, e.Cache().Store(context.Background(), "hot.js", []byte("x"), cache.StoreOptions{}))
	assert.Equal(t, 0, e.Preload(context.Background(), types.RuntimeContext{}, reqs("hot.js")))

	summary := recv(t, done)
	assert.Equal(t, 1, summary.FromCache)
	assert.Empty(t, e.Controller().GetTestResults(context.Background()).Strategies)
}

func TestSecondPreloadServedFromCache(t *testing.T) {
	e := newTestEngine(t, testConfig(), kvstore.NewMemoryStore())
	done := waitQueue(t, e)

	e.Preload(context.Background(), types.RuntimeContext{}, reqs("app.js"))
	recv(t, done)

	e.Preload(context.Background(), types.RuntimeContext{}, reqs("app.js"))
	summary := recv(t, done)
	assert.Equal(t, 1, summary.FromCache)

	stats := e.Stats(context.Background())
	assert.Equal(t, 1, stats.Cache.MemoryEntries)
	assert.Equal(t, uint64(1), stats.Scheduler.FromCache)
	assert.Equal(t, uint64(1), stats.Scheduler.Completed)
}

func TestNoStrategiesUsesDefaultCeiling(t *testing.T) {
	e := newTestEngine(t, testConfig(), kvstore.NewMemoryStore())
	done := waitQueue(t, e)

	e.Preload(context.Background(), types.RuntimeContext{}, reqs("a"))
	summary := recv(t, done)
	assert.Equal(t, strategy.DefaultConcurrency, summary.Ceiling)
}

func TestAutoSelect(t *testing.T) {
	cfg := testConfig()
	cfg.Controller.AutoSelectAfter = 2
	e := newTestEngine(t, cfg, kvstore.NewMemoryStore(), WithStrategies(
		strategy.Strategy{ID: "one", Name: "One", Provider: strategy.Fixed(1)},
		strategy.Strategy{ID: "two", Name: "Two", Provider: strategy.Fixed(2)},
	))
	done := waitQueue(t, e)

	e.Preload(context.Background(), types.RuntimeContext{}, reqs("a"))
	recv(t, done)
	first, ok := e.Controller().ActiveStrategy()
	require.True(t, ok)

	// the second batch fails completely, the first strategy's sample wins
	require.True(t, e.Controller().ResetTest(context.Background(), false))
	e.Preload(context.Background(), types.RuntimeContext{}, reqs("b.missing"))
	recv(t, done)

	results := e.Controller().GetTestResults(context.Background())
	active, _ := e.Controller().ActiveStrategy()
	assert.Equal(t, results.BestID, active.ID)
	if len(results.Strategies) == 2 {
		assert.Equal(t, first.ID, active.ID)
	}
}

func TestAssignmentSharedAcrossEngines(t *testing.T) {
	store := kvstore.NewMemoryStore()
	list := []strategy.Strategy{
		{ID: "x", Name: "X", Provider: strategy.Fixed(3)},
		{ID: "y", Name: "Y", Provider: strategy.Fixed(5)},
		{ID: "z", Name: "Z", Provider: strategy.Fixed(7)},
	}

	first := newTestEngine(t, testConfig(), store, WithStrategies(list...))
	want := first.Controller().GetRecommendedConcurrency(context.Background(), types.RuntimeContext{})

	for seed := int64(2); seed < 6; seed++ {
		cfg := testConfig()
		cfg.Controller.Seed = seed
		other := newTestEngine(t, cfg, store, WithStrategies(list...))
		assert.Equal(t, want, other.Controller().GetRecommendedConcurrency(context.Background(), types.RuntimeContext{}))
	}
}

func TestPrefixIsolatesEngines(t *testing.T) {
	store := kvstore.NewMemoryStore()
	cfgA := testConfig()
	cfgA.Store.Prefix = "app-a"
	cfgB := testConfig()
	cfgB.Store.Prefix = "app-b"

	a := newTestEngine(t, cfgA, store)
	b := newTestEngine(t, cfgB, store)

	require.True(t, a.Cache().Store(context.Background(), "shared", []byte("a"), cache.StoreOptions{PersistenceOnly: true}))
	assert.False(t, b.Cache().Has(context.Background(), "shared", cache.HasOptions{}))
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := New(context.Background(), testConfig(), okFetch)
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 0, e.Preload(context.Background(), types.RuntimeContext{}, reqs("late")))

	code, ok := errors.CodeOf(e.Start(context.Background()))
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeComponentStopped, code)
}

func TestSetLogLevelAcceptsConfiguredLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", ""} {
		setLogLevel(level)
	}
	setLogLevel("INFO")
}

func TestDiskBackendIsGuarded(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = config.BackendDisk
	cfg.Store.Disk.Directory = t.TempDir()

	e, err := New(context.Background(), cfg, okFetch)
	require.NoError(t, err)
	defer e.Close(context.Background())

	guarded, ok := e.store.(*kvstore.Guarded)
	require.True(t, ok)
	assert.Equal(t, circuit.StateClosed, guarded.Breaker().State())

	done := waitQueue(t, e)
	e.Preload(context.Background(), types.RuntimeContext{}, reqs("disk.js"))
	recv(t, done)

	entry, err := e.Cache().Get(context.Background(), "disk.js", cache.GetOptions{SkipMemory: true})
	require.NoError(t, err)
	assert.Equal(t, "body of disk.js", string(entry.Payload))
}
