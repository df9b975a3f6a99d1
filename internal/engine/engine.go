package engine

import (
	"context"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/objectfs/resload/internal/cache"
	"github.com/objectfs/resload/internal/circuit"
	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/internal/metrics"
	"github.com/objectfs/resload/internal/scheduler"
	"github.com/objectfs/resload/internal/strategy"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/retry"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/engine")

// Namespaces under the configured store prefix
const (
	CacheNamespace    = "cache"
	StrategyNamespace = "strategy"
)

// Engine wires the cache, scheduler and strategy controller together
type Engine struct {
	config *config.Configuration

	store      kvstore.Store
	ownsStore  bool
	cache      *cache.TieredCache
	scheduler  *scheduler.Scheduler
	controller *strategy.Controller
	metrics    *metrics.Collector

	mu       sync.Mutex
	batchCtx *types.RuntimeContext
	recorded int
	closed   bool

	unsubscribe func()
}

// Stats combines the component views
type Stats struct {
	Cache     types.CacheStats `json:"cache"`
	Scheduler scheduler.Stats  `json:"scheduler"`
	Strategy  strategy.Results `json:"strategy"`
}

type options struct {
	store      kvstore.Store
	clock      types.Clock
	collector  *metrics.Collector
	strategies []strategy.Strategy
}

// Option customizes engine construction
type Option func(*options)

// WithStore uses store instead of opening the configured backend. The
// caller keeps ownership and must close it.
func WithStore(store kvstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithClock sets the time source for every component
func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithCollector uses an existing metrics collector
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithStrategies registers strategies in addition to the defaults
func WithStrategies(s ...strategy.Strategy) Option {
	return func(o *options) { o.strategies = append(o.strategies, s...) }
}

// New creates an engine that loads resources through fetch
func New(ctx context.Context, cfg *config.Configuration, fetch scheduler.FetchFunc, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if fetch == nil {
		return nil, errors.InvalidConfig("fetch function is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = types.SystemClock{}
	}

	setLogLevel(cfg.Global.LogLevel)

	e := &Engine{config: cfg}

	e.store = o.store
	if e.store == nil {
		store, err := kvstore.Open(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.ownsStore = true
	}
	if bc := cfg.Store.Breaker; bc.Enabled && cfg.Store.Backend != config.BackendMemory {
		e.store = kvstore.NewGuarded(e.store, circuit.New("store", circuit.Config{
			FailureThreshold: uint32(bc.FailureThreshold),
			OpenTimeout:      bc.OpenTimeout,
			Clock:            o.clock,
		}))
	}
	root := kvstore.NewNamespace(e.store, cfg.Store.Prefix)

	e.metrics = o.collector
	if e.metrics == nil {
		collector, err := metrics.NewCollector(metrics.FromConfig(cfg.Monitoring.Metrics))
		if err != nil {
			e.closeStore()
			return nil, errors.NewError(errors.ErrCodeInternalError, "failed to create metrics collector").WithCause(err)
		}
		e.metrics = collector
	}

	cacheOpts, err := cache.OptionsFromConfig(cfg, kvstore.NewNamespace(root, CacheNamespace), e.metrics)
	if err != nil {
		e.closeStore()
		return nil, err
	}
	cacheOpts.Clock = o.clock
	e.cache = cache.New(cacheOpts)

	rc := cfg.Scheduler.Retry
	e.scheduler = scheduler.New(e.cache, fetch, scheduler.Config{
		Ceiling: cfg.Scheduler.DefaultConcurrency,
		Retry: retry.Config{
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
		},
		Clock:    o.clock,
		Observer: e.metrics,
	})

	cc := cfg.Controller
	e.controller = strategy.NewController(strategy.Config{
		Store:              kvstore.NewNamespace(root, StrategyNamespace),
		SessionID:          cc.SessionID,
		MaxSamples:         cc.MaxSamples,
		RecentWindow:       cc.RecentWindow,
		MaxSampleAge:       cc.MaxSampleAge,
		DefaultConcurrency: cc.DefaultConcurrency,
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		Seed:               cc.Seed,
		Clock:              o.clock,
		OnResultsUpdated:   e.resultsUpdated,
	})
	if cc.DefaultStrategies {
		e.controller.AddStrategies(strategy.DefaultStrategies())
	}
	if len(o.strategies) > 0 && !e.controller.AddStrategies(o.strategies) {
		log.Warnw("some strategies were rejected", "count", len(o.strategies))
	}

	e.unsubscribe = e.scheduler.On(scheduler.QueueComplete, e.onQueueComplete)

	log.Infow("engine created",
		"backend", cfg.Store.Backend,
		"prefix", cfg.Store.Prefix,
		"session", e.controller.SessionID(),
		"strategies", len(e.controller.Strategies()))
	return e, nil
}

// Start starts the metrics endpoint when enabled
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.ComponentStopped("engine")
	}
	return e.metrics.Start(ctx)
}

// Preload asks the controller for a ceiling under rc and schedules reqs.
// The batch outcome is recorded against the active strategy when the
// queue drains.
func (e *Engine) Preload(ctx context.Context, rc types.RuntimeContext, reqs []types.LoadRequest) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	rcCopy := rc
	e.batchCtx = &rcCopy
	e.mu.Unlock()

	ceiling := e.controller.GetRecommendedConcurrency(ctx, rc)
	if active, ok := e.controller.ActiveStrategy(); ok {
		e.metrics.SetActiveStrategy(active.ID)
	}
	log.Debugw("preloading", "requests", len(reqs), "ceiling", ceiling)
	return e.scheduler.Preload(reqs, ceiling)
}

// On subscribes to scheduler events
func (e *Engine) On(t scheduler.EventType, l scheduler.Listener) func() {
	return e.scheduler.On(t, l)
}

// OnAny subscribes to every scheduler event
func (e *Engine) OnAny(l scheduler.Listener) func() {
	return e.scheduler.OnAny(l)
}

// UpdateResourcePriority re-prioritizes a queued request
func (e *Engine) UpdateResourcePriority(id string, priority int) bool {
	return e.scheduler.UpdateResourcePriority(id, priority)
}

// Cache returns the resource cache
func (e *Engine) Cache() *cache.TieredCache { return e.cache }

// Scheduler returns the load scheduler
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Controller returns the strategy controller
func (e *Engine) Controller() *strategy.Controller { return e.controller }

// Metrics returns the metrics collector
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Stats returns a snapshot of every component
func (e *Engine) Stats(ctx context.Context) Stats {
	cs := e.cache.Stats()
	e.metrics.UpdateCacheStats(cs)
	return Stats{
		Cache:     cs,
		Scheduler: e.scheduler.Stats(),
		Strategy:  e.controller.GetTestResults(ctx),
	}
}

// Close tears the engine down in reverse construction order
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	_ = e.scheduler.Close()
	_ = e.cache.Close()

	var firstErr error
	if err := e.closeStore(); err != nil {
		firstErr = err
	}
	if err := e.metrics.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Infow("engine closed")
	return firstErr
}

func (e *Engine) closeStore() error {
	if !e.ownsStore || e.store == nil {
		return nil
	}
	if err := e.store.Close(); err != nil {
		log.Warnw("failed to close store", "error", err)
		return err
	}
	return nil
}

// onQueueComplete records the drained batch against the active strategy
func (e *Engine) onQueueComplete(ev scheduler.Event) {
	summary := ev.Summary
	if summary == nil {
		return
	}
	e.metrics.UpdateCacheStats(e.cache.Stats())

	// batches served entirely from cache say nothing about concurrency
	if summary.Delivered+summary.Failed == 0 {
		return
	}

	e.mu.Lock()
	rc := e.batchCtx
	e.recorded++
	n := e.recorded
	e.mu.Unlock()

	ctx := context.Background()
	e.controller.RecordResult(ctx, strategy.Metrics{
		ConcurrencyUsed: summary.Ceiling,
		TotalTime:       summary.Duration,
		ResourceCount:   summary.Requests,
		SuccessCount:    summary.Succeeded(),
		FailureCount:    summary.Failed,
		Context:         rc,
	})

	if every := e.config.Controller.AutoSelectAfter; every > 0 && n%every == 0 {
		if e.controller.SelectBestStrategy(ctx) {
			active, _ := e.controller.ActiveStrategy()
			e.metrics.SetActiveStrategy(active.ID)
			log.Infow("auto-selected strategy", "strategy", active.ID, "samples", n)
		}
	}
}

func (e *Engine) resultsUpdated(r strategy.Results) {
	for _, s := range r.Strategies {
		e.metrics.UpdateStrategyScore(s.ID, s.Score, s.SampleCount)
	}
}

func setLogLevel(level string) {
	if level == "" {
		return
	}
	if err := logging.SetLogLevelRegex("resload/.*", strings.ToLower(level)); err != nil {
		log.Warnw("invalid log level", "level", level, "error", err)
	}
}
