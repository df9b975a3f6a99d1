package strategy

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/strategy")

const (
	DefaultConcurrency  = 8
	DefaultMaxSamples   = 100
	DefaultRecentWindow = 30

	assignmentKey = "assignment"
	samplesPrefix = "samples/"
)

// Config represents controller configuration
type Config struct {
	// Store holds assignments and samples; nil keeps state in memory only
	Store kvstore.Store

	SessionID          string
	MaxSamples         int
	RecentWindow       int
	MaxSampleAge       time.Duration
	DefaultConcurrency int
	// MaxConcurrency clamps provider output; zero disables the upper bound
	MaxConcurrency int

	// Rand overrides Seed when set
	Rand *rand.Rand
	Seed int64

	Clock types.Clock

	// OnResultsUpdated runs after every recorded sample, outside the lock
	OnResultsUpdated func(Results)
}

// Metrics is the outcome of one batch, recorded against the active strategy
type Metrics struct {
	ConcurrencyUsed int
	TotalTime       time.Duration
	ResourceCount   int
	SuccessCount    int
	FailureCount    int
	Context         *types.RuntimeContext
}

// Controller assigns a concurrency strategy per session and scores them
type Controller struct {
	mu     sync.Mutex
	config Config
	store  kvstore.Store
	rng    *rand.Rand
	clock  types.Clock

	strategies []Strategy
	index      map[string]int
	samples    map[string][]types.PerformanceSample
	loaded     map[string]bool
	active     string
}

// NewController creates a controller with no strategies registered
func NewController(cfg Config) *Controller {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock{}
	}

	rng := cfg.Rand
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	return &Controller{
		config:  cfg,
		store:   cfg.Store,
		rng:     rng,
		clock:   cfg.Clock,
		index:   make(map[string]int),
		samples: make(map[string][]types.PerformanceSample),
		loaded:  make(map[string]bool),
	}
}

// SessionID returns the session the assignment is persisted under
func (c *Controller) SessionID() string {
	return c.config.SessionID
}

// AddStrategy registers a strategy, replacing one with the same id
func (c *Controller) AddStrategy(s Strategy) bool {
	if err := validate(s); err != nil {
		log.Warnw("rejected strategy", "id", s.ID, "error", err)
		return false
	}
	if s.Weight == 0 {
		s.Weight = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[s.ID]; ok {
		c.strategies[i] = s
		return true
	}
	c.index[s.ID] = len(c.strategies)
	c.strategies = append(c.strategies, s)
	return true
}

// AddStrategies registers each strategy and reports whether all were accepted
func (c *Controller) AddStrategies(list []Strategy) bool {
	ok := true
	for _, s := range list {
		if !c.AddStrategy(s) {
			ok = false
		}
	}
	return ok
}

// Strategies returns the registered strategies in registration order
func (c *Controller) Strategies() []Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Strategy(nil), c.strategies...)
}

// ActiveStrategy returns the assigned strategy, if any
func (c *Controller) ActiveStrategy() (Strategy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return Strategy{}, false
	}
	return c.strategies[c.index[c.active]], true
}

func validate(s Strategy) error {
	switch {
	case s.ID == "":
		return errors.InvalidStrategy(s.ID, "strategy id is required")
	case s.Name == "":
		return errors.InvalidStrategy(s.ID, "strategy name is required")
	case s.Provider == nil:
		return errors.InvalidStrategy(s.ID, "concurrency provider is required")
	case s.Weight < 0:
		return errors.InvalidStrategy(s.ID, "weight must not be negative")
	}
	return nil
}

// InitTest assigns the session a strategy: a persisted assignment is reused,
// otherwise one is drawn at random weighted by strategy weight. It reports
// false only when no strategy is registered.
func (c *Controller) InitTest(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx)
}

func (c *Controller) initLocked(ctx context.Context) bool {
	if len(c.strategies) == 0 {
		log.Debugw("cannot assign strategy", "error", errors.NoStrategy("init"))
		return false
	}

	if id, ok := c.loadAssignment(ctx); ok {
		c.active = id
		log.Debugw("reusing strategy assignment", "session", c.config.SessionID, "strategy", id)
		return true
	}

	c.active = c.pickWeighted()
	c.saveAssignment(ctx)
	log.Infow("assigned strategy", "session", c.config.SessionID, "strategy", c.active)
	return true
}

// pickWeighted draws r in [0, total) and walks the strategies in order
func (c *Controller) pickWeighted() string {
	var total float64
	for _, s := range c.strategies {
		total += s.Weight
	}

	r := c.rng.Float64() * total
	for _, s := range c.strategies {
		r -= s.Weight
		if r <= 0 {
			return s.ID
		}
	}
	return c.strategies[len(c.strategies)-1].ID
}

// GetRecommendedConcurrency returns the active strategy's ceiling for rc,
// assigning a strategy first if needed
func (c *Controller) GetRecommendedConcurrency(ctx context.Context, rc types.RuntimeContext) int {
	c.mu.Lock()
	if c.active == "" && !c.initLocked(ctx) {
		c.mu.Unlock()
		return c.clamp(c.config.DefaultConcurrency)
	}
	provider := c.strategies[c.index[c.active]].Provider
	id := c.active
	c.mu.Unlock()

	n, err := callProvider(provider, rc)
	if err != nil {
		log.Errorw("concurrency provider failed", "strategy", id, "error", err)
		return c.clamp(c.config.DefaultConcurrency)
	}
	return c.clamp(n)
}

func callProvider(p Provider, rc types.RuntimeContext) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodeInternalError, "concurrency provider panicked").
				WithComponent("strategy").
				WithDetail("panic", r)
		}
	}()
	return p(rc), nil
}

func (c *Controller) clamp(n int) int {
	if n < 1 {
		n = 1
	}
	if c.config.MaxConcurrency > 0 && n > c.config.MaxConcurrency {
		n = c.config.MaxConcurrency
	}
	return n
}

// RecordResult appends a sample to the active strategy's history and
// persists it. A persistence failure keeps the sample in memory and
// reports false.
func (c *Controller) RecordResult(ctx context.Context, m Metrics) bool {
	c.mu.Lock()
	if c.active == "" && !c.initLocked(ctx) {
		c.mu.Unlock()
		log.Debugw("dropping result", "error", errors.NoStrategy("record"))
		return false
	}
	id := c.active
	c.ensureLoaded(ctx, id)

	sample := newSample(id, c.clock.Now(), m)
	history := append(c.samples[id], sample)
	if len(history) > c.config.MaxSamples {
		history = append([]types.PerformanceSample(nil), history[len(history)-c.config.MaxSamples:]...)
	}
	c.samples[id] = history

	ok := false
	if c.store != nil && !c.loaded[id] {
		// writing now would replace the persisted history we failed to read
		log.Warnw("keeping sample in memory until history loads", "strategy", id)
	} else {
		ok = c.saveSamples(ctx, id)
	}
	var results Results
	notify := c.config.OnResultsUpdated
	if notify != nil {
		results = c.resultsLocked()
	}
	c.mu.Unlock()

	log.Debugw("recorded result",
		"strategy", id,
		"concurrency", sample.ConcurrencyUsed,
		"total_ms", sample.TotalTimeMs,
		"success_rate", sample.SuccessRate)

	if notify != nil {
		notify(results)
	}
	return ok
}

func newSample(id string, now time.Time, m Metrics) types.PerformanceSample {
	s := types.PerformanceSample{
		StrategyID:      id,
		Timestamp:       now,
		ConcurrencyUsed: m.ConcurrencyUsed,
		TotalTimeMs:     float64(m.TotalTime) / float64(time.Millisecond),
		ResourceCount:   m.ResourceCount,
		SuccessCount:    m.SuccessCount,
		FailureCount:    m.FailureCount,
		Context:         m.Context,
	}

	count := m.ResourceCount
	if count <= 0 {
		count = m.SuccessCount + m.FailureCount
	}
	if count > 0 {
		s.TimePerResource = s.TotalTimeMs / float64(count)
		s.SuccessRate = float64(m.SuccessCount) / float64(count)
	}
	return s
}

// GetTestResults scores every strategy that has samples
func (c *Controller) GetTestResults(ctx context.Context) Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.strategies {
		c.ensureLoaded(ctx, s.ID)
	}
	return c.resultsLocked()
}

func (c *Controller) resultsLocked() Results {
	res := Results{SessionID: c.config.SessionID, ActiveID: c.active}
	for _, s := range c.strategies {
		samples := c.samples[s.ID]
		if len(samples) == 0 {
			continue
		}
		sr := summarize(s, samples, c.config.RecentWindow)
		res.Strategies = append(res.Strategies, sr)

		// strict comparison keeps the earlier registered strategy on ties
		if res.BestID == "" || sr.Score > res.BestScore {
			res.BestID = sr.ID
			res.BestName = sr.Name
			res.BestScore = sr.Score
		}
	}
	return res
}

// SelectBestStrategy makes the top scorer the active strategy
func (c *Controller) SelectBestStrategy(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.strategies {
		c.ensureLoaded(ctx, s.ID)
	}
	res := c.resultsLocked()
	if !res.HasBest() {
		return false
	}

	if c.active != res.BestID {
		log.Infow("switching strategy", "from", c.active, "to", res.BestID, "score", res.BestScore)
	}
	c.active = res.BestID
	return c.saveAssignment(ctx)
}

// ResetTest drops the assignment, optionally all samples, and assigns again
func (c *Controller) ResetTest(ctx context.Context, clearResults bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := true
	c.active = ""
	if c.store != nil {
		if err := c.store.Delete(ctx, c.assignmentKey()); err != nil && !kvstore.IsNotFound(err) {
			log.Warnw("failed to delete assignment", "error", err)
			ok = false
		}
	}

	if clearResults {
		c.samples = make(map[string][]types.PerformanceSample)
		c.loaded = make(map[string]bool)
		if c.store != nil {
			n, err := kvstore.DeletePrefix(ctx, c.store, samplesPrefix)
			if err != nil {
				log.Warnw("failed to clear samples", "error", err)
				ok = false
			} else {
				log.Debugw("cleared samples", "records", n)
			}
		}
	}

	if len(c.strategies) == 0 {
		return ok
	}
	return c.initLocked(ctx) && ok
}

func (c *Controller) assignmentKey() string {
	return assignmentKey + "/" + c.config.SessionID
}

func (c *Controller) loadAssignment(ctx context.Context) (string, bool) {
	if c.store == nil {
		return "", false
	}
	data, err := c.store.Get(ctx, c.assignmentKey())
	if err != nil {
		if !kvstore.IsNotFound(err) {
			log.Warnw("failed to read assignment", "error", err)
		}
		return "", false
	}
	id := string(data)
	if _, ok := c.index[id]; !ok {
		log.Debugw("ignoring assignment for unknown strategy", "strategy", id)
		return "", false
	}
	return id, true
}

func (c *Controller) saveAssignment(ctx context.Context) bool {
	if c.store == nil {
		return true
	}
	if err := c.store.Put(ctx, c.assignmentKey(), []byte(c.active)); err != nil {
		log.Warnw("failed to persist assignment", "strategy", c.active, "error", err)
		return false
	}
	return true
}

// ensureLoaded reads a strategy's history once, pruning by age and count
func (c *Controller) ensureLoaded(ctx context.Context, id string) {
	if c.loaded[id] || c.store == nil {
		return
	}

	data, err := c.store.Get(ctx, samplesPrefix+id)
	if err != nil {
		if !kvstore.IsNotFound(err) {
			log.Warnw("failed to read samples", "strategy", id, "error", err)
			// leave unloaded so a later call can retry the backend
			return
		}
		c.loaded[id] = true
		return
	}
	c.loaded[id] = true

	var stored []types.PerformanceSample
	if err := json.Unmarshal(data, &stored); err != nil {
		log.Warnw("discarding corrupt samples", "strategy", id, "error", err)
		return
	}

	kept := stored[:0]
	if c.config.MaxSampleAge > 0 {
		cutoff := c.clock.Now().Add(-c.config.MaxSampleAge)
		for _, s := range stored {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			}
		}
	} else {
		kept = stored
	}
	if len(kept) > c.config.MaxSamples {
		kept = kept[len(kept)-c.config.MaxSamples:]
	}

	// samples recorded before the load completed stay newest
	merged := append(kept, c.samples[id]...)
	if len(merged) > c.config.MaxSamples {
		merged = merged[len(merged)-c.config.MaxSamples:]
	}
	c.samples[id] = merged
}

func (c *Controller) saveSamples(ctx context.Context, id string) bool {
	if c.store == nil {
		return true
	}
	data, err := json.Marshal(c.samples[id])
	if err != nil {
		log.Errorw("failed to encode samples", "strategy", id, "error", err)
		return false
	}
	if err := c.store.Put(ctx, samplesPrefix+id, data); err != nil {
		log.Warnw("failed to persist samples", "strategy", id, "error", err)
		return false
	}
	return true
}
