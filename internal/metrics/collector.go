package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/resload/internal/cache"
	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/scheduler"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/metrics")

var (
	_ cache.Observer     = (*Collector)(nil)
	_ scheduler.Observer = (*Collector)(nil)
)

// Collector exports cache, scheduler and strategy metrics. A disabled
// collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	loadCounter     *prometheus.CounterVec
	loadDuration    *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheBytes      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	queuePending    prometheus.Gauge
	queueInFlight   prometheus.Gauge
	activeStrategy  *prometheus.GaugeVec
	strategyScore   *prometheus.GaugeVec
	strategySamples *prometheus.GaugeVec

	// Internal tracking for the debug endpoint
	loads     map[string]*LoadMetrics
	lastReset time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// FromConfig converts the monitoring section of the engine configuration
func FromConfig(cfg config.MetricsConfig) *Config {
	return &Config{
		Enabled:   cfg.Enabled,
		Port:      cfg.Port,
		Path:      cfg.Path,
		Namespace: cfg.Namespace,
	}
}

// LoadMetrics tracks loads of one resource type
type LoadMetrics struct {
	Fetched       int64         `json:"fetched"`
	Cached        int64         `json:"cached"`
	Failed        int64         `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastLoad      time.Time     `json:"last_load"`
}

// NewCollector creates a new metrics collector
func NewCollector(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "resload",
		}
	}

	if !cfg.Enabled {
		return &Collector{config: cfg}, nil
	}

	c := &Collector{
		config:    cfg,
		registry:  prometheus.NewRegistry(),
		loads:     make(map[string]*LoadMetrics),
		lastReset: time.Now(),
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether metrics are recorded
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the collector's registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics and debug endpoints
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/loads", c.debugLoadsHandler)
	return mux
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "addr", c.server.Addr, "error", err)
		}
	}()
	log.Infow("metrics server started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// LoadFinished records one scheduler delivery
func (c *Collector) LoadFinished(outcome string, resourceType types.ResourceType, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	typ := string(resourceType)
	if typ == "" {
		typ = string(types.ResourceUnknown)
	}

	c.loadCounter.With(prometheus.Labels{"outcome": outcome, "type": typ}).Inc()
	if outcome != scheduler.OutcomeCached {
		c.loadDuration.With(prometheus.Labels{"outcome": outcome}).Observe(duration.Seconds())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.loads[typ]
	if !ok {
		m = &LoadMetrics{}
		c.loads[typ] = m
	}
	switch outcome {
	case scheduler.OutcomeCached:
		m.Cached++
	case scheduler.OutcomeFailed:
		m.Failed++
	default:
		m.Fetched++
	}
	if outcome != scheduler.OutcomeCached {
		m.TotalDuration += duration
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / (m.Fetched + m.Failed))
	}
	m.LastLoad = time.Now()
}

// QueueDepth records the scheduler's pending and in-flight counts
func (c *Collector) QueueDepth(pending, inFlight int) {
	if !c.config.Enabled {
		return
	}
	c.queuePending.Set(float64(pending))
	c.queueInFlight.Set(float64(inFlight))
}

// CacheLookup records a hit or miss in one cache tier
func (c *Collector) CacheLookup(tier string, hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.With(prometheus.Labels{"tier": tier, "result": result}).Inc()
}

// CacheEviction records an entry leaving the memory tier
func (c *Collector) CacheEviction(reason string) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.With(prometheus.Labels{"reason": reason}).Inc()
}

// UpdateCacheStats sets the memory tier gauges
func (c *Collector) UpdateCacheStats(stats types.CacheStats) {
	if !c.config.Enabled {
		return
	}
	c.cacheBytes.Set(float64(stats.MemorySize))
	c.cacheEntries.Set(float64(stats.MemoryEntries))
}

// SetActiveStrategy marks id as the only active strategy
func (c *Collector) SetActiveStrategy(id string) {
	if !c.config.Enabled {
		return
	}
	c.activeStrategy.Reset()
	if id != "" {
		c.activeStrategy.With(prometheus.Labels{"strategy": id}).Set(1)
	}
}

// UpdateStrategyScore records a strategy's current score and sample count
func (c *Collector) UpdateStrategyScore(id string, score float64, samples int) {
	if !c.config.Enabled {
		return
	}
	c.strategyScore.With(prometheus.Labels{"strategy": id}).Set(score)
	c.strategySamples.With(prometheus.Labels{"strategy": id}).Set(float64(samples))
}

// GetLoads returns a copy of the per-type load tracking
func (c *Collector) GetLoads() map[string]LoadMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]LoadMetrics, len(c.loads))
	for k, v := range c.loads {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the internal load tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loads = make(map[string]*LoadMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.loadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "loads_total",
			Help:      "Total number of delivered load requests",
		},
		[]string{"outcome", "type"},
	)

	c.loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "load_duration_seconds",
			Help:      "Duration of fetches including retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"outcome"},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_evictions_total",
			Help:      "Entries removed from the memory tier",
		},
		[]string{"reason"},
	)

	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_memory_bytes",
		Help:      "Bytes held by the memory tier",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_memory_entries",
		Help:      "Entries held by the memory tier",
	})

	c.queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "queue_pending",
		Help:      "Requests waiting for a slot",
	})

	c.queueInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "queue_in_flight",
		Help:      "Requests currently fetching",
	})

	c.activeStrategy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "strategy_active",
			Help:      "1 for the active concurrency strategy",
		},
		[]string{"strategy"},
	)

	c.strategyScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "strategy_score",
			Help:      "Current score per concurrency strategy",
		},
		[]string{"strategy"},
	)

	c.strategySamples = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "strategy_samples",
			Help:      "Recorded samples per concurrency strategy",
		},
		[]string{"strategy"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.loadCounter,
		c.loadDuration,
		c.cacheLookups,
		c.cacheEvictions,
		c.cacheBytes,
		c.cacheEntries,
		c.queuePending,
		c.queueInFlight,
		c.activeStrategy,
		c.strategyScore,
		c.strategySamples,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"resload-metrics"}`))
}

func (c *Collector) debugLoadsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	body := struct {
		Uptime    string                 `json:"uptime"`
		LastReset time.Time              `json:"last_reset"`
		Loads     map[string]LoadMetrics `json:"loads"`
	}{
		Uptime:    time.Since(c.lastReset).String(),
		LastReset: c.lastReset,
	}
	c.mu.RUnlock()
	body.Loads = c.GetLoads()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugw("failed to write debug response", "error", err)
	}
}
