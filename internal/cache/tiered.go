package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/cache")

// Tier names reported to observers
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
)

// Observer receives cache events, typically a metrics collector
type Observer interface {
	CacheLookup(tier string, hit bool)
	CacheEviction(reason string)
}

// Options configures a TieredCache
type Options struct {
	Memory     MemoryConfig
	Persistent PersistentConfig
	// Store backs the persistent tier; nil runs memory-only
	Store    kvstore.Store
	Clock    types.Clock
	Observer Observer
}

// StoreOptions tune a single Store call
type StoreOptions struct {
	// Type overrides content classification
	Type types.ResourceType
	// Expiry overrides the tier default lifetime
	Expiry time.Duration
	// Size overrides the len(payload) estimate
	Size            int64
	MemoryOnly      bool
	PersistenceOnly bool
}

// GetOptions tune a single Get call
type GetOptions struct {
	SkipMemory     bool
	SkipPersistent bool
	// NoThrow turns a miss into (nil, nil)
	NoThrow bool
}

// HasOptions tune a single Has call
type HasOptions struct {
	CheckMemoryOnly bool
}

// ClearOptions select the tiers Clear wipes
type ClearOptions struct {
	MemoryOnly     bool
	PersistentOnly bool
}

// TieredCache is a memory tier in front of an optional persistent tier
type TieredCache struct {
	memory     *MemoryTier
	persistent *PersistentTier
	clock      types.Clock
	observer   Observer
	group      singleflight.Group

	memoryHits       atomic.Uint64
	persistentHits   atomic.Uint64
	misses           atomic.Uint64
	persistentErrors atomic.Uint64
}

// New creates a tiered cache
func New(opts Options) *TieredCache {
	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	c := &TieredCache{clock: clock, observer: opts.Observer}

	memCfg := opts.Memory
	memCfg.Clock = clock
	userEvict := memCfg.OnEvict
	memCfg.OnEvict = func(key string, reason EvictReason) {
		if c.observer != nil {
			c.observer.CacheEviction(string(reason))
		}
		if userEvict != nil {
			userEvict(key, reason)
		}
	}
	c.memory = NewMemoryTier(memCfg)

	if opts.Store != nil {
		pCfg := opts.Persistent
		pCfg.Clock = clock
		c.persistent = NewPersistentTier(opts.Store, pCfg)
	}

	log.Debugw("cache initialized",
		"memory_max_size", memCfg.MaxSize,
		"memory_max_entries", memCfg.MaxEntries,
		"persistent", c.persistent != nil)
	return c
}

// NewFromConfig builds a cache from configuration. store may be nil.
func NewFromConfig(cfg *config.Configuration, store kvstore.Store, observer Observer) (*TieredCache, error) {
	opts, err := OptionsFromConfig(cfg, store, observer)
	if err != nil {
		return nil, err
	}
	return New(opts), nil
}

// OptionsFromConfig maps the cache section onto Options. The persistent tier
// is configured only when enabled and store is non-nil.
func OptionsFromConfig(cfg *config.Configuration, store kvstore.Store, observer Observer) (Options, error) {
	maxSize, err := cfg.MemoryMaxBytes()
	if err != nil {
		return Options{}, errors.InvalidConfig("invalid cache.memory.max_size %q", cfg.Cache.Memory.MaxSize).WithCause(err)
	}

	opts := Options{
		Memory: MemoryConfig{
			MaxSize:       maxSize,
			MaxEntries:    cfg.Cache.Memory.MaxEntries,
			DefaultExpiry: cfg.Cache.Memory.DefaultExpiry,
			SweepInterval: cfg.Cache.Memory.SweepInterval,
		},
		Observer: observer,
	}
	if cfg.Cache.Persistent.Enabled && store != nil {
		opts.Store = store
		opts.Persistent = PersistentConfig{
			MaxEntries:    cfg.Cache.Persistent.MaxEntries,
			DefaultExpiry: cfg.Cache.Persistent.DefaultExpiry,
		}
	}
	return opts, nil
}

// Store writes payload to the selected tiers and reports whether at least
// one tier accepted it.
func (c *TieredCache) Store(ctx context.Context, key string, payload []byte, opts StoreOptions) bool {
	if key == "" {
		return false
	}
	toMemory := !opts.PersistenceOnly
	toPersistent := !opts.MemoryOnly && c.persistent != nil
	if !toMemory && !toPersistent {
		log.Warnw("store selected no tier", "key", key)
		return false
	}

	now := c.clock.Now()
	entry := &types.CacheEntry{
		Key:            key,
		Payload:        payload,
		Type:           opts.Type,
		Size:           opts.Size,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if entry.Type == "" {
		entry.Type = Classify(key, payload)
	}
	if entry.Size <= 0 {
		entry.Size = int64(len(payload))
	}
	if opts.Expiry > 0 {
		entry.ExpiresAt = now.Add(opts.Expiry)
	}

	accepted := false

	if toMemory {
		if err := c.memory.Put(entry); err != nil {
			log.Warnw("memory tier rejected entry", "key", key, "size", entry.Size, "error", err)
		} else {
			accepted = true
		}
	} else {
		// a stale memory copy would shadow the new persistent version
		c.memory.Remove(key)
	}

	if toPersistent {
		if err := c.persistent.Put(ctx, entry); err != nil {
			c.persistentErrors.Add(1)
			log.Warnw("persistent tier write failed", "key", key, "error", err)
		} else {
			accepted = true
		}
	} else if c.persistent != nil {
		if err := c.persistent.Remove(ctx, key); err != nil {
			c.persistentErrors.Add(1)
			log.Debugw("failed to drop stale persistent copy", "key", key, "error", err)
		}
	}

	return accepted
}

// Get returns the entry for key, consulting memory first and promoting
// persistent hits into memory.
func (c *TieredCache) Get(ctx context.Context, key string, opts GetOptions) (*types.CacheEntry, error) {
	if !opts.SkipMemory {
		if entry, ok := c.memory.Get(key); ok {
			c.memoryHits.Add(1)
			c.observe(TierMemory, true)
			return entry, nil
		}
		c.observe(TierMemory, false)
	}

	if !opts.SkipPersistent && c.persistent != nil {
		entry, err := c.loadPersistent(ctx, key, !opts.SkipMemory)
		if err == nil {
			c.persistentHits.Add(1)
			c.observe(TierPersistent, true)
			return entry, nil
		}
		c.observe(TierPersistent, false)
		if !errors.IsNotFound(err) {
			c.persistentErrors.Add(1)
			log.Warnw("persistent tier read failed, treating as miss", "key", key, "error", err)
		}
	}

	c.misses.Add(1)
	if opts.NoThrow {
		return nil, nil
	}
	return nil, errors.NotFound("cache", key)
}

// loadPersistent reads key once for concurrent callers and optionally
// promotes it into memory.
func (c *TieredCache) loadPersistent(ctx context.Context, key string, promote bool) (*types.CacheEntry, error) {
	groupKey := key
	if !promote {
		groupKey = "\x00nopromote:" + key
	}

	v, err, _ := c.group.Do(groupKey, func() (interface{}, error) {
		entry, err := c.persistent.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		now := c.clock.Now()
		entry.LastAccessedAt = now
		entry.AccessCount = 1

		if promote {
			promoted := entry.Clone()
			if h := c.memory.DefaultExpiry(); h > 0 {
				horizon := now.Add(h)
				if promoted.ExpiresAt.IsZero() || promoted.ExpiresAt.After(horizon) {
					promoted.ExpiresAt = horizon
				}
			}
			if err := c.memory.Put(promoted); err != nil {
				log.Debugw("promotion rejected", "key", key, "error", err)
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CacheEntry).Clone(), nil
}

// Has reports whether key is cached without touching access stats
func (c *TieredCache) Has(ctx context.Context, key string, opts HasOptions) bool {
	if c.memory.Has(key) {
		return true
	}
	if opts.CheckMemoryOnly || c.persistent == nil {
		return false
	}
	return c.persistent.Has(ctx, key)
}

// Remove deletes key from both tiers. It returns false only when the
// persistent backend failed.
func (c *TieredCache) Remove(ctx context.Context, key string) bool {
	c.memory.Remove(key)
	if c.persistent == nil {
		return true
	}
	if err := c.persistent.Remove(ctx, key); err != nil {
		c.persistentErrors.Add(1)
		log.Warnw("persistent tier remove failed", "key", key, "error", err)
		return false
	}
	return true
}

// Clear wipes the selected tiers
func (c *TieredCache) Clear(ctx context.Context, opts ClearOptions) bool {
	if !opts.PersistentOnly {
		n := c.memory.Clear()
		log.Debugw("cleared memory tier", "entries", n)
	}
	if opts.MemoryOnly || c.persistent == nil {
		return true
	}
	if err := c.persistent.Clear(ctx); err != nil {
		c.persistentErrors.Add(1)
		log.Warnw("persistent tier clear failed", "error", err)
		return false
	}
	return true
}

// Stats returns cache statistics
func (c *TieredCache) Stats() types.CacheStats {
	mem := c.memory.Stats()

	stats := types.CacheStats{
		MemoryHits:       c.memoryHits.Load(),
		PersistentHits:   c.persistentHits.Load(),
		Misses:           c.misses.Load(),
		Evicted:          mem.Evictions,
		Expired:          mem.Expirations,
		PersistentErrors: c.persistentErrors.Load(),
		MemoryEntries:    mem.Entries,
		MemorySize:       mem.Size,
		MemoryCapacity:   mem.Capacity,
	}
	if c.persistent != nil {
		stats.Expired += c.persistent.Expired()
	}
	stats.Hits = stats.MemoryHits + stats.PersistentHits
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if mem.Capacity > 0 {
		stats.Utilization = float64(mem.Size) / float64(mem.Capacity)
	}
	return stats
}

// StoreJSON stores v encoded as JSON
func (c *TieredCache) StoreJSON(ctx context.Context, key string, v interface{}, opts StoreOptions) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warnw("failed to encode value", "key", key, "error", err)
		return false
	}
	if opts.Type == "" {
		opts.Type = types.ResourceJSON
	}
	return c.Store(ctx, key, data, opts)
}

// GetJSON decodes the cached value for key into out
func (c *TieredCache) GetJSON(ctx context.Context, key string, out interface{}, opts GetOptions) error {
	opts.NoThrow = false
	entry, err := c.Get(ctx, key, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Payload, out); err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "cached value is not valid JSON").
			WithComponent("cache").WithKey(key).WithCause(err).WithRetryable(false)
	}
	return nil
}

// Memory exposes the memory tier for inspection
func (c *TieredCache) Memory() *MemoryTier {
	return c.memory
}

// Persistent exposes the persistent tier, nil when running memory-only
func (c *TieredCache) Persistent() *PersistentTier {
	return c.persistent
}

// Close stops background work
func (c *TieredCache) Close() error {
	c.memory.Close()
	return nil
}

func (c *TieredCache) observe(tier string, hit bool) {
	if c.observer != nil {
		c.observer.CacheLookup(tier, hit)
	}
}
