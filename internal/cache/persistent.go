package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/resload/internal/kvstore"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

// PersistentConfig represents persistent tier configuration
type PersistentConfig struct {
	MaxEntries    int
	DefaultExpiry time.Duration
	// TrimConcurrency bounds envelope reads while choosing entries to trim
	TrimConcurrency int
	Clock           types.Clock
}

// envelope is the persisted form of a cache entry
type envelope struct {
	Payload   []byte             `json:"payload"`
	Type      types.ResourceType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Size      int64              `json:"size"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
}

// PersistentTier stores entries as JSON envelopes in a key-value store
type PersistentTier struct {
	// mu serializes writes so the capacity check and the write are atomic
	mu     sync.Mutex
	store  kvstore.Store
	config PersistentConfig
	clock  types.Clock

	expired atomic.Uint64
	trimmed atomic.Uint64
}

// NewPersistentTier creates a persistent tier over store
func NewPersistentTier(store kvstore.Store, config PersistentConfig) *PersistentTier {
	clock := config.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	if config.TrimConcurrency <= 0 {
		config.TrimConcurrency = 8
	}
	return &PersistentTier{store: store, config: config, clock: clock}
}

// Get loads key. Expired and corrupt records are removed; expired reads
// report NOT_FOUND, corrupt reads report PERSISTENCE_CORRUPT.
func (p *PersistentTier) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	data, err := p.store.Get(ctx, key)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, errors.NotFound("persistent", key)
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = p.store.Delete(ctx, key)
		return nil, errors.Corrupt("persistent", key, err)
	}

	if !env.ExpiresAt.IsZero() && p.clock.Now().After(env.ExpiresAt) {
		p.expired.Add(1)
		if err := p.store.Delete(ctx, key); err != nil {
			log.Debugw("failed to drop expired record", "key", key, "error", err)
		}
		return nil, errors.NotFound("persistent", key)
	}

	return &types.CacheEntry{
		Key:       key,
		Payload:   env.Payload,
		Type:      env.Type,
		Size:      env.Size,
		CreatedAt: env.Timestamp,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

// Has reports whether an unexpired, decodable record exists
func (p *PersistentTier) Has(ctx context.Context, key string) bool {
	_, err := p.Get(ctx, key)
	return err == nil
}

// Put writes entry, trimming the oldest records first when a new key would
// exceed MaxEntries.
func (p *PersistentTier) Put(ctx context.Context, entry *types.CacheEntry) error {
	now := p.clock.Now()
	env := envelope{
		Payload:   entry.Payload,
		Type:      entry.Type,
		Timestamp: entry.CreatedAt,
		Size:      entry.Size,
		ExpiresAt: entry.ExpiresAt,
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	if env.Size <= 0 {
		env.Size = int64(len(entry.Payload))
	}
	if env.ExpiresAt.IsZero() && p.config.DefaultExpiry > 0 {
		env.ExpiresAt = env.Timestamp.Add(p.config.DefaultExpiry)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode envelope").
			WithKey(entry.Key).WithCause(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.MaxEntries > 0 {
		if err := p.makeRoom(ctx, entry.Key); err != nil {
			return err
		}
	}

	return p.store.Put(ctx, entry.Key, data)
}

// makeRoom removes the oldest N records when adding key would exceed the ceiling
func (p *PersistentTier) makeRoom(ctx context.Context, key string) error {
	keys, err := p.store.List(ctx, "")
	if err != nil {
		return err
	}

	others := keys[:0:0]
	for _, k := range keys {
		if k == key {
			// overwrite does not grow the tier
			return nil
		}
		others = append(others, k)
	}

	n := len(others) - p.config.MaxEntries + 1
	if n <= 0 {
		return nil
	}

	victims, err := p.oldest(ctx, others, n)
	if err != nil {
		return err
	}
	for _, k := range victims {
		if err := p.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	p.trimmed.Add(uint64(len(victims)))
	log.Debugw("trimmed persistent tier", "removed", len(victims), "limit", p.config.MaxEntries)
	return nil
}

// oldest reads every envelope timestamp and returns the n oldest keys.
// Unreadable envelopes sort first.
func (p *PersistentTier) oldest(ctx context.Context, keys []string, n int) ([]string, error) {
	stamps := make([]time.Time, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.TrimConcurrency)
	for i, k := range keys {
		g.Go(func() error {
			data, err := p.store.Get(gctx, k)
			if err != nil {
				if kvstore.IsNotFound(err) {
					return nil
				}
				return err
			}
			var env struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(data, &env) == nil {
				stamps[i] = env.Timestamp
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return stamps[idx[a]].Before(stamps[idx[b]])
	})

	if n > len(idx) {
		n = len(idx)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = keys[idx[i]]
	}
	return out, nil
}

// Remove deletes key; a missing key is not an error
func (p *PersistentTier) Remove(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}

// Clear deletes every record in the tier
func (p *PersistentTier) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := kvstore.DeletePrefix(ctx, p.store, "")
	return err
}

// Len returns the number of stored records
func (p *PersistentTier) Len(ctx context.Context) (int, error) {
	keys, err := p.store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Expired returns how many records expired on read
func (p *PersistentTier) Expired() uint64 {
	return p.expired.Load()
}

// Trimmed returns how many records were removed for capacity
func (p *PersistentTier) Trimmed() uint64 {
	return p.trimmed.Load()
}
