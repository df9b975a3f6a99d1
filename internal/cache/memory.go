package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/types"
)

// SizeEvictionTarget is the fraction of the byte ceiling that size-pressure
// eviction frees down to, counting the incoming entry.
const SizeEvictionTarget = 0.75

// DefaultSweepInterval is used when MemoryConfig.SweepInterval is zero
const DefaultSweepInterval = 60 * time.Second

// EvictReason tells why an entry left the memory tier
type EvictReason string

const (
	EvictSize    EvictReason = "size"
	EvictCount   EvictReason = "count"
	EvictExpired EvictReason = "expired"
)

// MemoryConfig represents memory tier configuration
type MemoryConfig struct {
	MaxSize       int64
	MaxEntries    int
	DefaultExpiry time.Duration
	// SweepInterval of zero uses DefaultSweepInterval; negative disables the sweep
	SweepInterval time.Duration
	Clock         types.Clock
	// OnEvict runs under the tier lock and must not call back into the tier
	OnEvict func(key string, reason EvictReason)
}

// MemoryStats represents memory tier counters
type MemoryStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Entries     int
	Size        int64
	Capacity    int64
}

// MemoryTier is a byte- and count-bounded LRU of cache entries. The front of
// evictList is the most recently accessed entry.
type MemoryTier struct {
	mu          sync.Mutex
	config      MemoryConfig
	clock       types.Clock
	items       map[string]*list.Element
	evictList   *list.List
	currentSize int64
	stats       MemoryStats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryTier creates a memory tier and starts its expiry sweep
func NewMemoryTier(config MemoryConfig) *MemoryTier {
	clock := config.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	m := &MemoryTier{
		config:    config,
		clock:     clock,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		stopCh:    make(chan struct{}),
	}

	interval := config.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if interval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(interval)
	}

	return m
}

// Get returns a copy of the entry and records the access
func (m *MemoryTier) Get(key string) (*types.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*types.CacheEntry)
	now := m.clock.Now()
	if entry.Expired(now) {
		m.removeElement(elem)
		m.stats.Expirations++
		m.stats.Misses++
		m.notify(key, EvictExpired)
		return nil, false
	}

	entry.LastAccessedAt = now
	entry.AccessCount++
	m.evictList.MoveToFront(elem)
	m.stats.Hits++

	return entry.Clone(), true
}

// Has reports presence of an unexpired entry without touching access stats
func (m *MemoryTier) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	return !elem.Value.(*types.CacheEntry).Expired(m.clock.Now())
}

// Put inserts or replaces an entry, evicting least recently accessed entries
// under size or count pressure. An entry larger than MaxSize is rejected.
func (m *MemoryTier) Put(entry *types.CacheEntry) error {
	stored := entry.Clone()
	if stored.Size <= 0 {
		stored.Size = int64(len(stored.Payload))
	}
	if m.config.MaxSize > 0 && stored.Size > m.config.MaxSize {
		return errors.Capacity("memory", stored.Key, stored.Size, m.config.MaxSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastAccessedAt.IsZero() {
		stored.LastAccessedAt = now
	}
	if stored.ExpiresAt.IsZero() && m.config.DefaultExpiry > 0 {
		stored.ExpiresAt = stored.CreatedAt.Add(m.config.DefaultExpiry)
	}

	// replacing a key is not an eviction
	if elem, ok := m.items[stored.Key]; ok {
		m.removeElement(elem)
	}

	if m.config.MaxSize > 0 && m.currentSize+stored.Size > m.config.MaxSize {
		target := int64(SizeEvictionTarget * float64(m.config.MaxSize))
		for m.currentSize+stored.Size > target && m.evictList.Len() > 0 {
			m.evictOldest(EvictSize)
		}
	}

	if m.config.MaxEntries > 0 && len(m.items) >= m.config.MaxEntries {
		m.evictOldest(EvictCount)
	}

	m.items[stored.Key] = m.evictList.PushFront(stored)
	m.currentSize += stored.Size
	return nil
}

// Remove deletes key and reports whether it was present
func (m *MemoryTier) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeElement(elem)
	return true
}

// Clear drops every entry and returns how many were held
func (m *MemoryTier) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.items)
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.currentSize = 0
	return n
}

// SweepExpired removes every expired entry and returns the count
func (m *MemoryTier) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for elem := m.evictList.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*types.CacheEntry)
		if entry.Expired(now) {
			m.removeElement(elem)
			m.stats.Expirations++
			m.notify(entry.Key, EvictExpired)
			removed++
		}
		elem = prev
	}
	return removed
}

// Keys returns keys from least to most recently accessed
func (m *MemoryTier) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for elem := m.evictList.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*types.CacheEntry).Key)
	}
	return keys
}

// Len returns the number of entries held
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Size returns the bytes accounted to held entries
func (m *MemoryTier) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

// DefaultExpiry returns the configured entry lifetime
func (m *MemoryTier) DefaultExpiry() time.Duration {
	return m.config.DefaultExpiry
}

// Stats returns memory tier statistics
func (m *MemoryTier) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Entries = len(m.items)
	stats.Size = m.currentSize
	stats.Capacity = m.config.MaxSize
	return stats
}

// Close stops the expiry sweep
func (m *MemoryTier) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *MemoryTier) evictOldest(reason EvictReason) {
	elem := m.evictList.Back()
	if elem == nil {
		return
	}
	key := elem.Value.(*types.CacheEntry).Key
	m.removeElement(elem)
	m.stats.Evictions++
	m.notify(key, reason)
}

func (m *MemoryTier) removeElement(elem *list.Element) {
	entry := m.evictList.Remove(elem).(*types.CacheEntry)
	delete(m.items, entry.Key)
	m.currentSize -= entry.Size
}

func (m *MemoryTier) notify(key string, reason EvictReason) {
	if m.config.OnEvict != nil {
		m.config.OnEvict(key, reason)
	}
}

func (m *MemoryTier) sweepLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.SweepExpired(); n > 0 {
				log.Debugw("expired memory entries", "count", n)
			}
		case <-m.stopCh:
			return
		}
	}
}
