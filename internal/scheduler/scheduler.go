package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/objectfs/resload/internal/cache"
	"github.com/objectfs/resload/pkg/errors"
	"github.com/objectfs/resload/pkg/retry"
	"github.com/objectfs/resload/pkg/types"
)

var log = logging.Logger("resload/scheduler")

// DefaultCeiling is used until a caller supplies one
const DefaultCeiling = 8

// Load outcomes reported to observers
const (
	OutcomeFetched = "fetched"
	OutcomeCached  = "cached"
	OutcomeFailed  = "failed"
)

// ProgressFunc reports bytes loaded so far; total is -1 when unknown
type ProgressFunc func(loaded, total int64)

// FetchFunc performs the actual load of a request
type FetchFunc func(ctx context.Context, req types.LoadRequest, progress ProgressFunc) ([]byte, error)

// ResourceCache is the cache surface the scheduler needs
type ResourceCache interface {
	Get(ctx context.Context, key string, opts cache.GetOptions) (*types.CacheEntry, error)
	Store(ctx context.Context, key string, payload []byte, opts cache.StoreOptions) bool
	Stats() types.CacheStats
}

// Observer receives load outcomes and queue depth, typically a metrics collector.
// QueueDepth is called with the scheduler lock held and must not call back.
type Observer interface {
	LoadFinished(outcome string, resourceType types.ResourceType, duration time.Duration)
	QueueDepth(pending, inFlight int)
}

// Config represents scheduler configuration
type Config struct {
	Ceiling  int
	Retry    retry.Config
	Clock    types.Clock
	Observer Observer
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Cached    int    `json:"cached"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Ceiling   int    `json:"ceiling"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	FromCache uint64 `json:"from_cache"`
}

type batchState struct {
	summary BatchSummary
}

// Scheduler runs load requests in priority order under a concurrency ceiling
type Scheduler struct {
	mu       sync.Mutex
	cache    ResourceCache
	fetch    FetchFunc
	retryer  *retry.Retryer
	clock    types.Clock
	observer Observer

	ceiling  int
	queue    requestQueue
	queued   map[string]*queueItem
	inFlight map[string]struct{}
	seq      uint64
	batch    *batchState

	completed uint64
	failed    uint64
	fromCache uint64

	listeners      map[EventType][]listenerEntry
	anyListeners   []listenerEntry
	nextListenerID uint64
	outbox         []Event
	dispatching    bool

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that loads through fetch and caches into c
func New(c ResourceCache, fetch FetchFunc, cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	retryCfg := cfg.Retry
	userOnRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Debugw("retrying fetch", "attempt", attempt, "delay", delay, "error", err)
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cache:     c,
		fetch:     fetch,
		retryer:   retry.New(retryCfg),
		clock:     clock,
		observer:  cfg.Observer,
		ceiling:   ceiling,
		queued:    make(map[string]*queueItem),
		inFlight:  make(map[string]struct{}),
		listeners: make(map[EventType][]listenerEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Preload accepts requests: cached ones complete immediately, the rest are
// queued by priority and promoted while in-flight is below the ceiling.
// ceiling <= 0 keeps the current ceiling. It returns how many requests were
// newly queued; completion is observed through events.
func (s *Scheduler) Preload(requests []types.LoadRequest, ceiling int) int {
	reqs := make([]types.LoadRequest, 0, len(requests))
	index := make(map[string]int, len(requests))
	for _, req := range requests {
		if req.ID == "" {
			req.ID = req.URL
		}
		if req.ID == "" {
			log.Warnw("dropping request without id or url")
			continue
		}
		if req.Priority == 0 {
			req.Priority = types.DefaultPriority
		}
		// repeated ids within one call collapse to the highest priority
		if i, ok := index[req.ID]; ok {
			if req.Priority > reqs[i].Priority {
				reqs[i].Priority = req.Priority
			}
			continue
		}
		index[req.ID] = len(reqs)
		reqs = append(reqs, req)
	}

	// cache lookups may hit a persistent backend, so they run unlocked.
	// An id tracked here is owned by that load even if it finishes before
	// the lock is taken again.
	hits := make([]*types.CacheEntry, len(reqs))
	tracked := make([]bool, len(reqs))
	for i, req := range reqs {
		if s.isTracked(req.ID) {
			tracked[i] = true
			continue
		}
		entry, err := s.cache.Get(s.ctx, req.ID, cache.GetOptions{NoThrow: true})
		if err != nil {
			log.Debugw("cache lookup failed", "id", req.ID, "error", err)
			continue
		}
		hits[i] = entry
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warnw("preload on closed scheduler", "requests", len(reqs))
		return 0
	}
	if ceiling > 0 {
		s.ceiling = ceiling
	}

	added := 0
	for i, req := range reqs {
		if _, ok := s.inFlight[req.ID]; ok {
			continue
		}
		if item, ok := s.queued[req.ID]; ok {
			if req.Priority > item.req.Priority {
				item.req.Priority = req.Priority
				heap.Fix(&s.queue, item.index)
			}
			continue
		}
		if tracked[i] {
			continue
		}

		s.beginBatchLocked()
		s.batch.summary.Requests++

		if hit := hits[i]; hit != nil {
			s.fromCache++
			s.batch.summary.FromCache++
			s.outbox = append(s.outbox, Event{
				Type:      LoadComplete,
				Request:   req,
				Result:    hit.Payload,
				FromCache: true,
			})
			if s.observer != nil {
				s.observer.LoadFinished(OutcomeCached, req.Type, 0)
			}
			continue
		}

		s.seq++
		item := &queueItem{req: req, seq: s.seq}
		heap.Push(&s.queue, item)
		s.queued[req.ID] = item
		added++
	}

	s.promoteLocked()
	s.finishBatchLocked()
	s.mu.Unlock()

	s.flush()
	return added
}

// SetCeiling changes the concurrency ceiling and promotes if it grew
func (s *Scheduler) SetCeiling(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.ceiling = n
	s.promoteLocked()
	s.mu.Unlock()
	s.flush()
}

// Ceiling returns the current concurrency ceiling
func (s *Scheduler) Ceiling() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ceiling
}

// UpdateResourcePriority re-prioritizes a queued request. It reports false
// when the request is unknown or already in flight.
func (s *Scheduler) UpdateResourcePriority(id string, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queued[id]
	if !ok {
		return false
	}
	item.req.Priority = priority
	heap.Fix(&s.queue, item.index)
	return true
}

// Stats returns queue and cache counts
func (s *Scheduler) Stats() Stats {
	cached := s.cache.Stats().MemoryEntries

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cached:    cached,
		Pending:   s.queue.Len(),
		InFlight:  len(s.inFlight),
		Ceiling:   s.ceiling,
		Completed: s.completed,
		Failed:    s.failed,
		FromCache: s.fromCache,
	}
}

// On registers a listener for one event type and returns its unsubscribe func
func (s *Scheduler) On(t EventType, l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListenerID++
	id := s.nextListenerID
	s.listeners[t] = append(s.listeners[t], listenerEntry{id: id, fn: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[t] = removeListener(s.listeners[t], id)
	}
}

// OnAny registers a listener for every event type
func (s *Scheduler) OnAny(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListenerID++
	id := s.nextListenerID
	s.anyListeners = append(s.anyListeners, listenerEntry{id: id, fn: l})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.anyListeners = removeListener(s.anyListeners, id)
	}
}

// Close rejects further preloads, cancels in-flight fetches and waits for them
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue.Len()
	s.mu.Unlock()

	if pending > 0 {
		log.Infow("closing scheduler with pending requests", "pending", pending)
	}
	s.cancel()
	s.wg.Wait()
	s.flush()
	return nil
}

func (s *Scheduler) isTracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, queued := s.queued[id]
	_, inFlight := s.inFlight[id]
	return queued || inFlight
}

// promoteLocked starts queued requests while in-flight is below the ceiling
func (s *Scheduler) promoteLocked() {
	for !s.closed && len(s.inFlight) < s.ceiling && s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queueItem)
		delete(s.queued, item.req.ID)
		s.inFlight[item.req.ID] = struct{}{}

		if s.batch != nil && len(s.inFlight) > s.batch.summary.PeakInFlight {
			s.batch.summary.PeakInFlight = len(s.inFlight)
		}

		s.outbox = append(s.outbox, Event{Type: LoadStart, Request: item.req})
		s.wg.Add(1)
		go s.run(item.req)
	}
	if s.observer != nil {
		s.observer.QueueDepth(s.queue.Len(), len(s.inFlight))
	}
}

func (s *Scheduler) beginBatchLocked() {
	if s.batch != nil {
		return
	}
	s.batch = &batchState{summary: BatchSummary{
		StartedAt: s.clock.Now(),
		Ceiling:   s.ceiling,
	}}
}

// finishBatchLocked emits QUEUE_COMPLETE once pending and in-flight drained
func (s *Scheduler) finishBatchLocked() {
	if s.batch == nil || s.queue.Len() > 0 || len(s.inFlight) > 0 {
		return
	}
	summary := s.batch.summary
	summary.FinishedAt = s.clock.Now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	s.batch = nil

	s.outbox = append(s.outbox, Event{Type: QueueComplete, Summary: &summary})
	log.Debugw("queue complete",
		"requests", summary.Requests,
		"delivered", summary.Delivered,
		"from_cache", summary.FromCache,
		"failed", summary.Failed,
		"duration", summary.Duration)
}

func (s *Scheduler) run(req types.LoadRequest) {
	defer s.wg.Done()

	start := s.clock.Now()
	progress := func(loaded, total int64) {
		s.emit(Event{Type: LoadProgress, Request: req, Loaded: loaded, Total: total})
	}

	var data []byte
	attempts, err := s.retryer.Run(s.ctx, func(ctx context.Context) error {
		var fetchErr error
		data, fetchErr = s.fetch(ctx, req, progress)
		return fetchErr
	})
	elapsed := s.clock.Now().Sub(start)

	if err == nil {
		// store before leaving in-flight so a concurrent preload sees the entry
		if !s.cache.Store(s.ctx, req.ID, data, cache.StoreOptions{Type: req.Type}) {
			log.Warnw("loaded resource was not cached", "id", req.ID)
		}
	}

	s.mu.Lock()
	delete(s.inFlight, req.ID)
	if err == nil {
		s.completed++
		if s.batch != nil {
			s.batch.summary.Delivered++
		}
		s.outbox = append(s.outbox, Event{Type: LoadComplete, Request: req, Result: data, Attempts: attempts})
		if s.observer != nil {
			s.observer.LoadFinished(OutcomeFetched, req.Type, elapsed)
		}
	} else {
		fetchErr := errors.FetchFailed(req.ID, attempts, err)
		s.failed++
		if s.batch != nil {
			s.batch.summary.Failed++
		}
		s.outbox = append(s.outbox, Event{Type: LoadError, Request: req, Err: fetchErr, Attempts: attempts})
		if s.observer != nil {
			s.observer.LoadFinished(OutcomeFailed, req.Type, elapsed)
		}
		log.Warnw("load failed", "id", req.ID, "attempts", attempts, "error", err)
	}
	s.promoteLocked()
	s.finishBatchLocked()
	s.mu.Unlock()

	s.flush()
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	s.outbox = append(s.outbox, ev)
	s.mu.Unlock()
	s.flush()
}

// flush delivers queued events. Only one goroutine dispatches at a time; a
// listener that triggers new events has them delivered by the same loop.
func (s *Scheduler) flush() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true

	for len(s.outbox) > 0 {
		ev := s.outbox[0]
		s.outbox[0] = Event{}
		s.outbox = s.outbox[1:]

		targets := make([]Listener, 0, len(s.listeners[ev.Type])+len(s.anyListeners))
		for _, l := range s.listeners[ev.Type] {
			targets = append(targets, l.fn)
		}
		for _, l := range s.anyListeners {
			targets = append(targets, l.fn)
		}

		s.mu.Unlock()
		for _, fn := range targets {
			s.deliver(fn, ev)
		}
		s.mu.Lock()
	}

	s.dispatching = false
	s.mu.Unlock()
}

func (s *Scheduler) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("event listener panicked", "event", ev.Type, "id", ev.Request.ID, "panic", r)
		}
	}()
	fn(ev)
}

func removeListener(entries []listenerEntry, id uint64) []listenerEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
