package scheduler

import (
	"time"

	"github.com/objectfs/resload/pkg/types"
)

// EventType names a scheduler lifecycle event
type EventType string

const (
	LoadStart     EventType = "LOAD_START"
	LoadProgress  EventType = "LOAD_PROGRESS"
	LoadComplete  EventType = "LOAD_COMPLETE"
	LoadError     EventType = "LOAD_ERROR"
	QueueComplete EventType = "QUEUE_COMPLETE"
)

// Event is delivered to listeners in the order state transitions happened
type Event struct {
	Type    EventType
	Request types.LoadRequest
	// Result is the fetched or cached payload on LOAD_COMPLETE
	Result    []byte
	FromCache bool
	// Err wraps the fetch failure on LOAD_ERROR
	Err      error
	Attempts int
	// Loaded and Total are reported by LOAD_PROGRESS
	Loaded int64
	Total  int64
	// Summary is set on QUEUE_COMPLETE
	Summary *BatchSummary
}

// BatchSummary describes one busy period, from the first accepted request
// until pending and in-flight both drained.
type BatchSummary struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	Requests     int
	Delivered    int
	FromCache    int
	Failed       int
	Ceiling      int
	PeakInFlight int
}

// Succeeded counts fetched and cached deliveries
func (b BatchSummary) Succeeded() int {
	return b.Delivered + b.FromCache
}

// Listener receives events. Listeners never run concurrently and may call
// back into the scheduler.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}
