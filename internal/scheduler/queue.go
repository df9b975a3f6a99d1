package scheduler

import (
	"github.com/objectfs/resload/pkg/types"
)

// queueItem is a pending request in the heap
type queueItem struct {
	req   types.LoadRequest
	seq   uint64
	index int
}

// requestQueue orders pending requests by priority, then arrival
type requestQueue []*queueItem

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	// Higher priority values come first
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	// For same priority, earlier requests come first
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *requestQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	// popped items are no longer addressable by heap.Fix
	item.index = -1
	*q = old[:n-1]
	return item
}
