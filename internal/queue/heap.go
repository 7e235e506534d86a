package queue

import (
	"time"

	"github.com/google/uuid"
)

// item is one scheduled delivery job. Jobs wait in the delayed heap until
// eligible, then move to the ready heap ordered by priority.
type item struct {
	id         uuid.UUID
	priority   int
	eligibleAt time.Time
	seq        uint64

	// attempt counts dispatch attempts made through this queue entry.
	attempt     int
	maxAttempts int
	baseBackoff time.Duration

	cancelled bool
	loc       itemLoc
	index     int
}

// itemLoc tracks which structure currently holds the item.
type itemLoc int

const (
	locNone itemLoc = iota
	locReady
	locDelayed
	locActive
)

// readyHeap orders eligible items by (priority asc, eligibleAt asc, seq asc).
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].eligibleAt.Before(h[j].eligibleAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// delayedHeap orders not-yet-eligible items by eligibleAt.
type delayedHeap []*item

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].eligibleAt.Before(h[j].eligibleAt)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
