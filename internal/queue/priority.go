package queue

import (
	"container/heap"
	"time"

	"agentflow/internal/domain"
)

// Queue holds pending items in two heaps: items that are due, ordered by
// priority, and items scheduled in the future, ordered by due time.
// Queue is not safe for concurrent use; the dispatcher serializes access.
type Queue struct {
	ready   readyHeap
	delayed delayedHeap
	index   map[string]*entry
}

type entry struct {
	item    *domain.WorkItem
	pos     int
	delayed bool
}

func New() *Queue {
	return &Queue{index: make(map[string]*entry)}
}

// Before reports whether a is dequeued ahead of b: priority descending,
// then scheduled time ascending, then submission order.
func Before(a, b *domain.WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}

func (q *Queue) Push(it *domain.WorkItem, now time.Time) {
	if old, ok := q.index[it.ID]; ok {
		q.remove(old)
	}
	e := &entry{item: it}
	q.index[it.ID] = e
	if it.ScheduledAt.After(now) {
		e.delayed = true
		heap.Push(&q.delayed, e)
		return
	}
	heap.Push(&q.ready, e)
}

// PopReady promotes due delayed items, then pops the head of the ready heap.
func (q *Queue) PopReady(now time.Time) (*domain.WorkItem, bool) {
	q.Promote(now)
	if len(q.ready) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.ready).(*entry)
	delete(q.index, e.item.ID)
	return e.item, true
}

// Promote moves every delayed item due at or before now into the ready heap.
func (q *Queue) Promote(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].item.ScheduledAt.After(now) {
		e := heap.Pop(&q.delayed).(*entry)
		e.delayed = false
		heap.Push(&q.ready, e)
	}
}

// NextDue returns the earliest scheduled time among delayed items.
func (q *Queue) NextDue() (time.Time, bool) {
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].item.ScheduledAt, true
}

func (q *Queue) Get(id string) (*domain.WorkItem, bool) {
	e, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return e.item, true
}

func (q *Queue) Remove(id string) (*domain.WorkItem, bool) {
	e, ok := q.index[id]
	if !ok {
		return nil, false
	}
	q.remove(e)
	return e.item, true
}

func (q *Queue) remove(e *entry) {
	if e.delayed {
		heap.Remove(&q.delayed, e.pos)
	} else {
		heap.Remove(&q.ready, e.pos)
	}
	delete(q.index, e.item.ID)
}

// Items returns every queued item in no particular order.
func (q *Queue) Items() []*domain.WorkItem {
	out := make([]*domain.WorkItem, 0, len(q.index))
	for _, e := range q.index {
		out = append(out, e.item)
	}
	return out
}

func (q *Queue) Len() int     { return len(q.index) }
func (q *Queue) Ready() int   { return len(q.ready) }
func (q *Queue) Delayed() int { return len(q.delayed) }

type readyHeap []*entry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return Before(h[i].item, h[j].item) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos, h[j].pos = i, j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	a, b := h[i].item, h[j].item
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos, h[j].pos = i, j
}
func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
