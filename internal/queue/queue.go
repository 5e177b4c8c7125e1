// Package queue holds the two tier connect queue of die ids.
package queue

import (
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/pixel"
)

// Priority is the tier an id is queued in
type Priority int

const (
	Low Priority = iota
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type tier = orderedmap.OrderedMap[pixel.ID, struct{}]

// PriorityQueue keeps two insertion ordered tiers of ids. An id is in at
// most one tier.
//
// It is not safe for concurrent use; the owner serializes calls. Events are
// emitted synchronously from Queue and Dequeue.
type PriorityQueue struct {
	low  *tier
	high *tier

	OnQueued   *event.Emitter[pixel.ID]
	OnRequeued *event.Emitter[pixel.ID]
	OnDequeued *event.Emitter[pixel.ID]
}

// New creates an empty queue.
func New(logger *logrus.Logger) *PriorityQueue {
	return &PriorityQueue{
		low:        orderedmap.New[pixel.ID, struct{}](),
		high:       orderedmap.New[pixel.ID, struct{}](),
		OnQueued:   event.NewEmitter[pixel.ID]("queued", event.WithLogger(logger)),
		OnRequeued: event.NewEmitter[pixel.ID]("requeued", event.WithLogger(logger)),
		OnDequeued: event.NewEmitter[pixel.ID]("dequeued", event.WithLogger(logger)),
	}
}

func (q *PriorityQueue) tier(p Priority) *tier {
	if p == High {
		return q.high
	}
	return q.low
}

// Len returns the number of queued ids.
func (q *PriorityQueue) Len() int {
	return q.low.Len() + q.high.Len()
}

// AllIDs returns the low tier followed by the high tier.
func (q *PriorityQueue) AllIDs() []pixel.ID {
	return append(keys(q.low), keys(q.high)...)
}

func (q *PriorityQueue) HighPriorityIDs() []pixel.ID { return keys(q.high) }

func (q *PriorityQueue) LowPriorityIDs() []pixel.ID { return keys(q.low) }

func (q *PriorityQueue) IsHighPriority(id pixel.ID) bool {
	_, ok := q.high.Get(id)
	return ok
}

func (q *PriorityQueue) IsLowPriority(id pixel.ID) bool {
	_, ok := q.low.Get(id)
	return ok
}

func (q *PriorityQueue) Includes(id pixel.ID) bool {
	return q.IsHighPriority(id) || q.IsLowPriority(id)
}

// Queue appends id to the tier of the given priority. An id already queued
// moves to the back of the target tier unless it already is its tail.
// Requeued fires in both cases.
func (q *PriorityQueue) Queue(id pixel.ID, priority Priority) {
	for _, current := range []Priority{High, Low} {
		t := q.tier(current)
		if _, ok := t.Get(id); !ok {
			continue
		}
		switch {
		case current != priority:
			t.Delete(id)
			q.tier(priority).Set(id, struct{}{})
		case t.Newest().Key != id:
			_ = t.MoveToBack(id)
		}
		q.OnRequeued.Emit(id)
		return
	}
	q.tier(priority).Set(id, struct{}{})
	q.OnQueued.Emit(id)
}

// Dequeue removes id and returns the tier it was in. Absent ids are ignored.
func (q *PriorityQueue) Dequeue(id pixel.ID) (Priority, bool) {
	for _, p := range []Priority{High, Low} {
		if _, ok := q.tier(p).Delete(id); ok {
			q.OnDequeued.Emit(id)
			return p, true
		}
	}
	return Low, false
}

func keys(t *tier) []pixel.ID {
	ids := make([]pixel.ID, 0, t.Len())
	for pair := t.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}
