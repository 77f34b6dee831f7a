package holter

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/cardioguard/cardiolink/internal/signal"
)

// Batch is one decoded notification's worth of samples.
//
// IMPORTANT: Samples aliases a buffer the manager reuses between
// notifications. Handlers MUST copy it before returning if they retain it;
// the slice is only valid for the duration of the callback.
type Batch struct {
	DeviceID  string
	Samples   []float64
	Timestamp time.Time
}

// SampleHandler receives every decoded batch, at wire rate.
type SampleHandler func(Batch)

// StateHandler receives every connection state transition.
type StateHandler func(Status)

// StatsHandler receives coalesced stream statistics at the broadcast rate.
type StatsHandler func(signal.Stats)

// BatteryHandler receives the battery level (percent) when a poll observes
// a change.
type BatteryHandler func(uint8)

// registry is an insertion-ordered set of callbacks keyed by subscription
// id. Add returns an unsubscribe capability; removing via the token while a
// broadcast iterates a snapshot is safe.
type registry[T any] struct {
	mu    sync.Mutex
	next  uint64
	subs  *orderedmap.OrderedMap[uint64, T]
	cache []T
	dirty bool
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: orderedmap.New[uint64, T]()}
}

func (r *registry[T]) add(fn T) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs.Set(id, fn)
	r.dirty = true
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.subs.Delete(id)
			r.dirty = true
			r.mu.Unlock()
		})
	}
}

// snapshot returns the callbacks in subscription order. The slice is cached
// between registry changes so the per-packet fan-out does not allocate;
// callers must treat it as read-only. Broadcasting from a snapshot means a
// handler that unsubscribes (or subscribes) mid-call cannot corrupt the
// iteration.
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		r.cache = make([]T, 0, r.subs.Len())
		for pair := r.subs.Oldest(); pair != nil; pair = pair.Next() {
			r.cache = append(r.cache, pair.Value)
		}
		r.dirty = false
	}
	return r.cache
}
