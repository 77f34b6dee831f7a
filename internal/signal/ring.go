// Package signal holds the real-time sample window and the advisory
// quality/heart-rate estimators that feed the live display. Nothing in this
// package performs diagnosis; values are UI feedback only.
package signal

// Ring is a fixed-capacity circular buffer of voltage samples (mV).
//
// Writes advance a wrap-around pointer and never allocate; once full, the
// oldest sample is overwritten. Snapshot is the only allocating operation
// and is meant to be called at the broadcast rate, not per packet.
//
// Ring is not safe for concurrent use. The connection manager owns it and
// serializes access on the notification path.
type Ring struct {
	buf    []float64
	head   int // next write position
	filled int
	total  uint64
}

// NewRing creates a ring of the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("signal: ring capacity must be > 0")
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Write appends samples, overwriting the oldest once the ring is full.
// O(len(samples)), zero heap allocation.
func (r *Ring) Write(samples []float64) {
	for _, v := range samples {
		r.buf[r.head] = v
		r.head++
		if r.head == len(r.buf) {
			r.head = 0
		}
	}
	r.filled += len(samples)
	if r.filled > len(r.buf) {
		r.filled = len(r.buf)
	}
	r.total += uint64(len(samples))
}

// Snapshot materializes the current window in chronological order,
// oldest first.
func (r *Ring) Snapshot() []float64 {
	out := make([]float64, r.filled)
	start := r.head - r.filled
	if start < 0 {
		start += len(r.buf)
	}
	n := copy(out, r.buf[start:min(start+r.filled, len(r.buf))])
	copy(out[n:], r.buf[:r.filled-n])
	return out
}

// Len returns the number of samples currently held: min(Total, Cap).
func (r *Ring) Len() int { return r.filled }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Total returns the number of samples ever written.
func (r *Ring) Total() uint64 { return r.total }

// Reset discards all content and counters. Called when streaming
// (re)starts so a previous session never bleeds into the new window.
func (r *Ring) Reset() {
	r.head = 0
	r.filled = 0
	r.total = 0
}
