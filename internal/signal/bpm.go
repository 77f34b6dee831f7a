package signal

import "time"

// maxPeakHistory bounds the rolling R-R average to the last 10 accepted
// peaks.
const maxPeakHistory = 10

// BPM sanity range. A computed value outside it is discarded and the
// previous estimate retained.
const (
	minPlausibleBPM = 30
	maxPlausibleBPM = 220
)

// BPMEstimator derives an advisory heart rate from the sample stream with a
// simple R-peak detector: a sample is a peak if it is a strict local max,
// exceeds the running mean by a threshold, and falls outside the refractory
// window of the previous accepted peak. Peak indices live in global
// sample-index space so R-R intervals survive ring wraparound.
//
// Not safe for concurrent use; owned by the connection manager.
type BPMEstimator struct {
	sampleRate  int
	thresholdMV float64
	refractory  uint64 // samples
	meanAlpha   float64

	mean     float64
	meanInit bool

	prev  float64
	prev2 float64
	idx   uint64 // global index of the next sample pushed

	peaks    []uint64
	lastPeak uint64
	havePeak bool

	bpm   uint32
	valid bool
}

// NewBPMEstimator creates an estimator. thresholdMV and refractory are
// configuration, not invariants: the defaults (0.3 mV, 300 ms) match the
// reference device but have not been validated against hardware
// calibration.
func NewBPMEstimator(sampleRate int, thresholdMV float64, refractory time.Duration) *BPMEstimator {
	if sampleRate <= 0 {
		panic("signal: sample rate must be > 0")
	}
	refSamples := uint64(refractory.Seconds() * float64(sampleRate))
	if refSamples == 0 {
		refSamples = 1
	}
	return &BPMEstimator{
		sampleRate:  sampleRate,
		thresholdMV: thresholdMV,
		refractory:  refSamples,
		// EMA over roughly a two second window
		meanAlpha: 2.0 / (2.0*float64(sampleRate) + 1.0),
		peaks:     make([]uint64, 0, maxPeakHistory),
	}
}

// Push feeds one sample (mV). O(1), no allocation after the first beats.
func (e *BPMEstimator) Push(v float64) {
	if !e.meanInit {
		e.mean = v
		e.meanInit = true
	} else {
		e.mean += (v - e.mean) * e.meanAlpha
	}

	// The candidate peak is the previous sample, judged against both
	// neighbors now that the current one is known.
	if e.idx >= 2 {
		c := e.prev
		if c > e.prev2 && c > v && c > e.mean+e.thresholdMV {
			peakIdx := e.idx - 1
			if !e.havePeak || peakIdx-e.lastPeak >= e.refractory {
				e.accept(peakIdx)
			}
		}
	}

	e.prev2 = e.prev
	e.prev = v
	e.idx++
}

// PushAll feeds a batch of samples.
func (e *BPMEstimator) PushAll(samples []float64) {
	for _, v := range samples {
		e.Push(v)
	}
}

func (e *BPMEstimator) accept(idx uint64) {
	e.lastPeak = idx
	e.havePeak = true

	if len(e.peaks) == maxPeakHistory {
		copy(e.peaks, e.peaks[1:])
		e.peaks = e.peaks[:maxPeakHistory-1]
	}
	e.peaks = append(e.peaks, idx)

	// Need at least 2 R-R intervals (3 peaks) for a stable average.
	if len(e.peaks) < 3 {
		return
	}
	span := e.peaks[len(e.peaks)-1] - e.peaks[0]
	meanRR := float64(span) / float64(len(e.peaks)-1)
	bpm := 60.0 * float64(e.sampleRate) / meanRR
	if bpm < minPlausibleBPM || bpm > maxPlausibleBPM {
		// Revert to the last valid estimate rather than reporting nonsense.
		return
	}
	e.bpm = uint32(bpm + 0.5)
	e.valid = true
}

// BPM returns the current estimate. ok is false until enough plausible
// beats have been seen.
func (e *BPMEstimator) BPM() (uint32, bool) {
	return e.bpm, e.valid
}

// Reset clears all state for a new streaming session.
func (e *BPMEstimator) Reset() {
	e.mean = 0
	e.meanInit = false
	e.prev = 0
	e.prev2 = 0
	e.idx = 0
	e.peaks = e.peaks[:0]
	e.lastPeak = 0
	e.havePeak = false
	e.bpm = 0
	e.valid = false
}
