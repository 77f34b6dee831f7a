// Package simulator emulates the CardioGuard holter end-to-end: a synthetic
// ECG waveform generator and a transport implementation that speaks the real
// wire protocol. It exists so the decode/buffer/estimator pipeline can be
// exercised without hardware; nothing here is part of the production data
// path.
package simulator

import (
	"math"
	"math/rand"

	"github.com/cardioguard/cardiolink/internal/ecg"
)

// WaveformConfig controls the synthetic signal.
type WaveformConfig struct {
	SampleRate int
	BPM        float64
	// HRV jitters each R-R interval by ±5%.
	HRV bool
	// NoiseMV adds uniform noise of the given amplitude (mV). Zero disables.
	NoiseMV float64
	// BaselineDrift adds a slow sinusoidal wander.
	BaselineDrift bool
	// Arrhythmia switches to an irregular PVC-like beat shape.
	Arrhythmia bool
	// Seed for the noise/HRV source; zero picks a fixed default so tests
	// are reproducible.
	Seed int64
}

// Waveform generates one heartbeat after another as a Gaussian sum of the
// P, Q, R, S, T and U components. Amplitudes and positions follow the
// reference device's signal model.
type Waveform struct {
	cfg      WaveformConfig
	rng      *rand.Rand
	idx      uint64
	rr       float64 // nominal R-R interval in samples
	nextPeak float64
}

// NewWaveform creates a generator. Zero-value fields get device defaults
// (250 Hz, 72 BPM).
func NewWaveform(cfg WaveformConfig) *Waveform {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = ecg.DefaultSampleRate
	}
	if cfg.BPM <= 0 {
		cfg.BPM = 72
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	rr := 60.0 / cfg.BPM * float64(cfg.SampleRate)
	return &Waveform{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		rr:       rr,
		nextPeak: rr,
	}
}

func gaussian(x, center, width float64) float64 {
	d := x - center
	return math.Exp(-(d * d) / (2 * width * width))
}

func (w *Waveform) beatValue(pos float64) float64 {
	if w.cfg.Arrhythmia {
		// Wide-QRS PVC shape with an inverted T wave.
		jitter := math.Sin(float64(w.idx)*0.1) * 0.15
		v := gaussian(pos, 0.20, 0.018) * 0.08
		v -= gaussian(pos, 0.22, 0.015) * 0.20
		v += gaussian(pos, 0.25, 0.020) * 1.8
		v -= gaussian(pos, 0.30, 0.018) * 0.50
		v -= gaussian(pos, 0.45, 0.060) * 0.25
		v += jitter * gaussian(pos, 0.60, 0.05)
		return v
	}

	// Normal sinus rhythm.
	v := gaussian(pos, 0.12, 0.025) * 0.15  // P
	v -= gaussian(pos, 0.20, 0.008) * 0.10  // Q
	v += gaussian(pos, 0.22, 0.010) * 1.20  // R
	v -= gaussian(pos, 0.24, 0.008) * 0.25  // S
	v += gaussian(pos, 0.38, 0.040) * 0.30  // T
	v += gaussian(pos, 0.50, 0.025) * 0.03  // U
	return v
}

// Next produces the next sample in millivolts.
func (w *Waveform) Next() float64 {
	beatStart := w.nextPeak - w.rr
	pos := math.Mod(float64(w.idx)-beatStart, w.rr) / w.rr
	if pos < 0 {
		pos++
	}

	v := w.beatValue(pos)
	if w.cfg.BaselineDrift {
		v += math.Sin(float64(w.idx)/float64(w.cfg.SampleRate)*0.3) * 0.02
	}
	if w.cfg.NoiseMV > 0 {
		v += (w.rng.Float64()*2 - 1) * w.cfg.NoiseMV
	}

	w.idx++
	if float64(w.idx) >= w.nextPeak {
		next := w.rr
		if w.cfg.HRV {
			next += (w.rng.Float64()*0.1 - 0.05) * w.rr
		}
		w.nextPeak = float64(w.idx) + next
	}
	return v
}

// Fill populates dst with consecutive samples.
func (w *Waveform) Fill(dst []float64) {
	for i := range dst {
		dst[i] = w.Next()
	}
}

// NextRaw produces the next sample as a raw ADC value for the given
// calibration factor, the inverse of the app's millivolt conversion.
func (w *Waveform) NextRaw(calibration float64) int16 {
	mv := w.Next()
	raw := mv / calibration
	if raw > math.MaxInt16 {
		raw = math.MaxInt16
	} else if raw < math.MinInt16 {
		raw = math.MinInt16
	}
	return int16(raw)
}
