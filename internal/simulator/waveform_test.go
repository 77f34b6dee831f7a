package simulator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardioguard/cardiolink/internal/ecg"
)

func TestWaveformDefaults(t *testing.T) {
	w := NewWaveform(WaveformConfig{})
	buf := make([]float64, ecg.DefaultSampleRate*5)
	w.Fill(buf)

	// Physiological amplitude: R peaks around 1.2 mV, nothing wild.
	var peak float64
	for _, v := range buf {
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 1.2, peak, 0.15)
}

func TestWaveformBeatSpacing(t *testing.T) {
	const rate = 250
	w := NewWaveform(WaveformConfig{SampleRate: rate, BPM: 60})
	buf := make([]float64, rate*10)
	w.Fill(buf)

	// Count samples above half the R amplitude; at 60 BPM there is one
	// QRS complex per second.
	var peaks []int
	last := -rate
	for i, v := range buf {
		if v > 0.8 && i-last > rate/2 {
			peaks = append(peaks, i)
			last = i
		}
	}
	require.GreaterOrEqual(t, len(peaks), 9)
	for i := 1; i < len(peaks); i++ {
		assert.InDelta(t, rate, peaks[i]-peaks[i-1], 3)
	}
}

func TestWaveformReproducible(t *testing.T) {
	a := NewWaveform(WaveformConfig{NoiseMV: 0.1, HRV: true})
	b := NewWaveform(WaveformConfig{NoiseMV: 0.1, HRV: true})
	for i := 0; i < 1000; i++ {
		require.Equal(t, a.Next(), b.Next(), "sample %d", i)
	}
}

func TestNextRawRoundTrip(t *testing.T) {
	w := NewWaveform(WaveformConfig{})
	check := NewWaveform(WaveformConfig{})
	for i := 0; i < 1000; i++ {
		raw := w.NextRaw(ecg.DefaultCalibration)
		want := check.Next()
		got := float64(raw) * ecg.DefaultCalibration
		assert.InDelta(t, want, got, ecg.DefaultCalibration)
	}
}

func TestNextRawClampsToADCRange(t *testing.T) {
	w := NewWaveform(WaveformConfig{})
	// An absurdly small calibration factor forces values past full scale.
	for i := 0; i < 1000; i++ {
		raw := w.NextRaw(1e-9)
		assert.LessOrEqual(t, raw, int16(math.MaxInt16))
		assert.GreaterOrEqual(t, raw, int16(math.MinInt16))
	}
}

func TestWaveformArrhythmiaDiffers(t *testing.T) {
	normal := NewWaveform(WaveformConfig{})
	pvc := NewWaveform(WaveformConfig{Arrhythmia: true})

	n := make([]float64, 1000)
	p := make([]float64, 1000)
	normal.Fill(n)
	pvc.Fill(p)
	assert.NotEqual(t, n, p)
}
