package signal

import "math"

const (
	qualityMinSamples = 10

	// Flat-line detection: a live lead always carries some noise, so
	// variance this close to zero means the electrode is probably off.
	flatLineVariance = 1e-4

	// Above this standard deviation (mV) the trace is dominated by motion
	// artifact rather than cardiac signal.
	motionStddevMV = 2.0

	// Samples within 5% of ADC full scale count as clipped; more than 10%
	// of the window clipped means the front-end is saturating.
	saturationMargin   = 0.95
	saturationFraction = 0.1
)

// Quality scores the window in [0,1] using multiplicative penalties:
// flat-line ×0.1, motion artifact ×0.5, saturation ×0.3. saturationMV is
// the voltage of ADC full scale (32767 × calibration factor). Returns 0
// for windows shorter than 10 samples.
func Quality(window []float64, saturationMV float64) float32 {
	if len(window) < qualityMinSamples {
		return 0
	}

	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))

	var variance float64
	clipped := 0
	for _, v := range window {
		d := v - mean
		variance += d * d
		if math.Abs(v) >= saturationMargin*saturationMV {
			clipped++
		}
	}
	variance /= float64(len(window))

	q := 1.0
	if variance < flatLineVariance {
		q *= 0.1
	}
	if math.Sqrt(variance) > motionStddevMV {
		q *= 0.5
	}
	if float64(clipped)/float64(len(window)) > saturationFraction {
		q *= 0.3
	}

	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	return float32(q)
}

// SaturationMV returns ADC full scale in millivolts for a calibration factor.
func SaturationMV(calibration float64) float64 {
	return 32767 * calibration
}
