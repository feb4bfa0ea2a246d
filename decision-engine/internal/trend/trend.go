// Package trend smooths metric series and estimates their direction.
// Every function is pure and safe for concurrent use.
package trend

import "math"

// DefaultAlpha is the EMA smoothing factor used when callers pass an out-of-range value.
const DefaultAlpha = 0.3

// MaxMomentum bounds the multiplier returned by MomentumMultiplier.
const MaxMomentum = 0.5

// Direction is the favourable direction of a metric.
type Direction int

const (
	HigherIsBetter Direction = 1
	LowerIsBetter  Direction = -1
)

// Smooth returns the exponential moving average of series.
// ema[0] = series[0], ema[i] = alpha*series[i] + (1-alpha)*ema[i-1].
func Smooth(series []float64, alpha float64) []float64 {
	if len(series) == 0 {
		return nil
	}
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	ema := make([]float64, len(series))
	ema[0] = series[0]
	for i := 1; i < len(series); i++ {
		ema[i] = alpha*series[i] + (1-alpha)*ema[i-1]
	}
	return ema
}

// Slope is the ordinary least-squares slope of (index, value) pairs.
func Slope(series []float64) float64 {
	n := len(series)
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i, v := range series {
		sumX += float64(i)
		sumY += v
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX float64
	for i, v := range series {
		dx := float64(i) - meanX
		cov += dx * (v - meanY)
		varX += dx * dx
	}
	if varX == 0 {
		return 0
	}
	return cov / varX
}

// MomentumMultiplier converts a slope into a bounded score adjustment.
// Positive values mean the metric moves in its favourable direction.
func MomentumMultiplier(slope float64, dir Direction, sensitivity float64) float64 {
	v := slope * float64(dir) * sensitivity
	if math.IsNaN(v) {
		return 0
	}
	return Clamp(v, -MaxMomentum, MaxMomentum)
}

// Window keeps at most the last n points of series. n <= 0 keeps everything.
func Window(series []float64, n int) []float64 {
	if n <= 0 || len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
