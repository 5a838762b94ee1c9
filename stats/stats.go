// Package stats provides the small statistical layer for run telemetry:
// Wilson score confidence intervals over count ratios, and a conservative
// rate-delta comparison between two intervals.
package stats

import "math"

// DefaultZ is the two-sided z-score for a 95% confidence level.
const DefaultZ = 1.96

// Interval is a point estimate with a two-sided confidence interval.
// All fields are nil when the inputs were unusable (den <= 0 or a
// non-finite count); callers must treat nil as "insufficient data",
// not zero.
type Interval struct {
	// Value is the point estimate num/den.
	Value *float64 `json:"value"`
	// Low is the lower confidence bound, clamped to [0,1].
	Low *float64 `json:"low"`
	// High is the upper confidence bound, clamped to [0,1].
	High *float64 `json:"high"`
}

// Valid reports whether the interval carries a usable point estimate.
func (iv Interval) Valid() bool {
	return iv.Value != nil
}

// Delta is the signed difference of two point estimates together with
// a conservative uncertainty band.
//
// ApproxBand is the sum of each interval's half-width. It is a widened,
// conservative comparison tolerance, NOT a statistically derived
// confidence interval for the difference; treat deltas inside the band
// as indistinguishable from noise.
type Delta struct {
	Delta      float64 `json:"delta"`
	ApproxBand float64 `json:"approx_band"`
}

// WilsonInterval computes the Wilson score interval for num successes
// out of den trials at z-score z (use DefaultZ for 95%). Bounds are
// clamped to [0,1].
//
// Degenerate inputs (den <= 0, non-finite num or den) yield an Interval
// with all fields nil rather than an error: the caller decides what
// insufficient data means for its metric.
func WilsonInterval(num, den, z float64) Interval {
	if !isFinite(den) || den <= 0 || !isFinite(num) {
		return Interval{}
	}
	phat := num / den
	if !isFinite(phat) {
		return Interval{}
	}

	z2 := z * z
	denom := 1 + z2/den
	center := (phat + z2/(2*den)) / denom
	rad := (z / denom) * math.Sqrt((phat*(1-phat)+z2/(4*den))/den)

	low := math.Max(0, center-rad)
	high := math.Min(1, center+rad)
	return Interval{Value: &phat, Low: &low, High: &high}
}

// RateDelta compares two intervals, returning the signed difference of
// point estimates (curr - prev) and the combined half-width band.
// Returns nil if either interval has no point estimate.
func RateDelta(curr, prev Interval) *Delta {
	if !curr.Valid() || !prev.Valid() {
		return nil
	}

	band := halfWidth(prev) + halfWidth(curr)
	return &Delta{
		Delta:      *curr.Value - *prev.Value,
		ApproxBand: band,
	}
}

// halfWidth returns half the interval's width, or 0 when the bounds are
// missing or non-finite.
func halfWidth(iv Interval) float64 {
	if iv.Low == nil || iv.High == nil {
		return 0
	}
	hw := (*iv.High - *iv.Low) / 2
	if !isFinite(hw) {
		return 0
	}
	return hw
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
