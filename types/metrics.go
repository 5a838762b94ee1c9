package types

// MetricSample is one count-ratio observation tied to a named metric
// series. Value and the confidence bounds are nil when the denominator
// was unusable; callers must treat that as "insufficient data", not zero.
type MetricSample struct {
	// Metric is the series name, the aggregation key for drift.
	Metric string `json:"metric"`
	// Num is the success count.
	Num float64 `json:"num"`
	// Den is the trial count.
	Den float64 `json:"den"`
	// Value is the point estimate num/den.
	Value *float64 `json:"value"`
	// CILow is the Wilson lower confidence bound.
	CILow *float64 `json:"ci_low"`
	// CIHigh is the Wilson upper confidence bound.
	CIHigh *float64 `json:"ci_high"`
	// Notes is optional free-form context.
	Notes *string `json:"notes,omitempty"`
}

// RollingAggregate is the lookback aggregate over prior runs of the
// same script for one metric series.
type RollingAggregate struct {
	// Runs is how many prior runs contributed samples.
	Runs int `json:"runs"`
	// Num is the summed numerator across contributing samples.
	Num float64 `json:"num"`
	// Den is the summed denominator across contributing samples.
	Den float64 `json:"den"`
}

// DriftSide is one side of a drift comparison: raw counts plus the
// Wilson interval computed over them.
type DriftSide struct {
	Num   float64  `json:"num"`
	Den   float64  `json:"den"`
	Value *float64 `json:"value"`
	Low   *float64 `json:"low"`
	High  *float64 `json:"high"`
}

// DeltaBand is the signed difference of two point estimates with a
// conservative uncertainty band (sum of the two interval half-widths).
// The band is a widened comparison tolerance, not a statistically
// derived delta interval.
type DeltaBand struct {
	Delta      float64 `json:"delta"`
	ApproxBand float64 `json:"approx_band"`
}

// Drift compares a current metric against the rolling aggregate of the
// same metric from prior runs of the same script.
type Drift struct {
	// Metric is the series name.
	Metric string `json:"metric"`
	// LookbackRuns is how many prior runs contributed to Prev.
	LookbackRuns int `json:"lookback_runs"`
	// Prev is the aggregated prior side.
	Prev DriftSide `json:"prev"`
	// Curr is the current run's side.
	Curr DriftSide `json:"curr"`
	// Delta is nil when either side has no usable point estimate.
	Delta *DeltaBand `json:"delta"`
}
