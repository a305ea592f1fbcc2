package models

import "time"

// DataQuality marks the statistical reliability of a metric sample.
type DataQuality string

// Data quality levels. Low means the sample is too small for a confidence
// interval (N < 30) and only a point estimate is reported.
const (
	DataQualityOK  DataQuality = "ok"
	DataQualityLow DataQuality = "low"
)

// MTTRReport is the mean-time-to-resolution figure with an optional 95%
// confidence interval over the last N resolved incidents.
type MTTRReport struct {
	Mean        time.Duration `json:"mean_ns"`
	CILow       time.Duration `json:"ci_low_ns,omitempty"`
	CIHigh      time.Duration `json:"ci_high_ns,omitempty"`
	SampleSize  int           `json:"sample_size"`
	DataQuality DataQuality   `json:"data_quality"`
}

// BusinessMetrics is the derived metric set published after every terminal
// event and on demand. All figures are reproducible from the event log.
type BusinessMetrics struct {
	MTTR            MTTRReport `json:"mttr"`
	PreventionCount int        `json:"prevention_count"`
	CostSaved       float64    `json:"cost_saved"`
	SuccessRate     float64    `json:"success_rate"`
	EfficiencyScore float64    `json:"efficiency_score"`
	ComputedAt      time.Time  `json:"computed_at"`
}
