package types

// Severity classifies how bad a violation is.
type Severity string

// Severity constants. Error and fail flip the overall invariants ok flag;
// warn is advisory.
const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFail  Severity = "fail"
)

// IsFailing returns true if this severity flips the overall ok flag.
func (s Severity) IsFailing() bool {
	return s == SeverityError || s == SeverityFail
}

// Violation layer constants. The layer groups invariants by concern;
// safety-layer violations are advisory and never force an abort.
const (
	LayerMeasurement = "measurement"
	LayerProvenance  = "provenance"
	LayerSafety      = "safety"
)

// Violation is one recorded invariant failure or warning.
// Violations are captured as structured records, never raised as errors;
// whether a run aborts on them is the caller's decision.
type Violation struct {
	// Ts is the detection timestamp in RFC 3339 UTC format.
	Ts string `json:"ts"`
	// Layer groups the invariant by concern (measurement, provenance, safety).
	Layer string `json:"layer"`
	// Invariant names the violated rule.
	Invariant string `json:"invariant"`
	// Severity is warn, error, or fail.
	Severity Severity `json:"severity"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Data is optional structured context.
	Data map[string]any `json:"data,omitempty"`
}

// Row is one collected observation as seen by the invariants checker.
// The provenance fields are required on every row; Impressions is the
// impressions-like denominator used for rate metrics.
type Row struct {
	// ID is the item identifier.
	ID string `json:"id"`
	// RunID is the run that fetched the row.
	RunID string `json:"run_id"`
	// FetchedAt is the fetch timestamp.
	FetchedAt string `json:"fetched_at"`
	// SourceEndpoint tags the endpoint the row came from.
	SourceEndpoint string `json:"source_endpoint"`
	// PostURL is the derived item URL.
	PostURL string `json:"post_url"`
	// Impressions is the denominator for rate metrics.
	// Nil or non-finite values are a denominator-hygiene violation.
	Impressions *float64 `json:"impressions"`
}

// RiskTier classifies an attempted outward action.
type RiskTier string

// Risk tier constants.
const (
	RiskTierLow  RiskTier = "low"
	RiskTierMed  RiskTier = "med"
	RiskTierHigh RiskTier = "high"
)

// Action describes one attempted side-effecting action (post, reply,
// like, follow). High-risk actions that required confirmation but did
// not get it produce a safety-layer warning.
type Action struct {
	// Type is the action kind, e.g. "post" or "reply".
	Type string `json:"type"`
	// RiskTier is the action's risk classification.
	RiskTier RiskTier `json:"risk_tier"`
	// ConfirmRequired indicates human confirmation was required.
	ConfirmRequired bool `json:"confirmed_required"`
	// ConfirmPresent indicates human confirmation was actually given.
	ConfirmPresent bool `json:"confirmed_present"`
}

// PolicyMode selects how invariant violations translate into an abort
// recommendation.
type PolicyMode string

// Policy mode constants.
const (
	// PolicyStrict aborts on any violation.
	PolicyStrict PolicyMode = "strict"
	// PolicyBalanced aborts only on non-safety-layer errors.
	PolicyBalanced PolicyMode = "balanced"
	// PolicyPermissive never aborts.
	PolicyPermissive PolicyMode = "permissive"
)

// IsValid reports whether m is a recognized policy mode.
func (m PolicyMode) IsValid() bool {
	switch m {
	case PolicyStrict, PolicyBalanced, PolicyPermissive:
		return true
	}
	return false
}
