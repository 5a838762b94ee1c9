package types

// ReceiptVersion is the expected receipt version literal. Validation
// rejects receipts carrying any other value.
const ReceiptVersion = "0.1"

// ReceiptKind is the self-describing kind tag written into receipts.
const ReceiptKind = "cairn_receipt_v0.1"

// InvariantsSummary is the invariants section of a receipt.
type InvariantsSummary struct {
	// OK is false if any violation has a failing severity.
	OK bool `json:"ok"`
	// Violations lists every recorded violation for the run.
	Violations []Violation `json:"violations"`
}

// ReceiptValidation is the self-describing validation result injected
// into a receipt by the writer, never supplied by the caller. A receipt
// on disk with OK=false documents its own defects.
type ReceiptValidation struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

// Receipt is the terminal, immutable summary artifact for one run,
// persisted as a JSON file keyed by run id. Callers assemble everything
// except Validation; the writer validates the object and attaches the
// result before persisting. Validation failures degrade the receipt,
// they never block persistence.
type Receipt struct {
	// ReceiptVersion must equal the ReceiptVersion constant.
	ReceiptVersion string `json:"receipt_version"`
	// Kind is the self-describing artifact tag.
	Kind string `json:"kind,omitempty"`
	// RunID is the owning run identifier.
	RunID string `json:"run_id"`
	// Script is the originating script name.
	Script string `json:"script"`
	// Timestamp is the receipt generation time, RFC 3339 UTC.
	Timestamp string `json:"timestamp"`
	// Phases is the ordered list of phase names the run executed.
	Phases []string `json:"phases"`
	// Counts is the run's counts summary.
	Counts map[string]int64 `json:"counts"`
	// PartialResults marks a run that kept partial data after an
	// access block cut collection short.
	PartialResults bool `json:"partial_results,omitempty"`
	// Throttling carries access-block details when PartialResults is set.
	Throttling map[string]any `json:"throttling,omitempty"`
	// Invariants summarizes the run's invariant checks.
	Invariants InvariantsSummary `json:"invariants"`
	// Metrics lists every metric sample recorded during the run.
	Metrics []MetricSample `json:"metrics"`
	// Drift holds per-metric drift results against prior runs.
	Drift map[string]Drift `json:"drift,omitempty"`
	// Artifacts maps artifact labels to run-relative file names.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Notes is free-form caller context.
	Notes map[string]any `json:"notes,omitempty"`
	// Validation is injected by the writer under receipt_validation.
	Validation *ReceiptValidation `json:"receipt_validation,omitempty"`
}
