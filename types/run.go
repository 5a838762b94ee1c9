package types

import "time"

// Run identifies one execution of a collection script.
//
// The run id is caller-supplied and expected to be globally unique per
// invocation. Runs are created at telemetry initialization and mutated
// exactly once at finalization to set EndedAt and merge metadata; the
// core never deletes them (retention is an external concern).
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"run_id"`
	// Script is the originating script name. Metric series are only
	// comparable across runs sharing the same script.
	Script string `json:"script"`
	// StartedAt is the run start time.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is the run end time, nil while the run is open.
	// Once set it is never cleared.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Config is the serialized caller configuration, if any.
	Config map[string]any `json:"config,omitempty"`
	// Meta is run metadata. Updated at end-of-run, e.g. to record
	// the receipt's file location.
	Meta map[string]any `json:"meta,omitempty"`
}

// MetaReceiptPath is the metadata key under which Finish records the
// written receipt location.
const MetaReceiptPath = "receipt_path"
