// Package types defines core domain types for the cairn telemetry core.
//
//nolint:revive // types is a common Go package naming convention
package types

import "time"

// EventKind is the type discriminator for telemetry events.
type EventKind string

// Event kind constants. Every record appended to the store and to the
// per-run JSONL mirror is one of these.
const (
	EventKindStep      EventKind = "step"
	EventKindViolation EventKind = "violation"
	EventKindMetric    EventKind = "metric"
	EventKindRunEnd    EventKind = "run_end"
)

// IsTerminal returns true if this event kind closes a run.
func (k EventKind) IsTerminal() bool {
	return k == EventKindRunEnd
}

// EventEnvelope is the fixed envelope shared by all telemetry events.
// The payload is an opaque blob so new fields can be added by callers
// without a schema change; the envelope fields are the contract.
type EventEnvelope struct {
	// Kind is the event type discriminator.
	Kind EventKind `json:"kind"`
	// RunID is the owning run identifier.
	RunID string `json:"run_id"`
	// Script is the originating script name.
	Script string `json:"script"`
	// Ts is the append timestamp in RFC 3339 UTC format.
	Ts string `json:"ts"`
	// Payload is the kind-specific payload.
	Payload map[string]any `json:"payload,omitempty"`
}

// Timestamp formats t as the canonical event timestamp.
// All event timestamps are UTC RFC 3339 with sub-second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewStepEvent builds a step envelope for a phase transition.
func NewStepEvent(runID, script, ts, phase string, data map[string]any) *EventEnvelope {
	payload := map[string]any{"phase": phase}
	if data != nil {
		payload["data"] = data
	}
	return &EventEnvelope{
		Kind:    EventKindStep,
		RunID:   runID,
		Script:  script,
		Ts:      ts,
		Payload: payload,
	}
}

// NewViolationEvent builds a violation envelope from a recorded violation.
func NewViolationEvent(runID, script string, v *Violation) *EventEnvelope {
	payload := map[string]any{
		"layer":     v.Layer,
		"invariant": v.Invariant,
		"severity":  string(v.Severity),
		"message":   v.Message,
	}
	if v.Data != nil {
		payload["data"] = v.Data
	}
	return &EventEnvelope{
		Kind:    EventKindViolation,
		RunID:   runID,
		Script:  script,
		Ts:      v.Ts,
		Payload: payload,
	}
}

// NewMetricEvent builds a metric envelope from a metric sample.
func NewMetricEvent(runID, script, ts string, m *MetricSample) *EventEnvelope {
	payload := map[string]any{
		"metric":  m.Metric,
		"num":     m.Num,
		"den":     m.Den,
		"value":   f64OrNil(m.Value),
		"ci_low":  f64OrNil(m.CILow),
		"ci_high": f64OrNil(m.CIHigh),
	}
	if m.Notes != nil {
		payload["notes"] = *m.Notes
	}
	return &EventEnvelope{
		Kind:    EventKindMetric,
		RunID:   runID,
		Script:  script,
		Ts:      ts,
		Payload: payload,
	}
}

// NewRunEndEvent builds the terminal envelope for a run.
func NewRunEndEvent(runID, script, ts string) *EventEnvelope {
	return &EventEnvelope{
		Kind:   EventKindRunEnd,
		RunID:  runID,
		Script: script,
		Ts:     ts,
	}
}

// f64OrNil unwraps an optional float for payload maps, keeping explicit
// nulls in the mirror file rather than dropping the key.
func f64OrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
