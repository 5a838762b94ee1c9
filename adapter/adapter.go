// Package adapter defines the run-finished notification boundary.
//
// Adapters publish a small summary to downstream systems after a run's
// receipt is written. Publication is best-effort: the telemetry façade
// logs a failed publish and keeps going, so an adapter must never be
// the reason a run loses its receipt.
package adapter

import (
	"context"

	"github.com/pithecene-io/cairn/types"
)

// EventType is the fixed event discriminator carried by every
// notification.
const EventType = "run_finished"

// RunFinishedEvent is the payload published when a run finishes.
type RunFinishedEvent struct {
	EventType string `json:"event_type"` // always "run_finished"
	RunID     string `json:"run_id"`
	Script    string `json:"script"`
	// ReceiptPath is the local path of the written receipt.
	ReceiptPath string `json:"receipt_path"`
	// InvariantsOK mirrors the receipt's invariants verdict.
	InvariantsOK bool `json:"invariants_ok"`
	// Counts is the receipt's counts summary.
	Counts map[string]int64 `json:"counts,omitempty"`
	// Timestamp is the publish time, RFC 3339 UTC.
	Timestamp string `json:"timestamp"`
}

// NewRunFinishedEvent assembles the notification for a written receipt.
func NewRunFinishedEvent(r *types.Receipt, receiptPath, ts string) *RunFinishedEvent {
	return &RunFinishedEvent{
		EventType:    EventType,
		RunID:        r.RunID,
		Script:       r.Script,
		ReceiptPath:  receiptPath,
		InvariantsOK: r.Invariants.OK,
		Counts:       r.Counts,
		Timestamp:    ts,
	}
}

// Adapter publishes run-finished events to a downstream system.
// Implementations must be safe for single-use per run.
type Adapter interface {
	// Publish sends one run-finished event downstream.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunFinishedEvent) error

	// Close releases adapter resources.
	Close() error
}
