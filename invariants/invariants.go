// Package invariants validates cross-cutting data-quality rules over a
// batch of collected rows.
//
// Check is a pure function: it never touches storage and never fails.
// Violations come back as structured records with a severity; whether
// the run aborts on them is a caller decision guided by the ShouldAbort
// recommendation.
package invariants

import (
	"fmt"
	"math"
	"time"

	"github.com/pithecene-io/cairn/types"
)

// Input is one batch of rows to validate.
type Input struct {
	// Rows is the full collected set.
	Rows []types.Row
	// Eligible is the subset surviving the eligibility filter.
	// Must never be larger than Rows.
	Eligible []types.Row
	// SampledUnique is an optional deduplicated sample; nil skips the
	// dedupe check.
	SampledUnique []types.Row
	// Policy selects the abort recommendation mode; empty defaults to
	// balanced.
	Policy types.PolicyMode
	// Action optionally describes one attempted outward action.
	Action *types.Action
}

// Result is the outcome of one invariants pass.
type Result struct {
	// Policy is the mode the recommendation was computed under.
	Policy types.PolicyMode `json:"policy"`
	// OK is false if any violation has a failing severity.
	OK bool `json:"ok"`
	// ShouldAbort is the policy-driven abort recommendation. The core
	// never aborts on its own.
	ShouldAbort bool `json:"should_abort"`
	// Violations lists everything found, in check order.
	Violations []types.Violation `json:"violations"`
}

// Check runs every invariant over the input and computes the abort
// recommendation. now is stamped onto each violation.
func Check(in Input, now time.Time) Result {
	policy := in.Policy
	if policy == "" {
		policy = types.PolicyBalanced
	}

	ts := types.Timestamp(now)
	var violations []types.Violation
	add := func(layer, invariant, message string, severity types.Severity, data map[string]any) {
		violations = append(violations, types.Violation{
			Ts:        ts,
			Layer:     layer,
			Invariant: invariant,
			Severity:  severity,
			Message:   message,
			Data:      data,
		})
	}

	// Eligibility filtering must only shrink the set.
	if len(in.Eligible) > len(in.Rows) {
		add(types.LayerMeasurement, "monotonicity",
			"eligibility gate increased row count", types.SeverityError, nil)
	}

	// Every row needs a finite impressions denominator.
	if bad := countBadDenominators(in.Rows); bad > 0 {
		add(types.LayerMeasurement, "denominator-hygiene",
			fmt.Sprintf("%d row(s) missing or invalid impressions", bad), types.SeverityError, nil)
	}

	// Every row needs full provenance.
	if missing := countMissingProvenance(in.Rows); missing > 0 {
		add(types.LayerProvenance, "required-fields",
			fmt.Sprintf("%d row(s) missing required provenance fields", missing), types.SeverityError, nil)
	}

	// A supplied unique sample must actually be unique.
	if in.SampledUnique != nil && hasDuplicateIDs(in.SampledUnique) {
		add(types.LayerMeasurement, "dedupe",
			"sampled unique set contains duplicate ids", types.SeverityError, nil)
	}

	// High-risk actions that skipped a required confirmation get a
	// safety warning, never an error: safety findings are advisory.
	if a := in.Action; a != nil && a.Type != "" {
		if a.RiskTier == types.RiskTierHigh && a.ConfirmRequired && !a.ConfirmPresent {
			add(types.LayerSafety, "confirmation-gating",
				fmt.Sprintf("high-risk %s attempted without confirmation", a.Type),
				types.SeverityWarn, map[string]any{"action": a})
		}
	}

	return Result{
		Policy:      policy,
		OK:          !anyFailing(violations),
		ShouldAbort: shouldAbort(policy, violations),
		Violations:  violations,
	}
}

// countBadDenominators counts rows whose impressions field is nil or
// non-finite.
func countBadDenominators(rows []types.Row) int {
	var bad int
	for _, r := range rows {
		if r.Impressions == nil || math.IsNaN(*r.Impressions) || math.IsInf(*r.Impressions, 0) {
			bad++
		}
	}
	return bad
}

// countMissingProvenance counts rows missing any required provenance
// field: run id, fetch timestamp, source endpoint, item id, item URL.
func countMissingProvenance(rows []types.Row) int {
	var missing int
	for _, r := range rows {
		if r.RunID == "" || r.FetchedAt == "" || r.SourceEndpoint == "" || r.ID == "" || r.PostURL == "" {
			missing++
		}
	}
	return missing
}

// hasDuplicateIDs reports whether two rows share a non-empty id.
func hasDuplicateIDs(rows []types.Row) bool {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			continue
		}
		if seen[r.ID] {
			return true
		}
		seen[r.ID] = true
	}
	return false
}

func anyFailing(violations []types.Violation) bool {
	for _, v := range violations {
		if v.Severity.IsFailing() {
			return true
		}
	}
	return false
}

// shouldAbort maps policy mode and violations to the abort
// recommendation. Strict aborts on anything; permissive never aborts;
// balanced aborts only when a non-safety-layer error exists. Safety
// warnings never force an abort under any policy.
func shouldAbort(policy types.PolicyMode, violations []types.Violation) bool {
	switch policy {
	case types.PolicyStrict:
		return len(violations) > 0
	case types.PolicyPermissive:
		return false
	default:
		for _, v := range violations {
			if v.Layer != types.LayerSafety && v.Severity.IsFailing() {
				return true
			}
		}
		return false
	}
}
