package telemetry

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/cairn/adapter"
	"github.com/pithecene-io/cairn/config"
	"github.com/pithecene-io/cairn/invariants"
	"github.com/pithecene-io/cairn/iox"
	"github.com/pithecene-io/cairn/store"
	"github.com/pithecene-io/cairn/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "cairn.db")
	cfg.Mirror.Dir = filepath.Join(dir, "runs_jsonl")
	cfg.Receipts.Dir = filepath.Join(dir, "receipts")
	return cfg
}

// tickingClock hands out strictly increasing timestamps so event order
// is visible in both the mirror and the store.
func tickingClock() func() time.Time {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func newTestTelemetry(t *testing.T, runID string, cfg *config.Config) *Telemetry {
	t.Helper()
	tel, err := New(Options{
		RunID:  runID,
		Script: "collector",
		Config: cfg,
		Clock:  tickingClock(),
	})
	if err != nil {
		t.Fatalf("new telemetry: %v", err)
	}
	t.Cleanup(iox.CloseFunc(tel))
	return tel
}

func readMirror(t *testing.T, path string) []types.EventEnvelope {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	defer func() { _ = f.Close() }()

	var events []types.EventEnvelope
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt types.EventEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("unmarshal mirror line %q: %v", scanner.Text(), err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan mirror: %v", err)
	}
	return events
}

func TestNew_LogsRunStart(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	events := readMirror(t, tel.MirrorPath())
	if len(events) != 1 {
		t.Fatalf("mirror events = %d, want 1", len(events))
	}
	if events[0].Kind != types.EventKindStep {
		t.Errorf("kind = %q, want step", events[0].Kind)
	}
	if events[0].Payload["phase"] != "run_start" {
		t.Errorf("phase = %v, want run_start", events[0].Payload["phase"])
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	steps, err := s.StepsForRun("run-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Phase != "run_start" {
		t.Errorf("store steps = %+v, want one run_start", steps)
	}
}

func TestNew_GeneratesRunID(t *testing.T) {
	tel := newTestTelemetry(t, "", testConfig(t))

	if !strings.HasPrefix(tel.RunID(), "collector-") {
		t.Errorf("RunID = %q, want collector-<uuid>", tel.RunID())
	}
	if len(tel.RunID()) <= len("collector-") {
		t.Errorf("RunID = %q, missing generated suffix", tel.RunID())
	}
}

func TestNew_RequiresScript(t *testing.T) {
	if _, err := New(Options{Config: testConfig(t)}); err == nil {
		t.Fatal("expected error for missing script")
	}
}

func TestMirrorAndStoreAgreeOnOrder(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	phases := []string{"collect", "eligibility_gate", "sample"}
	for _, phase := range phases {
		if err := tel.LogStep(phase, map[string]any{"phase": phase}); err != nil {
			t.Fatalf("log step %s: %v", phase, err)
		}
	}
	if _, err := tel.MetricFromCounts("token_promo", 3, 10, ""); err != nil {
		t.Fatalf("metric: %v", err)
	}

	mirror := readMirror(t, tel.MirrorPath())
	if len(mirror) != 5 {
		t.Fatalf("mirror events = %d, want 5 (run_start + 3 steps + metric)", len(mirror))
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	steps, err := s.StepsForRun("run-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	// Mirror step events and store step rows agree in order and count.
	var mirrorPhases []string
	for _, evt := range mirror {
		if evt.Kind == types.EventKindStep {
			mirrorPhases = append(mirrorPhases, evt.Payload["phase"].(string))
		}
	}
	if len(steps) != len(mirrorPhases) {
		t.Fatalf("store steps = %d, mirror steps = %d", len(steps), len(mirrorPhases))
	}
	for i, step := range steps {
		if step.Phase != mirrorPhases[i] {
			t.Errorf("step %d: store %q, mirror %q", i, step.Phase, mirrorPhases[i])
		}
	}
}

func TestRunInvariants_PersistsViolations(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	impressions := 100.0
	rows := []types.Row{{
		ID:             "post-1",
		RunID:          "run-1",
		FetchedAt:      "2026-08-30T10:00:00Z",
		SourceEndpoint: "/api/posts",
		PostURL:        "https://example.com/post-1",
		Impressions:    &impressions,
	}}
	// Eligible larger than collected: monotonicity violation.
	res, err := tel.RunInvariants(invariants.Input{
		Rows:     rows,
		Eligible: append(rows, rows[0]),
	})
	if err != nil {
		t.Fatalf("run invariants: %v", err)
	}
	if res.OK {
		t.Error("OK = true, want false")
	}
	if res.Policy != types.PolicyBalanced {
		t.Errorf("Policy = %q, want configured balanced default", res.Policy)
	}
	if !res.ShouldAbort {
		t.Error("ShouldAbort = false, want true under balanced for a measurement error")
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	violations, err := s.ViolationsForRun("run-1")
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(violations) != 1 || violations[0].Invariant != "monotonicity" {
		t.Errorf("violations = %+v, want one monotonicity", violations)
	}

	mirror := readMirror(t, tel.MirrorPath())
	last := mirror[len(mirror)-1]
	if last.Kind != types.EventKindViolation {
		t.Errorf("last mirror kind = %q, want violation", last.Kind)
	}
}

func TestMetricFromCounts(t *testing.T) {
	tel := newTestTelemetry(t, "run-1", testConfig(t))

	sample, err := tel.MetricFromCounts("token_promo", 3, 10, "pre-gate")
	if err != nil {
		t.Fatalf("metric: %v", err)
	}
	if sample.Value == nil || *sample.Value != 0.3 {
		t.Errorf("Value = %v, want 0.3", sample.Value)
	}
	if sample.CILow == nil || sample.CIHigh == nil {
		t.Fatal("expected confidence bounds")
	}
	if *sample.CILow >= 0.3 || *sample.CIHigh <= 0.3 {
		t.Errorf("bounds [%v, %v] should bracket 0.3", *sample.CILow, *sample.CIHigh)
	}
	if sample.Notes == nil || *sample.Notes != "pre-gate" {
		t.Errorf("Notes = %v, want pre-gate", sample.Notes)
	}
}

func TestMetricFromCounts_DegenerateDenominator(t *testing.T) {
	tel := newTestTelemetry(t, "run-1", testConfig(t))

	sample, err := tel.MetricFromCounts("token_promo", 0, 0, "")
	if err != nil {
		t.Fatalf("metric: %v", err)
	}
	if sample.Value != nil || sample.CILow != nil || sample.CIHigh != nil {
		t.Errorf("sample = %+v, want nil value and bounds", sample)
	}
}

func TestRollingDelta_AcrossRuns(t *testing.T) {
	cfg := testConfig(t)

	// Two finished prior runs recording the same metric.
	for i, counts := range []struct{ num, den float64 }{{3, 10}, {5, 10}} {
		tel := newTestTelemetry(t, "prior-"+string(rune('a'+i)), cfg)
		if _, err := tel.MetricFromCounts("token_promo", counts.num, counts.den, ""); err != nil {
			t.Fatalf("prior metric: %v", err)
		}
		if err := tel.Close(); err != nil {
			t.Fatalf("close prior: %v", err)
		}
	}

	tel := newTestTelemetry(t, "run-current", cfg)
	drift, err := tel.RollingDelta("token_promo", 7, 10)
	if err != nil {
		t.Fatalf("rolling delta: %v", err)
	}

	if drift.LookbackRuns != 2 {
		t.Errorf("LookbackRuns = %d, want 2", drift.LookbackRuns)
	}
	if drift.Prev.Num != 8 || drift.Prev.Den != 20 {
		t.Errorf("Prev = %+v, want num 8 den 20", drift.Prev)
	}
	if drift.Curr.Num != 7 || drift.Curr.Den != 10 {
		t.Errorf("Curr = %+v, want num 7 den 10", drift.Curr)
	}
	if drift.Delta == nil {
		t.Fatal("Delta = nil, want value")
	}
	// curr 0.7 - prev 0.4
	if diff := drift.Delta.Delta - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Delta = %v, want 0.3", drift.Delta.Delta)
	}
	if drift.Delta.ApproxBand <= 0 {
		t.Errorf("ApproxBand = %v, want > 0", drift.Delta.ApproxBand)
	}
}

func TestRollingDelta_NoPriorRuns(t *testing.T) {
	tel := newTestTelemetry(t, "run-1", testConfig(t))

	drift, err := tel.RollingDelta("token_promo", 7, 10)
	if err != nil {
		t.Fatalf("rolling delta: %v", err)
	}
	if drift.LookbackRuns != 0 {
		t.Errorf("LookbackRuns = %d, want 0", drift.LookbackRuns)
	}
	if drift.Prev.Value != nil {
		t.Errorf("Prev.Value = %v, want nil (no prior data)", drift.Prev.Value)
	}
	if drift.Delta != nil {
		t.Errorf("Delta = %+v, want nil", drift.Delta)
	}
}

func TestFinish(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	value := 0.3
	low, high := 0.2, 0.4
	path, err := tel.Finish(t.Context(), &types.Receipt{
		Phases:     []string{"run_start", "collect"},
		Counts:     map[string]int64{"rows": 10},
		Invariants: types.InvariantsSummary{OK: true, Violations: []types.Violation{}},
		Metrics: []types.MetricSample{
			{Metric: "token_promo", Num: 3, Den: 10, Value: &value, CILow: &low, CIHigh: &high},
		},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if path != filepath.Join(cfg.Receipts.Dir, "run-1.json") {
		t.Errorf("path = %q", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	// Finish fills identity fields the caller left empty.
	if onDisk["run_id"] != "run-1" || onDisk["script"] != "collector" {
		t.Errorf("receipt identity = %v/%v", onDisk["run_id"], onDisk["script"])
	}
	if onDisk["receipt_version"] != types.ReceiptVersion {
		t.Errorf("receipt_version = %v", onDisk["receipt_version"])
	}
	if rv := onDisk["receipt_validation"].(map[string]any); rv["ok"] != true {
		t.Errorf("receipt_validation.ok = %v, want true", rv["ok"])
	}

	// Terminal mirror event.
	mirror := readMirror(t, tel.MirrorPath())
	if last := mirror[len(mirror)-1]; last.Kind != types.EventKindRunEnd {
		t.Errorf("last mirror kind = %q, want run_end", last.Kind)
	}

	// Run row carries the end time and the merged receipt path.
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.EndedAt == nil {
		t.Error("EndedAt = nil, want set")
	}
	if run.Meta[types.MetaReceiptPath] != path {
		t.Errorf("Meta[receipt_path] = %v, want %q", run.Meta[types.MetaReceiptPath], path)
	}
}

func TestFinish_DegradedReceiptStillEndsRun(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	// No metrics, no phases: validation fails.
	path, err := tel.Finish(t.Context(), &types.Receipt{
		Invariants: types.InvariantsSummary{OK: true, Violations: []types.Violation{}},
	})
	if err != nil {
		t.Fatalf("finish should not fail on validation: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rv := onDisk["receipt_validation"].(map[string]any); rv["ok"] != false {
		t.Errorf("receipt_validation.ok = %v, want false", rv["ok"])
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.EndedAt == nil {
		t.Error("EndedAt = nil, want set despite degraded receipt")
	}
}

func TestFinish_PublishesWebhook(t *testing.T) {
	var received adapter.RunFinishedEvent
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Adapter.Type = "webhook"
	cfg.Adapter.URL = srv.URL

	tel := newTestTelemetry(t, "run-1", cfg)
	path, err := tel.Finish(t.Context(), &types.Receipt{
		Phases:     []string{"run_start"},
		Counts:     map[string]int64{"rows": 5},
		Invariants: types.InvariantsSummary{OK: true, Violations: []types.Violation{}},
		Metrics:    []types.MetricSample{},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("webhook calls = %d, want 1", calls.Load())
	}
	if received.EventType != adapter.EventType {
		t.Errorf("event_type = %q", received.EventType)
	}
	if received.RunID != "run-1" || received.Script != "collector" {
		t.Errorf("identity = %s/%s", received.RunID, received.Script)
	}
	if received.ReceiptPath != path {
		t.Errorf("receipt_path = %q, want %q", received.ReceiptPath, path)
	}
	if !received.InvariantsOK {
		t.Error("invariants_ok = false, want true")
	}
}

func TestFinish_PublishFailureDoesNotFailRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Adapter.Type = "webhook"
	cfg.Adapter.URL = "http://127.0.0.1:1"
	retries := 0
	cfg.Adapter.Retries = &retries

	tel := newTestTelemetry(t, "run-1", cfg)
	if _, err := tel.Finish(t.Context(), &types.Receipt{
		Phases:     []string{"run_start"},
		Invariants: types.InvariantsSummary{OK: true, Violations: []types.Violation{}},
		Metrics:    []types.MetricSample{},
	}); err != nil {
		t.Fatalf("finish must not fail on publish failure: %v", err)
	}
}

func TestOperationsAfterFinish(t *testing.T) {
	tel := newTestTelemetry(t, "run-1", testConfig(t))

	if _, err := tel.Finish(t.Context(), &types.Receipt{
		Phases:     []string{"run_start"},
		Invariants: types.InvariantsSummary{OK: true, Violations: []types.Violation{}},
		Metrics:    []types.MetricSample{},
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := tel.LogStep("late", nil); err != ErrFinished {
		t.Errorf("LogStep after finish = %v, want ErrFinished", err)
	}
	if _, err := tel.MetricFromCounts("m", 1, 2, ""); err != ErrFinished {
		t.Errorf("MetricFromCounts after finish = %v, want ErrFinished", err)
	}
	if _, err := tel.Finish(t.Context(), &types.Receipt{}); err != ErrFinished {
		t.Errorf("second Finish = %v, want ErrFinished", err)
	}
}

func TestLogStep_ServesFetchSink(t *testing.T) {
	cfg := testConfig(t)
	tel := newTestTelemetry(t, "run-1", cfg)

	// The façade is the fetch retry loop's sink; a throttle observation
	// lands in both surfaces like any other step.
	err := tel.LogStep("network_throttle", map[string]any{
		"url":      "https://example.com/api",
		"status":   429,
		"attempt":  0,
		"blocked":  false,
		"delay_ms": 600.0,
	})
	if err != nil {
		t.Fatalf("log step: %v", err)
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	steps, err := s.StepsForRun("run-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	last := steps[len(steps)-1]
	if last.Phase != "network_throttle" {
		t.Errorf("phase = %q", last.Phase)
	}
	if last.Data["delay_ms"] != 600.0 {
		t.Errorf("delay_ms = %v, want 600", last.Data["delay_ms"])
	}
}
