// Package telemetry is the single entry point collection scripts use.
//
// A Telemetry value owns one run: it opens the store, appends the run
// row, opens the per-run JSONL mirror, and logs the run_start step on
// construction. Every event is double-written (mirror first, then
// store) so an out-of-band reader can tail the mirror while the store
// serves structured queries; both surfaces agree on per-run order
// because every append goes through the same call path.
//
// Finish writes the receipt, marks the run ended with the receipt path
// merged into run metadata, publishes the optional run-finished
// notification, archives the receipt when configured, and closes
// everything. Receipt validation failures degrade the receipt; they
// never fail the run.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/cairn/adapter"
	"github.com/pithecene-io/cairn/adapter/redis"
	"github.com/pithecene-io/cairn/adapter/webhook"
	"github.com/pithecene-io/cairn/archive"
	"github.com/pithecene-io/cairn/config"
	"github.com/pithecene-io/cairn/fetch"
	"github.com/pithecene-io/cairn/invariants"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/receipt"
	"github.com/pithecene-io/cairn/stats"
	"github.com/pithecene-io/cairn/store"
	"github.com/pithecene-io/cairn/types"
)

// ErrFinished is returned by operations on a telemetry whose run has
// already been finished.
var ErrFinished = errors.New("telemetry: run already finished")

// Options configures one telemetry run.
type Options struct {
	// RunID identifies the run; empty generates "<script>-<uuid>".
	RunID string
	// Script is the collection script name (required).
	Script string
	// Config is the full configuration; nil uses config.Default().
	Config *config.Config
	// ScriptConfig is caller-supplied script configuration persisted
	// with the run row.
	ScriptConfig map[string]any
	// Meta is caller-supplied metadata persisted with the run row.
	Meta map[string]any
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Telemetry records one run's steps, violations, and metrics.
type Telemetry struct {
	runID  string
	script string
	cfg    *config.Config
	now    func() time.Time

	store  *store.Store
	mirror *os.File
	logger *log.Logger

	finished bool
}

// Satisfies the fetch sink so the retry loop can report throttles.
var _ fetch.StepSink = (*Telemetry)(nil)

// New opens the store and mirror for a run and logs the run_start step.
// The returned Telemetry must be closed with Finish (or Close on an
// abandoned run).
func New(opts Options) (*Telemetry, error) {
	if opts.Script == "" {
		return nil, errors.New("telemetry: script is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	runID := opts.RunID
	if runID == "" {
		runID = opts.Script + "-" + uuid.NewString()
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	startedAt := now()
	err = s.UpsertRunStart(&types.Run{
		ID:        runID,
		Script:    opts.Script,
		StartedAt: startedAt,
		Config:    opts.ScriptConfig,
		Meta:      opts.Meta,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	mirror, err := openMirror(cfg.Mirror.Dir, runID)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	t := &Telemetry{
		runID:  runID,
		script: opts.Script,
		cfg:    cfg,
		now:    now,
		store:  s,
		mirror: mirror,
		logger: log.NewLogger(runID, opts.Script),
	}

	err = t.LogStep("run_start", map[string]any{
		"run_id": runID,
		"script": opts.Script,
		"ts":     types.Timestamp(startedAt),
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// openMirror creates the per-run append-only JSONL file.
func openMirror(dir, runID string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create mirror directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open mirror %s: %w", path, err)
	}
	return f, nil
}

// RunID returns the run identifier (generated when none was supplied).
func (t *Telemetry) RunID() string {
	return t.runID
}

// MirrorPath returns the per-run JSONL mirror location.
func (t *Telemetry) MirrorPath() string {
	return filepath.Join(t.cfg.Mirror.Dir, t.runID+".jsonl")
}

// LogStep appends one step event to the mirror and the store.
func (t *Telemetry) LogStep(phase string, data map[string]any) error {
	if t.finished {
		return ErrFinished
	}

	ts := types.Timestamp(t.now())
	evt := types.NewStepEvent(t.runID, t.script, ts, phase, data)
	if err := t.appendMirror(evt); err != nil {
		return err
	}
	if err := t.store.InsertStep(t.runID, ts, phase, data); err != nil {
		return fmt.Errorf("telemetry: persist step %s: %w", phase, err)
	}
	return nil
}

// RunInvariants checks the batch, persists every resulting violation,
// and returns the result with its abort recommendation. The policy
// defaults to the configured mode when the input leaves it empty.
func (t *Telemetry) RunInvariants(in invariants.Input) (invariants.Result, error) {
	if t.finished {
		return invariants.Result{}, ErrFinished
	}
	if in.Policy == "" {
		in.Policy = t.cfg.Invariants.Policy
	}

	res := invariants.Check(in, t.now())
	for i := range res.Violations {
		v := &res.Violations[i]
		evt := types.NewViolationEvent(t.runID, t.script, v)
		if err := t.appendMirror(evt); err != nil {
			return res, err
		}
		if err := t.store.InsertViolation(t.runID, v); err != nil {
			return res, fmt.Errorf("telemetry: persist violation %s: %w", v.Invariant, err)
		}
	}
	if !res.OK {
		t.logger.Warn("invariants failed", map[string]any{
			"violations":   len(res.Violations),
			"should_abort": res.ShouldAbort,
			"policy":       string(res.Policy),
		})
	}
	return res, nil
}

// MetricFromCounts computes the Wilson interval for num/den at the
// configured z, persists the sample, and returns it. A degenerate
// denominator yields a sample with nil value and bounds.
func (t *Telemetry) MetricFromCounts(metric string, num, den float64, notes string) (types.MetricSample, error) {
	if t.finished {
		return types.MetricSample{}, ErrFinished
	}

	iv := stats.WilsonInterval(num, den, t.cfg.Wilson.Z)
	sample := types.MetricSample{
		Metric: metric,
		Num:    num,
		Den:    den,
		Value:  iv.Value,
		CILow:  iv.Low,
		CIHigh: iv.High,
	}
	if notes != "" {
		sample.Notes = &notes
	}

	ts := types.Timestamp(t.now())
	evt := types.NewMetricEvent(t.runID, t.script, ts, &sample)
	if err := t.appendMirror(evt); err != nil {
		return sample, err
	}
	if err := t.store.InsertMetric(t.runID, ts, &sample); err != nil {
		return sample, fmt.Errorf("telemetry: persist metric %s: %w", metric, err)
	}
	return sample, nil
}

// RollingDelta compares the current counts for a metric against the
// aggregate of the same metric over prior runs of this script, up to
// the configured lookback. The delta is nil when either side lacks a
// usable point estimate (e.g. no prior runs).
func (t *Telemetry) RollingDelta(metric string, num, den float64) (types.Drift, error) {
	if t.finished {
		return types.Drift{}, ErrFinished
	}

	agg, err := t.store.RollingMetric(metric, t.script, t.runID, t.cfg.Rolling.LookbackRuns)
	if err != nil {
		return types.Drift{}, fmt.Errorf("telemetry: rolling aggregate for %s: %w", metric, err)
	}

	z := t.cfg.Wilson.Z
	prev := stats.WilsonInterval(agg.Num, agg.Den, z)
	curr := stats.WilsonInterval(num, den, z)

	drift := types.Drift{
		Metric:       metric,
		LookbackRuns: agg.Runs,
		Prev:         driftSide(agg.Num, agg.Den, prev),
		Curr:         driftSide(num, den, curr),
	}
	if delta := stats.RateDelta(curr, prev); delta != nil {
		drift.Delta = &types.DeltaBand{Delta: delta.Delta, ApproxBand: delta.ApproxBand}
	}
	return drift, nil
}

func driftSide(num, den float64, iv stats.Interval) types.DriftSide {
	return types.DriftSide{Num: num, Den: den, Value: iv.Value, Low: iv.Low, High: iv.High}
}

// Finish validates and writes the receipt, appends the run_end event,
// marks the run ended with the receipt path merged into its metadata,
// publishes the optional run-finished notification, archives the
// receipt when configured, and closes the store and mirror. Returns
// the receipt path.
//
// A receipt that fails validation is still written and the run still
// ends cleanly; the defect is logged and recorded inside the receipt
// itself.
func (t *Telemetry) Finish(ctx context.Context, r *types.Receipt) (string, error) {
	if t.finished {
		return "", ErrFinished
	}

	if r.RunID == "" {
		r.RunID = t.runID
	}
	if r.Script == "" {
		r.Script = t.script
	}
	if r.ReceiptVersion == "" {
		r.ReceiptVersion = types.ReceiptVersion
	}
	if r.Kind == "" {
		r.Kind = types.ReceiptKind
	}
	if r.Timestamp == "" {
		r.Timestamp = types.Timestamp(t.now())
	}

	path, err := receipt.Write(t.runID, t.cfg.Receipts.Dir, r)
	if err != nil {
		return "", err
	}
	if r.Validation != nil && !r.Validation.OK {
		t.logger.Warn("receipt failed validation", map[string]any{
			"path":   path,
			"errors": r.Validation.Errors,
		})
	}

	endedAt := t.now()
	endEvt := types.NewRunEndEvent(t.runID, t.script, types.Timestamp(endedAt))
	if err := t.appendMirror(endEvt); err != nil {
		return "", err
	}
	if err := t.store.MarkRunEnd(t.runID, endedAt, map[string]any{types.MetaReceiptPath: path}); err != nil {
		return "", fmt.Errorf("telemetry: mark run end: %w", err)
	}

	// Best-effort outputs: a lost notification or archive upload must
	// not lose the run.
	t.publish(ctx, r, path)
	t.archiveReceipt(ctx, path)

	t.finished = true
	return path, t.Close()
}

// publish sends the run-finished notification when an adapter is
// configured.
func (t *Telemetry) publish(ctx context.Context, r *types.Receipt, path string) {
	a, err := t.buildAdapter()
	if err != nil {
		t.logger.Warn("adapter unavailable", map[string]any{"error": err.Error()})
		return
	}
	if a == nil {
		return
	}
	defer func() { _ = a.Close() }()

	evt := adapter.NewRunFinishedEvent(r, path, types.Timestamp(t.now()))
	if err := a.Publish(ctx, evt); err != nil {
		t.logger.Warn("run-finished publish failed", map[string]any{"error": err.Error()})
	}
}

// buildAdapter constructs the configured adapter, or nil when
// publication is disabled.
func (t *Telemetry) buildAdapter() (adapter.Adapter, error) {
	cfg := t.cfg.Adapter
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// archiveReceipt uploads the receipt when an archive bucket is
// configured.
func (t *Telemetry) archiveReceipt(ctx context.Context, path string) {
	cfg := t.cfg.Archive
	if cfg.Bucket == "" {
		return
	}

	a, err := archive.New(ctx, archive.Config{
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		t.logger.Warn("archive unavailable", map[string]any{"error": err.Error()})
		return
	}

	key, err := a.Upload(ctx, t.script, t.runID, path)
	if err != nil {
		t.logger.Warn("receipt archive failed", map[string]any{"error": err.Error()})
		return
	}
	t.logger.Info("receipt archived", map[string]any{"bucket": cfg.Bucket, "key": key})
}

// Close releases the store and mirror without writing a receipt. Safe
// to call after Finish.
func (t *Telemetry) Close() error {
	var errs []error
	if t.mirror != nil {
		if err := t.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
		t.mirror = nil
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			errs = append(errs, err)
		}
		t.store = nil
	}
	return errors.Join(errs...)
}
