package store

import (
	"database/sql"
	"fmt"

	"github.com/pithecene-io/cairn/types"
)

// StepRecord is one persisted step event.
type StepRecord struct {
	RunID string         `json:"run_id"`
	Ts    string         `json:"ts"`
	Phase string         `json:"phase"`
	Data  map[string]any `json:"data,omitempty"`
}

// MetricRecord is one persisted metric sample with its append metadata.
type MetricRecord struct {
	RunID  string `json:"run_id"`
	Ts     string `json:"ts"`
	Sample types.MetricSample
}

// InsertStep appends a step event for a run. Fails if the run does not
// exist (foreign key).
func (s *Store) InsertStep(runID, ts, phase string, data map[string]any) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("store: marshal step data: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO run_steps(run_id, ts, phase, data_json) VALUES (?, ?, ?, ?)`,
		runID, ts, phase, dataJSON,
	); err != nil {
		return fmt.Errorf("store: insert step %s/%s: %w", runID, phase, err)
	}
	return nil
}

// InsertViolation appends a violation record for a run.
func (s *Store) InsertViolation(runID string, v *types.Violation) error {
	dataJSON, err := marshalJSON(v.Data)
	if err != nil {
		return fmt.Errorf("store: marshal violation data: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO run_violations(run_id, ts, layer, invariant, severity, message, data_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, v.Ts, v.Layer, v.Invariant, string(v.Severity), v.Message, dataJSON,
	); err != nil {
		return fmt.Errorf("store: insert violation %s/%s: %w", runID, v.Invariant, err)
	}
	return nil
}

// InsertMetric appends a metric sample for a run.
func (s *Store) InsertMetric(runID, ts string, m *types.MetricSample) error {
	if _, err := s.db.Exec(
		`INSERT INTO run_metrics(run_id, ts, metric, num, den, value, ci_low, ci_high, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ts, m.Metric, m.Num, m.Den,
		nullFloat(m.Value), nullFloat(m.CILow), nullFloat(m.CIHigh), nullString(m.Notes),
	); err != nil {
		return fmt.Errorf("store: insert metric %s/%s: %w", runID, m.Metric, err)
	}
	return nil
}

// StepsForRun returns all steps for a run in append order.
func (s *Store) StepsForRun(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, ts, phase, data_json FROM run_steps WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: steps for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []StepRecord
	for rows.Next() {
		var (
			rec      StepRecord
			dataJSON sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Ts, &rec.Phase, &dataJSON); err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		rec.Data = unmarshalJSON(dataJSON)
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: steps for run %s: %w", runID, err)
	}
	return steps, nil
}

// ViolationsForRun returns all violations for a run in append order.
func (s *Store) ViolationsForRun(runID string) ([]types.Violation, error) {
	rows, err := s.db.Query(
		`SELECT ts, layer, invariant, severity, message, data_json
		 FROM run_violations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: violations for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var violations []types.Violation
	for rows.Next() {
		var (
			v        types.Violation
			severity string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&v.Ts, &v.Layer, &v.Invariant, &severity, &v.Message, &dataJSON); err != nil {
			return nil, fmt.Errorf("store: scan violation: %w", err)
		}
		v.Severity = types.Severity(severity)
		v.Data = unmarshalJSON(dataJSON)
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: violations for run %s: %w", runID, err)
	}
	return violations, nil
}

// MetricsForRun returns all metric samples for a run in append order.
func (s *Store) MetricsForRun(runID string) ([]MetricRecord, error) {
	return s.queryMetrics(
		`SELECT run_id, ts, metric, num, den, value, ci_low, ci_high, notes
		 FROM run_metrics WHERE run_id = ? ORDER BY id`, runID)
}

// MetricSeries returns up to limit samples for one metric series across
// runs of one script, most recent first.
func (s *Store) MetricSeries(metric, script string, limit int) ([]MetricRecord, error) {
	return s.queryMetrics(
		`SELECT m.run_id, m.ts, m.metric, m.num, m.den, m.value, m.ci_low, m.ci_high, m.notes
		 FROM run_metrics m
		 JOIN runs r ON r.run_id = m.run_id
		 WHERE m.metric = ? AND r.script = ?
		 ORDER BY m.ts DESC LIMIT ?`, metric, script, limit)
}

func (s *Store) queryMetrics(query string, args ...any) ([]MetricRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []MetricRecord
	for rows.Next() {
		var (
			rec           MetricRecord
			value, lo, hi sql.NullFloat64
			notes         sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Ts, &rec.Sample.Metric, &rec.Sample.Num, &rec.Sample.Den,
			&value, &lo, &hi, &notes); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		rec.Sample.Value = floatPtr(value)
		rec.Sample.CILow = floatPtr(lo)
		rec.Sample.CIHigh = floatPtr(hi)
		if notes.Valid {
			rec.Sample.Notes = &notes.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query metrics: %w", err)
	}
	return records, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}
