package store

import "fmt"

// schema holds the four record kinds. Steps, violations, and metrics
// are append-only and invalid without a parent run; runs cascade so an
// external retention sweep deleting a run takes its events with it.
//
// idx_run_steps_run_ts serves "all steps for a run ordered by time";
// idx_run_metrics_metric_ts serves "all samples for a metric ordered by
// time", the access path for rolling-drift aggregation.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	script      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	ended_at    TEXT,
	config_json TEXT,
	meta_json   TEXT
);

CREATE TABLE IF NOT EXISTS run_steps (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	ts        TEXT NOT NULL,
	phase     TEXT NOT NULL,
	data_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS run_violations (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	ts        TEXT NOT NULL,
	layer     TEXT NOT NULL,
	invariant TEXT NOT NULL,
	severity  TEXT NOT NULL,
	message   TEXT NOT NULL,
	data_json TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS run_metrics (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	ts      TEXT NOT NULL,
	metric  TEXT NOT NULL,
	num     REAL NOT NULL,
	den     REAL NOT NULL,
	value   REAL,
	ci_low  REAL,
	ci_high REAL,
	notes   TEXT,
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_run_steps_run_ts ON run_steps(run_id, ts);
CREATE INDEX IF NOT EXISTS idx_run_metrics_metric_ts ON run_metrics(metric, ts);
`

// EnsureSchema idempotently creates the tables and indexes.
func (s *Store) EnsureSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}
