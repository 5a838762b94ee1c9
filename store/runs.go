package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/cairn/types"
)

// ErrRunNotFound is returned when a run id does not exist in the store.
var ErrRunNotFound = errors.New("store: run not found")

// UpsertRunStart inserts the run record, or refreshes it when the same
// run id is started again (e.g. a re-initialized telemetry handle).
func (s *Store) UpsertRunStart(run *types.Run) error {
	configJSON, err := marshalJSON(run.Config)
	if err != nil {
		return fmt.Errorf("store: marshal run config: %w", err)
	}
	metaJSON, err := marshalJSON(run.Meta)
	if err != nil {
		return fmt.Errorf("store: marshal run meta: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs(run_id, script, started_at, config_json, meta_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			script=excluded.script,
			started_at=excluded.started_at,
			config_json=excluded.config_json,
			meta_json=excluded.meta_json`,
		run.ID, run.Script, types.Timestamp(run.StartedAt), configJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("store: upsert run %s: %w", run.ID, err)
	}
	return nil
}

// MarkRunEnd sets the run's end timestamp and merges meta into the
// existing run metadata. A nil meta leaves the stored metadata
// untouched; merged keys overwrite on collision. The end timestamp,
// once set, is never cleared by the core.
func (s *Store) MarkRunEnd(runID string, endedAt time.Time, meta map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin mark run end: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing sql.NullString
	err = tx.QueryRow(`SELECT meta_json FROM runs WHERE run_id = ?`, runID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("store: read run meta %s: %w", runID, err)
	}

	merged := unmarshalJSON(existing)
	if meta != nil {
		if merged == nil {
			merged = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			merged[k] = v
		}
	}
	metaJSON, err := marshalJSON(merged)
	if err != nil {
		return fmt.Errorf("store: marshal merged meta: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE runs SET ended_at = ?, meta_json = ? WHERE run_id = ?`,
		types.Timestamp(endedAt), metaJSON, runID,
	); err != nil {
		return fmt.Errorf("store: mark run end %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit mark run end: %w", err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(runID string) (*types.Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, script, started_at, ended_at, config_json, meta_json
		FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently started first.
func (s *Store) ListRuns(limit int) ([]*types.Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, script, started_at, ended_at, config_json, meta_json
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return runs, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*types.Run, error) {
	var (
		run        types.Run
		startedAt  string
		endedAt    sql.NullString
		configJSON sql.NullString
		metaJSON   sql.NullString
	)
	if err := sc.Scan(&run.ID, &run.Script, &startedAt, &endedAt, &configJSON, &metaJSON); err != nil {
		return nil, err
	}

	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	run.StartedAt = started

	if endedAt.Valid {
		ended, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at %q: %w", endedAt.String, err)
		}
		run.EndedAt = &ended
	}

	run.Config = unmarshalJSON(configJSON)
	run.Meta = unmarshalJSON(metaJSON)
	return &run, nil
}
