package store

import (
	"fmt"

	"github.com/pithecene-io/cairn/types"
)

// RollingMetric aggregates the most recent lookback samples of one
// metric series over prior runs, ordered by run start time and
// excluding the current run. Only runs of the same script contribute:
// metric series are not comparable across scripts, and mixing them
// would contaminate the drift baseline.
func (s *Store) RollingMetric(metric, script, excludeRunID string, lookback int) (types.RollingAggregate, error) {
	rows, err := s.db.Query(`
		SELECT m.num, m.den
		FROM run_metrics m
		JOIN runs r ON r.run_id = m.run_id
		WHERE m.metric = ?
		  AND r.script = ?
		  AND m.run_id <> ?
		ORDER BY r.started_at DESC
		LIMIT ?`,
		metric, script, excludeRunID, lookback,
	)
	if err != nil {
		return types.RollingAggregate{}, fmt.Errorf("store: rolling metric %s: %w", metric, err)
	}
	defer func() { _ = rows.Close() }()

	var agg types.RollingAggregate
	for rows.Next() {
		var num, den float64
		if err := rows.Scan(&num, &den); err != nil {
			return types.RollingAggregate{}, fmt.Errorf("store: scan rolling sample: %w", err)
		}
		agg.Runs++
		agg.Num += num
		agg.Den += den
	}
	if err := rows.Err(); err != nil {
		return types.RollingAggregate{}, fmt.Errorf("store: rolling metric %s: %w", metric, err)
	}
	return agg, nil
}
