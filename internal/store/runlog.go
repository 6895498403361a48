package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/imobcrm/geodedup/internal/model"
)

// RunResult holds the outcome of a detection run, passed to CompleteRun.
type RunResult struct {
	TotalAnalyzed int `json:"total_analyzed"`
	TotalGroups   int `json:"total_groups"`
}

// StartRun records the beginning of a detection run and returns its ID.
func (s *Store) StartRun(ctx context.Context, kind model.EntityKind) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dedup_run_log (entity_kind, status, started_at)
		 VALUES ($1, 'started', now()) RETURNING id`,
		string(kind),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: start run for %s", kind)
	}
	return id, nil
}

// CompleteRun marks a run as successfully completed with its counters.
func (s *Store) CompleteRun(ctx context.Context, runID int64, result RunResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dedup_run_log
		 SET status = 'completed', ended_at = now(), total_analyzed = $1, total_groups = $2
		 WHERE id = $3`,
		result.TotalAnalyzed, result.TotalGroups, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "store: complete run %d", runID)
	}
	return nil
}

// FailRun marks a run as errored with a message.
func (s *Store) FailRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dedup_run_log
		 SET status = 'errored', ended_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "store: fail run %d", runID)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.RunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_kind, status, started_at, ended_at, total_analyzed, total_groups, error
		 FROM dedup_run_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: recent runs")
	}
	defer rows.Close()

	var runs []model.RunLog
	for rows.Next() {
		var r model.RunLog
		var kind string
		var errStr *string
		if err := rows.Scan(&r.ID, &kind, &r.Status, &r.StartedAt, &r.EndedAt,
			&r.TotalAnalyzed, &r.TotalGroups, &errStr); err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		r.EntityKind = model.EntityKind(kind)
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
