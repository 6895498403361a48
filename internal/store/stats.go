package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/imobcrm/geodedup/internal/model"
)

// KindStatusCount is one cell of the dashboard overview.
type KindStatusCount struct {
	EntityKind model.EntityKind  `json:"entity_kind"`
	Status     model.GroupStatus `json:"status"`
	Count      int               `json:"count"`
}

// Overview returns group counts per (kind, status) pair.
func (s *Store) Overview(ctx context.Context) ([]KindStatusCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_kind, status, count(*)
		 FROM dedup_group
		 GROUP BY entity_kind, status
		 ORDER BY entity_kind, status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: overview")
	}
	defer rows.Close()

	var out []KindStatusCount
	for rows.Next() {
		var c KindStatusCount
		var kind, status string
		if err := rows.Scan(&kind, &status, &c.Count); err != nil {
			return nil, eris.Wrap(err, "store: scan overview row")
		}
		c.EntityKind = model.EntityKind(kind)
		c.Status = model.GroupStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CityRanking is one city's share of open duplicate groups.
type CityRanking struct {
	CityID        string `json:"city_id"`
	CityName      string `json:"city_name"`
	StateCode     string `json:"state_code"`
	PendingGroups int    `json:"pending_groups"`
}

// RankCities returns the cities with the most pending neighborhood and street
// groups, worst first. Pending group parents for these kinds are city ids, so
// the join back to the host cities table resolves the display name.
func (s *Store) RankCities(ctx context.Context, limit int) ([]CityRanking, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id::text, c.name, c.state_code, count(*) AS pending
		 FROM dedup_group g
		 JOIN cities c ON c.id::text = g.parent_id
		 WHERE g.status = 'pending' AND g.entity_kind IN ('neighborhood', 'condo')
		 GROUP BY c.id, c.name, c.state_code
		 ORDER BY pending DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: rank cities")
	}
	defer rows.Close()

	var out []CityRanking
	for rows.Next() {
		var r CityRanking
		if err := rows.Scan(&r.CityID, &r.CityName, &r.StateCode, &r.PendingGroups); err != nil {
			return nil, eris.Wrap(err, "store: scan city ranking")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CityStatusCount is one city's group counts broken down by status.
type CityStatusCount struct {
	CityID    string `json:"city_id"`
	CityName  string `json:"city_name"`
	Pending   int    `json:"pending"`
	Executed  int    `json:"executed"`
	Discarded int    `json:"discarded"`
}

// CityBreakdown returns per-city group counts by status for kinds scoped to a
// city parent.
func (s *Store) CityBreakdown(ctx context.Context) ([]CityStatusCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id::text, c.name,
			count(*) FILTER (WHERE g.status = 'pending'),
			count(*) FILTER (WHERE g.status = 'executed'),
			count(*) FILTER (WHERE g.status = 'discarded')
		 FROM dedup_group g
		 JOIN cities c ON c.id::text = g.parent_id
		 WHERE g.entity_kind IN ('neighborhood', 'condo')
		 GROUP BY c.id, c.name
		 ORDER BY c.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: city breakdown")
	}
	defer rows.Close()

	var out []CityStatusCount
	for rows.Next() {
		var r CityStatusCount
		if err := rows.Scan(&r.CityID, &r.CityName, &r.Pending, &r.Executed, &r.Discarded); err != nil {
			return nil, eris.Wrap(err, "store: scan city breakdown")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReportSummary aggregates the audit trail of executed merges.
type ReportSummary struct {
	ExecutedGroups  int `json:"executed_groups"`
	RevertedGroups  int `json:"reverted_groups"`
	MembersAbsorbed int `json:"members_absorbed"`
	FKsRedirected   int `json:"fks_redirected"`
}

// Summary returns merge-execution totals across all kinds.
func (s *Store) Summary(ctx context.Context) (*ReportSummary, error) {
	var r ReportSummary
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE status = 'executed'),
			count(*) FILTER (WHERE status = 'reverted'),
			coalesce(sum(cardinality(member_ids) - 1) FILTER (WHERE status = 'executed'), 0),
			coalesce(sum(total_fks_redirected) FILTER (WHERE status = 'executed'), 0)
		 FROM dedup_group`,
	).Scan(&r.ExecutedGroups, &r.RevertedGroups, &r.MembersAbsorbed, &r.FKsRedirected)
	if err != nil {
		return nil, eris.Wrap(err, "store: report summary")
	}
	return &r, nil
}

// OperatorCount is one operator's executed-merge tally.
type OperatorCount struct {
	ExecutedBy     string `json:"executed_by"`
	ExecutedGroups int    `json:"executed_groups"`
	FKsRedirected  int    `json:"fks_redirected"`
}

// ByOperator returns executed-merge counts grouped by who executed them.
func (s *Store) ByOperator(ctx context.Context) ([]OperatorCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT coalesce(executed_by, 'unknown'), count(*), coalesce(sum(total_fks_redirected), 0)
		 FROM dedup_group
		 WHERE status = 'executed'
		 GROUP BY executed_by
		 ORDER BY count(*) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: by operator")
	}
	defer rows.Close()

	var out []OperatorCount
	for rows.Next() {
		var r OperatorCount
		if err := rows.Scan(&r.ExecutedBy, &r.ExecutedGroups, &r.FKsRedirected); err != nil {
			return nil, eris.Wrap(err, "store: scan operator count")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExecutedGroups returns the executed groups page used by the audit report.
func (s *Store) ExecutedGroups(ctx context.Context, page, pageSize int) ([]model.DuplicateGroup, int, error) {
	return s.ListGroups(ctx, GroupFilter{Status: model.StatusExecuted, Page: page, PageSize: pageSize})
}
