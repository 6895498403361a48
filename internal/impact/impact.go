// Package impact counts inbound FK references per group member, so the
// operator can see how much each candidate canonical carries before merging.
package impact

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/imobcrm/geodedup/internal/db"
	"github.com/imobcrm/geodedup/internal/fkmap"
	"github.com/imobcrm/geodedup/internal/model"
)

// MemberImpact is one member's reference tally across all inbound FK edges.
type MemberImpact struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	PerTableCounts  map[string]int `json:"per_table_counts"`
	TotalReferences int            `json:"total_references"`
}

// Analyzer issues the per-edge counts on the shared pool.
type Analyzer struct {
	pool db.Pool
}

// New creates an Analyzer.
func New(pool db.Pool) *Analyzer {
	return &Analyzer{pool: pool}
}

// Analyze counts inbound references for every member of the group, most
// referenced first. Ties keep member order.
func (a *Analyzer) Analyze(ctx context.Context, g *model.DuplicateGroup) ([]MemberImpact, error) {
	edges := fkmap.For(g.EntityKind)

	impacts := make([]MemberImpact, 0, len(g.MemberIDs))
	for _, memberID := range g.MemberIDs {
		mi := MemberImpact{
			ID:             memberID,
			Name:           g.NameOf(memberID),
			PerTableCounts: make(map[string]int, len(edges)),
		}
		for _, fk := range edges {
			var n int
			query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = $1%s", fk.Table, fk.Column, fk.Cast())
			if err := a.pool.QueryRow(ctx, query, memberID).Scan(&n); err != nil {
				return nil, eris.Wrapf(err, "impact: count %s.%s for member %s", fk.Table, fk.Column, memberID)
			}
			// properties.city_id and properties.neighborhood_id both key by
			// table name; per-table counts sum across columns.
			mi.PerTableCounts[fk.Table] += n
			mi.TotalReferences += n
		}
		impacts = append(impacts, mi)
	}

	sort.SliceStable(impacts, func(i, j int) bool {
		return impacts[i].TotalReferences > impacts[j].TotalReferences
	})
	return impacts, nil
}
