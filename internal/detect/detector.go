// Package detect discovers candidate duplicate pairs with scoped pg_trgm
// queries and clusters them into groups via union-find.
package detect

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/db"
	"github.com/imobcrm/geodedup/internal/model"
)

// Detector issues scoped trigram-similarity queries against the host database.
type Detector struct {
	pool      db.Pool
	threshold float64
	limit     int
}

// NewDetector creates a Detector. threshold is the pg_trgm similarity cutoff
// and limit caps the number of pairs returned per pass.
func NewDetector(pool db.Pool, threshold float64, limit int) *Detector {
	return &Detector{pool: pool, threshold: threshold, limit: limit}
}

// PairsSQL returns the scoped pair query for a kind. All queries share the
// same shape: parent-scope equality, a.id < b.id to avoid mirrored pairs,
// accent-and-case-folded similarity above the threshold, score-descending
// order, LIMIT. Condos pair within a street but report the enclosing city as
// the group's parent scope; street-level scoping is too narrow for display
// filtering, and condo duplicates in practice sit on the same street.
func PairsSQL(kind model.EntityKind) string {
	switch kind {
	case model.KindCity:
		return `
SELECT a.id::text, b.id::text, a.name, b.name, a.state_code,
       similarity(lower(unaccent(a.name)), lower(unaccent(b.name)))::float8 AS score
FROM cities a
JOIN cities b
    ON a.state_code = b.state_code
    AND a.id < b.id
    AND similarity(lower(unaccent(a.name)), lower(unaccent(b.name))) > $1
ORDER BY score DESC
LIMIT $2`
	case model.KindNeighborhood:
		return `
SELECT a.id::text, b.id::text, a.name, b.name, a.city_id::text,
       similarity(lower(unaccent(a.name)), lower(unaccent(b.name)))::float8 AS score
FROM neighborhoods a
JOIN neighborhoods b
    ON a.city_id = b.city_id
    AND a.id < b.id
    AND similarity(lower(unaccent(a.name)), lower(unaccent(b.name))) > $1
WHERE NOT a.excluded AND NOT b.excluded
ORDER BY score DESC
LIMIT $2`
	case model.KindStreet:
		return `
SELECT a.id::text, b.id::text, a.name, b.name, a.neighborhood_id::text,
       similarity(lower(unaccent(a.name)), lower(unaccent(b.name)))::float8 AS score
FROM streets a
JOIN streets b
    ON a.neighborhood_id = b.neighborhood_id
    AND a.id < b.id
    AND similarity(lower(unaccent(a.name)), lower(unaccent(b.name))) > $1
WHERE NOT a.excluded AND NOT b.excluded
ORDER BY score DESC
LIMIT $2`
	case model.KindCondo:
		return `
SELECT a.id::text, b.id::text, a.name, b.name, n.city_id::text,
       similarity(lower(unaccent(a.name)), lower(unaccent(b.name)))::float8 AS score
FROM condos a
JOIN condos b
    ON a.street_id = b.street_id
    AND a.id < b.id
    AND similarity(lower(unaccent(a.name)), lower(unaccent(b.name))) > $1
JOIN streets s ON s.id = a.street_id
JOIN neighborhoods n ON n.id = s.neighborhood_id
WHERE NOT a.excluded AND NOT b.excluded
ORDER BY score DESC
LIMIT $2`
	default:
		return ""
	}
}

// FindPairs runs the scoped trigram query for a kind and returns pairs in
// score-descending order. All pairs or no pairs: any query failure aborts
// this kind's pass.
func (d *Detector) FindPairs(ctx context.Context, kind model.EntityKind) ([]model.SimilarPair, error) {
	sql := PairsSQL(kind)
	if sql == "" {
		return nil, eris.Errorf("detect: no pair query for kind %q", kind)
	}

	rows, err := d.pool.Query(ctx, sql, d.threshold, d.limit)
	if err != nil {
		return nil, eris.Wrapf(err, "detect: pair query for %s", kind)
	}
	defer rows.Close()

	var pairs []model.SimilarPair
	for rows.Next() {
		var p model.SimilarPair
		if err := rows.Scan(&p.IDA, &p.IDB, &p.NameA, &p.NameB, &p.ParentID, &p.Score); err != nil {
			return nil, eris.Wrapf(err, "detect: scan pair for %s", kind)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "detect: read pairs for %s", kind)
	}

	zap.L().Debug("detected similar pairs",
		zap.String("kind", kind.String()),
		zap.Int("pairs", len(pairs)),
	)
	return pairs, nil
}

// ExistingMemberIDs returns the union of member ids across pending and
// executed groups of the kind, used to avoid regenerating known groups.
func (d *Detector) ExistingMemberIDs(ctx context.Context, kind model.EntityKind) (map[string]bool, error) {
	rows, err := d.pool.Query(ctx, `
SELECT DISTINCT unnest(member_ids)
FROM dedup_group
WHERE entity_kind = $1 AND status IN ('pending', 'executed')`, string(kind))
	if err != nil {
		return nil, eris.Wrapf(err, "detect: existing members for %s", kind)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "detect: scan existing member for %s", kind)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "detect: read existing members for %s", kind)
	}
	return known, nil
}

// FilterKnown drops pairs whose both endpoints already belong to pending or
// executed groups. Pairs with one new endpoint survive so a newcomer can
// attach to an existing cluster's neighborhood on the next pass.
func FilterKnown(pairs []model.SimilarPair, known map[string]bool) []model.SimilarPair {
	if len(known) == 0 {
		return pairs
	}
	kept := pairs[:0]
	for _, p := range pairs {
		if known[p.IDA] && known[p.IDB] {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}
