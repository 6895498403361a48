package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/store"
)

// Per-kind context queries against the host schema, anchored on the member
// row. Postal codes come from the streets table; the cap keeps neighborhood
// votes bounded.
const (
	cityContextSQL = `
		SELECT c.state_code,
		       (SELECT count(*) FROM neighborhoods n WHERE n.city_id = c.id)
		FROM cities c
		WHERE c.id = $1::int`

	neighborhoodContextSQL = `
		SELECT c.id::text, c.name, c.state_code,
		       (SELECT count(*) FROM streets s WHERE s.neighborhood_id = n.id),
		       ARRAY(
		           SELECT DISTINCT s.postal_code FROM streets s
		           WHERE s.neighborhood_id = n.id AND s.postal_code IS NOT NULL
		           ORDER BY s.postal_code
		           LIMIT $2
		       )
		FROM neighborhoods n
		JOIN cities c ON c.id = n.city_id
		WHERE n.id = $1::int`

	streetContextSQL = `
		SELECT n.id::text, n.name, c.id::text, c.name, c.state_code, s.postal_code,
		       (SELECT count(*) FROM condos k WHERE k.street_id = s.id)
		FROM streets s
		JOIN neighborhoods n ON n.id = s.neighborhood_id
		JOIN cities c ON c.id = n.city_id
		WHERE s.id = $1::int`

	condoContextSQL = `
		SELECT s.id::text, s.name, s.postal_code, n.id::text, n.name,
		       c.id::text, c.name, c.state_code
		FROM condos k
		JOIN streets s ON s.id = k.street_id
		JOIN neighborhoods n ON n.id = s.neighborhood_id
		JOIN cities c ON c.id = n.city_id
		WHERE k.id = $1::uuid`
)

// ContextResolver resolves group members' surrounding hierarchy from the host
// schema. It needs no external resolvers, so the LLM validator can use it even
// when enrichment is disabled.
type ContextResolver struct {
	store   *store.Store
	maxCEPs int
	log     *zap.Logger
}

// NewContextResolver creates a ContextResolver. maxCEPs <= 0 falls back to
// DefaultMaxCEPs.
func NewContextResolver(st *store.Store, maxCEPs int) *ContextResolver {
	if maxCEPs <= 0 {
		maxCEPs = DefaultMaxCEPs
	}
	return &ContextResolver{
		store:   st,
		maxCEPs: maxCEPs,
		log:     zap.L().With(zap.String("component", "enrich")),
	}
}

// ResolveContexts resolves the host hierarchy for every member of a group. A
// member whose row disappeared is skipped with a warning rather than failing
// the group.
func (e *ContextResolver) ResolveContexts(ctx context.Context, g *model.DuplicateGroup) ([]model.MemberContext, error) {
	var out []model.MemberContext
	for _, memberID := range g.MemberIDs {
		mc, err := e.memberContext(ctx, g.EntityKind, memberID)
		if err != nil {
			e.log.Warn("member context resolution failed",
				zap.String("group", g.ID),
				zap.String("member", memberID),
				zap.Error(err),
			)
			continue
		}
		mc.GroupID = g.ID
		mc.MemberID = memberID
		out = append(out, *mc)
	}
	return out, nil
}

func (e *ContextResolver) memberContext(ctx context.Context, kind model.EntityKind, memberID string) (*model.MemberContext, error) {
	pool := e.store.Pool()
	var mc model.MemberContext

	switch kind {
	case model.KindCity:
		err := pool.QueryRow(ctx, cityContextSQL, memberID).
			Scan(&mc.StateCode, &mc.ChildrenCount)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: city context %s", memberID)
		}

	case model.KindNeighborhood:
		err := pool.QueryRow(ctx, neighborhoodContextSQL, memberID, e.maxCEPs).
			Scan(&mc.CityID, &mc.CityName, &mc.StateCode, &mc.ChildrenCount, &mc.PostalCodes)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: neighborhood context %s", memberID)
		}

	case model.KindStreet:
		var postal *string
		err := pool.QueryRow(ctx, streetContextSQL, memberID).
			Scan(&mc.NeighborhoodID, &mc.NeighborhoodName, &mc.CityID, &mc.CityName,
				&mc.StateCode, &postal, &mc.ChildrenCount)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: street context %s", memberID)
		}
		if postal != nil && *postal != "" {
			mc.PostalCodes = []string{*postal}
		}

	case model.KindCondo:
		var postal *string
		err := pool.QueryRow(ctx, condoContextSQL, memberID).
			Scan(&mc.StreetID, &mc.StreetName, &postal, &mc.NeighborhoodID, &mc.NeighborhoodName,
				&mc.CityID, &mc.CityName, &mc.StateCode)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: condo context %s", memberID)
		}
		if postal != nil && *postal != "" {
			mc.PostalCodes = []string{*postal}
		}

	default:
		return nil, eris.Errorf("enrich: unknown entity kind %q", kind)
	}

	return &mc, nil
}
