// Package enrich resolves an authoritative reference name for each duplicate
// group through a cascade of external sources, plus the per-member host
// hierarchy the operator UI and the vote need.
package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/normalize"
	"github.com/imobcrm/geodedup/internal/store"
	"github.com/imobcrm/geodedup/pkg/googlemaps"
	"github.com/imobcrm/geodedup/pkg/ibge"
	"github.com/imobcrm/geodedup/pkg/viacep"
)

const (
	// DefaultMaxCEPs caps how many distinct postal codes feed a
	// neighborhood's majority vote.
	DefaultMaxCEPs = 10

	// DefaultBatchSize is how many groups one EnrichPending pass handles.
	DefaultBatchSize = 10

	registryDiceThreshold = 0.5
	voteConcurrency       = 5

	scoreGeocoder      = 0.8
	scorePlaces        = 0.9
	scoreCondoGeocoder = 0.7
	scoreStreetDirect  = 1.0
)

// Registry lists the official municipalities of a state.
type Registry interface {
	Municipalities(ctx context.Context, state string) ([]ibge.Municipality, error)
}

// Postal resolves one postal code to an address.
type Postal interface {
	Lookup(ctx context.Context, cep string) (viacep.Address, error)
}

// Maps provides geocoding and place search.
type Maps interface {
	Geocode(ctx context.Context, address string) (googlemaps.GeocodeResult, error)
	FindPlaceByText(ctx context.Context, query string) (googlemaps.Place, error)
}

// Resolution is the cascade's verdict for one group.
type Resolution struct {
	Name    string
	Source  string
	Address string
	Score   float64
}

// Enricher runs the per-group cascade against the host database and the
// external resolvers.
type Enricher struct {
	store    *store.Store
	contexts *ContextResolver
	registry Registry
	postal   Postal
	maps     Maps
	maxCEPs  int
	log      *zap.Logger
}

// New creates an Enricher. maxCEPs <= 0 falls back to DefaultMaxCEPs.
func New(st *store.Store, registry Registry, postal Postal, maps Maps, maxCEPs int) *Enricher {
	if maxCEPs <= 0 {
		maxCEPs = DefaultMaxCEPs
	}
	return &Enricher{
		store:    st,
		contexts: NewContextResolver(st, maxCEPs),
		registry: registry,
		postal:   postal,
		maps:     maps,
		maxCEPs:  maxCEPs,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// EnrichPending enriches pending groups of a kind that have no canonical
// name yet, in batches. Per-group failures are swallowed; the group stays
// usable without a canonical name. Returns how many groups were enriched.
func (e *Enricher) EnrichPending(ctx context.Context, kind model.EntityKind, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	enriched := 0
	for {
		groups, err := e.store.PendingWithoutCanonical(ctx, kind, batchSize)
		if err != nil {
			return enriched, err
		}
		if len(groups) == 0 {
			return enriched, nil
		}

		progressed := false
		for i := range groups {
			if err := ctx.Err(); err != nil {
				return enriched, eris.Wrap(err, "enrich: cancelled")
			}
			ok, err := e.Enrich(ctx, &groups[i])
			if err != nil {
				e.log.Warn("group enrichment failed",
					zap.String("group", groups[i].ID),
					zap.Error(err),
				)
				continue
			}
			if ok {
				enriched++
				progressed = true
			}
		}
		// Groups that stayed without a canonical name would be refetched
		// forever; stop once a pass makes no progress.
		if !progressed {
			return enriched, nil
		}
	}
}

// Enrich resolves contexts and a canonical name for one group, persisting
// both. Returns false when every source missed.
func (e *Enricher) Enrich(ctx context.Context, g *model.DuplicateGroup) (bool, error) {
	contexts, err := e.contexts.ResolveContexts(ctx, g)
	if err != nil {
		return false, err
	}
	if len(contexts) > 0 {
		if err := e.store.SaveMemberContexts(ctx, contexts); err != nil {
			return false, err
		}
	}

	res := e.resolve(ctx, g, contexts)
	if res == nil {
		return false, nil
	}

	suggested := SuggestCanonical(g, res.Name)
	if err := e.store.SetEnrichment(ctx, g.ID, res.Name, res.Source, res.Address, suggested); err != nil {
		return false, err
	}

	e.log.Info("group enriched",
		zap.String("group", g.ID),
		zap.String("kind", string(g.EntityKind)),
		zap.String("canonical_name", res.Name),
		zap.String("source", res.Source),
		zap.Float64("score", res.Score),
	)
	return true, nil
}

// resolve runs the per-kind cascade. A nil return means every source missed;
// resolver errors are treated as misses.
func (e *Enricher) resolve(ctx context.Context, g *model.DuplicateGroup, contexts []model.MemberContext) *Resolution {
	switch g.EntityKind {
	case model.KindCity:
		return e.resolveCity(ctx, g, contexts)
	case model.KindNeighborhood:
		return e.resolveNeighborhood(ctx, g, contexts)
	case model.KindStreet:
		return e.resolveStreet(ctx, g, contexts)
	case model.KindCondo:
		return e.resolveCondo(ctx, g, contexts)
	default:
		return nil
	}
}

// resolveCity ranks the state's official municipality list by bigram Dice
// against the first member name; below threshold it falls back to geocoding.
func (e *Enricher) resolveCity(ctx context.Context, g *model.DuplicateGroup, contexts []model.MemberContext) *Resolution {
	state := firstState(contexts)
	name := firstName(g)

	if state != "" {
		munis, err := e.registry.Municipalities(ctx, state)
		if err != nil {
			e.log.Warn("municipality registry lookup failed", zap.String("state", state), zap.Error(err))
		} else {
			best, score := "", 0.0
			for _, m := range munis {
				if s := normalize.DiceBigram(name, m.Name); s > score {
					best, score = m.Name, s
				}
			}
			if score >= registryDiceThreshold {
				return &Resolution{Name: best, Source: model.OriginRegistry, Score: score}
			}
		}
	}

	return e.geocodeFallback(ctx, strings.Join(nonEmpty(name, state), ", "), scoreGeocoder,
		func(r googlemaps.GeocodeResult) string { return r.City })
}

// resolveNeighborhood majority-votes the neighborhood field across every
// member's postal codes, fanned out concurrently. The tally is collected in
// code order so ties break deterministically by first seen.
func (e *Enricher) resolveNeighborhood(ctx context.Context, g *model.DuplicateGroup, contexts []model.MemberContext) *Resolution {
	codes := collectCodes(contexts, e.maxCEPs)

	if len(codes) > 0 {
		results := make([]viacep.Address, len(codes))
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(voteConcurrency)
		for i, code := range codes {
			eg.Go(func() error {
				addr, err := e.postal.Lookup(gctx, code)
				if err == nil {
					results[i] = addr
				}
				// A failing lookup never blocks the vote.
				return nil
			})
		}
		_ = eg.Wait()

		wins := map[string]int{}
		var order []string
		total := 0
		for _, addr := range results {
			if !addr.Found || addr.Neighborhood == "" {
				continue
			}
			total++
			if _, seen := wins[addr.Neighborhood]; !seen {
				order = append(order, addr.Neighborhood)
			}
			wins[addr.Neighborhood]++
		}
		if total > 0 {
			best := order[0]
			for _, name := range order[1:] {
				if wins[name] > wins[best] {
					best = name
				}
			}
			return &Resolution{
				Name:   best,
				Source: model.OriginPostalCEP,
				Score:  float64(wins[best]) / float64(total),
			}
		}
	}

	query := strings.Join(nonEmpty(firstName(g), firstCity(contexts), firstState(contexts)), ", ")
	return e.geocodeFallback(ctx, query, scoreGeocoder,
		func(r googlemaps.GeocodeResult) string { return r.Neighborhood })
}

// resolveStreet takes the first postal code whose lookup returns a street
// name; geocoding is the fallback.
func (e *Enricher) resolveStreet(ctx context.Context, g *model.DuplicateGroup, contexts []model.MemberContext) *Resolution {
	for _, code := range collectCodes(contexts, e.maxCEPs) {
		addr, err := e.postal.Lookup(ctx, code)
		if err != nil || !addr.Found || addr.Street == "" {
			continue
		}
		return &Resolution{Name: addr.Street, Source: model.OriginPostalCEP, Score: scoreStreetDirect}
	}

	query := strings.Join(nonEmpty(firstName(g), firstCity(contexts), firstState(contexts)), ", ")
	return e.geocodeFallback(ctx, query, scoreGeocoder,
		func(r googlemaps.GeocodeResult) string { return r.Street })
}

// resolveCondo tries a Places text search per member name; the geocoder
// fallback confirms the location only, so the name stays the first member's.
func (e *Enricher) resolveCondo(ctx context.Context, g *model.DuplicateGroup, contexts []model.MemberContext) *Resolution {
	city, state := firstCity(contexts), firstState(contexts)

	for _, name := range g.MemberNames {
		place, err := e.maps.FindPlaceByText(ctx, strings.Join(nonEmpty(name, city, state), ", "))
		if err != nil || !place.Found {
			continue
		}
		return &Resolution{
			Name:    place.Name,
			Source:  model.OriginPlaces,
			Address: place.FormattedAddress,
			Score:   scorePlaces,
		}
	}

	query := strings.Join(nonEmpty(firstName(g), firstStreet(contexts), city, state), ", ")
	res, err := e.maps.Geocode(ctx, query)
	if err != nil || !res.Found {
		return nil
	}
	return &Resolution{
		Name:    firstName(g),
		Source:  model.OriginGeocoder,
		Address: res.FormattedAddress,
		Score:   scoreCondoGeocoder,
	}
}

// geocodeFallback runs a generic geocode and extracts one component.
func (e *Enricher) geocodeFallback(ctx context.Context, query string, score float64, pick func(googlemaps.GeocodeResult) string) *Resolution {
	if query == "" {
		return nil
	}
	res, err := e.maps.Geocode(ctx, query)
	if err != nil || !res.Found {
		return nil
	}
	name := pick(res)
	if name == "" {
		return nil
	}
	return &Resolution{
		Name:    name,
		Source:  model.OriginGeocoder,
		Address: res.FormattedAddress,
		Score:   score,
	}
}

// ContextSummary collapses member contexts into the first non-empty value of
// each hierarchy level, the shape prompts and list payloads want.
func ContextSummary(contexts []model.MemberContext) (state, city, neighborhood, street string) {
	return firstState(contexts), firstCity(contexts), firstNeighborhood(contexts), firstStreet(contexts)
}

// SuggestCanonical picks the member whose name is closest to the canonical
// by bigram Dice, first seen winning ties. Nil when the group is empty.
func SuggestCanonical(g *model.DuplicateGroup, canonicalName string) *string {
	var bestID string
	best := -1.0
	for i, id := range g.MemberIDs {
		if i >= len(g.MemberNames) {
			break
		}
		if s := normalize.DiceBigram(g.MemberNames[i], canonicalName); s > best {
			bestID, best = id, s
		}
	}
	if bestID == "" {
		return nil
	}
	return &bestID
}

func firstName(g *model.DuplicateGroup) string {
	if len(g.MemberNames) == 0 {
		return ""
	}
	return g.MemberNames[0]
}

func firstState(contexts []model.MemberContext) string {
	for _, c := range contexts {
		if c.StateCode != "" {
			return c.StateCode
		}
	}
	return ""
}

func firstCity(contexts []model.MemberContext) string {
	for _, c := range contexts {
		if c.CityName != "" {
			return c.CityName
		}
	}
	return ""
}

func firstNeighborhood(contexts []model.MemberContext) string {
	for _, c := range contexts {
		if c.NeighborhoodName != "" {
			return c.NeighborhoodName
		}
	}
	return ""
}

func firstStreet(contexts []model.MemberContext) string {
	for _, c := range contexts {
		if c.StreetName != "" {
			return c.StreetName
		}
	}
	return ""
}

// collectCodes gathers distinct postal codes across members in context
// order, capped at limit.
func collectCodes(contexts []model.MemberContext, limit int) []string {
	seen := map[string]bool{}
	var codes []string
	for _, c := range contexts {
		for _, code := range c.PostalCodes {
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, code)
			if len(codes) >= limit {
				return codes
			}
		}
	}
	return codes
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
