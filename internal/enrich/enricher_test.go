package enrich

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/pkg/googlemaps"
	"github.com/imobcrm/geodedup/pkg/ibge"
	"github.com/imobcrm/geodedup/pkg/viacep"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRegistry struct {
	munis []ibge.Municipality
	err   error
}

func (f *fakeRegistry) Municipalities(ctx context.Context, state string) ([]ibge.Municipality, error) {
	return f.munis, f.err
}

type fakePostal struct {
	byCode map[string]viacep.Address
}

func (f *fakePostal) Lookup(ctx context.Context, cep string) (viacep.Address, error) {
	return f.byCode[cep], nil
}

type fakeMaps struct {
	geocode googlemaps.GeocodeResult
	place   googlemaps.Place
	queries []string
}

func (f *fakeMaps) Geocode(ctx context.Context, address string) (googlemaps.GeocodeResult, error) {
	f.queries = append(f.queries, address)
	return f.geocode, nil
}

func (f *fakeMaps) FindPlaceByText(ctx context.Context, query string) (googlemaps.Place, error) {
	f.queries = append(f.queries, query)
	return f.place, nil
}

func newEnricher(reg Registry, postal Postal, maps Maps) *Enricher {
	return New(nil, reg, postal, maps, DefaultMaxCEPs)
}

func cityGroup(names ...string) *model.DuplicateGroup {
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindCity}
	for i, n := range names {
		g.MemberIDs = append(g.MemberIDs, fmt.Sprintf("%d", i+1))
		g.MemberNames = append(g.MemberNames, n)
	}
	return g
}

func TestResolveCity_RegistryMatch(t *testing.T) {
	reg := &fakeRegistry{munis: []ibge.Municipality{
		{ID: 5208707, Name: "Goiânia"},
		{ID: 5201405, Name: "Aparecida de Goiânia"},
	}}
	e := newEnricher(reg, &fakePostal{}, &fakeMaps{})

	g := cityGroup("Goiania", "GOIÂNIA")
	res := e.resolveCity(context.Background(), g, []model.MemberContext{{StateCode: "GO"}})

	require.NotNil(t, res)
	assert.Equal(t, "Goiânia", res.Name)
	assert.Equal(t, model.OriginRegistry, res.Source)
	assert.Equal(t, 1.0, res.Score)
}

func TestResolveCity_FallsBackToGeocoder(t *testing.T) {
	reg := &fakeRegistry{munis: []ibge.Municipality{{ID: 1, Name: "Cidade Totalmente Diferente"}}}
	maps := &fakeMaps{geocode: googlemaps.GeocodeResult{City: "Goiânia", State: "GO", FormattedAddress: "Goiânia - GO, Brasil", Found: true}}
	e := newEnricher(reg, &fakePostal{}, maps)

	res := e.resolveCity(context.Background(), cityGroup("Goiania"), []model.MemberContext{{StateCode: "GO"}})

	require.NotNil(t, res)
	assert.Equal(t, "Goiânia", res.Name)
	assert.Equal(t, model.OriginGeocoder, res.Source)
	assert.Equal(t, 0.8, res.Score)
	assert.Equal(t, "Goiânia - GO, Brasil", res.Address)
}

func TestResolveNeighborhood_MajorityVote(t *testing.T) {
	// Ten codes: seven say Jardim América, two say Jardim America, one misses.
	byCode := map[string]viacep.Address{}
	var codes []string
	for i := 0; i < 7; i++ {
		code := fmt.Sprintf("7400000%d", i)
		byCode[code] = viacep.Address{Neighborhood: "Jardim América", Found: true}
		codes = append(codes, code)
	}
	for i := 7; i < 9; i++ {
		code := fmt.Sprintf("7400000%d", i)
		byCode[code] = viacep.Address{Neighborhood: "Jardim America", Found: true}
		codes = append(codes, code)
	}
	codes = append(codes, "74000009") // miss

	e := newEnricher(&fakeRegistry{}, &fakePostal{byCode: byCode}, &fakeMaps{})
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindNeighborhood,
		MemberIDs: []string{"1"}, MemberNames: []string{"Jd America"}}

	res := e.resolveNeighborhood(context.Background(), g, []model.MemberContext{{PostalCodes: codes}})

	require.NotNil(t, res)
	assert.Equal(t, "Jardim América", res.Name)
	assert.Equal(t, model.OriginPostalCEP, res.Source)
	assert.InDelta(t, 7.0/9.0, res.Score, 1e-9)
}

func TestResolveNeighborhood_NoCodesGeocodes(t *testing.T) {
	maps := &fakeMaps{geocode: googlemaps.GeocodeResult{Neighborhood: "Jardim América", Found: true}}
	e := newEnricher(&fakeRegistry{}, &fakePostal{}, maps)
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindNeighborhood,
		MemberIDs: []string{"1"}, MemberNames: []string{"Jd America"}}

	res := e.resolveNeighborhood(context.Background(), g,
		[]model.MemberContext{{CityName: "Goiânia", StateCode: "GO"}})

	require.NotNil(t, res)
	assert.Equal(t, model.OriginGeocoder, res.Source)
	require.Len(t, maps.queries, 1)
	assert.Equal(t, "Jd America, Goiânia, GO", maps.queries[0])
}

func TestResolveStreet_FirstHitWins(t *testing.T) {
	postal := &fakePostal{byCode: map[string]viacep.Address{
		"74000001": {Found: true}, // resolves but carries no street
		"74000002": {Street: "Rua T-63", Found: true},
	}}
	e := newEnricher(&fakeRegistry{}, postal, &fakeMaps{})
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindStreet,
		MemberIDs: []string{"1"}, MemberNames: []string{"R T 63"}}

	res := e.resolveStreet(context.Background(), g, []model.MemberContext{
		{PostalCodes: []string{"74000001"}},
		{PostalCodes: []string{"74000002"}},
	})

	require.NotNil(t, res)
	assert.Equal(t, "Rua T-63", res.Name)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, model.OriginPostalCEP, res.Source)
}

func TestResolveCondo_PlacesFirst(t *testing.T) {
	maps := &fakeMaps{place: googlemaps.Place{Name: "Edifício Aurora", FormattedAddress: "R. 9, 100 - Setor Oeste", Found: true}}
	e := newEnricher(&fakeRegistry{}, &fakePostal{}, maps)
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindCondo,
		MemberIDs: []string{"a", "b"}, MemberNames: []string{"Ed. Aurora", "Edificio Aurora"}}

	res := e.resolveCondo(context.Background(), g,
		[]model.MemberContext{{CityName: "Goiânia", StateCode: "GO"}})

	require.NotNil(t, res)
	assert.Equal(t, "Edifício Aurora", res.Name)
	assert.Equal(t, model.OriginPlaces, res.Source)
	assert.Equal(t, 0.9, res.Score)
	assert.Equal(t, "R. 9, 100 - Setor Oeste", res.Address)
}

func TestResolveCondo_GeocoderKeepsMemberName(t *testing.T) {
	maps := &fakeMaps{geocode: googlemaps.GeocodeResult{FormattedAddress: "R. 9, 100 - Goiânia", Found: true}}
	e := newEnricher(&fakeRegistry{}, &fakePostal{}, maps)
	g := &model.DuplicateGroup{ID: "g1", EntityKind: model.KindCondo,
		MemberIDs: []string{"a", "b"}, MemberNames: []string{"Ed. Aurora", "Edificio Aurora"}}

	res := e.resolveCondo(context.Background(), g,
		[]model.MemberContext{{StreetName: "Rua 9", CityName: "Goiânia", StateCode: "GO"}})

	require.NotNil(t, res)
	// The geocoder confirms the location, not the name.
	assert.Equal(t, "Ed. Aurora", res.Name)
	assert.Equal(t, model.OriginGeocoder, res.Source)
	assert.Equal(t, 0.7, res.Score)
}

func TestResolve_AllMissesReturnsNil(t *testing.T) {
	e := newEnricher(&fakeRegistry{err: assert.AnError}, &fakePostal{}, &fakeMaps{})
	res := e.resolveCity(context.Background(), cityGroup("Goiania"), []model.MemberContext{{StateCode: "GO"}})
	assert.Nil(t, res)
}

func TestSuggestCanonical_ArgMax(t *testing.T) {
	g := &model.DuplicateGroup{
		MemberIDs:   []string{"1", "2", "3"},
		MemberNames: []string{"Jd America", "Jardim América", "J America"},
	}
	got := SuggestCanonical(g, "Jardim América")
	require.NotNil(t, got)
	assert.Equal(t, "2", *got)
}

func TestSuggestCanonical_TieFirstSeen(t *testing.T) {
	g := &model.DuplicateGroup{
		MemberIDs:   []string{"1", "2"},
		MemberNames: []string{"Jardim América", "JARDIM AMERICA"},
	}
	got := SuggestCanonical(g, "Jardim América")
	require.NotNil(t, got)
	assert.Equal(t, "1", *got)
}

func TestCollectCodes_DedupesAndCaps(t *testing.T) {
	contexts := []model.MemberContext{
		{PostalCodes: []string{"1", "2", "2"}},
		{PostalCodes: []string{"3", "1", "4"}},
	}
	assert.Equal(t, []string{"1", "2", "3"}, collectCodes(contexts, 3))
	assert.Equal(t, []string{"1", "2", "3", "4"}, collectCodes(contexts, 10))
}
