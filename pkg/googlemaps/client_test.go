package googlemaps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memCache struct {
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}}
}

func (m *memCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	m.data[key] = value
}

func TestCacheKeyFor(t *testing.T) {
	assert.Equal(t, "gmaps:geocode:jardim-america,-goiania", cacheKeyFor("gmaps:geocode", "Jardim América,  Goiânia"))
	assert.Equal(t, cacheKeyFor("p", "GOIÂNIA"), cacheKeyFor("p", "goiania"))
}

func TestGeocode_MapsAddressComponents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br", r.URL.Query().Get("region"))
		assert.Equal(t, "pt-BR", r.URL.Query().Get("language"))
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		w.Write([]byte(`{"status":"OK","results":[{
			"formatted_address":"R. T-63 - Setor Bueno, Goiânia - GO, Brasil",
			"address_components":[
				{"long_name":"Rua T-63","types":["route"]},
				{"long_name":"Setor Bueno","types":["sublocality_level_1","sublocality"]},
				{"long_name":"Goiânia","types":["locality"]},
				{"long_name":"Goiás","types":["administrative_area_level_1"]}
			]}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithGeocodeURL(srv.URL))
	r, err := c.Geocode(context.Background(), "Rua T 63, Goiânia")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "Rua T-63", r.Street)
	assert.Equal(t, "Setor Bueno", r.Neighborhood)
	assert.Equal(t, "Goiânia", r.City)
	assert.Equal(t, "Goiás", r.State)
	assert.Equal(t, "R. T-63 - Setor Bueno, Goiânia - GO, Brasil", r.FormattedAddress)
}

func TestGeocode_NoKeyIsMiss(t *testing.T) {
	c := NewClient("")
	assert.False(t, c.Enabled())

	r, err := c.Geocode(context.Background(), "anywhere")
	require.NoError(t, err)
	assert.False(t, r.Found)

	p, err := c.FindPlaceByText(context.Background(), "anywhere")
	require.NoError(t, err)
	assert.False(t, p.Found)
}

func TestGeocode_ZeroResultsCachesMiss(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
	}))
	defer srv.Close()

	cache := newMemCache()
	c := NewClient("k", WithGeocodeURL(srv.URL), WithCache(cache, time.Hour))

	for i := 0; i < 2; i++ {
		r, err := c.Geocode(context.Background(), "Nowhere")
		require.NoError(t, err)
		assert.False(t, r.Found)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, missSentinel, cache.data[cacheKeyFor("gmaps:geocode", "Nowhere")])
}

func TestGeocode_CacheHitRestoresFound(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"status":"OK","results":[{
			"formatted_address":"Goiânia - GO, Brasil",
			"address_components":[{"long_name":"Goiânia","types":["locality"]}]}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithGeocodeURL(srv.URL), WithCache(newMemCache(), time.Hour))

	for i := 0; i < 2; i++ {
		r, err := c.Geocode(context.Background(), "Goiânia")
		require.NoError(t, err)
		assert.True(t, r.Found)
		assert.Equal(t, "Goiânia", r.City)
	}
	assert.Equal(t, 1, calls)
}

func TestFindPlaceByText_FirstCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Ed. Aurora, Goiânia", r.URL.Query().Get("query"))
		w.Write([]byte(`{"status":"OK","results":[
			{"name":"Edifício Aurora","formatted_address":"R. 9, 100 - Setor Oeste"},
			{"name":"Outro Lugar","formatted_address":"Outro Endereço"}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithPlacesURL(srv.URL))
	p, err := c.FindPlaceByText(context.Background(), "Ed. Aurora, Goiânia")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, "Edifício Aurora", p.Name)
	assert.Equal(t, "R. 9, 100 - Setor Oeste", p.FormattedAddress)
}

func TestGet_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient("k", WithGeocodeURL(srv.URL))
	_, err := c.Geocode(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
