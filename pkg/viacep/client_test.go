package viacep

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

func TestNormalizeCEP(t *testing.T) {
	assert.Equal(t, "74000100", NormalizeCEP("74000-100"))
	assert.Equal(t, "74000100", NormalizeCEP(" 74.000-100 "))
	assert.Equal(t, "", NormalizeCEP("abc"))
}

func TestLookup_Hit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/74000100/json/", r.URL.Path)
		w.Write([]byte(`{"logradouro":"Rua T-63","bairro":"Setor Bueno","localidade":"Goiânia","uf":"GO"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Lookup(context.Background(), "74000-100")
	require.NoError(t, err)
	assert.True(t, addr.Found)
	assert.Equal(t, "Rua T-63", addr.Street)
	assert.Equal(t, "Setor Bueno", addr.Neighborhood)
	assert.Equal(t, "Goiânia", addr.City)
	assert.Equal(t, "GO", addr.State)
}

func TestLookup_InvalidLengthSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the network")
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	addr, err := c.Lookup(context.Background(), "740")
	require.NoError(t, err)
	assert.False(t, addr.Found)
}

func TestLookup_DirectoryMissIsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"erro": true}`))
	}))
	defer srv.Close()

	cache := newMemCache()
	c := NewClient(WithBaseURL(srv.URL), WithCache(cache, time.Hour))

	addr, err := c.Lookup(context.Background(), "00000000")
	require.NoError(t, err)
	assert.False(t, addr.Found)

	addr, err = c.Lookup(context.Background(), "00000000")
	require.NoError(t, err)
	assert.False(t, addr.Found)
	assert.Equal(t, 1, calls)
	assert.Equal(t, missSentinel, cache.data["viacep:00000000"])
}

func TestLookup_HitIsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"bairro":"Setor Bueno","localidade":"Goiânia","uf":"GO"}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithCache(newMemCache(), time.Hour))

	for i := 0; i < 2; i++ {
		addr, err := c.Lookup(context.Background(), "74000100")
		require.NoError(t, err)
		assert.True(t, addr.Found)
		assert.Equal(t, "Setor Bueno", addr.Neighborhood)
	}
	assert.Equal(t, 1, calls)
}

func TestLookup_HTTPErrorCachesMissAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cache := newMemCache()
	c := NewClient(WithBaseURL(srv.URL), WithCache(cache, time.Hour))

	_, err := c.Lookup(context.Background(), "74000100")
	require.Error(t, err)
	assert.Equal(t, missSentinel, cache.data["viacep:74000100"])
}

func TestLookup_TransportErrorNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed server forces a connection error

	cache := newMemCache()
	c := NewClient(WithBaseURL(srv.URL), WithCache(cache, time.Hour))

	_, err := c.Lookup(context.Background(), "74000100")
	require.Error(t, err)
	assert.Empty(t, cache.data)
}
