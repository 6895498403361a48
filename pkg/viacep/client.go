// Package viacep resolves Brazilian postal codes (CEP) to addresses through
// the ViaCEP directory.
package viacep

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://viacep.com.br/ws"

// missSentinel marks a cached negative lookup so known-bad codes skip the
// network without being confused with never-seen codes.
const missSentinel = "__miss__"

// Address is the resolved location for a CEP. Zero value plus Found=false
// means the directory has no entry.
type Address struct {
	Street       string `json:"logradouro"`
	Neighborhood string `json:"bairro"`
	City         string `json:"localidade"`
	State        string `json:"uf"`
	Found        bool   `json:"-"`
}

// Cache is the subset of the pipeline cache the client needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Client looks up CEPs with medium-TTL caching of both hits and misses.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      Cache
	cacheTTL   time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache enables response caching with the given TTL.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// NewClient creates a ViaCEP client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeCEP strips non-digits from a CEP. The result is only valid when
// exactly 8 digits remain.
func NormalizeCEP(cep string) string {
	var b strings.Builder
	for _, r := range cep {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup resolves a CEP. Invalid-length inputs return a miss without touching
// the network. A directory miss is Address{Found: false}, nil.
func (c *Client) Lookup(ctx context.Context, cep string) (Address, error) {
	digits := NormalizeCEP(cep)
	if len(digits) != 8 {
		return Address{}, nil
	}

	cacheKey := "viacep:" + digits
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			if cached == missSentinel {
				return Address{}, nil
			}
			var addr Address
			if err := json.Unmarshal([]byte(cached), &addr); err == nil {
				addr.Found = true
				return addr, nil
			}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Address{}, eris.Wrap(err, "viacep: rate limit")
	}

	reqURL := fmt.Sprintf("%s/%s/json/", c.baseURL, digits)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Address{}, eris.Wrap(err, "viacep: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors are not cached; the directory may be back soon.
		return Address{}, eris.Wrapf(err, "viacep: lookup %s", digits)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		c.storeMiss(ctx, cacheKey)
		return Address{}, eris.Errorf("viacep: lookup %s returned status %d", digits, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Address{}, eris.Wrap(err, "viacep: read body")
	}

	// ViaCEP signals unknown codes with {"erro": true} on a 200 response.
	var probe struct {
		Erro bool `json:"erro"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Erro {
		c.storeMiss(ctx, cacheKey)
		return Address{}, nil
	}

	var addr Address
	if err := json.Unmarshal(body, &addr); err != nil {
		return Address{}, eris.Wrapf(err, "viacep: parse response for %s", digits)
	}
	addr.Found = true

	if c.cache != nil {
		if blob, err := json.Marshal(addr); err == nil {
			c.cache.Set(ctx, cacheKey, string(blob), c.cacheTTL)
		}
	}
	return addr, nil
}

func (c *Client) storeMiss(ctx context.Context, key string) {
	if c.cache != nil {
		c.cache.Set(ctx, key, missSentinel, c.cacheTTL)
	}
	zap.L().Debug("viacep miss cached", zap.String("key", key))
}
