// Package ibge looks up the authoritative list of municipalities per state
// from the IBGE localidades API.
package ibge

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

const defaultBaseURL = "https://servicodados.ibge.gov.br/api/v1/localidades"

// Municipality is one entry of the state registry: the IBGE code uniquely
// identifies the municipality; two names that map to different codes are
// different places.
type Municipality struct {
	ID   int64  `json:"id"`
	Name string `json:"nome"`
}

// Cache is the subset of the pipeline cache the client needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Client fetches municipality registries with long-TTL caching.
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

// NewClient creates an IBGE registry client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Municipalities returns every municipality of a state (UF code like "GO").
// Results are cached per state; the registry changes rarely.
func (c *Client) Municipalities(ctx context.Context, state string) ([]Municipality, error) {
	state = strings.ToUpper(strings.TrimSpace(state))
	if len(state) != 2 {
		return nil, eris.Errorf("ibge: invalid state code %q", state)
	}

	cacheKey := "ibge:municipios:" + state
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			var out []Municipality
			if err := json.Unmarshal([]byte(cached), &out); err == nil {
				return out, nil
			}
			// Corrupt cache entry; fall through to a live fetch.
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ibge: rate limit")
	}

	reqURL := fmt.Sprintf("%s/estados/%s/municipios", c.baseURL, state)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ibge: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "ibge: fetch municipalities for %s", state)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("ibge: municipalities for %s returned status %d", state, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ibge: read body")
	}

	var out []Municipality
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrapf(err, "ibge: parse municipalities for %s", state)
	}

	if c.cache != nil {
		if blob, err := json.Marshal(out); err == nil {
			c.cache.Set(ctx, cacheKey, string(blob), c.cacheTTL)
		}
	}

	zap.L().Debug("fetched municipality registry",
		zap.String("state", state),
		zap.Int("count", len(out)),
	)
	return out, nil
}
