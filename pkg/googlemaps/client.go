// Package googlemaps wraps the Google Geocoding and Places Text Search APIs
// used to confirm canonical place names and addresses.
package googlemaps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

const (
	defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
	defaultPlacesURL  = "https://maps.googleapis.com/maps/api/place/textsearch/json"

	// Brazilian data: restrict and localize every request.
	regionBR   = "br"
	languageBR = "pt-BR"
)

// missSentinel encodes a cached negative result.
const missSentinel = "__miss__"

// GeocodeResult is the subset of geocoder output the pipeline consumes.
type GeocodeResult struct {
	Street           string `json:"street,omitempty"`
	Neighborhood     string `json:"neighborhood,omitempty"`
	City             string `json:"city,omitempty"`
	State            string `json:"state,omitempty"`
	FormattedAddress string `json:"formatted_address,omitempty"`
	Found            bool   `json:"-"`
}

// Place is one Places Text Search candidate.
type Place struct {
	Name             string `json:"name"`
	FormattedAddress string `json:"formatted_address"`
	Found            bool   `json:"-"`
}

// Cache is the subset of the pipeline cache the client needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Client calls the Google Maps Platform. With no API key every lookup
// degrades to a miss; the absence is logged once.
type Client struct {
	apiKey     string
	geocodeURL string
	placesURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      Cache
	cacheTTL   time.Duration

	warnNoKey sync.Once
}

// Option configures the client.
type Option func(*Client)

// WithGeocodeURL overrides the Geocoding endpoint (tests).
func WithGeocodeURL(u string) Option {
	return func(c *Client) { c.geocodeURL = u }
}

// WithPlacesURL overrides the Places endpoint (tests).
func WithPlacesURL(u string) Option {
	return func(c *Client) { c.placesURL = u }
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

// NewClient creates a Google Maps client. An empty apiKey disables the
// resolver without failing construction.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		geocodeURL: defaultGeocodeURL,
		placesURL:  defaultPlacesURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a credential is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// cacheKeyFor normalizes a query for cache lookup: lowercased,
// accent-stripped, whitespace collapsed to hyphens.
func cacheKeyFor(prefix, query string) string {
	q := strings.ToLower(query)
	if folded, _, err := transform.String(stripMarks, q); err == nil {
		q = folded
	}
	return prefix + ":" + strings.Join(strings.Fields(q), "-")
}

func (c *Client) missWithoutKey() bool {
	if c.apiKey != "" {
		return false
	}
	c.warnNoKey.Do(func() {
		zap.L().Warn("google maps api key not configured; geocoder and places lookups disabled")
	})
	return true
}

// googleGeocodeResponse is the Geocoding API response shape.
type googleGeocodeResponse struct {
	Results []struct {
		AddressComponents []struct {
			LongName string   `json:"long_name"`
			Types    []string `json:"types"`
		} `json:"address_components"`
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
	Status string `json:"status"`
}

// Geocode resolves a free-text address. Misses are cached; transport errors
// are not.
func (c *Client) Geocode(ctx context.Context, address string) (GeocodeResult, error) {
	if c.missWithoutKey() {
		return GeocodeResult{}, nil
	}

	key := cacheKeyFor("gmaps:geocode", address)
	if cached, ok := c.cacheGet(ctx, key); ok {
		if cached == missSentinel {
			return GeocodeResult{}, nil
		}
		var r GeocodeResult
		if err := json.Unmarshal([]byte(cached), &r); err == nil {
			r.Found = true
			return r, nil
		}
	}

	params := url.Values{
		"address":  {address},
		"region":   {regionBR},
		"language": {languageBR},
		"key":      {c.apiKey},
	}
	body, err := c.get(ctx, c.geocodeURL, params)
	if err != nil {
		return GeocodeResult{}, err
	}

	var resp googleGeocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GeocodeResult{}, eris.Wrap(err, "googlemaps: parse geocode response")
	}

	if resp.Status != "OK" || len(resp.Results) == 0 {
		c.cacheSet(ctx, key, missSentinel)
		return GeocodeResult{}, nil
	}

	first := resp.Results[0]
	r := GeocodeResult{FormattedAddress: first.FormattedAddress, Found: true}
	for _, comp := range first.AddressComponents {
		for _, typ := range comp.Types {
			switch typ {
			case "route":
				r.Street = comp.LongName
			case "sublocality", "sublocality_level_1", "neighborhood":
				if r.Neighborhood == "" {
					r.Neighborhood = comp.LongName
				}
			case "administrative_area_level_2", "locality":
				if r.City == "" {
					r.City = comp.LongName
				}
			case "administrative_area_level_1":
				r.State = comp.LongName
			}
		}
	}

	if blob, err := json.Marshal(r); err == nil {
		c.cacheSet(ctx, key, string(blob))
	}
	return r, nil
}

// googlePlacesResponse is the Places Text Search response shape.
type googlePlacesResponse struct {
	Results []struct {
		Name             string `json:"name"`
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
	Status string `json:"status"`
}

// FindPlaceByText runs a Places Text Search and returns the first candidate.
func (c *Client) FindPlaceByText(ctx context.Context, query string) (Place, error) {
	if c.missWithoutKey() {
		return Place{}, nil
	}

	key := cacheKeyFor("gmaps:places", query)
	if cached, ok := c.cacheGet(ctx, key); ok {
		if cached == missSentinel {
			return Place{}, nil
		}
		var p Place
		if err := json.Unmarshal([]byte(cached), &p); err == nil {
			p.Found = true
			return p, nil
		}
	}

	params := url.Values{
		"query":    {query},
		"region":   {regionBR},
		"language": {languageBR},
		"key":      {c.apiKey},
	}
	body, err := c.get(ctx, c.placesURL, params)
	if err != nil {
		return Place{}, err
	}

	var resp googlePlacesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Place{}, eris.Wrap(err, "googlemaps: parse places response")
	}

	if resp.Status != "OK" || len(resp.Results) == 0 {
		c.cacheSet(ctx, key, missSentinel)
		return Place{}, nil
	}

	p := Place{
		Name:             resp.Results[0].Name,
		FormattedAddress: resp.Results[0].FormattedAddress,
		Found:            true,
	}
	if blob, err := json.Marshal(p); err == nil {
		c.cacheSet(ctx, key, string(blob))
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "googlemaps: rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "googlemaps: build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "googlemaps: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("googlemaps: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) cacheGet(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	return c.cache.Get(ctx, key)
}

func (c *Client) cacheSet(ctx context.Context, key, value string) {
	if c.cache != nil {
		c.cache.Set(ctx, key, value, c.cacheTTL)
	}
}
