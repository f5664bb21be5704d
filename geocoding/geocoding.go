package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"report-verify-pipeline/geo"
	"report-verify-pipeline/resilience"

	"github.com/apex/log"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// NominatimBaseURL is the public Nominatim API endpoint
	NominatimBaseURL = "https://nominatim.openstreetmap.org"
	// UserAgent is required by Nominatim usage policy
	UserAgent = "CleanApp-ReportVerify/1.0 (https://cleanapp.io)"
)

// ErrNoResult is returned when the geocoder knows no place for the text.
var ErrNoResult = errors.New("no geocoding result")

// Geocoder resolves free-text locations to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, text string) (lat, lng float64, err error)
}

// NominatimClient forward-geocodes through OSM Nominatim with rate limiting.
type NominatimClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewNominatimClient creates a client limited to one request per second.
func NewNominatimClient(baseURL string) *NominatimClient {
	if baseURL == "" {
		baseURL = NominatimBaseURL
	}
	return &NominatimClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Resolve returns the coordinates of the best match. 4xx responses and empty
// results are permanent; 429, 5xx and transport errors are transient. A call
// the local rate limit cannot admit before ctx's deadline is throttled and
// never reaches Nominatim.
func (c *NominatimClient) Resolve(ctx context.Context, text string) (float64, float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, 0, resilience.Permanent(ErrNoResult)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, 0, resilience.Throttled(fmt.Errorf("nominatim rate limit: %w", err))
	}

	params := url.Values{}
	params.Set("q", text)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")
	reqURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, 0, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("nominatim returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return 0, 0, resilience.Permanent(err)
		}
		return 0, 0, err
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return 0, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, resilience.Permanent(ErrNoResult)
	}

	lat, err := decimal.NewFromString(results[0].Lat)
	if err != nil {
		return 0, 0, resilience.Permanent(fmt.Errorf("bad latitude %q: %w", results[0].Lat, err))
	}
	lng, err := decimal.NewFromString(results[0].Lon)
	if err != nil {
		return 0, 0, resilience.Permanent(fmt.Errorf("bad longitude %q: %w", results[0].Lon, err))
	}
	la, lo := geo.Round(lat.InexactFloat64()), geo.Round(lng.InexactFloat64())
	if err := geo.Validate(la, lo); err != nil {
		return 0, 0, resilience.Permanent(err)
	}
	return la, lo, nil
}

// DefaultCacheSize caps the number of cached lookups.
const DefaultCacheSize = 10000

type cachedPoint struct {
	lat, lng float64
}

// Cached memoizes successful lookups of another Geocoder. Expired entries
// are swept in the background; at maxEntries new results are not cached.
type Cached struct {
	next       Geocoder
	cache      *cache.Cache
	maxEntries int
}

// NewCached wraps next with an in-memory cache of DefaultCacheSize entries.
func NewCached(next Geocoder, ttl time.Duration) *Cached {
	return &Cached{
		next:       next,
		cache:      cache.New(ttl, ttl*2),
		maxEntries: DefaultCacheSize,
	}
}

func cacheKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Resolve serves from the cache or falls through to the wrapped geocoder.
func (c *Cached) Resolve(ctx context.Context, text string) (float64, float64, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		p := v.(cachedPoint)
		log.WithFields(log.Fields{"location": key}).Debug("geocode cache hit")
		return p.lat, p.lng, nil
	}

	lat, lng, err := c.next.Resolve(ctx, text)
	if err != nil {
		return 0, 0, err
	}

	if c.cache.ItemCount() >= c.maxEntries {
		c.cache.DeleteExpired()
	}
	if c.cache.ItemCount() < c.maxEntries {
		c.cache.Set(key, cachedPoint{lat: lat, lng: lng}, cache.DefaultExpiration)
	}
	return lat, lng, nil
}

// Len returns the number of cached entries, expired ones included until swept.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}
