// Package geocode implements a rate-limited Nominatim client. Transient
// failures are retried with a fixed backoff; when retries are exhausted a
// canary probe for a known-good place decides between "no result for this
// query" and "service down", which is fatal for the calling run.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/oilwatch/refinery-intel/internal/observability"
)

const (
	defaultBaseURL     = "https://nominatim.openstreetmap.org"
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 10
	defaultRetryWait   = 5 * time.Second
	defaultCanaryName  = "Paris"
	defaultRPS         = 2

	multiResultLimit = 10
)

var (
	// ErrServiceUnavailable marks a transient failure worth retrying.
	ErrServiceUnavailable = errors.New("geocoding service unavailable")
	// ErrServiceDown is fatal: the canary probe failed, so the service is
	// considered down and the resolution run must abort.
	ErrServiceDown = errors.New("geocoding service down")
)

// Result is one geocoder match. Geometry is nil when the response carried
// no polygon data for the place.
type Result struct {
	DisplayName string
	Importance  float64
	Point       orb.Point
	Geometry    orb.Geometry
}

// Config configures the client.
type Config struct {
	BaseURL     string
	RPS         float64
	Timeout     time.Duration
	MaxAttempts int
	RetryWait   time.Duration
	CanaryName  string
}

// Client queries the Nominatim search API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxAttempts int
	retryWait   time.Duration
	canaryName  string
	logger      *zerolog.Logger
}

// New creates a geocoding client. Zero config fields fall back to defaults.
func New(cfg Config, logger *zerolog.Logger) *Client {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	canaryName := cfg.CanaryName
	if canaryName == "" {
		canaryName = defaultCanaryName
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
		maxAttempts: maxAttempts,
		retryWait:   retryWait,
		canaryName:  canaryName,
		logger:      logger,
	}
}

// Geocode returns all plausible matches for name (a single match when
// exactlyOne is set). A nil slice with nil error means the query produced
// no usable result and the caller should move on to other evidence.
func (c *Client) Geocode(ctx context.Context, name string, exactlyOne bool) ([]Result, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryWait):
			}
		}

		results, err := c.search(ctx, name, exactlyOne)
		if err == nil {
			return results, nil
		}

		if !errors.Is(err, ErrServiceUnavailable) {
			return nil, err
		}

		c.logger.Warn().Str("name", name).Int("attempt", attempt+1).Msg("geocode attempt failed")
	}

	return nil, c.probeCanary(ctx, name)
}

// probeCanary decides whether the exhausted query hit a down service or a
// query-specific failure. A healthy canary downgrades the query to "no
// result".
func (c *Client) probeCanary(ctx context.Context, name string) error {
	if _, err := c.search(ctx, c.canaryName, true); err != nil {
		observability.GeocodeRequests.WithLabelValues(observability.GeocodeStatusDown).Inc()

		return fmt.Errorf("%w: canary %q failed: %v", ErrServiceDown, c.canaryName, err)
	}

	c.logger.Warn().Str("name", name).Msg("geocode retries exhausted but canary healthy, treating as no result")

	return nil
}

func (c *Client) search(ctx context.Context, name string, exactlyOne bool) ([]Result, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocode rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildSearchURL(name, exactlyOne), nil)
	if err != nil {
		return nil, fmt.Errorf("create geocode request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.GeocodeRequests.WithLabelValues(observability.GeocodeStatusError).Inc()

		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		observability.GeocodeRequests.WithLabelValues(observability.GeocodeStatusError).Inc()

		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		observability.GeocodeRequests.WithLabelValues(observability.GeocodeStatusError).Inc()

		return nil, fmt.Errorf("geocode unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrServiceUnavailable, err)
	}

	observability.GeocodeRequests.WithLabelValues(observability.GeocodeStatusOK).Inc()

	return parseSearchResponse(body)
}

func (c *Client) buildSearchURL(name string, exactlyOne bool) string {
	limit := multiResultLimit
	if exactlyOne {
		limit = 1
	}

	params := url.Values{}
	params.Set("q", name)
	params.Set("format", "jsonv2")
	params.Set("polygon_geojson", "1")
	params.Set("accept-language", "en")
	params.Set("limit", strconv.Itoa(limit))

	return c.baseURL + "/search?" + params.Encode()
}

type searchResult struct {
	DisplayName string          `json:"display_name"`
	Importance  float64         `json:"importance"`
	Lat         string          `json:"lat"`
	Lon         string          `json:"lon"`
	GeoJSON     json.RawMessage `json:"geojson"`
}

// parseSearchResponse decodes a Nominatim response. Entries with malformed
// coordinates or geometry are dropped rather than failing the query.
func parseSearchResponse(body []byte) ([]Result, error) {
	var raw []searchResult
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}

	var results []Result

	for _, r := range raw {
		lat, latErr := strconv.ParseFloat(r.Lat, 64)
		lon, lonErr := strconv.ParseFloat(r.Lon, 64)

		if latErr != nil || lonErr != nil {
			continue
		}

		res := Result{
			DisplayName: r.DisplayName,
			Importance:  r.Importance,
			Point:       orb.Point{lon, lat},
		}

		if len(r.GeoJSON) > 0 {
			if geom, err := geojson.UnmarshalGeometry(r.GeoJSON); err == nil {
				res.Geometry = geom.Geometry()
			}
		}

		results = append(results, res)
	}

	return results, nil
}
