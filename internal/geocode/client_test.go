package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parisResponse = `[{
	"display_name": "Paris, Ile-de-France, Metropolitan France, France",
	"importance": 0.88,
	"lat": "48.8588897",
	"lon": "2.3200410",
	"geojson": {"type": "Polygon", "coordinates": [[[2.2, 48.8], [2.4, 48.8], [2.4, 48.9], [2.2, 48.9], [2.2, 48.8]]]}
}]`

func testClient(baseURL string, attempts int) *Client {
	return New(Config{
		BaseURL:     baseURL,
		RPS:         1000,
		Timeout:     time.Second,
		MaxAttempts: attempts,
		RetryWait:   time.Millisecond,
	}, nil)
}

func TestGeocodeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "1", r.URL.Query().Get("polygon_geojson"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))

		_, _ = w.Write([]byte(parisResponse))
	}))
	defer server.Close()

	results, err := testClient(server.URL, 3).Geocode(context.Background(), "Paris", false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 0.88, results[0].Importance)
	assert.InDelta(t, 2.3200410, results[0].Point[0], 1e-6)
	assert.InDelta(t, 48.8588897, results[0].Point[1], 1e-6)

	_, ok := results[0].Geometry.(orb.Polygon)
	assert.True(t, ok)
}

func TestGeocodeSingleResultLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	results, err := testClient(server.URL, 1).Geocode(context.Background(), "Paris", true)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGeocodeRetriesTransientError(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write([]byte(parisResponse))
	}))
	defer server.Close()

	results, err := testClient(server.URL, 5).Geocode(context.Background(), "Paris", false)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGeocodeCanaryHealthy(t *testing.T) {
	// The query itself keeps failing, but the canary works: the caller
	// gets "no result" rather than an error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "Paris" {
			_, _ = w.Write([]byte(parisResponse))

			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	results, err := testClient(server.URL, 2).Geocode(context.Background(), "Nowhereville", false)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestGeocodeCanaryDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := testClient(server.URL, 2).Geocode(context.Background(), "Nowhereville", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceDown)
}

func TestGeocodeNonTransientStatusFailsFast(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := testClient(server.URL, 5).Geocode(context.Background(), "Paris", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrServiceDown)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestParseSearchResponseDropsMalformed(t *testing.T) {
	body := `[
		{"display_name": "good", "lat": "1.0", "lon": "2.0"},
		{"display_name": "bad", "lat": "not-a-number", "lon": "2.0"},
		{"display_name": "broken geometry", "lat": "3.0", "lon": "4.0", "geojson": {"type": "Nope"}}
	]`

	results, err := parseSearchResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "good", results[0].DisplayName)
	assert.Nil(t, results[1].Geometry)
}
