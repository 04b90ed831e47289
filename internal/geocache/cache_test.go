package geocache

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oilwatch/refinery-intel/internal/db"
	"github.com/oilwatch/refinery-intel/internal/domain"
	"github.com/oilwatch/refinery-intel/internal/geocode"
)

var testPolygon = orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}

type fakeRepo struct {
	byName    map[string][]domain.GpeLocation
	inserted  []domain.GpeLocation
	variants  map[string][]string
	insertErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byName:   make(map[string][]domain.GpeLocation),
		variants: make(map[string][]string),
	}
}

func (f *fakeRepo) FindGpeLocationsByName(_ context.Context, name string) ([]domain.GpeLocation, error) {
	return f.byName[name], nil
}

func (f *fakeRepo) GpeLocationExists(_ context.Context, geomHash string) (bool, error) {
	for _, loc := range f.inserted {
		if loc.GeomHash == geomHash {
			return true, nil
		}
	}

	return false, nil
}

func (f *fakeRepo) InsertGpeLocation(_ context.Context, loc *domain.GpeLocation) error {
	if f.insertErr != nil {
		return f.insertErr
	}

	f.inserted = append(f.inserted, *loc)

	return nil
}

func (f *fakeRepo) AppendGpeVariant(_ context.Context, geomHash, name string) error {
	f.variants[geomHash] = append(f.variants[geomHash], name)
	return nil
}

type fakeGeocoder struct {
	results map[string][]geocode.Result
	err     error
	calls   int
}

func (f *fakeGeocoder) Geocode(_ context.Context, name string, _ bool) ([]geocode.Result, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.results[name], nil
}

func TestResolveCacheHit(t *testing.T) {
	repo := newFakeRepo()
	repo.byName["Rotterdam"] = []domain.GpeLocation{{GeomHash: "h", Boundary: testPolygon}}

	geocoder := &fakeGeocoder{}
	cache := New(repo, geocoder, nil)

	locations, err := cache.Resolve(context.Background(), "Rotterdam")
	require.NoError(t, err)
	assert.Len(t, locations, 1)
	assert.Zero(t, geocoder.calls)
}

func TestResolveCacheMissStores(t *testing.T) {
	repo := newFakeRepo()
	geocoder := &fakeGeocoder{results: map[string][]geocode.Result{
		"Rotterdam": {
			{DisplayName: "Rotterdam, South Holland, Netherlands", Importance: 0.7, Geometry: testPolygon},
			{DisplayName: "Rotterdam point only", Importance: 0.3, Point: orb.Point{4.4, 51.9}},
		},
	}}

	cache := New(repo, geocoder, nil)

	locations, err := cache.Resolve(context.Background(), "Rotterdam")
	require.NoError(t, err)

	// The point-only result has no area and is dropped.
	require.Len(t, locations, 1)
	require.Len(t, repo.inserted, 1)

	stored := repo.inserted[0]
	assert.Equal(t, []string{"Rotterdam"}, stored.Names)
	assert.NotEmpty(t, stored.GeomHash)
	assert.Equal(t, 1, geocoder.calls)
}

func TestResolveVariantNameMerges(t *testing.T) {
	// The same boundary under a new query name must not produce a second
	// entry; the name joins the existing variant set.
	repo := newFakeRepo()
	geocoder := &fakeGeocoder{results: map[string][]geocode.Result{
		"Rotterdam":    {{DisplayName: "Rotterdam, Netherlands", Geometry: testPolygon}},
		"Rotterdam NL": {{DisplayName: "Rotterdam, Netherlands", Geometry: testPolygon}},
	}}

	cache := New(repo, geocoder, nil)

	_, err := cache.Resolve(context.Background(), "Rotterdam")
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "Rotterdam NL")
	require.NoError(t, err)

	require.Len(t, repo.inserted, 1)

	hash := repo.inserted[0].GeomHash
	assert.Equal(t, []string{"Rotterdam NL"}, repo.variants[hash])
}

func TestResolveInsertRace(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErr = db.ErrDuplicateGeometry

	geocoder := &fakeGeocoder{results: map[string][]geocode.Result{
		"Rotterdam": {{DisplayName: "Rotterdam", Geometry: testPolygon}},
	}}

	cache := New(repo, geocoder, nil)

	locations, err := cache.Resolve(context.Background(), "Rotterdam")
	require.NoError(t, err)
	require.Len(t, locations, 1)

	hash := locations[0].GeomHash
	assert.Equal(t, []string{"Rotterdam"}, repo.variants[hash])
}

func TestResolveServiceDownPropagates(t *testing.T) {
	repo := newFakeRepo()
	geocoder := &fakeGeocoder{err: geocode.ErrServiceDown}

	cache := New(repo, geocoder, nil)

	_, err := cache.Resolve(context.Background(), "Rotterdam")
	assert.ErrorIs(t, err, geocode.ErrServiceDown)
}

func TestVariantNames(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		displayName string
		want        []string
	}{
		{name: "head differs", query: "NYC", displayName: "New York, United States", want: []string{"NYC", "New York"}},
		{name: "head equals query", query: "Paris", displayName: "Paris, France", want: []string{"Paris"}},
		{name: "empty display name", query: "X", displayName: "", want: []string{"X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, variantNames(tt.query, tt.displayName))
		})
	}
}

func TestGeometryHashStable(t *testing.T) {
	h1, err := GeometryHash(testPolygon)
	require.NoError(t, err)

	h2, err := GeometryHash(testPolygon)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	other := orb.Polygon{orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}

	h3, err := GeometryHash(other)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
