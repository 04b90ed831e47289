package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oilwatch/refinery-intel/internal/domain"
	"github.com/oilwatch/refinery-intel/internal/registry"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func assetID(id int64) *int64 { return &id }

// squareAround returns a polygon covering a 2x2 degree box centered on p.
func squareAround(p orb.Point, half float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{p[0] - half, p[1] - half},
		{p[0] + half, p[1] - half},
		{p[0] + half, p[1] + half},
		{p[0] - half, p[1] + half},
		{p[0] - half, p[1] - half},
	}}
}

func testAssets() []domain.Asset {
	return []domain.Asset{
		{ID: 1, Name: "Carson Refinery A", City: "Carson", Country: "US", Point: orb.Point{-118.26, 33.83}},
		{ID: 2, Name: "Carson Refinery B", City: "Carson", Country: "US", Point: orb.Point{-118.28, 33.85}},
		{ID: 3, Name: "Pernis Refinery", City: "Rotterdam", Country: "NL", Point: orb.Point{4.38, 51.88}},
		{
			ID: 4, Name: "Closed Refinery", City: "Carson", Country: "US", Point: orb.Point{-118.25, 33.80},
			ToDate: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func testRegistry() *registry.Registry {
	assets := testAssets()
	for i := range assets {
		if assets[i].FromDate.IsZero() {
			assets[i].FromDate = time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC)
		}

		if assets[i].ToDate.IsZero() {
			assets[i].ToDate = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		}
	}

	return registry.New(assets)
}

type fakeGeoCache struct {
	locations map[string][]domain.GpeLocation
	calls     []string
}

func (f *fakeGeoCache) Resolve(_ context.Context, name string) ([]domain.GpeLocation, error) {
	f.calls = append(f.calls, name)
	return f.locations[name], nil
}

func record(geoTags, ownerTags []domain.Tag) *domain.Record {
	return &domain.Record{
		ID:        "rec-1",
		CreatedAt: testTime,
		GeoTags:   geoTags,
		OwnerTags: ownerTags,
	}
}

func TestResolveUniqueRefName(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(3), Match: "Pernis", Kind: domain.TagRefName},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(3), matches[0].AssetID)
	assert.Equal(t, "Pernis Refinery", matches[0].AssetName)
	assert.InDelta(t, 1.0, matches[0].Confidence, 1e-9)
}

func TestResolveCityConfirmation(t *testing.T) {
	// Two refineries share the name evidence; only one is also confirmed
	// by a city tag.
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagCityName},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].AssetID)
	assert.InDelta(t, 1.0, matches[0].Confidence, 1e-9)
}

func TestResolveAmbiguousUniformConfidence(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	sum := 0.0
	for _, m := range matches {
		assert.InDelta(t, 0.5, m.Confidence, 1e-9)
		sum += m.Confidence
	}

	assert.InDelta(t, 1.0, sum, 0.01)
	// Sorted by asset id.
	assert.Equal(t, int64(1), matches[0].AssetID)
	assert.Equal(t, int64(2), matches[1].AssetID)
}

func TestResolveValidityWindow(t *testing.T) {
	// The closed refinery shares the evidence but was shut down before the
	// record's timestamp, leaving a unique candidate.
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(4), Match: "Carson", Kind: domain.TagRefName},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].AssetID)
}

func TestResolveOwnerIntersection(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
	}, []domain.Tag{
		{AssetID: assetID(1), Match: "Acme Oil", Kind: domain.TagOwnerName},
	})

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].AssetID)
}

func TestResolveOwnerOnly(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record(nil, []domain.Tag{
		{AssetID: assetID(1), Match: "Acme Oil", Kind: domain.TagOwnerName},
		{AssetID: assetID(3), Match: "Acme Oil", Kind: domain.TagOwnerName},
	})

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.InDelta(t, 0.5, matches[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, matches[1].Confidence, 1e-9)
}

func TestResolveNoEvidence(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	matches, err := r.Resolve(context.Background(), record(nil, nil))
	require.NoError(t, err)
	assert.Nil(t, matches)
}

func TestResolveGPEPolygon(t *testing.T) {
	// Both Carson refineries survive the name stage; the polygon around
	// asset 2 decides.
	cache := &fakeGeoCache{locations: map[string][]domain.GpeLocation{
		"West Carson": {{
			GeomHash: "h1",
			Boundary: squareAround(orb.Point{-118.28, 33.85}, 0.005),
		}},
	}}

	r := New(testRegistry(), cache, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
		{Match: "West Carson", Kind: domain.TagGPE},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].AssetID)
	assert.Equal(t, []string{"West Carson"}, cache.calls)
}

func TestResolveGPELargestFirst(t *testing.T) {
	// The broad polygon covers both candidates and must be tried before
	// the tight one, narrowing the set without resolving; the tight
	// polygon then resolves uniquely.
	broad := squareAround(orb.Point{-118.27, 33.84}, 1)
	tight := squareAround(orb.Point{-118.26, 33.83}, 0.005)

	cache := &fakeGeoCache{locations: map[string][]domain.GpeLocation{
		"Carson area": {
			{GeomHash: "tight", Boundary: tight},
			{GeomHash: "broad", Boundary: broad},
		},
	}}

	r := New(testRegistry(), cache, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
		{Match: "Carson area", Kind: domain.TagGPE},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].AssetID)
}

func TestResolveSmallestSetFallback(t *testing.T) {
	// No polygon hits anything: the fallback emits the smallest set any
	// stage produced, here the two name candidates.
	cache := &fakeGeoCache{locations: map[string][]domain.GpeLocation{
		"Atlantis": {{
			GeomHash: "far",
			Boundary: squareAround(orb.Point{0, 0}, 0.5),
		}},
	}}

	r := New(testRegistry(), cache, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
		{Match: "Atlantis", Kind: domain.TagGPE},
	}, nil)

	matches, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.InDelta(t, 0.5, matches[0].Confidence, 1e-9)
}

func TestResolveDeterministic(t *testing.T) {
	r := New(testRegistry(), &fakeGeoCache{}, nil)

	rec := record([]domain.Tag{
		{AssetID: assetID(2), Match: "Carson", Kind: domain.TagRefName},
		{AssetID: assetID(1), Match: "Carson", Kind: domain.TagRefName},
	}, nil)

	first, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestConfirmedByAllKinds(t *testing.T) {
	tests := []struct {
		name string
		ref  []int64
		city []int64
		want []int64
	}{
		{name: "city narrows", ref: []int64{1, 2}, city: []int64{2}, want: []int64{2}},
		{name: "no city tags", ref: []int64{1, 2}, city: nil, want: []int64{1, 2}},
		{name: "disjoint", ref: []int64{1}, city: []int64{2}, want: nil},
		{name: "empty", ref: nil, city: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toTags := func(ids []int64, kind domain.TagKind) []domain.Tag {
				var tags []domain.Tag
				for _, id := range ids {
					tags = append(tags, domain.Tag{AssetID: assetID(id), Kind: kind})
				}

				return tags
			}

			got := confirmedByAllKinds(toTags(tt.ref, domain.TagRefName), toTags(tt.city, domain.TagCityName))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUniformMatchesRounding(t *testing.T) {
	assets := []domain.Asset{{ID: 3}, {ID: 1}, {ID: 2}}

	matches := uniformMatches(assets)
	require.Len(t, matches, 3)

	// round(1/3, 2)
	for _, m := range matches {
		assert.InDelta(t, 0.33, m.Confidence, 1e-9)
	}

	assert.Equal(t, int64(1), matches[0].AssetID)
	assert.Equal(t, int64(3), matches[2].AssetID)
}

func TestUniformMatchesHalfRoundsToEven(t *testing.T) {
	assets := make([]domain.Asset, 8)
	for i := range assets {
		assets[i] = domain.Asset{ID: int64(i + 1)}
	}

	matches := uniformMatches(assets)
	require.Len(t, matches, 8)

	// 1/8 = 0.125 rounds to 0.12, not 0.13.
	for _, m := range matches {
		assert.InDelta(t, 0.12, m.Confidence, 1e-9)
	}
}

func TestDedupeTags(t *testing.T) {
	tags := []domain.Tag{
		{AssetID: assetID(1), Kind: domain.TagRefName},
		{AssetID: assetID(1), Kind: domain.TagRefName},
		{AssetID: assetID(1), Kind: domain.TagCityName},
		{Match: "free text", Kind: domain.TagGPE},
	}

	out := dedupeTags(tags)
	assert.Len(t, out, 3)
}
