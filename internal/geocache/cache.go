// Package geocache resolves free-text location names to boundary polygons,
// caching geocoder results in storage. Entries are content-addressed by a
// hash of their canonical geometry, so a boundary-equal polygon is stored
// at most once and new name variants merge into the existing entry.
package geocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/oilwatch/refinery-intel/internal/db"
	"github.com/oilwatch/refinery-intel/internal/domain"
	"github.com/oilwatch/refinery-intel/internal/geocode"
	"github.com/oilwatch/refinery-intel/internal/observability"
)

// Geocoder is the external geocoding service.
type Geocoder interface {
	Geocode(ctx context.Context, name string, exactlyOne bool) ([]geocode.Result, error)
}

// Repository is the storage the cache persists entries to.
type Repository interface {
	FindGpeLocationsByName(ctx context.Context, name string) ([]domain.GpeLocation, error)
	GpeLocationExists(ctx context.Context, geomHash string) (bool, error)
	InsertGpeLocation(ctx context.Context, loc *domain.GpeLocation) error
	AppendGpeVariant(ctx context.Context, geomHash, name string) error
}

type Cache struct {
	database Repository
	geocoder Geocoder
	logger   *zerolog.Logger
}

func New(database Repository, geocoder Geocoder, logger *zerolog.Logger) *Cache {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	return &Cache{
		database: database,
		geocoder: geocoder,
		logger:   logger,
	}
}

// Resolve returns the boundary locations known for name, most important
// first. Cached variants are served without touching the geocoder; cache
// misses query it for all plausible matches, keep only area-bearing
// geometries and persist them. geocode.ErrServiceDown propagates to the
// caller unchanged so the run can abort.
func (c *Cache) Resolve(ctx context.Context, name string) ([]domain.GpeLocation, error) {
	cached, err := c.database.FindGpeLocationsByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("geocache lookup: %w", err)
	}

	if len(cached) > 0 {
		observability.GeocacheLookups.WithLabelValues(observability.GeocacheHit).Inc()

		return cached, nil
	}

	observability.GeocacheLookups.WithLabelValues(observability.GeocacheMiss).Inc()

	results, err := c.geocoder.Geocode(ctx, name, false)
	if err != nil {
		return nil, err
	}

	var locations []domain.GpeLocation

	for _, res := range results {
		if !hasArea(res.Geometry) {
			continue
		}

		loc, err := c.store(ctx, name, res)
		if err != nil {
			return nil, err
		}

		locations = append(locations, loc)
	}

	return locations, nil
}

// store upserts one geocoder result by geometry hash.
func (c *Cache) store(ctx context.Context, name string, res geocode.Result) (domain.GpeLocation, error) {
	hash, err := GeometryHash(res.Geometry)
	if err != nil {
		return domain.GpeLocation{}, err
	}

	exists, err := c.database.GpeLocationExists(ctx, hash)
	if err != nil {
		return domain.GpeLocation{}, fmt.Errorf("geocache check: %w", err)
	}

	loc := domain.GpeLocation{
		GeomHash:   hash,
		Names:      variantNames(name, res.DisplayName),
		Boundary:   res.Geometry,
		Point:      res.Point,
		Importance: res.Importance,
	}

	if exists {
		if err := c.database.AppendGpeVariant(ctx, hash, name); err != nil {
			return domain.GpeLocation{}, err
		}

		return loc, nil
	}

	if err := c.database.InsertGpeLocation(ctx, &loc); err != nil {
		// Lost an insert race: another resolution stored the same boundary
		// first. Merge the variant into the winner.
		if errors.Is(err, db.ErrDuplicateGeometry) {
			if err := c.database.AppendGpeVariant(ctx, hash, name); err != nil {
				return domain.GpeLocation{}, err
			}

			return loc, nil
		}

		return domain.GpeLocation{}, err
	}

	return loc, nil
}

// variantNames seeds an entry's variant set: the query name plus the head
// segment of the geocoder's canonical label, deduplicated.
func variantNames(query, displayName string) []string {
	names := []string{query}

	head := strings.TrimSpace(strings.SplitN(displayName, ",", 2)[0])
	if head != "" && head != query {
		names = append(names, head)
	}

	return names
}

// hasArea reports whether the geometry can answer containment queries.
// Points and line geometries are useless for disambiguation.
func hasArea(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	default:
		return false
	}
}

// GeometryHash returns the content address of a geometry: the sha256 of its
// canonical GeoJSON encoding.
func GeometryHash(g orb.Geometry) (string, error) {
	raw, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("hash geometry: %w", err)
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}
