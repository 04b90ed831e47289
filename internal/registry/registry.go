// Package registry provides an in-memory snapshot of the refinery asset
// table with validity-window and point-in-polygon queries.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// Loader fetches the asset table from storage.
type Loader interface {
	LoadAssets(ctx context.Context) ([]domain.Asset, error)
}

// Registry answers asset queries from an immutable snapshot. All results
// are sorted by asset id so repeated queries are deterministic.
type Registry struct {
	assets []domain.Asset
	byID   map[int64]*domain.Asset
}

// Load builds a registry snapshot from storage.
func Load(ctx context.Context, loader Loader) (*Registry, error) {
	assets, err := loader.LoadAssets(ctx)
	if err != nil {
		return nil, err
	}

	return New(assets), nil
}

// New builds a registry over the given assets.
func New(assets []domain.Asset) *Registry {
	sorted := make([]domain.Asset, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[int64]*domain.Asset, len(sorted))
	for i := range sorted {
		byID[sorted[i].ID] = &sorted[i]
	}

	return &Registry{assets: sorted, byID: byID}
}

// Get returns the asset with the given id, if known.
func (r *Registry) Get(id int64) (*domain.Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// ActiveByIDs returns the assets among ids whose validity window contains t,
// sorted by id.
func (r *Registry) ActiveByIDs(ids []int64, t time.Time) []domain.Asset {
	seen := make(map[int64]struct{}, len(ids))

	var out []domain.Asset

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}

		if a, ok := r.byID[id]; ok && a.ActiveAt(t) {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// ActiveWithin returns the assets whose point lies inside the boundary and
// whose validity window contains t. When restrictTo is non-nil, only assets
// whose id appears in it are considered.
func (r *Registry) ActiveWithin(boundary orb.Geometry, t time.Time, restrictTo map[int64]struct{}) []domain.Asset {
	var out []domain.Asset

	for i := range r.assets {
		a := &r.assets[i]

		if restrictTo != nil {
			if _, ok := restrictTo[a.ID]; !ok {
				continue
			}
		}

		if !a.ActiveAt(t) {
			continue
		}

		if containsPoint(boundary, a.Point) {
			out = append(out, *a)
		}
	}

	return out
}

// Countries returns the country of each asset id, skipping unknown ids.
// The result preserves the order of ids.
func (r *Registry) Countries(ids []int64) []string {
	var out []string

	for _, id := range ids {
		if a, ok := r.byID[id]; ok {
			out = append(out, a.Country)
		}
	}

	return out
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	default:
		return false
	}
}
