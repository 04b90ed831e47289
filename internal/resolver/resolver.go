// Package resolver attributes records to refinery assets by cascading over
// the available evidence: refinery-name tags, city confirmation, owner
// mentions and free-text locations resolved to polygons. Each stage either
// resolves the record outright, narrows the candidate set, or contributes
// nothing; the fallback picks the smallest set any stage produced.
package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rs/zerolog"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// AssetRegistry answers validity-window and spatial queries over the
// refinery asset table.
type AssetRegistry interface {
	ActiveByIDs(ids []int64, t time.Time) []domain.Asset
	ActiveWithin(boundary orb.Geometry, t time.Time, restrictTo map[int64]struct{}) []domain.Asset
	Countries(ids []int64) []string
}

// GeoCache resolves a free-text location name to boundary polygons.
type GeoCache interface {
	Resolve(ctx context.Context, name string) ([]domain.GpeLocation, error)
}

type Resolver struct {
	registry AssetRegistry
	geocache GeoCache
	logger   *zerolog.Logger
}

func New(registry AssetRegistry, geocache GeoCache, logger *zerolog.Logger) *Resolver {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	return &Resolver{
		registry: registry,
		geocache: geocache,
		logger:   logger,
	}
}

// Resolve attributes a record to one or more assets. It returns nil for
// records with no usable evidence. Only geocoder failures surface as
// errors; an evidence dead end is a nil match, not a failure.
func (r *Resolver) Resolve(ctx context.Context, rec *domain.Record) ([]domain.RefMatch, error) {
	refTags := dedupeTags(rec.GeoTagsOfKind(domain.TagRefName))
	cityTags := dedupeTags(rec.GeoTagsOfKind(domain.TagCityName))
	gpeTags := rec.GeoTagsOfKind(domain.TagGPE)
	ownerTags := dedupeTags(ownerNameTags(rec.OwnerTags))

	if len(rec.GeoTags) == 0 {
		// No location evidence at all: resolve purely from owner tags.
		return r.resolveOwnerOnly(rec, ownerTags), nil
	}

	state := &candidateState{}
	t := rec.CreatedAt

	// Stage 1: refinery names.
	refIDs := tagAssetIDs(refTags)

	matched := r.registry.ActiveByIDs(refIDs, t)
	if len(matched) == 1 {
		return singleMatch(matched[0]), nil
	}

	state.add(stageRefName, matched)

	// Stage 2: refinery names confirmed by city names. An id must be
	// confirmed by every distinct tag kind present to survive.
	runningIDs := confirmedByAllKinds(refTags, cityTags)

	matched = r.registry.ActiveByIDs(runningIDs, t)
	if len(matched) == 1 {
		return singleMatch(matched[0]), nil
	}

	if len(matched) > 1 && len(ownerTags) == 0 && len(gpeTags) == 0 {
		// Ambiguous with no further evidence to consult.
		return uniformMatches(matched), nil
	}

	state.add(stageRefCity, matched)

	// Stage 3: owner mentions.
	if len(ownerTags) > 0 {
		ownerIDs := tagAssetIDs(ownerTags)
		if len(runningIDs) > 0 {
			ownerIDs = intersectIDs(runningIDs, ownerIDs)
		}

		matched = r.registry.ActiveByIDs(ownerIDs, t)
		if len(matched) == 1 {
			return singleMatch(matched[0]), nil
		}

		state.add(stageOwner, matched)
	}

	// Stage 4: free-text locations resolved to polygons.
	if len(gpeTags) > 0 {
		resolved, err := r.resolveGPEStage(ctx, rec, gpeTags, state)
		if err != nil {
			return nil, err
		}

		if resolved != nil {
			return resolved, nil
		}
	}

	return uniformMatches(state.best()), nil
}

// resolveGPEStage tests candidate assets against GPE polygons, broadest
// region first. Broad polygons are resolved with higher confidence by the
// geocoder and shrink the candidate set monotonically before finer
// city-level polygons are tried. Returns a non-nil match only on a unique
// hit; ambiguous polygon hits accumulate into state.
func (r *Resolver) resolveGPEStage(ctx context.Context, rec *domain.Record, gpeTags []domain.Tag, state *candidateState) ([]domain.RefMatch, error) {
	type sizedBoundary struct {
		geometry orb.Geometry
		area     float64
	}

	var boundaries []sizedBoundary

	for _, tag := range gpeTags {
		locations, err := r.geocache.Resolve(ctx, tag.Match)
		if err != nil {
			return nil, err
		}

		for _, loc := range locations {
			boundaries = append(boundaries, sizedBoundary{geometry: loc.Boundary, area: geo.Area(loc.Boundary)})
		}
	}

	sort.SliceStable(boundaries, func(i, j int) bool {
		return boundaries[i].area > boundaries[j].area
	})

	restrictTo := state.latestIDs()

	for _, boundary := range boundaries {
		matched := r.registry.ActiveWithin(boundary.geometry, rec.CreatedAt, restrictTo)
		if len(matched) == 1 {
			return singleMatch(matched[0]), nil
		}

		state.add(stageGPE, matched)
	}

	return nil, nil
}

func (r *Resolver) resolveOwnerOnly(rec *domain.Record, ownerTags []domain.Tag) []domain.RefMatch {
	if len(ownerTags) == 0 {
		return nil
	}

	matched := r.registry.ActiveByIDs(tagAssetIDs(ownerTags), rec.CreatedAt)
	if len(matched) == 1 {
		return singleMatch(matched[0])
	}

	return uniformMatches(matched)
}

// dedupeTags drops tags duplicating an earlier (asset id, kind) pair,
// preserving first-seen order.
func dedupeTags(tags []domain.Tag) []domain.Tag {
	type key struct {
		id   int64
		kind domain.TagKind
	}

	seen := make(map[key]struct{}, len(tags))

	var out []domain.Tag

	for _, t := range tags {
		if t.AssetID == nil {
			out = append(out, t)

			continue
		}

		k := key{id: *t.AssetID, kind: t.Kind}
		if _, dup := seen[k]; dup {
			continue
		}

		seen[k] = struct{}{}

		out = append(out, t)
	}

	return out
}

func ownerNameTags(tags []domain.Tag) []domain.Tag {
	var out []domain.Tag

	for _, t := range tags {
		if t.Kind == domain.TagOwnerName {
			out = append(out, t)
		}
	}

	return out
}

func tagAssetIDs(tags []domain.Tag) []int64 {
	var ids []int64

	for _, t := range tags {
		if t.AssetID != nil {
			ids = append(ids, *t.AssetID)
		}
	}

	return ids
}

// confirmedByAllKinds keeps asset ids named by every distinct tag kind
// present among the given groups. With only one kind present it reduces to
// that kind's ids.
func confirmedByAllKinds(groups ...[]domain.Tag) []int64 {
	kinds := 0
	counts := make(map[int64]int)

	order := []int64{}

	for _, group := range groups {
		if len(group) == 0 {
			continue
		}

		kinds++

		for _, id := range tagAssetIDs(group) {
			if counts[id] == 0 {
				order = append(order, id)
			}

			counts[id]++
		}
	}

	var out []int64

	for _, id := range order {
		if counts[id] == kinds {
			out = append(out, id)
		}
	}

	return out
}

func intersectIDs(a, b []int64) []int64 {
	inA := make(map[int64]struct{}, len(a))
	for _, id := range a {
		inA[id] = struct{}{}
	}

	var out []int64

	for _, id := range b {
		if _, ok := inA[id]; ok {
			out = append(out, id)
		}
	}

	return out
}
