package resolver

import (
	"math"
	"sort"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// evidenceStage identifies which cascade stage produced a candidate set.
// Earlier stages carry stronger evidence and win ties between equally small
// sets.
type evidenceStage int

const (
	stageRefName evidenceStage = iota
	stageRefCity
	stageOwner
	stageGPE
)

// candidateSet is one non-empty set of assets a cascade stage narrowed the
// record to, with its evidence provenance.
type candidateSet struct {
	stage  evidenceStage
	assets []domain.Asset
}

// candidateState is the immutable-accumulation state threaded through the
// cascade: every stage appends its narrowed set instead of mutating a
// shared list.
type candidateState struct {
	sets []candidateSet
}

func (s *candidateState) add(stage evidenceStage, assets []domain.Asset) {
	if len(assets) == 0 {
		return
	}

	s.sets = append(s.sets, candidateSet{stage: stage, assets: assets})
}

// latestIDs returns the asset ids of the most recently accumulated set, or
// nil when no stage has narrowed anything yet.
func (s *candidateState) latestIDs() map[int64]struct{} {
	if len(s.sets) == 0 {
		return nil
	}

	last := s.sets[len(s.sets)-1].assets

	ids := make(map[int64]struct{}, len(last))
	for _, a := range last {
		ids[a.ID] = struct{}{}
	}

	return ids
}

// best returns the smallest accumulated set; ties go to the earliest stage
// (sets are accumulated in stage order, so the first minimum wins).
func (s *candidateState) best() []domain.Asset {
	var best []domain.Asset

	for _, cs := range s.sets {
		if best == nil || len(cs.assets) < len(best) {
			best = cs.assets
		}
	}

	return best
}

// uniformMatches converts an ambiguous asset set into ref_match entries
// with uniform confidence round(1/n, 2), halves rounding to even. A
// singleton gets confidence 1.0.
func uniformMatches(assets []domain.Asset) []domain.RefMatch {
	if len(assets) == 0 {
		return nil
	}

	sorted := make([]domain.Asset, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	confidence := 1.0
	if len(sorted) > 1 {
		confidence = math.RoundToEven(100/float64(len(sorted))) / 100
	}

	matches := make([]domain.RefMatch, len(sorted))
	for i, a := range sorted {
		matches[i] = domain.RefMatch{AssetID: a.ID, AssetName: a.Name, Confidence: confidence}
	}

	return matches
}

func singleMatch(a domain.Asset) []domain.RefMatch {
	return []domain.RefMatch{{AssetID: a.ID, AssetName: a.Name, Confidence: 1.0}}
}
