// Package clustering groups resolved records into per-country incident
// clusters. Stage A joins records into temporal connected components;
// Stage B refines components whose members disagree on attribution via a
// majority vote over confident singleton matches; Stage C sub-splits large
// groups by event-type similarity, weighted by the event correlation
// matrix. Each country is fully recomputed on every run.
package clustering

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oilwatch/refinery-intel/internal/domain"
	"github.com/oilwatch/refinery-intel/internal/observability"
)

const secondsPerDay = 86400

// Config holds the clustering thresholds. UnsplitThresholdDays must be
// smaller than TimeThresholdDays: pairs inside it can never be separated
// by the event sub-splitter.
type Config struct {
	TimeThresholdDays     float64
	UnsplitThresholdDays  float64
	EventsCorrThreshold   float64
	EventsSubsplit        bool
	EventsSubsplitMinSize int
}

// Repository is the storage surface the engine needs.
type Repository interface {
	ListAttributedCountries(ctx context.Context) ([]string, error)
	GetRecordsForClustering(ctx context.Context, country string) ([]domain.Record, error)
	ClearClusters(ctx context.Context, country string) error
	SaveClusterAssignment(ctx context.Context, recordIDs []string, clusterID string, refined []domain.RefMatch) error
}

type Engine struct {
	database Repository
	matrix   CorrelationMatrix
	cfg      Config
	logger   *zerolog.Logger
}

func NewEngine(database Repository, matrix CorrelationMatrix, cfg Config, logger *zerolog.Logger) *Engine {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}

	return &Engine{
		database: database,
		matrix:   matrix,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run clusters every attributed country. Countries have no data
// dependencies on each other, so they fan out concurrently; all stages
// within one country run sequentially.
func (e *Engine) Run(ctx context.Context) error {
	countries, err := e.database.ListAttributedCountries(ctx)
	if err != nil {
		return fmt.Errorf("list countries: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, country := range countries {
		country := country

		g.Go(func() error {
			if err := e.ClusterCountry(ctx, country); err != nil {
				observability.ClusteringRuns.WithLabelValues(observability.ClusteringStatusError).Inc()

				return fmt.Errorf("cluster %s: %w", country, err)
			}

			observability.ClusteringRuns.WithLabelValues(observability.ClusteringStatusOK).Inc()

			return nil
		})
	}

	return g.Wait()
}

// ClusterCountry recomputes all cluster assignments for one country.
// Previous assignments are cleared first so a re-run with different
// parameters leaves no stale cluster ids behind.
func (e *Engine) ClusterCountry(ctx context.Context, country string) error {
	runStart := time.Now()

	records, err := e.database.GetRecordsForClustering(ctx, country)
	if err != nil {
		return err
	}

	// The query matches any record whose distribution contains this country
	// above 0.5; the country must also dominate the distribution.
	members := records[:0:0]

	for _, rec := range records {
		if top, _ := rec.TopCountry(); top == country {
			members = append(members, rec)
		}
	}

	if err := e.database.ClearClusters(ctx, country); err != nil {
		return err
	}

	components := temporalComponents(members, e.cfg.TimeThresholdDays)

	assigner := &clusterAssigner{
		database: e.database,
		country:  country,
	}

	for _, component := range components {
		if err := e.refineComponent(ctx, assigner, selectRecords(members, component)); err != nil {
			return err
		}
	}

	observability.ClustersAssigned.WithLabelValues(country).Set(float64(assigner.next))
	observability.ClusteringDurationSeconds.Observe(time.Since(runStart).Seconds())

	e.logger.Info().
		Str("country", country).
		Int("records", len(members)).
		Int("clusters", assigner.next).
		Msg("Clustering run finished")

	return nil
}

// clusterAssigner hands out sequential per-country cluster ids.
type clusterAssigner struct {
	database Repository
	country  string
	next     int
}

func (a *clusterAssigner) assign(ctx context.Context, members []domain.Record, refined []domain.RefMatch) error {
	ids := make([]string, len(members))
	for i, rec := range members {
		ids[i] = rec.ID
	}

	clusterID := fmt.Sprintf("%s-%d", a.country, a.next)
	a.next++

	return a.database.SaveClusterAssignment(ctx, ids, clusterID, refined)
}

// refineComponent applies Stage B to one temporal component.
func (e *Engine) refineComponent(ctx context.Context, assigner *clusterAssigner, members []domain.Record) error {
	if len(members) == 1 || identicalAttributions(members) {
		return assigner.assign(ctx, members, nil)
	}

	singles := confidentSingletons(members)
	if len(singles) == 0 {
		// Nothing to vote with: the whole component splits on events,
		// keeping each member's attribution.
		return e.splitByEvents(ctx, assigner, members, nil)
	}

	remaining := members

	for _, assetID := range singles {
		var selected, rest []domain.Record

		for _, rec := range remaining {
			if attributionContains(rec.RefMatch, assetID) {
				selected = append(selected, rec)
			} else {
				rest = append(rest, rec)
			}
		}

		remaining = rest

		if len(selected) == 0 {
			continue
		}

		refined := refinedMatch(selected, assetID)

		if err := e.assignSubClusters(ctx, assigner, selected, refined, e.cfg.EventsSubsplit); err != nil {
			return err
		}
	}

	// Members whose ambiguous set contains none of the voted assets still
	// belong to the component and must end up in a cluster.
	if len(remaining) > 0 {
		return e.splitByEvents(ctx, assigner, remaining, nil)
	}

	return nil
}

// assignSubClusters emits voted members as one cluster, or as event
// sub-clusters when splitting is enabled and the group reaches the minimum
// size. The gates apply only here; ungoverned groups go through
// splitByEvents.
func (e *Engine) assignSubClusters(ctx context.Context, assigner *clusterAssigner, members []domain.Record, refined []domain.RefMatch, split bool) error {
	if !split || len(members) < e.cfg.EventsSubsplitMinSize {
		return assigner.assign(ctx, members, refined)
	}

	return e.splitByEvents(ctx, assigner, members, refined)
}

// splitByEvents assigns members as event sub-clusters unconditionally.
// Components without a confident attribution to vote with, and leftovers of
// the vote, always split this way.
func (e *Engine) splitByEvents(ctx context.Context, assigner *clusterAssigner, members []domain.Record, refined []domain.RefMatch) error {
	if len(members) < 2 {
		return assigner.assign(ctx, members, refined)
	}

	for _, subComponent := range e.eventSubClusters(members) {
		if err := assigner.assign(ctx, selectRecords(members, subComponent), refined); err != nil {
			return err
		}
	}

	return nil
}

// temporalComponents joins records whose timestamps differ by less than the
// threshold into connected components (Stage A). Records must be sorted by
// time.
func temporalComponents(records []domain.Record, thresholdDays float64) [][]int {
	n := len(records)
	threshold := thresholdDays * secondsPerDay

	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)

		for j := range adj[i] {
			delta := records[i].CreatedAt.Sub(records[j].CreatedAt).Seconds()
			adj[i][j] = delta < threshold && delta > -threshold
		}
	}

	return connectedComponents(adj)
}

// eventSubClusters computes Stage C sub-clusters of the given members:
// an edge joins two records when their event-similarity exceeds the
// correlation threshold or when they are temporally unsplittable.
func (e *Engine) eventSubClusters(members []domain.Record) [][]int {
	n := len(members)
	unsplit := e.cfg.UnsplitThresholdDays * secondsPerDay

	incidence := make([]map[string]bool, n)
	for i, rec := range members {
		incidence[i] = make(map[string]bool, len(rec.EventsTags))
		for _, event := range rec.EventsTags {
			incidence[i][event] = true
		}
	}

	adj := make([][]bool, n)

	for i := range adj {
		adj[i] = make([]bool, n)

		for j := range adj[i] {
			if i == j {
				adj[i][j] = true

				continue
			}

			delta := members[i].CreatedAt.Sub(members[j].CreatedAt).Seconds()
			if delta < unsplit && delta > -unsplit {
				adj[i][j] = true

				continue
			}

			adj[i][j] = eventDistance(e.matrix, incidence[i], incidence[j]) > e.cfg.EventsCorrThreshold
		}
	}

	return connectedComponents(adj)
}

// eventDistance averages the correlation over every event-type pair the
// two records jointly exhibit. No shared evidence means distance 0, never
// a division error.
func eventDistance(matrix CorrelationMatrix, a, b map[string]bool) float64 {
	sum := 0.0
	pairs := 0

	for eventA := range a {
		for eventB := range b {
			sum += matrix.At(eventA, eventB)
			pairs++
		}
	}

	if pairs == 0 {
		return 0
	}

	return sum / float64(pairs)
}

// identicalAttributions reports whether every member carries the same
// attribution set, ignoring confidences and order.
func identicalAttributions(members []domain.Record) bool {
	if len(members) == 0 {
		return true
	}

	first := attributionKey(members[0].RefMatch)

	for _, rec := range members[1:] {
		if attributionKey(rec.RefMatch) != first {
			return false
		}
	}

	return true
}

func attributionKey(matches []domain.RefMatch) string {
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.AssetID
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	key := ""
	for _, id := range ids {
		key = fmt.Sprintf("%s/%d", key, id)
	}

	return key
}

// confidentSingletons ranks the assets appearing as single-asset
// attributions among members, most frequent first (ties by asset id) so
// the majority vote consumes strongest candidates first.
func confidentSingletons(members []domain.Record) []int64 {
	counts := make(map[int64]int)

	for _, rec := range members {
		if len(rec.RefMatch) == 1 {
			counts[rec.RefMatch[0].AssetID]++
		}
	}

	assets := make([]int64, 0, len(counts))
	for id := range counts {
		assets = append(assets, id)
	}

	sort.Slice(assets, func(i, j int) bool {
		if counts[assets[i]] != counts[assets[j]] {
			return counts[assets[i]] > counts[assets[j]]
		}

		return assets[i] < assets[j]
	})

	return assets
}

func attributionContains(matches []domain.RefMatch, assetID int64) bool {
	for _, m := range matches {
		if m.AssetID == assetID {
			return true
		}
	}

	return false
}

// refinedMatch builds the confident re-attribution for a voted asset,
// taking the asset name from a member that already matched it uniquely.
func refinedMatch(members []domain.Record, assetID int64) []domain.RefMatch {
	name := ""

	for _, rec := range members {
		for _, m := range rec.RefMatch {
			if m.AssetID == assetID && m.AssetName != "" {
				name = m.AssetName

				break
			}
		}

		if name != "" {
			break
		}
	}

	return []domain.RefMatch{{AssetID: assetID, AssetName: name, Confidence: 1.0}}
}

func selectRecords(records []domain.Record, indices []int) []domain.Record {
	out := make([]domain.Record, len(indices))
	for i, idx := range indices {
		out[i] = records[idx]
	}

	return out
}
