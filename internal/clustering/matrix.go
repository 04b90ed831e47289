package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/oilwatch/refinery-intel/internal/db"
	"github.com/oilwatch/refinery-intel/internal/domain"
)

// CorrelationMatrix records how often two event types co-occur, averaged
// over per-day, per-country aggregates. Symmetric, values in [0, 1];
// missing cells mean the pair never co-occurred anywhere.
type CorrelationMatrix map[string]map[string]float64

// At returns the correlation between two event types, 0 when unknown.
func (m CorrelationMatrix) At(a, b string) float64 {
	if row, ok := m[a]; ok {
		return row[b]
	}

	return 0
}

// MatrixRepository is the storage surface the matrix builder needs.
type MatrixRepository interface {
	ListAttributedCountries(ctx context.Context) ([]string, error)
	ListEventTypes(ctx context.Context) ([]string, error)
	GetExactCountryRecords(ctx context.Context, country string) ([]domain.Record, error)
	SaveCorrelationMatrix(ctx context.Context, matrix map[string]map[string]float64) error
	LoadCorrelationMatrix(ctx context.Context) (map[string]map[string]float64, error)
}

// EnsureMatrix loads the persisted correlation matrix, building and
// persisting it when none exists yet. Building is expensive (a full scan
// of high-confidence records), hence the cache.
func EnsureMatrix(ctx context.Context, database MatrixRepository, logger *zerolog.Logger) (CorrelationMatrix, error) {
	stored, err := database.LoadCorrelationMatrix(ctx)
	if err == nil {
		return CorrelationMatrix(stored), nil
	}

	if !errors.Is(err, db.ErrNoCorrelationMatrix) {
		return nil, err
	}

	logger.Info().Msg("No correlation matrix stored, building")

	matrix, err := BuildMatrix(ctx, database)
	if err != nil {
		return nil, err
	}

	if err := database.SaveCorrelationMatrix(ctx, matrix); err != nil {
		return nil, err
	}

	return matrix, nil
}

// BuildMatrix computes the event correlation matrix: for every country,
// Pearson correlation of per-day event-type counts over records attributed
// to that country with probability 1; negative correlations clipped to 0;
// the per-country matrices averaged over the countries where the pair
// actually co-occurred.
func BuildMatrix(ctx context.Context, database MatrixRepository) (CorrelationMatrix, error) {
	events, err := database.ListEventTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list event types: %w", err)
	}

	countries, err := database.ListAttributedCountries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}

	sum := newZeroMatrix(events)
	together := newZeroMatrix(events)

	for _, country := range countries {
		records, err := database.GetExactCountryRecords(ctx, country)
		if err != nil {
			return nil, fmt.Errorf("records for %s: %w", country, err)
		}

		if len(records) == 0 {
			continue
		}

		countryCorr := countryCorrelation(records, events)

		for a, row := range countryCorr {
			for b, v := range row {
				sum[a][b] += v

				if v > 0 {
					together[a][b]++
				}
			}
		}
	}

	matrix := newZeroMatrix(events)

	for a, row := range sum {
		for b, v := range row {
			if together[a][b] > 0 {
				matrix[a][b] = v / together[a][b]
			}
		}
	}

	return matrix, nil
}

// countryCorrelation correlates per-day event counts within one country.
// Constant or empty series correlate as 0, never NaN.
func countryCorrelation(records []domain.Record, events []string) CorrelationMatrix {
	daily := make(map[string]map[string]float64)

	for _, rec := range records {
		day := rec.CreatedAt.UTC().Format("2006-01-02")

		counts, ok := daily[day]
		if !ok {
			counts = make(map[string]float64, len(rec.EventsTags))
			daily[day] = counts
		}

		for _, event := range rec.EventsTags {
			counts[event]++
		}
	}

	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}

	sort.Strings(days)

	series := make(map[string][]float64, len(events))

	for _, event := range events {
		values := make([]float64, len(days))
		for i, day := range days {
			values[i] = daily[day][event]
		}

		series[event] = values
	}

	corr := newZeroMatrix(events)

	for _, a := range events {
		for _, b := range events {
			v := stat.Correlation(series[a], series[b], nil)
			if math.IsNaN(v) || v < 0 {
				v = 0
			}

			corr[a][b] = v
		}
	}

	return corr
}

func newZeroMatrix(events []string) CorrelationMatrix {
	m := make(CorrelationMatrix, len(events))

	for _, a := range events {
		row := make(map[string]float64, len(events))
		for _, b := range events {
			row[b] = 0
		}

		m[a] = row
	}

	return m
}
