package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oilwatch/refinery-intel/internal/domain"
	"github.com/oilwatch/refinery-intel/internal/geocode"
	"github.com/oilwatch/refinery-intel/internal/observability"
)

const logFieldRecordID = "record_id"

// Repository is the storage surface the resolution run needs.
type Repository interface {
	GetUnresolvedWithGeoTags(ctx context.Context, start time.Time) ([]domain.Record, error)
	GetUnresolvedOwnerOnly(ctx context.Context, start time.Time) ([]domain.Record, error)
	SaveRefMatch(ctx context.Context, recordID string, matches []domain.RefMatch) error
	GetMatchedWithoutCountry(ctx context.Context, start time.Time) ([]domain.Record, error)
	SaveCountryMatch(ctx context.Context, recordID string, matches []domain.CountryMatch) error
}

// Runner drives one resolution pass: records with location evidence, then
// owner-only records, then country attribution. Matches commit per record,
// so an aborted run resumes from still-unmatched records.
type Runner struct {
	database Repository
	resolver *Resolver
	start    time.Time
	logger   *zerolog.Logger
}

func NewRunner(database Repository, resolver *Resolver, start time.Time, logger *zerolog.Logger) *Runner {
	return &Runner{
		database: database,
		resolver: resolver,
		start:    start,
		logger:   logger,
	}
}

// Run executes the full pass. A down geocoding service aborts the run;
// everything committed so far stays committed.
func (r *Runner) Run(ctx context.Context) error {
	batchStart := time.Now()

	if err := r.resolveWithGeoTags(ctx); err != nil {
		return err
	}

	if err := r.resolveOwnerOnlyRecords(ctx); err != nil {
		return err
	}

	if err := r.attributeCountries(ctx); err != nil {
		return err
	}

	observability.ResolveBatchDurationSeconds.Observe(time.Since(batchStart).Seconds())

	return nil
}

func (r *Runner) resolveWithGeoTags(ctx context.Context) error {
	records, err := r.database.GetUnresolvedWithGeoTags(ctx, r.start)
	if err != nil {
		return fmt.Errorf("fetch unresolved records: %w", err)
	}

	r.logger.Info().Int("count", len(records)).Msg("Resolving records with location evidence")

	for i := range records {
		if err := r.resolveOne(ctx, &records[i]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) resolveOwnerOnlyRecords(ctx context.Context) error {
	records, err := r.database.GetUnresolvedOwnerOnly(ctx, r.start)
	if err != nil {
		return fmt.Errorf("fetch owner-only records: %w", err)
	}

	r.logger.Info().Int("count", len(records)).Msg("Resolving owner-only records")

	for i := range records {
		if err := r.resolveOne(ctx, &records[i]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) resolveOne(ctx context.Context, rec *domain.Record) error {
	matches, err := r.resolver.Resolve(ctx, rec)
	if err != nil {
		if errors.Is(err, geocode.ErrServiceDown) {
			// Fatal: abort the run, keeping already-committed matches.
			return err
		}

		r.logger.Error().Str(logFieldRecordID, rec.ID).Err(err).Msg("failed to resolve record")

		return nil
	}

	if len(matches) == 0 {
		observability.RecordsResolved.WithLabelValues(observability.ResolveOutcomeNone).Inc()

		return nil
	}

	if err := r.database.SaveRefMatch(ctx, rec.ID, matches); err != nil {
		r.logger.Error().Str(logFieldRecordID, rec.ID).Err(err).Msg("failed to save ref match")

		return nil
	}

	outcome := observability.ResolveOutcomeAmbiguous
	if len(matches) == 1 {
		outcome = observability.ResolveOutcomeUnique
	}

	observability.RecordsResolved.WithLabelValues(outcome).Inc()

	return nil
}

func (r *Runner) attributeCountries(ctx context.Context) error {
	records, err := r.database.GetMatchedWithoutCountry(ctx, r.start)
	if err != nil {
		return fmt.Errorf("fetch records without country: %w", err)
	}

	r.logger.Info().Int("count", len(records)).Msg("Attributing countries")

	for i := range records {
		rec := &records[i]

		distribution := CountryDistribution(r.resolver.registry, rec.RefMatch)
		if len(distribution) == 0 {
			continue
		}

		if err := r.database.SaveCountryMatch(ctx, rec.ID, distribution); err != nil {
			r.logger.Error().Str(logFieldRecordID, rec.ID).Err(err).Msg("failed to save country match")
		}
	}

	return nil
}
