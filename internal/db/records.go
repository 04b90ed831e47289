package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

const recordColumns = `id, source_kind, text, created_at, geo_tags, owner_tags, events_tags,
	       ref_match, ref_match_cl, country_match, cluster_id`

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		rec          domain.Record
		id           pgtype.UUID
		sourceKind   string
		createdAt    pgtype.Timestamptz
		geoTags      []byte
		ownerTags    []byte
		refMatch     []byte
		refMatchCl   []byte
		countryMatch []byte
		clusterID    pgtype.Text
	)

	if err := row.Scan(&id, &sourceKind, &rec.Text, &createdAt, &geoTags, &ownerTags,
		&rec.EventsTags, &refMatch, &refMatchCl, &countryMatch, &clusterID); err != nil {
		return rec, err
	}

	rec.ID = fromUUID(id)
	rec.SourceKind = domain.SourceKind(sourceKind)
	rec.CreatedAt = fromTimestamptz(createdAt)

	for _, pair := range []struct {
		raw    []byte
		target interface{}
	}{
		{geoTags, &rec.GeoTags},
		{ownerTags, &rec.OwnerTags},
		{refMatch, &rec.RefMatch},
		{refMatchCl, &rec.RefMatchCl},
		{countryMatch, &rec.CountryMatch},
	} {
		if len(pair.raw) == 0 {
			continue
		}

		if err := json.Unmarshal(pair.raw, pair.target); err != nil {
			return rec, fmt.Errorf("decode record field: %w", err)
		}
	}

	if clusterID.Valid {
		s := clusterID.String
		rec.ClusterID = &s
	}

	return rec, nil
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.Record, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveRecord inserts a record produced by the tag provider stage. Match
// fields start empty and are filled by the resolver and clustering engine.
func (db *DB) SaveRecord(ctx context.Context, rec *domain.Record) error {
	geoTags, err := json.Marshal(rec.GeoTags)
	if err != nil {
		return fmt.Errorf("encode geo tags: %w", err)
	}

	ownerTags, err := json.Marshal(rec.OwnerTags)
	if err != nil {
		return fmt.Errorf("encode owner tags: %w", err)
	}

	events := rec.EventsTags
	if events == nil {
		events = []string{}
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO records (source_kind, text, created_at, geo_tags, owner_tags, events_tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, string(rec.SourceKind), rec.Text, toTimestamptz(rec.CreatedAt), geoTags, ownerTags, events)

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	rec.ID = fromUUID(id)

	return nil
}

// GetUnresolvedWithGeoTags returns records created from start that carry at
// least one geo tag and have not been attributed yet. Re-running a
// resolution pass only picks up still-unmatched records.
func (db *DB) GetUnresolvedWithGeoTags(ctx context.Context, start time.Time) ([]domain.Record, error) {
	records, err := db.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE created_at >= $1
		  AND jsonb_array_length(geo_tags) > 0
		  AND jsonb_array_length(ref_match) = 0
		ORDER BY created_at, id
	`, toTimestamptz(start))
	if err != nil {
		return nil, fmt.Errorf("get unresolved records: %w", err)
	}

	return records, nil
}

// GetUnresolvedOwnerOnly returns unresolved records that carry owner tags
// but no geo tags at all.
func (db *DB) GetUnresolvedOwnerOnly(ctx context.Context, start time.Time) ([]domain.Record, error) {
	records, err := db.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE created_at >= $1
		  AND jsonb_array_length(geo_tags) = 0
		  AND jsonb_array_length(owner_tags) > 0
		  AND jsonb_array_length(ref_match) = 0
		ORDER BY created_at, id
	`, toTimestamptz(start))
	if err != nil {
		return nil, fmt.Errorf("get owner-only records: %w", err)
	}

	return records, nil
}

// SaveRefMatch stores the resolver's attribution for a record.
func (db *DB) SaveRefMatch(ctx context.Context, recordID string, matches []domain.RefMatch) error {
	raw, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("encode ref match: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE records SET ref_match = $2 WHERE id = $1
	`, toUUID(recordID), raw); err != nil {
		return fmt.Errorf("save ref match: %w", err)
	}

	return nil
}

// GetMatchedWithoutCountry returns attributed records that have no country
// distribution yet.
func (db *DB) GetMatchedWithoutCountry(ctx context.Context, start time.Time) ([]domain.Record, error) {
	records, err := db.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE created_at >= $1
		  AND jsonb_array_length(ref_match) > 0
		  AND jsonb_array_length(country_match) = 0
		ORDER BY created_at, id
	`, toTimestamptz(start))
	if err != nil {
		return nil, fmt.Errorf("get records without country: %w", err)
	}

	return records, nil
}

// SaveCountryMatch stores the per-record country distribution.
func (db *DB) SaveCountryMatch(ctx context.Context, recordID string, matches []domain.CountryMatch) error {
	raw, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("encode country match: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE records SET country_match = $2 WHERE id = $1
	`, toUUID(recordID), raw); err != nil {
		return fmt.Errorf("save country match: %w", err)
	}

	return nil
}

// ListAttributedCountries returns every country appearing in any record's
// country distribution.
func (db *DB) ListAttributedCountries(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT cm->>'country'
		FROM records, jsonb_array_elements(country_match) cm
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	defer rows.Close()

	var countries []string

	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}

		countries = append(countries, c)
	}

	return countries, rows.Err()
}

// GetRecordsForClustering returns attributed records whose dominant country
// entry matches the given country with probability above 0.5, sorted by
// time.
func (db *DB) GetRecordsForClustering(ctx context.Context, country string) ([]domain.Record, error) {
	records, err := db.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(country_match) cm
			WHERE cm->>'country' = $1 AND (cm->>'p')::float > 0.5
		)
		ORDER BY created_at, id
	`, country)
	if err != nil {
		return nil, fmt.Errorf("get clustering records: %w", err)
	}

	return records, nil
}

// GetExactCountryRecords returns records attributed to the country with
// probability 1. The correlation-matrix builder only trusts these.
func (db *DB) GetExactCountryRecords(ctx context.Context, country string) ([]domain.Record, error) {
	records, err := db.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(country_match) cm
			WHERE cm->>'country' = $1 AND (cm->>'p')::float = 1
		)
		ORDER BY created_at, id
	`, country)
	if err != nil {
		return nil, fmt.Errorf("get exact-country records: %w", err)
	}

	return records, nil
}

// ListEventTypes returns the distinct event keywords observed across all
// records.
func (db *DB) ListEventTypes(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT unnest(events_tags) FROM records ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list event types: %w", err)
	}
	defer rows.Close()

	var events []string

	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// ClearClusters resets cluster assignments for a country before a re-run so
// stale cluster ids never survive a recompute.
func (db *DB) ClearClusters(ctx context.Context, country string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE records SET cluster_id = NULL, ref_match_cl = '[]'::jsonb
		WHERE cluster_id LIKE $1 || '-%'
	`, country); err != nil {
		return fmt.Errorf("clear clusters: %w", err)
	}

	return nil
}

// SaveClusterAssignment stores a cluster id for the given records. When
// refined is non-nil the records are re-attributed to it; otherwise each
// record keeps its original ref_match as ref_match_cl.
func (db *DB) SaveClusterAssignment(ctx context.Context, recordIDs []string, clusterID string, refined []domain.RefMatch) error {
	uuids := make([]pgtype.UUID, len(recordIDs))
	for i, id := range recordIDs {
		uuids[i] = toUUID(id)
	}

	if refined != nil {
		raw, err := json.Marshal(refined)
		if err != nil {
			return fmt.Errorf("encode refined match: %w", err)
		}

		if _, err := db.Pool.Exec(ctx, `
			UPDATE records SET cluster_id = $2, ref_match_cl = $3 WHERE id = ANY($1)
		`, uuids, toText(clusterID), raw); err != nil {
			return fmt.Errorf("save cluster assignment: %w", err)
		}

		return nil
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE records SET cluster_id = $2, ref_match_cl = ref_match WHERE id = ANY($1)
	`, uuids, toText(clusterID)); err != nil {
		return fmt.Errorf("save cluster assignment: %w", err)
	}

	return nil
}
