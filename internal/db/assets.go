package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// Validity-window sentinels for assets with open-ended operating dates.
var (
	SentinelFromDate = time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC)
	SentinelToDate   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// LoadAssets returns the full asset table, sorted by id, with open validity
// intervals normalized to the sentinel dates.
func (db *DB) LoadAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, city, country, lon, lat, from_date, to_date
		FROM assets
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset

	for rows.Next() {
		var (
			a        domain.Asset
			lon, lat float64
			from, to pgtype.Timestamptz
		)

		if err := rows.Scan(&a.ID, &a.Name, &a.City, &a.Country, &lon, &lat, &from, &to); err != nil {
			return nil, err
		}

		a.Point = orb.Point{lon, lat}

		a.FromDate = fromTimestamptz(from)
		if a.FromDate.IsZero() {
			a.FromDate = SentinelFromDate
		}

		a.ToDate = fromTimestamptz(to)
		if a.ToDate.IsZero() {
			a.ToDate = SentinelToDate
		}

		assets = append(assets, a)
	}

	return assets, rows.Err()
}

// SaveAsset upserts one asset row. Zero validity dates are stored as the
// sentinels.
func (db *DB) SaveAsset(ctx context.Context, a *domain.Asset) error {
	from := a.FromDate
	if from.IsZero() {
		from = SentinelFromDate
	}

	to := a.ToDate
	if to.IsZero() {
		to = SentinelToDate
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (id, name, city, country, lon, lat, from_date, to_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, city = EXCLUDED.city, country = EXCLUDED.country,
			lon = EXCLUDED.lon, lat = EXCLUDED.lat,
			from_date = EXCLUDED.from_date, to_date = EXCLUDED.to_date
	`, a.ID, a.Name, a.City, a.Country, a.Point[0], a.Point[1],
		toTimestamptz(from), toTimestamptz(to)); err != nil {
		return fmt.Errorf("save asset: %w", err)
	}

	return nil
}
