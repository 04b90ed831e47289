package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// ErrDuplicateGeometry is returned when inserting a GPE location whose
// geometry hash is already present.
var ErrDuplicateGeometry = errors.New("duplicate geometry")

const uniqueViolationCode = "23505"

func scanGpeLocation(row pgx.Row) (domain.GpeLocation, error) {
	var (
		loc      domain.GpeLocation
		id       pgtype.UUID
		boundary []byte
		point    []byte
	)

	if err := row.Scan(&id, &loc.GeomHash, &loc.Names, &boundary, &point, &loc.Importance); err != nil {
		return loc, err
	}

	loc.ID = fromUUID(id)

	geom, err := geojson.UnmarshalGeometry(boundary)
	if err != nil {
		return loc, fmt.Errorf("decode boundary: %w", err)
	}

	loc.Boundary = geom.Geometry()

	pt, err := geojson.UnmarshalGeometry(point)
	if err != nil {
		return loc, fmt.Errorf("decode point: %w", err)
	}

	if p, ok := pt.Geometry().(orb.Point); ok {
		loc.Point = p
	}

	return loc, nil
}

// FindGpeLocationsByName returns cached locations listing name among their
// known variants, most important first.
func (db *DB) FindGpeLocationsByName(ctx context.Context, name string) ([]domain.GpeLocation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, geom_hash, names, boundary, point, importance
		FROM gpe_locations
		WHERE $1 = ANY(names)
		ORDER BY importance DESC, geom_hash
	`, name)
	if err != nil {
		return nil, fmt.Errorf("find gpe locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.GpeLocation

	for rows.Next() {
		loc, err := scanGpeLocation(rows)
		if err != nil {
			return nil, err
		}

		locations = append(locations, loc)
	}

	return locations, rows.Err()
}

// GpeLocationExists reports whether a location with the given geometry hash
// is already cached.
func (db *DB) GpeLocationExists(ctx context.Context, geomHash string) (bool, error) {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM gpe_locations WHERE geom_hash = $1)
	`, geomHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("check gpe location: %w", err)
	}

	return exists, nil
}

// InsertGpeLocation stores a new cache entry. Returns ErrDuplicateGeometry
// when the boundary is already cached under another name: the cache then
// merges variants instead of duplicating the entry.
func (db *DB) InsertGpeLocation(ctx context.Context, loc *domain.GpeLocation) error {
	boundary, err := geojson.NewGeometry(loc.Boundary).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode boundary: %w", err)
	}

	point, err := geojson.NewGeometry(loc.Point).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode point: %w", err)
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO gpe_locations (geom_hash, names, boundary, point, importance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, loc.GeomHash, loc.Names, boundary, point, loc.Importance)

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateGeometry
		}

		return fmt.Errorf("insert gpe location: %w", err)
	}

	loc.ID = fromUUID(id)

	return nil
}

// AppendGpeVariant adds a name variant to the entry with the given geometry
// hash, skipping names already present.
func (db *DB) AppendGpeVariant(ctx context.Context, geomHash, name string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE gpe_locations
		SET names = array_append(names, $2)
		WHERE geom_hash = $1 AND NOT ($2 = ANY(names))
	`, geomHash, name); err != nil {
		return fmt.Errorf("append gpe variant: %w", err)
	}

	return nil
}
