package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoCorrelationMatrix is returned when no matrix has been persisted yet.
var ErrNoCorrelationMatrix = errors.New("no correlation matrix stored")

// SaveCorrelationMatrix persists the event correlation matrix as a square
// numeric table keyed by event-type name. A single row is kept; re-saving
// overwrites it.
func (db *DB) SaveCorrelationMatrix(ctx context.Context, matrix map[string]map[string]float64) error {
	raw, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("encode correlation matrix: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO event_correlations (id, matrix, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET matrix = EXCLUDED.matrix, updated_at = now()
	`, raw); err != nil {
		return fmt.Errorf("save correlation matrix: %w", err)
	}

	return nil
}

// LoadCorrelationMatrix returns the persisted matrix, or
// ErrNoCorrelationMatrix when none exists.
func (db *DB) LoadCorrelationMatrix(ctx context.Context) (map[string]map[string]float64, error) {
	var raw []byte

	err := db.Pool.QueryRow(ctx, `
		SELECT matrix FROM event_correlations WHERE id = 1
	`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCorrelationMatrix
		}

		return nil, fmt.Errorf("load correlation matrix: %w", err)
	}

	matrix := make(map[string]map[string]float64)
	if err := json.Unmarshal(raw, &matrix); err != nil {
		return nil, fmt.Errorf("decode correlation matrix: %w", err)
	}

	return matrix, nil
}
