package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrSnapshotNotFound is returned when no snapshot matches
var ErrSnapshotNotFound = errors.New("trip snapshot not found")

// Snapshot is the serialized last-known trip session
type Snapshot struct {
	TripID    string `db:"trip_id"`
	Status    string `db:"status"`
	Data      []byte `db:"snapshot"`
	UpdatedAt int64  `db:"updated_at"`
}

// SaveSnapshot upserts the trip session snapshot
func SaveSnapshot(ctx context.Context, db *sqlx.DB, tripID, status string, data []byte, at time.Time) error {
	query := db.Rebind(`
		INSERT INTO trip_snapshots (trip_id, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (trip_id)
		DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`)

	if _, err := db.ExecContext(ctx, query, tripID, status, data, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save snapshot for trip %s: %w", tripID, err)
	}
	return nil
}

// LoadResumableSnapshot returns the most recently updated snapshot whose trip
// was not finished, for resume after a crash
func LoadResumableSnapshot(ctx context.Context, db *sqlx.DB) (Snapshot, error) {
	var snap Snapshot
	query := `SELECT trip_id, status, snapshot, updated_at FROM trip_snapshots
	          WHERE status IN ('scheduled', 'in_progress')
	          ORDER BY updated_at DESC
	          LIMIT 1`

	err := db.GetContext(ctx, &snap, query)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load resumable snapshot: %w", err)
	}
	return snap, nil
}
