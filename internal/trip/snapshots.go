package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/models"
)

// SnapshotStore keeps the last known session for resume after a crash
type SnapshotStore interface {
	Save(ctx context.Context, session *models.TripSession) error
	LoadResumable(ctx context.Context) (*models.TripSession, error)
}

// ErrNoSnapshot is returned by LoadResumable when nothing can be resumed
var ErrNoSnapshot = errors.New("no resumable trip snapshot")

// SQLSnapshots stores sessions as JSON in trip_snapshots
type SQLSnapshots struct {
	db *sqlx.DB
}

func NewSQLSnapshots(db *sqlx.DB) *SQLSnapshots {
	return &SQLSnapshots{db: db}
}

func (s *SQLSnapshots) Save(ctx context.Context, session *models.TripSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode trip %s: %w", session.ID, err)
	}
	return database.SaveSnapshot(ctx, s.db, session.ID, string(session.Status), data, session.UpdatedAt)
}

func (s *SQLSnapshots) LoadResumable(ctx context.Context) (*models.TripSession, error) {
	snap, err := database.LoadResumableSnapshot(ctx, s.db)
	if errors.Is(err, database.ErrSnapshotNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	var session models.TripSession
	if err := json.Unmarshal(snap.Data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode trip %s: %w", snap.TripID, err)
	}
	return &session, nil
}
