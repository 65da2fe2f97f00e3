package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"schooltrip-engine/internal/models"
)

// ErrActionNotFound is returned when an id matches no stored row
var ErrActionNotFound = errors.New("action not found")

// actionRow mirrors queued_actions. Timestamps are unix milliseconds.
type actionRow struct {
	Seq        int64          `db:"seq"`
	ID         string         `db:"id"`
	TripID     string         `db:"trip_id"`
	StudentID  sql.NullString `db:"student_id"`
	Kind       string         `db:"kind"`
	Payload    []byte         `db:"payload"`
	EnqueuedAt int64          `db:"enqueued_at"`
	RetryCount int            `db:"retry_count"`
	MaxRetries int            `db:"max_retries"`
	LastError  sql.NullString `db:"last_error"`
}

type deadLetterRow struct {
	actionRow
	FailedAt int64 `db:"failed_at"`
}

func (r actionRow) toModel() models.QueuedAction {
	return models.QueuedAction{
		ID:         r.ID,
		Seq:        r.Seq,
		TripID:     r.TripID,
		StudentID:  models.FromNullString(r.StudentID),
		Kind:       models.ActionKind(r.Kind),
		Payload:    append([]byte(nil), r.Payload...),
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt).UTC(),
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		LastError:  models.FromNullString(r.LastError),
	}
}

const actionColumns = `seq, id, trip_id, student_id, kind, payload, enqueued_at, retry_count, max_retries, last_error`

// InsertAction persists a new action and returns its enqueue sequence.
// The write is committed before the function returns.
func InsertAction(ctx context.Context, db *sqlx.DB, action models.QueuedAction) (int64, error) {
	query := db.Rebind(`
		INSERT INTO queued_actions (
			id, trip_id, student_id, kind, payload, enqueued_at, retry_count, max_retries, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`)

	var seq int64
	err := db.QueryRowxContext(
		ctx, query,
		action.ID,
		action.TripID,
		models.ToNullString(action.StudentID),
		string(action.Kind),
		[]byte(action.Payload),
		action.EnqueuedAt.UnixMilli(),
		action.RetryCount,
		action.MaxRetries,
		models.ToNullString(action.LastError),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action %s: %w", action.ID, err)
	}

	return seq, nil
}

// MaxActionSeq returns the highest sequence currently queued, or 0
func MaxActionSeq(ctx context.Context, db *sqlx.DB) (int64, error) {
	var seq sql.NullInt64
	if err := db.GetContext(ctx, &seq, `SELECT MAX(seq) FROM queued_actions`); err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq.Int64, nil
}

// ListActionsUpTo returns queued actions with seq <= maxSeq, oldest first
func ListActionsUpTo(ctx context.Context, db *sqlx.DB, maxSeq int64) ([]models.QueuedAction, error) {
	var rows []actionRow
	query := db.Rebind(`SELECT ` + actionColumns + ` FROM queued_actions
	          WHERE seq <= ?
	          ORDER BY seq ASC`)

	if err := db.SelectContext(ctx, &rows, query, maxSeq); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}

	actions := make([]models.QueuedAction, 0, len(rows))
	for _, r := range rows {
		actions = append(actions, r.toModel())
	}
	return actions, nil
}

// ListActionsForTrip returns the queued actions of one trip, oldest first
func ListActionsForTrip(ctx context.Context, db *sqlx.DB, tripID string) ([]models.QueuedAction, error) {
	var rows []actionRow
	query := db.Rebind(`SELECT ` + actionColumns + ` FROM queued_actions
	          WHERE trip_id = ?
	          ORDER BY seq ASC`)

	if err := db.SelectContext(ctx, &rows, query, tripID); err != nil {
		return nil, fmt.Errorf("failed to list actions for trip %s: %w", tripID, err)
	}

	actions := make([]models.QueuedAction, 0, len(rows))
	for _, r := range rows {
		actions = append(actions, r.toModel())
	}
	return actions, nil
}

// DeleteAction removes a delivered action
func DeleteAction(ctx context.Context, db *sqlx.DB, id string) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM queued_actions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete action %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}

// RecordActionFailure stores the new retry count and last error
func RecordActionFailure(ctx context.Context, db *sqlx.DB, id string, retryCount int, lastError string) error {
	query := db.Rebind(`UPDATE queued_actions
	          SET retry_count = ?, last_error = ?
	          WHERE id = ?`)

	res, err := db.ExecContext(ctx, query, retryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}

// MoveToDeadLetter atomically copies an action into dead_letters and removes
// it from the queue
func MoveToDeadLetter(ctx context.Context, db *sqlx.DB, action models.QueuedAction, failedAt time.Time) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`
		INSERT INTO dead_letters (
			id, seq, trip_id, student_id, kind, payload, enqueued_at,
			retry_count, max_retries, last_error, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(
		ctx, insert,
		action.ID,
		action.Seq,
		action.TripID,
		models.ToNullString(action.StudentID),
		string(action.Kind),
		[]byte(action.Payload),
		action.EnqueuedAt.UnixMilli(),
		action.RetryCount,
		action.MaxRetries,
		models.ToNullString(action.LastError),
		failedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", action.ID, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM queued_actions WHERE id = ?`), action.ID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered action %s: %w", action.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead letter %s: %w", action.ID, err)
	}
	return nil
}

// CountActions returns the number of queued actions
func CountActions(ctx context.Context, db *sqlx.DB) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queued_actions`); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// CountDeadLetters returns the number of unacknowledged dead letters
func CountDeadLetters(ctx context.Context, db *sqlx.DB) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// CountPendingForStudent counts queued actions for one student on one trip
func CountPendingForStudent(ctx context.Context, db *sqlx.DB, tripID, studentID string) (int, error) {
	var n int
	query := db.Rebind(`SELECT COUNT(*) FROM queued_actions WHERE trip_id = ? AND student_id = ?`)
	if err := db.GetContext(ctx, &n, query, tripID, studentID); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// CountPendingOfKinds counts queued actions of the given kinds for a trip
func CountPendingOfKinds(ctx context.Context, db *sqlx.DB, tripID string, kinds ...models.ActionKind) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	query, args, err := sqlx.In(`SELECT COUNT(*) FROM queued_actions WHERE trip_id = ? AND kind IN (?)`, tripID, names)
	if err != nil {
		return 0, fmt.Errorf("failed to build kind filter: %w", err)
	}

	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// ListDeadLetters returns dead letters, oldest failure first
func ListDeadLetters(ctx context.Context, db *sqlx.DB) ([]models.DeadLetter, error) {
	var rows []deadLetterRow
	query := `SELECT ` + actionColumns + `, failed_at FROM dead_letters ORDER BY failed_at ASC, seq ASC`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]models.DeadLetter, 0, len(rows))
	for _, r := range rows {
		letters = append(letters, models.DeadLetter{
			QueuedAction: r.actionRow.toModel(),
			FailedAt:     time.UnixMilli(r.FailedAt).UTC(),
		})
	}
	return letters, nil
}

// DeleteDeadLetter removes an acknowledged dead letter
func DeleteDeadLetter(ctx context.Context, db *sqlx.DB, id string) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}
