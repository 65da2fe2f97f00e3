// Package queue is the durable FIFO of remote mutations recorded while the
// device could not (or chose not to) reach the remote authority directly.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/models"
)

var (
	// ErrDrainInProgress is returned when Drain is called while another drain runs
	ErrDrainInProgress = errors.New("queue drain already in progress")

	// ErrAlreadyApplied is returned by executors when the remote authority
	// already holds the mutation. Drain treats it as success.
	ErrAlreadyApplied = errors.New("action already applied remotely")

	// ErrRejected is returned by executors when the remote authority refuses
	// the mutation outright. The action is dead-lettered without further retries.
	ErrRejected = errors.New("action rejected by remote")

	// ErrQueueExhausted marks an action that failed MaxRetries times
	ErrQueueExhausted = errors.New("action failed after max retries")
)

// Executor delivers one action to the remote authority
type Executor func(ctx context.Context, action models.QueuedAction) error

// DrainResult lists the ids settled by one drain cycle
type DrainResult struct {
	Succeeded         []string `json:"succeeded"`
	FailedPermanently []string `json:"failed_permanently"`
	Retrying          []string `json:"retrying"`
}

// Observer receives queue events. internal/metrics implements it.
type Observer interface {
	ActionEnqueued(kind models.ActionKind)
	ActionSynced(kind models.ActionKind)
	ActionFailed(kind models.ActionKind, permanent bool)
	QueueDepth(pending, deadLetters int)
}

type nopObserver struct{}

func (nopObserver) ActionEnqueued(models.ActionKind) {}
func (nopObserver) ActionSynced(models.ActionKind) {}
func (nopObserver) ActionFailed(models.ActionKind, bool) {}
func (nopObserver) QueueDepth(int, int) {}

// Queue persists actions in the store and delivers them in enqueue order
type Queue struct {
	db         *sqlx.DB
	clock      clock.Clock
	maxRetries int
	observer   Observer
	logger     zerolog.Logger

	// mu serializes store mutations between Enqueue and Drain
	mu       sync.Mutex
	draining atomic.Bool
}

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides the clock used for enqueue and failure timestamps
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMaxRetries sets the default retry budget for new actions
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithObserver attaches a metrics observer
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// New wraps a migrated store
func New(db *sqlx.DB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		clock:      clock.Real(),
		maxRetries: models.DefaultMaxRetries,
		observer:   nopObserver{},
		logger:     log.With().Str("component", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists action and returns its id. ID, EnqueuedAt and MaxRetries
// are filled in when unset. The row is committed before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, action models.QueuedAction) (string, error) {
	if action.TripID == "" {
		return "", fmt.Errorf("action %s has no trip id", action.Kind)
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = q.clock.Now().UTC()
	}
	if action.MaxRetries <= 0 {
		action.MaxRetries = q.maxRetries
	}
	if len(action.Payload) == 0 {
		action.Payload = []byte("{}")
	}
	action.RetryCount = 0
	action.LastError = nil

	q.mu.Lock()
	seq, err := database.InsertAction(ctx, q.db, action)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.logger.Info().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("trip_id", action.TripID).
		Int64("seq", seq).
		Msg("Action enqueued")

	q.observer.ActionEnqueued(action.Kind)
	q.reportDepth(ctx)
	return action.ID, nil
}

// Drain delivers every action enqueued before the call, oldest first.
// Actions enqueued while the drain runs wait for the next drain. When an
// action fails without exhausting its retries, later actions for the same
// student (or trip lifecycle) are held back so the remote never sees them
// out of order.
//
// A cancelled context stops the drain between actions; the partial result
// is returned with ctx.Err().
func (q *Queue) Drain(ctx context.Context, exec Executor) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	var result DrainResult

	maxSeq, err := database.MaxActionSeq(ctx, q.db)
	if err != nil {
		return result, err
	}
	if maxSeq == 0 {
		return result, nil
	}

	actions, err := database.ListActionsUpTo(ctx, q.db, maxSeq)
	if err != nil {
		return result, err
	}

	q.logger.Info().Int("actions", len(actions)).Int64("max_seq", maxSeq).Msg("Drain started")

	blocked := make(map[string]bool)
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key := orderingKey(action)
		if key != "" && blocked[key] {
			continue
		}

		execErr := exec(ctx, action)

		// Cancellation mid-call is not a delivery failure
		if execErr != nil && ctx.Err() != nil {
			return result, ctx.Err()
		}

		switch {
		case execErr == nil || errors.Is(execErr, ErrAlreadyApplied):
			if err := q.remove(ctx, action.ID); err != nil {
				return result, err
			}
			result.Succeeded = append(result.Succeeded, action.ID)
			q.observer.ActionSynced(action.Kind)
			q.logger.Info().
				Str("action_id", action.ID).
				Str("kind", string(action.Kind)).
				Bool("already_applied", execErr != nil).
				Msg("Action synced")

		default:
			permanent, err := q.recordFailure(ctx, action, execErr)
			if err != nil {
				return result, err
			}
			if permanent {
				result.FailedPermanently = append(result.FailedPermanently, action.ID)
			} else {
				result.Retrying = append(result.Retrying, action.ID)
				if key != "" {
					blocked[key] = true
				}
			}
		}
	}

	q.reportDepth(ctx)
	q.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed_permanently", len(result.FailedPermanently)).
		Int("retrying", len(result.Retrying)).
		Msg("Drain finished")
	return result, nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := database.DeleteAction(ctx, q.db, id)
	if errors.Is(err, database.ErrActionNotFound) {
		// Acknowledged out of band; nothing left to remove
		return nil
	}
	return err
}

// recordFailure bumps the retry count and dead-letters the action once the
// budget is spent or the remote rejected it. Reports whether it is permanent.
func (q *Queue) recordFailure(ctx context.Context, action models.QueuedAction, execErr error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action.RetryCount++
	msg := execErr.Error()
	action.LastError = &msg

	logger := q.logger.With().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Int("retry_count", action.RetryCount).
		Int("max_retries", action.MaxRetries).
		Logger()

	if action.RetryCount >= action.MaxRetries || errors.Is(execErr, ErrRejected) {
		if err := database.MoveToDeadLetter(ctx, q.db, action, q.clock.Now().UTC()); err != nil {
			return false, err
		}
		logger.Error().Err(execErr).Msg("Action permanently failed")
		q.observer.ActionFailed(action.Kind, true)
		return true, nil
	}

	if err := database.RecordActionFailure(ctx, q.db, action.ID, action.RetryCount, msg); err != nil {
		return false, err
	}
	logger.Warn().Err(execErr).Msg("Action delivery failed, will retry")
	q.observer.ActionFailed(action.Kind, false)
	return false, nil
}

func orderingKey(action models.QueuedAction) string {
	switch {
	case action.Kind.IsStudentScoped() && action.StudentID != nil:
		return action.TripID + "/" + *action.StudentID
	case action.Kind.IsTripScoped():
		return action.TripID + "/"
	}
	return ""
}

func (q *Queue) reportDepth(ctx context.Context) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return
	}
	q.observer.QueueDepth(stats.Pending, stats.PermanentlyFailed)
}

// Draining reports whether a drain is running
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Size returns the number of actions awaiting delivery
func (q *Queue) Size(ctx context.Context) (int, error) {
	return database.CountActions(ctx, q.db)
}

// Stats returns pending and dead-lettered counts
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	pending, err := database.CountActions(ctx, q.db)
	if err != nil {
		return models.QueueStats{}, err
	}
	dead, err := database.CountDeadLetters(ctx, q.db)
	if err != nil {
		return models.QueueStats{}, err
	}
	return models.QueueStats{
		Total:             pending + dead,
		Pending:           pending,
		PermanentlyFailed: dead,
	}, nil
}

// HasPendingForStudent reports whether any action for the student awaits delivery
func (q *Queue) HasPendingForStudent(ctx context.Context, tripID, studentID string) (bool, error) {
	n, err := database.CountPendingForStudent(ctx, q.db, tripID, studentID)
	return n > 0, err
}

// HasPendingTripAction reports whether a trip start or complete awaits delivery
func (q *Queue) HasPendingTripAction(ctx context.Context, tripID string) (bool, error) {
	n, err := database.CountPendingOfKinds(ctx, q.db, tripID, models.ActionTripStart, models.ActionTripComplete)
	return n > 0, err
}

// PendingForTrip lists the undelivered actions of a trip in enqueue order
func (q *Queue) PendingForTrip(ctx context.Context, tripID string) ([]models.QueuedAction, error) {
	return database.ListActionsForTrip(ctx, q.db, tripID)
}

// DeadLetters lists actions awaiting manual intervention
func (q *Queue) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	return database.ListDeadLetters(ctx, q.db)
}

// AcknowledgeDeadLetter removes a dead letter once an operator has handled it
func (q *Queue) AcknowledgeDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	err := database.DeleteDeadLetter(ctx, q.db, id)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.logger.Info().Str("action_id", id).Msg("Dead letter acknowledged")
	q.reportDepth(ctx)
	return nil
}
