package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/models"
)

func openStore(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	db, err := database.Connect("file:" + path)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() { db.Close() })
	return New(db, WithClock(clock.Fake(time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))))
}

func boardingAction(tripID, studentID string) models.QueuedAction {
	sid := studentID
	return models.QueuedAction{
		TripID:    tripID,
		StudentID: &sid,
		Kind:      models.ActionBoarding,
		Payload:   []byte(`{"studentId":"` + studentID + `"}`),
	}
}

func mustEnqueue(t *testing.T, q *Queue, action models.QueuedAction) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), action)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := mustEnqueue(t, q, boardingAction("trip-1", "s1"))
	if id == "" {
		t.Fatal("Expected generated id")
	}

	var seen models.QueuedAction
	_, err := q.Drain(ctx, func(_ context.Context, a models.QueuedAction) error {
		seen = a
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if seen.ID != id {
		t.Errorf("Expected id %s, got %s", id, seen.ID)
	}
	if seen.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("Expected max retries %d, got %d", models.DefaultMaxRetries, seen.MaxRetries)
	}
	if seen.EnqueuedAt.IsZero() {
		t.Error("Expected enqueue timestamp")
	}
}

func TestEnqueueRequiresTrip(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), models.QueuedAction{Kind: models.ActionLocationPing}); err == nil {
		t.Error("Expected error for action without trip id")
	}
}

func TestDrainIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var want []string
	for _, s := range []string{"s1", "s2", "s3"} {
		want = append(want, mustEnqueue(t, q, boardingAction("trip-1", s)))
	}

	var got []string
	result, err := q.Drain(ctx, func(_ context.Context, a models.QueuedAction) error {
		got = append(got, a.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Execution order %v, want %v", got, want)
		}
	}
	if len(result.Succeeded) != 3 {
		t.Errorf("Expected 3 succeeded, got %d", len(result.Succeeded))
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db := openStore(t, path)
	id := mustEnqueue(t, New(db), boardingAction("trip-1", "s1"))
	db.Close()

	reopened := openStore(t, path)
	defer reopened.Close()
	q := New(reopened)

	var executed []string
	if _, err := q.Drain(ctx, func(_ context.Context, a models.QueuedAction) error {
		executed = append(executed, a.ID)
		return nil
	}); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if len(executed) != 1 || executed[0] != id {
		t.Errorf("Expected action %s after restart, got %v", id, executed)
	}
}

func TestConcurrentDrainDoesNotDoubleExecute(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, boardingAction("trip-1", "s1"))

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	exec := func(_ context.Context, _ models.QueuedAction) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := q.Drain(ctx, exec); err != nil {
			t.Errorf("First drain failed: %v", err)
		}
	}()

	<-started
	if !q.Draining() {
		t.Error("Expected Draining to report true")
	}
	if _, err := q.Drain(ctx, exec); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("Expected ErrDrainInProgress, got %v", err)
	}

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected 1 execution, got %d", calls.Load())
	}
}

func TestActionFailsPermanentlyAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, boardingAction("trip-1", "s1"))

	var calls int
	failing := func(_ context.Context, _ models.QueuedAction) error {
		calls++
		return errors.New("connection refused")
	}

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := q.Drain(ctx, failing)
		if err != nil {
			t.Fatalf("Drain %d failed: %v", attempt, err)
		}
		if len(result.Retrying) != 1 || len(result.FailedPermanently) != 0 {
			t.Fatalf("Drain %d: expected retrying, got %+v", attempt, result)
		}
	}

	result, err := q.Drain(ctx, failing)
	if err != nil {
		t.Fatalf("Third drain failed: %v", err)
	}
	if len(result.FailedPermanently) != 1 || result.FailedPermanently[0] != id {
		t.Fatalf("Expected %s reported as permanently failed, got %+v", id, result)
	}

	if _, err := q.Drain(ctx, failing); err != nil {
		t.Fatalf("Fourth drain failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 0 || stats.PermanentlyFailed != 1 || stats.Total != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].LastError == nil || *letters[0].LastError != "connection refused" {
		t.Errorf("Unexpected dead letters %+v", letters)
	}

	if err := q.AcknowledgeDeadLetter(ctx, id); err != nil {
		t.Fatalf("AcknowledgeDeadLetter failed: %v", err)
	}
	if stats, _ := q.Stats(ctx); stats.Total != 0 {
		t.Errorf("Expected empty stats after acknowledge, got %+v", stats)
	}
}

func TestRejectedActionIsDeadLetteredImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, boardingAction("trip-1", "s1"))

	result, err := q.Drain(ctx, func(_ context.Context, _ models.QueuedAction) error {
		return ErrRejected
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(result.FailedPermanently) != 1 || result.FailedPermanently[0] != id {
		t.Errorf("Expected rejected action reported, got %+v", result)
	}
}

func TestAlreadyAppliedCountsAsSuccess(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, boardingAction("trip-1", "s1"))

	result, err := q.Drain(ctx, func(_ context.Context, _ models.QueuedAction) error {
		return ErrAlreadyApplied
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != id {
		t.Errorf("Expected success, got %+v", result)
	}
	if stats, _ := q.Stats(ctx); stats.PermanentlyFailed != 0 || stats.Pending != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestEnqueueDuringDrainWaitsForNextCycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	first := mustEnqueue(t, q, boardingAction("trip-1", "s1"))

	var late string
	result, err := q.Drain(ctx, func(ctx context.Context, a models.QueuedAction) error {
		if late == "" {
			late = mustEnqueue(t, q, boardingAction("trip-1", "s2"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != first {
		t.Fatalf("Expected only the first action, got %+v", result)
	}
	if n, _ := q.Size(ctx); n != 1 {
		t.Fatalf("Expected late action still queued, size %d", n)
	}

	next, err := q.Drain(ctx, func(context.Context, models.QueuedAction) error { return nil })
	if err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if len(next.Succeeded) != 1 || next.Succeeded[0] != late {
		t.Errorf("Expected late action in next drain, got %+v", next)
	}
}

func TestCancelledDrainKeepsQueueConsistent(t *testing.T) {
	q := newTestQueue(t)
	mustEnqueue(t, q, boardingAction("trip-1", "s1"))
	mustEnqueue(t, q, boardingAction("trip-1", "s2"))

	ctx, cancel := context.WithCancel(context.Background())
	result, err := q.Drain(ctx, func(ctx context.Context, _ models.QueuedAction) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(result.Succeeded) != 0 || len(result.FailedPermanently) != 0 {
		t.Errorf("Expected nothing settled, got %+v", result)
	}

	var retries []int
	_, err = q.Drain(context.Background(), func(_ context.Context, a models.QueuedAction) error {
		retries = append(retries, a.RetryCount)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain after cancel failed: %v", err)
	}
	if len(retries) != 2 || retries[0] != 0 || retries[1] != 0 {
		t.Errorf("Expected both actions intact with no retries, got %v", retries)
	}
}

func TestFailedStudentActionHoldsBackLaterOnes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	board := mustEnqueue(t, q, boardingAction("trip-1", "s1"))
	alight := boardingAction("trip-1", "s1")
	alight.Kind = models.ActionAlighting
	alightID := mustEnqueue(t, q, alight)
	other := mustEnqueue(t, q, boardingAction("trip-1", "s2"))

	var executed []string
	result, err := q.Drain(ctx, func(_ context.Context, a models.QueuedAction) error {
		executed = append(executed, a.ID)
		if a.ID == board {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for _, id := range executed {
		if id == alightID {
			t.Fatal("Alighting executed after its boarding failed")
		}
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != other {
		t.Errorf("Expected other student's action to succeed, got %+v", result)
	}

	has, err := q.HasPendingForStudent(ctx, "trip-1", "s1")
	if err != nil || !has {
		t.Errorf("Expected pending actions for s1, got %v (err %v)", has, err)
	}
	has, _ = q.HasPendingForStudent(ctx, "trip-1", "s2")
	if has {
		t.Error("Expected no pending actions for s2")
	}
}

func TestHasPendingTripAction(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if has, _ := q.HasPendingTripAction(ctx, "trip-1"); has {
		t.Fatal("Expected no trip actions")
	}
	mustEnqueue(t, q, models.QueuedAction{TripID: "trip-1", Kind: models.ActionTripStart})
	if has, _ := q.HasPendingTripAction(ctx, "trip-1"); !has {
		t.Error("Expected pending trip action")
	}
}

func TestPendingForTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	mustEnqueue(t, q, models.QueuedAction{TripID: "trip-1", Kind: models.ActionTripStart})
	mustEnqueue(t, q, boardingAction("trip-1", "s1"))
	mustEnqueue(t, q, boardingAction("trip-2", "s9"))

	actions, err := q.PendingForTrip(ctx, "trip-1")
	if err != nil {
		t.Fatalf("PendingForTrip failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("Expected 2 actions for trip-1, got %d", len(actions))
	}
	if actions[0].Kind != models.ActionTripStart || actions[1].Kind != models.ActionBoarding {
		t.Errorf("Expected enqueue order, got %s then %s", actions[0].Kind, actions[1].Kind)
	}
}
