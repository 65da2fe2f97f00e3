package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/trip"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := database.Connect("file:" + filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return queue.New(db)
}

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []models.QueuedAction
	err   error
}

func (e *scriptedExecutor) execute(_ context.Context, a models.QueuedAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, a)
	return e.err
}

func (e *scriptedExecutor) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *scriptedExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, eventType)
}

func (p *recordingPublisher) has(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type recordingAlerter struct {
	mu    sync.Mutex
	count int
}

func (a *recordingAlerter) Alert(context.Context, string, string, map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return nil
}

func action(studentID string) models.QueuedAction {
	sid := studentID
	return models.QueuedAction{
		TripID:    "trip-1",
		StudentID: &sid,
		Kind:      models.ActionBoarding,
		Payload:   []byte(`{}`),
	}
}

func nextReport(t *testing.T, reports <-chan Report) Report {
	t.Helper()
	select {
	case r := <-reports:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for sync report")
		return Report{}
	}
}

func TestDispatchOfflineQueues(t *testing.T) {
	q := newQueue(t)
	exec := &scriptedExecutor{}
	r := New(q, exec.execute)
	defer r.Close()

	outcome, err := r.Dispatch(context.Background(), action("s1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcome != models.OutcomeQueued {
		t.Errorf("Expected queued, got %s", outcome)
	}
	if exec.count() != 0 {
		t.Error("Executor must not run while offline")
	}
	if n, _ := q.Size(context.Background()); n != 1 {
		t.Errorf("Expected 1 queued action, got %d", n)
	}
}

func TestDispatchOnline(t *testing.T) {
	tests := []struct {
		name        string
		execErr     error
		wantOutcome models.DispatchOutcome
		wantQueued  int
		wantErr     error
	}{
		{"applied", nil, models.OutcomeApplied, 0, nil},
		{"already applied", queue.ErrAlreadyApplied, models.OutcomeApplied, 0, nil},
		{"network failure falls back to queue", errors.New("dial tcp: connection refused"), models.OutcomeQueued, 1, nil},
		{"rejected", queue.ErrRejected, models.OutcomeRejected, 0, queue.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			exec := &scriptedExecutor{err: tt.execErr}
			r := New(q, exec.execute)
			defer r.Close()
			r.online.Store(true)

			outcome, err := r.Dispatch(context.Background(), action("s1"))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}

			if outcome != tt.wantOutcome {
				t.Errorf("Expected %s, got %s", tt.wantOutcome, outcome)
			}
			if n, _ := q.Size(context.Background()); n != tt.wantQueued {
				t.Errorf("Expected %d queued, got %d", tt.wantQueued, n)
			}
		})
	}
}

func TestDispatchQueuesBehindPendingActions(t *testing.T) {
	q := newQueue(t)
	exec := &scriptedExecutor{}
	r := New(q, exec.execute)
	defer r.Close()

	if _, err := r.Dispatch(context.Background(), action("s1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	r.online.Store(true)
	outcome, err := r.Dispatch(context.Background(), action("s2"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcome != models.OutcomeQueued {
		t.Errorf("Expected queued behind earlier action, got %s", outcome)
	}

	r.Wait()
	if exec.count() != 2 {
		t.Fatalf("Expected both actions delivered by the drain, got %d calls", exec.count())
	}
	if got := *exec.calls[0].StudentID + "," + *exec.calls[1].StudentID; got != "s1,s2" {
		t.Errorf("Expected FIFO delivery s1,s2, got %s", got)
	}
	if n, _ := q.Size(context.Background()); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestFailedDirectDeliveryWaitsForRetryTick(t *testing.T) {
	q := newQueue(t)
	clk := clock.Fake(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	exec := &scriptedExecutor{err: errors.New("503 service unavailable")}
	r := New(q, exec.execute, WithClock(clk))
	defer r.Close()
	r.online.Store(true)

	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	if outcome, _ := r.Dispatch(ctx, action("s1")); outcome != models.OutcomeQueued {
		t.Fatalf("Expected queued after 503, got %s", outcome)
	}

	exec.setErr(nil)
	if outcome, _ := r.Dispatch(ctx, action("s2")); outcome != models.OutcomeQueued {
		t.Fatalf("Expected queued behind s1, got %s", outcome)
	}
	r.Wait()
	if exec.count() != 1 {
		t.Fatalf("Expected no retry before the interval, got %d calls", exec.count())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.Run(runCtx)
	clk.WaitForTimers(1)
	clk.Advance(DefaultRetryInterval)

	report := nextReport(t, reports)
	r.Wait()
	if report.Synced != 2 {
		t.Errorf("Expected 2 synced on retry tick, got %+v", report)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected empty queue while online, got %d", n)
	}
}

func TestQueuedWhileOnlineDrainsAfterBackoff(t *testing.T) {
	q := newQueue(t)
	clk := clock.Fake(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	exec := &scriptedExecutor{err: errors.New("503 service unavailable")}
	r := New(q, exec.execute, WithClock(clk))
	defer r.Close()
	r.online.Store(true)

	ctx := context.Background()
	if _, err := r.Dispatch(ctx, action("s1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	exec.setErr(nil)
	clk.Advance(DefaultRetryInterval)

	if outcome, _ := r.Dispatch(ctx, action("s2")); outcome != models.OutcomeQueued {
		t.Fatalf("Expected queued behind s1, got %s", outcome)
	}
	if outcome, _ := r.Dispatch(ctx, action("s3")); outcome != models.OutcomeQueued && outcome != models.OutcomeApplied {
		t.Fatalf("Unexpected outcome %s", outcome)
	}
	r.Wait()

	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected queue drained without a reconnect, got %d", n)
	}
}

func TestDispatchDuringDrainIsPickedUpByNextPass(t *testing.T) {
	q := newQueue(t)

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	exec := func(ctx context.Context, _ models.QueuedAction) error {
		calls.Add(1)
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}

	r := New(q, exec)
	defer r.Close()
	ctx := context.Background()

	if _, err := r.Dispatch(ctx, action("s1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	r.OnConnectivityChanged(true)
	<-started

	outcome, err := r.Dispatch(ctx, action("s2"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcome != models.OutcomeQueued {
		t.Fatalf("Expected queued during drain, got %s", outcome)
	}

	close(release)
	r.Wait()

	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected action queued mid-drain to be delivered, %d left", n)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 deliveries, got %d", calls.Load())
	}
}

func TestConnectivityRestoredDrainsAndReports(t *testing.T) {
	q := newQueue(t)
	exec := &scriptedExecutor{}
	pub := &recordingPublisher{}
	r := New(q, exec.execute, WithPublisher(pub))
	defer r.Close()

	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()

	for _, s := range []string{"s1", "s2"} {
		if _, err := r.Dispatch(context.Background(), action(s)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	r.OnConnectivityChanged(true)
	report := nextReport(t, reports)
	r.Wait()

	if report.Synced != 2 || report.Failed != 0 {
		t.Errorf("Unexpected report %+v", report)
	}
	if n, _ := q.Size(context.Background()); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	if !pub.has(NoticeSyncReport) || !pub.has(NoticeConnectivity) {
		t.Errorf("Expected sync and connectivity notices, got %v", pub.topics)
	}
}

func TestOverlappingReconnectsDoNotDrainConcurrently(t *testing.T) {
	q := newQueue(t)

	var active, maxActive, calls atomic.Int32
	release := make(chan struct{})
	exec := func(ctx context.Context, _ models.QueuedAction) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		<-release
		return nil
	}

	r := New(q, exec)
	defer r.Close()
	for _, s := range []string{"s1", "s2", "s3"} {
		if _, err := r.Dispatch(context.Background(), action(s)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	r.OnConnectivityRestored()
	r.OnConnectivityRestored()
	r.OnConnectivityRestored()
	close(release)
	r.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("Expected at most one concurrent delivery, saw %d", maxActive.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("Expected each action delivered once, got %d calls", calls.Load())
	}
}

func TestExhaustedActionsAreSurfaced(t *testing.T) {
	q := newQueue(t)
	exec := &scriptedExecutor{err: errors.New("503 service unavailable")}
	pub := &recordingPublisher{}
	alerter := &recordingAlerter{}
	r := New(q, exec.execute, WithPublisher(pub), WithAlerter(alerter))
	defer r.Close()

	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()

	if _, err := r.Dispatch(context.Background(), action("s1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var last Report
	for i := 0; i < models.DefaultMaxRetries; i++ {
		r.OnConnectivityRestored()
		last = nextReport(t, reports)
		r.Wait()
	}

	if last.Failed != 1 || len(last.FailedIDs) != 1 {
		t.Fatalf("Expected one permanent failure, got %+v", last)
	}
	if alerter.count != 1 {
		t.Errorf("Expected one exhaustion alert, got %d", alerter.count)
	}
	if !pub.has(NoticeQueueExhausted) {
		t.Error("Expected queue_exhausted notice")
	}

	stats, _ := q.Stats(context.Background())
	if stats.PermanentlyFailed != 1 || stats.Pending != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestGoingOfflineInterruptsDrain(t *testing.T) {
	q := newQueue(t)
	started := make(chan struct{})
	exec := func(ctx context.Context, _ models.QueuedAction) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	r := New(q, exec)
	defer r.Close()
	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()

	if _, err := r.Dispatch(context.Background(), action("s1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	r.OnConnectivityChanged(true)
	<-started
	r.OnConnectivityChanged(false)

	report := nextReport(t, reports)
	r.Wait()
	if !report.Interrupted || report.Synced != 0 || report.Failed != 0 {
		t.Errorf("Unexpected report %+v", report)
	}

	var retries int
	_, err := q.Drain(context.Background(), func(_ context.Context, a models.QueuedAction) error {
		retries = a.RetryCount
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if retries != 0 {
		t.Errorf("Interrupted delivery must not spend a retry, got %d", retries)
	}
}

// staticLocation always reports the device at one fixed position
type staticLocation struct {
	sample models.GeoSample
}

func (s staticLocation) Start(func(models.GeoSample), func(bool)) error { return nil }
func (s staticLocation) Stop() {}
func (s staticLocation) CurrentSample() (models.GeoSample, bool) { return s.sample, true }
func (s staticLocation) Live() bool { return true }
func (s staticLocation) WaitFresh(context.Context, time.Duration) (models.GeoSample, error) {
	return s.sample, nil
}

func newEngine(t *testing.T, exec queue.Executor) (*Reconciler, *trip.Controller, *queue.Queue) {
	t.Helper()
	q := newQueue(t)
	r := New(q, exec)
	t.Cleanup(r.Close)

	loc := staticLocation{sample: models.GeoSample{Latitude: 28.6001, Longitude: 77.2001}}
	machine := boarding.NewMachine(loc, r, boarding.Config{})
	ctrl := trip.NewController(machine, loc, r, q, trip.Config{})
	t.Cleanup(ctrl.Close)
	r.SetController(ctrl)

	session := &models.TripSession{
		ID: "trip-1",
		Students: []*models.StudentBoardingRecord{{
			StudentID:   "s1",
			PickupStop:  models.Stop{ID: "stop-a", Location: geo.Point{Lat: 28.6000, Lon: 77.2000}},
			DropoffStop: models.Stop{ID: "school", Location: geo.Point{Lat: 28.6500, Lon: 77.2500}},
		}},
	}
	if err := ctrl.Load(context.Background(), session); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := ctrl.StartTrip(context.Background(), "trip-1"); err != nil {
		t.Fatalf("StartTrip failed: %v", err)
	}
	return r, ctrl, q
}

func TestBoardingWhileOfflineSyncsOnReconnect(t *testing.T) {
	exec := &scriptedExecutor{}
	r, ctrl, q := newEngine(t, exec.execute)
	ctx := context.Background()

	res, err := ctrl.ConfirmBoarding(ctx, "s1", nil, nil)
	if err != nil {
		t.Fatalf("ConfirmBoarding failed: %v", err)
	}
	if res.Record.Status != models.BoardingStatusBoarded || res.Outcome != models.OutcomeQueued {
		t.Fatalf("Expected boarded and queued, got %+v", res)
	}

	// trip_start and boarding
	if n, _ := q.Size(ctx); n != 2 {
		t.Fatalf("Expected 2 queued actions, got %d", n)
	}
	if has, _ := q.HasPendingForStudent(ctx, "trip-1", "s1"); !has {
		t.Fatal("Expected a pending boarding action for s1")
	}

	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()
	r.OnConnectivityRestored()
	report := nextReport(t, reports)
	r.Wait()

	if report.Synced != 2 {
		t.Errorf("Expected 2 synced, got %+v", report)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected queue size 0, got %d", n)
	}
}

func TestPushEventDeferredUntilLocalBoardingDrains(t *testing.T) {
	exec := &scriptedExecutor{}
	r, ctrl, q := newEngine(t, exec.execute)
	ctx := context.Background()

	if _, err := ctrl.ConfirmBoarding(ctx, "s1", nil, nil); err != nil {
		t.Fatalf("ConfirmBoarding failed: %v", err)
	}

	alighted := models.RemoteEvent{Type: models.EventStudentAlighted, TripID: "trip-1", StudentID: "s1"}
	if err := ctrl.ApplyRemoteEvent(ctx, alighted); !errors.Is(err, trip.ErrSyncConflict) {
		t.Fatalf("Expected deferral, got %v", err)
	}
	if status := ctrl.Session().Student("s1").Status; status != models.BoardingStatusBoarded {
		t.Fatalf("Deferred event applied early: %s", status)
	}

	reports, unsubscribe := r.Subscribe()
	defer unsubscribe()
	r.OnConnectivityRestored()
	nextReport(t, reports)
	r.Wait()

	if n, _ := q.Size(ctx); n != 0 {
		t.Fatalf("Expected queue drained, got %d", n)
	}
	if ctrl.DeferredEvents() != 0 {
		t.Errorf("Expected deferred events replayed, %d left", ctrl.DeferredEvents())
	}
	if status := ctrl.Session().Student("s1").Status; status != models.BoardingStatusAlighted {
		t.Errorf("Expected replayed event to apply, got %s", status)
	}
}

func TestOnPushEventRoutesToController(t *testing.T) {
	r, ctrl, _ := newEngine(t, (&scriptedExecutor{}).execute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	r.OnPushEvent(models.RemoteEvent{Type: models.EventStudentBoarded, TripID: "trip-1", StudentID: "s1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Session().Student("s1").Status == models.BoardingStatusBoarded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Push event never reached the controller")
}
