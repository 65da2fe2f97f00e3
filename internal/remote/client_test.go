package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/queue"
)

func studentAction(kind models.ActionKind) models.QueuedAction {
	sid := "s1"
	return models.QueuedAction{
		ID:        "action-1",
		TripID:    "trip-1",
		StudentID: &sid,
		Kind:      kind,
		Payload:   []byte(`{"studentId":"s1"}`),
	}
}

func TestPathFor(t *testing.T) {
	tests := []struct {
		kind models.ActionKind
		want string
	}{
		{models.ActionBoarding, "/trips/trip-1/boarding/pickup"},
		{models.ActionAlighting, "/trips/trip-1/alighting/dropoff"},
		{models.ActionAbsence, "/trips/trip-1/attendance/absent"},
		{models.ActionLocationPing, "/location"},
		{models.ActionEmergencyAlert, "/emergency"},
		{models.ActionTripStart, "/trips/trip-1/start"},
		{models.ActionTripComplete, "/trips/trip-1/complete"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := PathFor(studentAction(tt.kind))
			if err != nil {
				t.Fatalf("PathFor failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := PathFor(studentAction("teleport")); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestExecuteSendsActionPayload(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret-token", time.Second)
	if err := client.Execute(context.Background(), studentAction(models.ActionBoarding)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotPath != "/trips/trip-1/boarding/pickup" {
		t.Errorf("Unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Unexpected auth header %q", gotAuth)
	}
	if gotKey != "action-1" {
		t.Errorf("Unexpected idempotency key %q", gotKey)
	}
	if gotBody["studentId"] != "s1" {
		t.Errorf("Unexpected body %v", gotBody)
	}
}

func TestExecuteClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantIs    error
		retryable bool
	}{
		{"conflict means already applied", http.StatusConflict, queue.ErrAlreadyApplied, false},
		{"bad request is rejected", http.StatusBadRequest, queue.ErrRejected, false},
		{"not found is rejected", http.StatusNotFound, queue.ErrRejected, false},
		{"rate limit is retryable", http.StatusTooManyRequests, nil, true},
		{"server error is retryable", http.StatusBadGateway, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			err := NewClient(server.URL, "", time.Second).Execute(context.Background(), studentAction(models.ActionAbsence))
			if err == nil {
				t.Fatal("Expected error")
			}

			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
				t.Fatalf("Expected StatusError %d, got %v", tt.status, err)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("Expected errors.Is %v, got %v", tt.wantIs, err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestExecuteTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewClient(url, "", time.Second).Execute(context.Background(), studentAction(models.ActionBoarding))
	if err == nil || !IsRetryable(err) {
		t.Errorf("Expected retryable transport error, got %v", err)
	}
}

func TestExecuteWithoutBaseURL(t *testing.T) {
	err := NewClient("", "", time.Second).Execute(context.Background(), studentAction(models.ActionBoarding))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
}
