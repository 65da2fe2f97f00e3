package handlers

import (
	"context"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/models"
)

// TripController is the trip session surface the API drives
type TripController interface {
	Session() *models.TripSession
	BoardingSummary() (models.BoardingSummary, error)
	StartTrip(ctx context.Context, tripID string) (*models.TripSession, error)
	CompleteTrip(ctx context.Context, tripID string) (*models.TripSession, error)
	CancelTrip(ctx context.Context, tripID string) (*models.TripSession, error)
	ConfirmBoarding(ctx context.Context, studentID string, photoRef *string, override *models.Override) (boarding.Result, error)
	ConfirmAlighting(ctx context.Context, studentID string, photoRef *string, override *models.Override) (boarding.Result, error)
	MarkAbsent(ctx context.Context, studentID string, reason *string) (boarding.Result, error)
	ETAToStudentStop(studentID string) (models.ETAEstimate, error)
	RaiseEmergency(ctx context.Context, reason *string) (models.DispatchOutcome, error)
}

// Connectivity receives link changes reported by the platform
type Connectivity interface {
	OnConnectivityChanged(online bool)
	Online() bool
}

// QueueInspector exposes queue state and dead-letter handling
type QueueInspector interface {
	Stats(ctx context.Context) (models.QueueStats, error)
	DeadLetters(ctx context.Context) ([]models.DeadLetter, error)
	AcknowledgeDeadLetter(ctx context.Context, id string) error
}

// FixSink takes raw platform location readings
type FixSink interface {
	Push(sample models.GeoSample) error
	SetPermission(granted bool)
	ReportNoSignal()
}
