package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/trip"
	"schooltrip-engine/pkg/utils"
)

type tripRequest struct {
	TripID string `json:"trip_id"`
}

type emergencyRequest struct {
	Reason *string `json:"reason"`
}

type lifecycleFunc func(ctx context.Context, tripID string) (*models.TripSession, error)

// GetTrip returns the loaded trip session
func GetTrip(trips TripController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := trips.Session()
		if session == nil {
			respondError(w, r, trip.ErrNoActiveTrip)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    session,
		})
	}
}

// GetTripSummary returns boarding counts for the loaded trip
func GetTripSummary(trips TripController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := trips.BoardingSummary()
		if err != nil {
			respondError(w, r, err)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    summary,
		})
	}
}

// StartTrip, CompleteTrip and CancelTrip take an optional trip_id that must
// match the loaded trip
func StartTrip(trips TripController) http.HandlerFunc {
	return tripLifecycle("start", trips.StartTrip)
}

func CompleteTrip(trips TripController) http.HandlerFunc {
	return tripLifecycle("complete", trips.CompleteTrip)
}

func CancelTrip(trips TripController) http.HandlerFunc {
	return tripLifecycle("cancel", trips.CancelTrip)
}

func tripLifecycle(op string, fn lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tripRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}

		session, err := fn(r.Context(), req.TripID)
		if err != nil {
			respondError(w, r, err)
			return
		}

		log.Info().
			Str("component", "api").
			Str("op", op).
			Str("trip_id", session.ID).
			Str("status", string(session.Status)).
			Msg("Trip lifecycle request handled")

		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    session,
		})
	}
}

// GetStudentETA estimates arrival at the student's next stop
func GetStudentETA(trips TripController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eta, err := trips.ETAToStudentStop(chi.URLParam(r, "studentID"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    eta,
		})
	}
}

// RaiseEmergency sends an emergency alert for the loaded trip
func RaiseEmergency(trips TripController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req emergencyRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}

		outcome, err := trips.RaiseEmergency(r.Context(), req.Reason)
		if err != nil {
			respondError(w, r, err)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"outcome": outcome},
		})
	}
}
