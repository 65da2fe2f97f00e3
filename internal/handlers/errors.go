package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/location"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/trip"
	"schooltrip-engine/pkg/utils"
)

// respondError maps engine errors onto HTTP statuses and error codes
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		violation  *boarding.GeofenceViolationError
		incomplete *trip.IncompleteBoardingError
	)

	switch {
	case errors.As(err, &violation):
		utils.ErrorWithDetails(w, http.StatusUnprocessableEntity, "geofence_violation", err.Error(), map[string]any{
			"student_id":      violation.StudentID,
			"stop_id":         violation.StopID,
			"distance_meters": violation.DistanceMeters,
			"radius_meters":   violation.RadiusMeters,
		})
	case errors.As(err, &incomplete):
		utils.ErrorWithDetails(w, http.StatusConflict, "incomplete_boarding", err.Error(), map[string]any{
			"student_ids": incomplete.StudentIDs,
		})

	case errors.Is(err, location.ErrLocationUnavailable):
		utils.Error(w, http.StatusServiceUnavailable, "location_unavailable", err.Error())
	case errors.Is(err, trip.ErrNoActiveTrip):
		utils.Error(w, http.StatusNotFound, "no_active_trip", err.Error())
	case errors.Is(err, boarding.ErrUnknownStudent):
		utils.Error(w, http.StatusNotFound, "unknown_student", err.Error())
	case errors.Is(err, database.ErrActionNotFound):
		utils.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, trip.ErrNoETA):
		utils.Error(w, http.StatusConflict, "no_eta", err.Error())

	case errors.Is(err, boarding.ErrOverrideNotAllowed):
		utils.Error(w, http.StatusForbidden, "override_not_allowed", err.Error())
	case errors.Is(err, boarding.ErrOverrideIncomplete),
		errors.Is(err, geo.ErrInvalidCoordinate):
		utils.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, location.ErrProviderBusy):
		utils.Error(w, http.StatusTooManyRequests, "provider_busy", err.Error())
	case errors.Is(err, location.ErrNotTracking):
		utils.Error(w, http.StatusConflict, "not_tracking", err.Error())
	case errors.Is(err, trip.ErrChangeInProgress):
		utils.Error(w, http.StatusConflict, "change_in_progress", err.Error())

	case errors.Is(err, queue.ErrRejected):
		utils.Error(w, http.StatusConflict, "rejected", err.Error())
	case errors.Is(err, boarding.ErrInvalidTransition),
		errors.Is(err, boarding.ErrTripNotActive),
		errors.Is(err, trip.ErrInvalidTripTransition),
		errors.Is(err, trip.ErrTripMismatch),
		errors.Is(err, trip.ErrTripLoaded):
		utils.Error(w, http.StatusConflict, "invalid_state", err.Error())

	default:
		log.Error().Err(err).Str("component", "api").Str("path", r.URL.Path).Msg("Request failed")
		utils.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func badRequest(w http.ResponseWriter, err error) {
	utils.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
}
