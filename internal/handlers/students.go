package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/middleware"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/pkg/utils"
)

// outcomeAlreadyInState answers a repeated confirmation. The record already
// holds the requested status, so the call counts as success.
const outcomeAlreadyInState = "already_in_state"

type stopConfirmRequest struct {
	PhotoRef *string `json:"photo_ref"`
	Override *struct {
		Reason string `json:"reason"`
	} `json:"override"`
}

type absentRequest struct {
	Reason *string `json:"reason"`
}

type stopConfirmFunc func(ctx context.Context, studentID string, photoRef *string, override *models.Override) (boarding.Result, error)

// ConfirmBoarding boards a student at the pickup stop
func ConfirmBoarding(trips TripController) http.HandlerFunc {
	return stopConfirm(trips, trips.ConfirmBoarding)
}

// ConfirmAlighting drops a student off at the dropoff stop
func ConfirmAlighting(trips TripController) http.HandlerFunc {
	return stopConfirm(trips, trips.ConfirmAlighting)
}

func stopConfirm(trips TripController, fn stopConfirmFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "studentID")

		var req stopConfirmRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}

		// The operator on an override is whoever holds the token
		var override *models.Override
		if req.Override != nil {
			userClaims, _ := middleware.GetUserFromContext(r)
			override = &models.Override{OperatorID: userClaims.UserID, Reason: req.Override.Reason}
		}

		res, err := fn(r.Context(), studentID, req.PhotoRef, override)
		respondStudentChange(w, r, trips, studentID, res, err)
	}
}

// MarkAbsent records a pending student as absent
func MarkAbsent(trips TripController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "studentID")

		var req absentRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}

		res, err := trips.MarkAbsent(r.Context(), studentID, req.Reason)
		respondStudentChange(w, r, trips, studentID, res, err)
	}
}

func respondStudentChange(w http.ResponseWriter, r *http.Request, trips TripController, studentID string, res boarding.Result, err error) {
	if errors.Is(err, boarding.ErrAlreadyInState) {
		var record *models.StudentBoardingRecord
		if session := trips.Session(); session != nil {
			record = session.Student(studentID)
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"record":  record,
				"outcome": outcomeAlreadyInState,
			},
		})
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	utils.Success(w, map[string]interface{}{
		"success": true,
		"data":    res,
	})
}
