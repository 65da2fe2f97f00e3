package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/middleware"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/pkg/utils"
)

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// fixRequest is one platform reading. A reading is either a sample, a
// no-signal report or a permission change.
type fixRequest struct {
	models.GeoSample
	NoSignal   bool  `json:"no_signal"`
	Permission *bool `json:"permission"`
}

// SetConnectivity reports a network change from the platform
func SetConnectivity(link Connectivity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectivityRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}
		if req.Online == nil {
			badRequest(w, errors.New("online is required"))
			return
		}

		link.OnConnectivityChanged(*req.Online)
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    map[string]bool{"online": link.Online()},
		})
	}
}

// PushLocationFix bridges device GPS readings into the sampler
func PushLocationFix(fixes FixSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req fixRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			badRequest(w, err)
			return
		}

		switch {
		case req.Permission != nil:
			fixes.SetPermission(*req.Permission)
		case req.NoSignal:
			fixes.ReportNoSignal()
		default:
			if req.CapturedAt.IsZero() {
				req.CapturedAt = time.Now().UTC()
			}
			if err := fixes.Push(req.GeoSample); err != nil {
				respondError(w, r, err)
				return
			}
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// GetQueueStats returns queue occupancy
func GetQueueStats(q QueueInspector, link Connectivity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats(r.Context())
		if err != nil {
			respondError(w, r, err)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"stats":  stats,
				"online": link.Online(),
			},
		})
	}
}

// GetDeadLetters lists actions that exhausted their retries
func GetDeadLetters(q QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		letters, err := q.DeadLetters(r.Context())
		if err != nil {
			respondError(w, r, err)
			return
		}
		utils.Success(w, map[string]interface{}{
			"success": true,
			"data":    letters,
		})
	}
}

// AcknowledgeDeadLetter drops a dead letter after an operator handled it
func AcknowledgeDeadLetter(q QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := q.AcknowledgeDeadLetter(r.Context(), id); err != nil {
			respondError(w, r, err)
			return
		}

		userClaims, _ := middleware.GetUserFromContext(r)
		log.Info().
			Str("component", "api").
			Str("action_id", id).
			Str("user_id", userClaims.UserID).
			Msg("Dead letter acknowledged")

		utils.Success(w, map[string]interface{}{
			"success": true,
		})
	}
}
