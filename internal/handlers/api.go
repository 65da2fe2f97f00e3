package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"schooltrip-engine/internal/middleware"
	"schooltrip-engine/internal/websocket"
)

// Deps are the engine components behind the local API
type Deps struct {
	Trips     TripController
	Sync      Connectivity
	Queue     QueueInspector
	Fixes     FixSink
	Hub       *websocket.Hub
	JWTSecret string
}

// NewRouter builds the local engine API used by the driver UI
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// WebSocket endpoint (authentication handled in handler via query param)
	if d.Hub != nil {
		r.Get("/ws", websocket.HandleWebSocket(d.Hub, d.JWTSecret))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(d.JWTSecret))

		r.Route("/trip", func(r chi.Router) {
			r.Get("/", GetTrip(d.Trips))
			r.Get("/summary", GetTripSummary(d.Trips))
			r.Post("/start", StartTrip(d.Trips))
			r.Post("/complete", CompleteTrip(d.Trips))
			r.Post("/cancel", CancelTrip(d.Trips))
			r.Post("/emergency", RaiseEmergency(d.Trips))

			r.Post("/students/{studentID}/board", ConfirmBoarding(d.Trips))
			r.Post("/students/{studentID}/alight", ConfirmAlighting(d.Trips))
			r.Post("/students/{studentID}/absent", MarkAbsent(d.Trips))
			r.Get("/students/{studentID}/eta", GetStudentETA(d.Trips))
		})

		if d.Fixes != nil {
			r.Post("/location/fix", PushLocationFix(d.Fixes))
		}
		r.Post("/sync/connectivity", SetConnectivity(d.Sync))

		r.Get("/queue/stats", GetQueueStats(d.Queue, d.Sync))
		r.Get("/queue/dead-letters", GetDeadLetters(d.Queue))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleOperator))
			r.Post("/queue/dead-letters/{id}/ack", AcknowledgeDeadLetter(d.Queue))
		})
	})

	return r
}
