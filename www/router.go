package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"

	"matflow/engine"
)

type Handlers struct {
	engine   *engine.Engine
	sessions *sessions.CookieStore
	eventHub *EventHub
	validate *validator.Validate
}

func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	hub := NewEventHub()
	hub.Start()
	hub.SetupEngineListeners(eng)

	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web.SessionSecret),
		eventHub: hub,
		validate: validator.New(),
	}

	h.ensureDefaultAdmin(eng.DB())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// SSE
	r.Get("/events", hub.SSEHandler)

	r.Post("/login", h.handleLogin)
	r.Get("/logout", h.handleLogout)

	// Line terminals and storekeepers
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.apiHealthCheck)

		r.Post("/allocate", h.apiAllocate)
		r.Get("/runs/{id}/snapshot", h.apiSnapshot)
		r.Get("/runs/{id}/movements", h.apiRunMovements)
		r.Get("/runs/{id}/transitions", h.apiRunTransitions)
		r.Get("/movements", h.apiRecentMovements)
		r.Get("/movements/{id}", h.apiMovement)
		r.Get("/items", h.apiItems)
		r.Get("/stock", h.apiStock)
		r.Post("/runs/{id}/scan", h.apiScan)
		r.Post("/runs/{id}/transition", h.apiTransition)
		r.Post("/runs/{id}/claim", h.apiClaim)
		r.Post("/runs/{id}/leave", h.apiLeave)
		r.Post("/runs/{id}/output", h.apiRecordOutput)
		r.Get("/lines/{line}/queue", h.apiLineQueue)
		r.Post("/lines/{line}/close", h.apiCloseProduction)

		r.Get("/batch-codes/next", h.apiNextBatchCode)
		r.Get("/batch-codes/validate", h.apiValidateBatchCode)
		r.Get("/items/{code}/conversion", h.apiConversion)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/api/config/factory", h.apiGetFactory)
		r.Post("/api/config/factory", h.apiSetFactory)
		r.Post("/api/runs", h.apiScheduleRun)
		r.Post("/api/stock", h.apiSetStock)
		r.Post("/api/movements", h.apiManualMovement)
		r.Get("/api/audit", h.apiAuditLog)
	})

	stopFn := func() {
		hub.Stop()
	}

	return r, stopFn
}
