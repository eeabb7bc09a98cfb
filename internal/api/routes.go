package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Stories
	mux.Handle("POST /api/v1/stories", chain(http.HandlerFunc(h.CreateStory)))

	// Schedules
	mux.Handle("GET /api/v1/stories/{id}/schedule", chain(http.HandlerFunc(h.GetSchedule)))
	mux.Handle("POST /api/v1/stories/{id}/schedule", chain(http.HandlerFunc(h.CreateSchedule)))
	mux.Handle("DELETE /api/v1/stories/{id}/schedule", chain(http.HandlerFunc(h.CancelSchedule)))

	// Scheduler
	mux.Handle("GET /api/v1/scheduler/health", chain(http.HandlerFunc(h.Health)))
	mux.Handle("POST /api/v1/jobs/{key}/retry", chain(http.HandlerFunc(h.RetryJob)))
}
