package api

import (
	"net/http"

	"github.com/shaiso/Serial/internal/domain"
)

// Health возвращает сводку по заданиям и очереди.
// GET /api/v1/scheduler/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.Health(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, HealthFromDomain(report))
}

// RetryJob возвращает FAILED_TERMINAL задание в работу.
// POST /api/v1/jobs/{key}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	key := domain.JobKey(r.PathValue("key"))
	if _, _, err := key.Parse(); err != nil {
		BadRequest(w, err.Error())
		return
	}

	job, err := h.scheduler.RetryJob(r.Context(), key)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, JobFromDomain(job))
}
