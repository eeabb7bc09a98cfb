package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/scheduler"
)

// CreateStory регистрирует историю, опционально сразу с расписанием.
// POST /api/v1/stories
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req CreateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	// Валидация
	if strings.TrimSpace(req.ID) == "" {
		BadRequest(w, "id is required")
		return
	}
	if req.TotalEpisodes <= 0 {
		BadRequest(w, "total_episodes must be positive")
		return
	}

	register := scheduler.RegisterRequest{
		StoryID:       req.ID,
		TotalEpisodes: req.TotalEpisodes,
	}
	if req.Schedule != nil {
		policy, err := req.Schedule.ToPolicy()
		if HandleError(w, h.logger, err) {
			return
		}
		register.Schedule = &policy
	}

	status, err := h.scheduler.RegisterStory(r.Context(), register)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, ScheduleStatusFromDomain(status))
}

// GetSchedule возвращает состояние расписания истории.
// GET /api/v1/stories/{id}/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetScheduleStatus(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleStatusFromDomain(status))
}

// CreateSchedule создаёт расписание выпуска эпизодов.
// POST /api/v1/stories/{id}/schedule
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	policy, err := req.ToPolicy()
	if HandleError(w, h.logger, err) {
		return
	}

	status, err := h.scheduler.CreateSchedule(r.Context(), r.PathValue("id"), policy)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, ScheduleStatusFromDomain(status))
}

// CancelSchedule снимает расписание истории.
// DELETE /api/v1/stories/{id}/schedule
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.CancelSchedule(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}

	keys := result.Keys
	if keys == nil {
		keys = []domain.JobKey{}
	}
	Success(w, CancelResponse{
		StoryID:   result.StoryID,
		Cancelled: result.Cancelled,
		Keys:      keys,
	})
}
