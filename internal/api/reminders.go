package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
)

// RemindersAPI handles reminder history endpoints
type RemindersAPI struct {
	service *notifications.Service
}

// NewRemindersAPI creates a new reminders API
func NewRemindersAPI(service *notifications.Service) *RemindersAPI {
	return &RemindersAPI{service: service}
}

// RegisterRoutes mounts the reminder routes on r
func (api *RemindersAPI) RegisterRoutes(r chi.Router) {
	r.Get("/reminders", api.handleListReminders)
	r.Get("/reminders/stats", api.handleReminderStats)
	r.Get("/reminders/{id}", api.handleGetReminder)
	r.Post("/reminders/{id}/read", api.handleMarkReminderRead)
}

// handleListReminders returns reminders with optional filters
func (api *RemindersAPI) handleListReminders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := notifications.ReminderFilter{
		TaskID: q.Get("task_id"),
		Action: core.NotificationAction(q.Get("action")),
	}
	if read := q.Get("read"); read != "" {
		b := read == "true"
		filter.Read = &b
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	reminders, err := api.service.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reminders": reminders,
		"count":     len(reminders),
	})
}

func (api *RemindersAPI) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	reminder, err := api.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, reminderStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, reminder)
}

func (api *RemindersAPI) handleMarkReminderRead(w http.ResponseWriter, r *http.Request) {
	if err := api.service.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, reminderStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "marked as read"})
}

func (api *RemindersAPI) handleReminderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.service.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func reminderStatus(err error) int {
	if errors.Is(err, notifications.ErrReminderNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
