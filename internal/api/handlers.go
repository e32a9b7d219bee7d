package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/location"
	"github.com/trilliondigital/near-me-sub005/internal/monitor"
)

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, core.ErrMonitoringFailed), errors.Is(err, core.ErrDispatchUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	monitor.Status
	Device *location.BridgeStatus `json:"device,omitempty"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.monitor.Status()}
	if s.bridge != nil {
		st := s.bridge.Status()
		resp.Device = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetGeofences(w http.ResponseWriter, r *http.Request) {
	geofences := s.monitor.Geofences()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"geofences": geofences,
		"count":     len(geofences),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.monitor.Tasks().ListTasks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  tasks,
		"active": s.monitor.ActiveTasks(),
	})
}

// AddPlaceRequest stores a place for a task. An empty tier list stores every tier.
type AddPlaceRequest struct {
	Label string              `json:"label"`
	Lat   float64             `json:"lat"`
	Lon   float64             `json:"lon"`
	Tiers []core.GeofenceTier `json:"tiers,omitempty"`
}

func (s *Server) handleAddPlace(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req AddPlaceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	center := core.Coordinate{Lat: req.Lat, Lon: req.Lon}
	if !center.Valid() {
		respondError(w, http.StatusBadRequest, core.ErrInvalidCoordinate.Error())
		return
	}

	tiers := req.Tiers
	if len(tiers) == 0 {
		tiers = core.AllTiers
	}
	for _, tier := range tiers {
		spec := core.GeofenceSpec{TaskID: taskID, Label: req.Label, Center: center, Tier: tier}
		if err := s.monitor.Tasks().SaveTaskPlace(r.Context(), spec); err != nil {
			respondError(w, statusFor(err), err.Error())
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id": taskID,
		"tiers":   tiers,
	})
}

// handleActivateTask registers the task's geofences. A partial activation
// still answers 200 with the error as a warning.
func (s *Server) handleActivateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	added, err := s.monitor.ActivateTask(r.Context(), taskID)
	if err != nil && len(added) == 0 {
		respondError(w, statusFor(err), err.Error())
		return
	}

	resp := map[string]interface{}{
		"task_id":   taskID,
		"geofences": added,
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeactivateTask(w http.ResponseWriter, r *http.Request) {
	removed := s.monitor.DeactivateTask(r.Context(), chi.URLParam(r, "taskID"))
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	n, err := s.monitor.DeleteTask(r.Context(), taskID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if n == 0 {
		respondError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted_places": n})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.monitor.OnResume(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	s.monitor.OnBackground(r.Context())
	respondJSON(w, http.StatusOK, s.monitor.Status().Optimization)
}

func (s *Server) handleEmergencyOn(w http.ResponseWriter, r *http.Request) {
	t := s.monitor.ActivateEmergencyPowerSave(r.Context())
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleEmergencyOff(w http.ResponseWriter, r *http.Request) {
	t, changed := s.monitor.DeactivateEmergencyPowerSave(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"changed":    changed,
		"transition": t,
		"level":      s.monitor.Status().Optimization.Level,
	})
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ResetMetrics(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.monitor.Status().Metrics)
}
