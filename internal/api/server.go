// Package api provides the HTTP API server for the near-me daemon.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trilliondigital/near-me-sub005/internal/location"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/monitor"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *logging.Logger

	monitor       *monitor.Monitor
	notifications *notifications.Service
	bridge        *location.Bridge
	deviceToken   string
	wsHub         *WebSocketHub
}

// Config for the server
type Config struct {
	Host          string
	Port          int
	Monitor       *monitor.Monitor
	Notifications *notifications.Service
	// Bridge serves /ws/device. Nil leaves the route unmounted.
	Bridge *location.Bridge
	// DeviceToken, when set, must match the token query parameter of /ws/device.
	DeviceToken string
	Logger      *logging.Logger
}

// New creates a new API server. The reminder hub subscribes to the
// notification service so connected clients receive reminders live.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithField("component", "api")
	}

	s := &Server{
		logger:        logger,
		monitor:       cfg.Monitor,
		notifications: cfg.Notifications,
		bridge:        cfg.Bridge,
		deviceToken:   cfg.DeviceToken,
		wsHub:         NewWebSocketHub(logger.WithField("component", "ws")),
	}
	if s.notifications != nil {
		s.notifications.Subscribe(s.wsHub)
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the reminder websocket hub
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		if s.monitor != nil {
			r.Get("/status", s.handleGetStatus)
			r.Get("/geofences", s.handleGetGeofences)

			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks/{taskID}/places", s.handleAddPlace)
			r.Post("/tasks/{taskID}/activate", s.handleActivateTask)
			r.Post("/tasks/{taskID}/deactivate", s.handleDeactivateTask)
			r.Delete("/tasks/{taskID}", s.handleDeleteTask)

			r.Post("/lifecycle/resume", s.handleResume)
			r.Post("/lifecycle/background", s.handleBackground)

			r.Post("/power/emergency", s.handleEmergencyOn)
			r.Delete("/power/emergency", s.handleEmergencyOff)
			r.Post("/metrics/reset", s.handleResetMetrics)
		}

		if s.notifications != nil {
			NewRemindersAPI(s.notifications).RegisterRoutes(r)
		}
	})

	// Websockets sit outside the request timeout
	r.Get("/ws", s.wsHub.ServeHTTP)
	if s.bridge != nil {
		r.Get("/ws/device", s.handleDevice)
	}

	s.router = r
}

// Start starts the HTTP server and the websocket hub. It returns
// http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	go s.wsHub.Run()

	s.logger.Info("API server starting on http://%s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.notifications != nil {
		s.notifications.Unsubscribe(s.wsHub.ID())
	}
	s.wsHub.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if s.deviceToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deviceToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid device token")
			return
		}
	}
	s.bridge.ServeHTTP(w, r)
}

// --- Response helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
