package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtr002/taskmanager/internal/auth"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/websocket"
)

// Deps are the collaborators the HTTP API is built from. Hub may be nil.
type Deps struct {
	Service    string
	Dispatcher Submitter
	Control    *jobs.Control
	Tokens     *auth.TokenService
	Hub        *websocket.Hub
	Checks     map[string]HealthCheck
}

func NewRouter(d Deps) http.Handler {
	if d.Service == "" {
		d.Service = "api-service"
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)

	health := &healthHandler{service: d.Service, checks: d.Checks}
	r.Get("/health", health.health)
	r.Get("/health/ready", health.readiness)
	r.Get("/health/live", health.liveness)
	r.Handle("/metrics", promhttp.Handler())
	if d.Hub != nil {
		r.Get("/ws", websocket.Handler(d.Hub))
	}

	h := &jobHandler{dispatcher: d.Dispatcher, control: d.Control}
	r.Route("/api/jobs", func(r chi.Router) {
		r.Use(requestLogger)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(d.Tokens))
			r.Post("/send-notification", h.sendNotification)
			r.Post("/bulk-create-tasks", h.bulkCreateTasks)
			r.Post("/generate-report", h.generateReport)
			r.Post("/cleanup-old-tasks", h.cleanupOldTasks)
		})

		r.Get("/task-status/{id}", h.taskStatus)
		r.Get("/active-tasks", h.activeTasks)
		r.Delete("/cancel-task/{id}", h.cancelTask)
		r.Get("/worker-stats", h.workerStats)
		r.Get("/queues", h.queues)
	})

	return r
}
