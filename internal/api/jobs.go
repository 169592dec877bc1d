package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/logger"
)

const defaultNotificationType = "task_created"

// Submitter enqueues a job.
type Submitter interface {
	Submit(ctx context.Context, p jobs.Payload) (string, error)
}

type jobHandler struct {
	dispatcher Submitter
	control    *jobs.Control
}

type submitResponse struct {
	Message    string `json:"message"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	TotalTasks *int   `json:"total_tasks,omitempty"`
}

type notificationRequest struct {
	TaskTitle        string `json:"task_title"`
	NotificationType string `json:"notification_type"`
}

type bulkCreateRequest struct {
	Tasks []jobs.BulkTaskItem `json:"tasks"`
}

func (h *jobHandler) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	q := r.URL.Query()
	if req.TaskTitle == "" {
		req.TaskTitle = q.Get("task_title")
	}
	if req.NotificationType == "" {
		req.NotificationType = q.Get("notification_type")
	}
	if req.NotificationType == "" {
		req.NotificationType = defaultNotificationType
	}

	userID, _ := UserIDFromContext(r.Context())
	p := jobs.NotifyPayload{
		UserID:           userID,
		TaskTitle:        req.TaskTitle,
		NotificationType: req.NotificationType,
	}
	if err := jobs.Validate(p); err != nil {
		writeError(w, http.StatusBadRequest, "task_title is required")
		return
	}

	h.submit(w, r, p, submitResponse{Message: "Email notification task started"})
}

func (h *jobHandler) bulkCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	switch {
	case len(req.Tasks) == 0:
		writeError(w, http.StatusBadRequest, "No tasks provided")
		return
	case len(req.Tasks) > jobs.MaxBulkItems:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Maximum %d tasks allowed per bulk operation", jobs.MaxBulkItems))
		return
	}
	for _, item := range req.Tasks {
		if item.Title == "" {
			writeError(w, http.StatusBadRequest, "Each task must have a title")
			return
		}
	}

	userID, _ := UserIDFromContext(r.Context())
	p := jobs.BulkCreatePayload{UserID: userID, Tasks: req.Tasks}
	if err := jobs.Validate(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	total := len(req.Tasks)
	h.submit(w, r, p, submitResponse{
		Message:    fmt.Sprintf("Bulk task creation started for %d tasks", total),
		TotalTasks: &total,
	})
}

func (h *jobHandler) generateReport(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	h.submit(w, r, jobs.ReportPayload{UserID: userID}, submitResponse{Message: "Report generation started"})
}

func (h *jobHandler) cleanupOldTasks(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, jobs.CleanupPayload{}, submitResponse{Message: "Cleanup task started"})
}

func (h *jobHandler) submit(w http.ResponseWriter, r *http.Request, p jobs.Payload, resp submitResponse) {
	log := logger.WithCorrelationID(getCorrelationID(r.Context()))

	id, err := h.dispatcher.Submit(r.Context(), p)
	if err != nil {
		log.Error().Err(err).Str("type", string(p.Type())).Msg("Failed to submit job")
		if errors.Is(err, interfaces.ErrStoreUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Detail: "Job store unavailable",
				Error:  "StoreUnavailable",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	resp.TaskID = id
	resp.Status = string(interfaces.StatePending)
	log.Info().Str("job_id", id).Str("type", string(p.Type())).Msg("Job submitted via API")
	writeJSON(w, http.StatusOK, resp)
}

func (h *jobHandler) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.control.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", id))
			return
		}
		logger.WithCorrelationID(getCorrelationID(r.Context())).Error().Err(err).Str("job_id", id).Msg("Failed to get job status")
		writeError(w, http.StatusInternalServerError, "Failed to fetch task status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *jobHandler) activeTasks(w http.ResponseWriter, r *http.Request) {
	active, err := h.control.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch active tasks: "+err.Error())
		return
	}
	if len(active) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"active_tasks": []jobs.ActiveJob{},
			"message":      "No active tasks",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_tasks": active,
		"total_active": len(active),
	})
}

func (h *jobHandler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prev, err := h.control.Revoke(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to cancel task: "+err.Error())
		return
	}

	msg := fmt.Sprintf("Task %s has been cancelled", id)
	if prev.Terminal() {
		msg = fmt.Sprintf("Task %s already finished", id)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        msg,
		"task_id":        id,
		"previous_state": prev,
	})
}

func (h *jobHandler) workerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.control.WorkerStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch worker stats: "+err.Error())
		return
	}
	if len(stats) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workers": []jobs.WorkerStat{},
			"message": "No workers available",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers":       stats,
		"total_workers": len(stats),
	})
}

func (h *jobHandler) queues(w http.ResponseWriter, r *http.Request) {
	lengths, err := h.control.QueueLengths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch queue lengths: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": lengths})
}

// decodeOptionalJSON decodes the body into v unless it is empty.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
