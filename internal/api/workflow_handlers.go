package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/consumer"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

const (
	defaultWorkflowLimit = 50
	maxWorkflowLimit     = 500
	defaultTaskLimit     = 100
	maxTaskLimit         = 1000
)

// listWorkflows handles GET /v1/workflows. Without ?source=db it returns the
// live consumer registry; with it, persisted workflows filtered by
// status/limit/offset.
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "db" {
		s.listStoredWorkflows(w, r)
		return
	}
	if s.deps.Workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "no consumer in this process")
		return
	}
	snaps := s.deps.Workflows.Snapshot()
	out := make([]workflowDTO, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, fromSnapshot(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) listStoredWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultWorkflowLimit, maxWorkflowLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.WorkflowStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	runs, err := s.deps.Repo.ListWorkflows(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list workflows failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	out := make([]workflowDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, fromRun(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// getWorkflow handles GET /v1/workflows/{workflow_id}, preferring the live
// registry and falling back to the repository.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflow_id")
	if s.deps.Workflows != nil {
		if snap, ok := s.deps.Workflows.Get(id); ok {
			writeJSON(w, http.StatusOK, map[string]any{"workflow": fromSnapshot(snap)})
			return
		}
	}
	if s.deps.Repo == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	run, err := s.deps.Repo.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Error("get workflow failed", zap.String("workflow_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": fromRun(run)})
}

// listWorkflowTasks handles GET /v1/workflows/{workflow_id}/tasks from the repository.
func (s *Server) listWorkflowTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "workflow_id")
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	recs, err := s.deps.Repo.ListWorkflowTasks(ctx, id, limit, offset)
	if err != nil {
		s.logger.Error("list workflow tasks failed", zap.String("workflow_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]taskDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, taskDTO{
			TaskID:     rec.TaskID,
			Outcome:    string(rec.Outcome),
			Items:      rec.Items,
			Attempt:    rec.Attempt,
			Error:      rec.ErrorMessage,
			RecordedAt: rec.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.WorkflowStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.WorkflowRunning, nil
	case "completed", "done":
		return store.WorkflowCompleted, nil
	default:
		return "", errors.New("invalid status")
	}
}

type workflowDTO struct {
	WorkflowID     string     `json:"workflow_id"`
	Status         string     `json:"status"`
	TotalTasks     int64      `json:"total_tasks"`
	ProcessedTasks int64      `json:"processed_tasks"`
	TotalItems     int64      `json:"total_items"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ProcessedIDs   []string   `json:"processed_task_ids,omitempty"`
}

type taskDTO struct {
	TaskID     string    `json:"task_id"`
	Outcome    string    `json:"outcome"`
	Items      int64     `json:"items"`
	Attempt    int64     `json:"attempt"`
	Error      *string   `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func fromSnapshot(snap consumer.WorkflowSnapshot) workflowDTO {
	status := store.WorkflowRunning
	if snap.Stats.Complete() {
		status = store.WorkflowCompleted
	}
	return workflowDTO{
		WorkflowID:     snap.WorkflowID,
		Status:         string(status),
		TotalTasks:     int64(snap.Stats.TotalTasks),
		ProcessedTasks: int64(snap.Stats.ProcessedTasks),
		TotalItems:     int64(snap.Stats.TotalItems),
		StartedAt:      snap.Stats.StartTime,
		ProcessedIDs:   snap.Processed,
	}
}

func fromRun(run store.WorkflowRun) workflowDTO {
	return workflowDTO{
		WorkflowID:     run.WorkflowID,
		Status:         string(run.Status),
		TotalTasks:     run.TotalTasks,
		ProcessedTasks: run.ProcessedTasks,
		TotalItems:     run.TotalItems,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}
