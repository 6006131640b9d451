// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api exposes the worker's HTTP surface: job intake and status,
// artifact downloads, health, and Prometheus metrics. The job endpoints
// require the worker bearer token; artifact downloads are public because
// artifact URLs are handed to callers in callbacks.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"soundmaxx/internal/worker/config"
	"soundmaxx/internal/worker/engine"
	"soundmaxx/internal/worker/events"
	"soundmaxx/internal/worker/metrics"
	"soundmaxx/internal/worker/signing"
)

// JobService is the engine surface the API depends on.
type JobService interface {
	Submit(req engine.JobRequest) engine.Status
	GetStatus(jobID string) (engine.Status, bool)
	JobEvents(ctx context.Context, jobID string) ([]events.Event, error)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

// jobView is a job status with its transition history attached when the
// event store is enabled.
type jobView struct {
	engine.Status
	Events []events.Event `json:"events,omitempty"`
}

// Handler serves the worker API.
type Handler struct {
	cfg    config.Config
	jobs   JobService
	logger *log.Logger
}

// New builds the worker's HTTP handler.
func New(cfg config.Config, jobs JobService, logger *log.Logger) http.Handler {
	h := &Handler{cfg: cfg, jobs: jobs, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/jobs", h.handleJobs)
	mux.HandleFunc("/jobs/", h.handleJob)
	mux.HandleFunc("/outputs/", h.handleOutput)
	mux.Handle("/metrics", metrics.Handler())

	var handler http.Handler = mux
	if cfg.RateLimitRPS > 0 {
		handler = rateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, handler)
	}
	return handler
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

// authorize checks the bearer token and writes the 401 itself on failure.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if err := signing.VerifyBearer(r.Header.Get("Authorization"), h.cfg.APIKey); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "worker": "soundmaxx"})
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	var req engine.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "request body is not valid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	status := h.jobs.Submit(req)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}

	status, ok := h.jobs.GetStatus(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}

	view := jobView{Status: status}
	evs, err := h.jobs.JobEvents(r.Context(), jobID)
	if err != nil {
		h.logf("job %s: list events: %v", jobID, err)
	} else {
		view.Events = evs
	}
	writeJSON(w, http.StatusOK, view)
}

// handleOutput serves produced artifacts. Paths are /outputs/{jobId}/{file};
// both segments must be plain names so the handler cannot escape OutputRoot.
func (h *Handler) handleOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/outputs/")
	jobID, name, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" || name == "" ||
		strings.Contains(name, "/") || jobID == ".." || name == ".." {
		writeError(w, http.StatusNotFound, "not_found", "unknown artifact")
		return
	}

	http.ServeFile(w, r, filepath.Join(h.cfg.OutputRoot, jobID, name))
}
