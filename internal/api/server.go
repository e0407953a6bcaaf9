// Package api exposes the webhook endpoint and the operator routes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/webhook"
)

// Server routes HTTP traffic to the webhook handler and the sync queue.
type Server struct {
	hook    *webhook.Handler
	sched   webhook.Scheduler
	allowed map[int64]bool
	version string
}

// NewServer creates a new API server. A nil allowed set admits every
// project.
func NewServer(hook *webhook.Handler, sched webhook.Scheduler, allowed map[int64]bool, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{hook: hook, sched: sched, allowed: allowed, version: version}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Filevine posts to the root path; /webhook is kept for proxies.
	mux.Handle("POST /{$}", s.hook)
	mux.Handle("POST /webhook", s.hook)

	mux.Handle("POST /api/v1/projects/{id}/sync", s.hook.Protect(http.HandlerFunc(s.handleQueueSync)))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleQueueSync(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid project id"})
		return
	}
	if len(s.allowed) > 0 && !s.allowed[id] {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "project not in allow-list"})
		return
	}
	if err := s.sched.Enqueue(r.Context(), id); err != nil {
		logging.WithContext(r.Context()).Error("queue sync failed", logging.ProjectID(id), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync queue unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "projectId": id})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
