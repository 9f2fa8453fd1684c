package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/martec-compiler/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, len(session.States))
	for state, n := range s.sessions.Counts() {
		counts[string(state)] = n
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Sessions:          counts,
		ConfigFingerprint: s.config.Fingerprint,
	})
}

// handleCreateSession handles POST /create-session and GET /start_session.
// The response body is the bare session id.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Create(r.Context())
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeText(w, http.StatusOK, id)
}

// handleRunSession handles POST /run-session and GET /run_session. Without
// async=true the response is held until the build completes.
func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		writeText(w, http.StatusBadRequest, "Missing session_id parameter")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if _, err := s.sessions.StartBuildAsync(r.Context(), id); err != nil {
			s.writeRunError(w, id, err)
			return
		}
		writeText(w, http.StatusAccepted, "Accepted")
		return
	}

	if _, err := s.sessions.StartBuild(r.Context(), id); err != nil {
		s.writeRunError(w, id, err)
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) writeRunError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, session.ErrUnknownSession) {
		writeText(w, http.StatusNotFound, "Session not found")
		return
	}
	s.logger.Error("build failed", "session_id", id, "error", err)
	writeText(w, http.StatusInternalServerError, "Build failed: "+err.Error())
}

// handleStatus handles GET /status and GET /.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Snapshot())
}

// handleGetSession handles GET /session/{id}. Jobs from earlier runs are
// served from history.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(r, chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleSessionLog handles GET /session/{id}/log.
func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(r, chi.URLParam(r, "id"))
	if !ok {
		writeText(w, http.StatusNotFound, "Session not found")
		return
	}

	f, err := os.Open(filepath.Join(job.Workspace, s.config.LogFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to open build log", "session_id", job.ID, "error", err)
		}
		writeText(w, http.StatusNotFound, "Log not available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to read log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, s.config.LogFile, info.ModTime(), f)
}

// handleHistory handles GET /history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history persistence is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if jobs == nil {
		jobs = []session.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) lookup(r *http.Request, id string) (session.Job, bool) {
	if job, ok := s.sessions.Get(id); ok {
		return job, true
	}
	if s.history == nil {
		return session.Job{}, false
	}
	job, ok, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read history", "session_id", id, "error", err)
		return session.Job{}, false
	}
	return job, ok
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
