package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"bmsreport/internal/util"
	"bmsreport/pkg/domain"
	"bmsreport/services/notifier/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	InternalToken string
}

// Server exposes health and job status endpoints for the notifier.
type Server struct {
	app           *app.App
	internalToken string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("notifier app is required")
	}
	token := strings.TrimSpace(cfg.InternalToken)
	if token == "" {
		return nil, errors.New("internal token is required")
	}
	s := &Server{
		app:           cfg.App,
		internalToken: token,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("notifier", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /notifier/jobs/{id}", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
			writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.app.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("get job failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, domain.CodeStorageUnavailable, "job status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"code":      code,
		"requestId": strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
