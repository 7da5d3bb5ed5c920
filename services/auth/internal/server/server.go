package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bmsreport/internal/util"
	"bmsreport/pkg/domain"
	"bmsreport/services/auth/internal/app"
	"bmsreport/services/auth/internal/security"
)

const maxJSONBody = 1 << 20

// Alerter records security events.
type Alerter interface {
	Observe(ctx context.Context, event, outcome, ip string) (security.AlertResult, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Alerter        Alerter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app     *app.App
	alerter Alerter
	proxies *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("auth app is required")
	}
	s := &Server{
		app:     cfg.App,
		alerter: cfg.Alerter,
		proxies: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("auth", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	s.mux.HandleFunc("GET /auth/jwks", s.handleJWKS)

	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.Handle("GET /auth/me", s.authenticated(s.handleMe))

	// admin
	s.mux.Handle("POST /auth/admin/users/{id}/revoke", s.adminOnly(s.handleRevokeUser))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.observe(r, security.EventAuthorize, security.OutcomeFail)
			writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
			return
		}
		user, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				s.observe(r, security.EventAuthorize, security.OutcomeFail)
				writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
				return
			}
			util.LoggerFromContext(r.Context()).Error("authorize failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, domain.CodeStorageUnavailable, "auth temporarily unavailable")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, domain.CodeForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid JSON body")
		return
	}
	user, session, err := s.app.Login(r.Context(), req.Email, req.Password, s.clientIP(r))
	switch {
	case err == nil:
		s.observe(r, security.EventLogin, security.OutcomeSuccess)
		writeJSON(w, http.StatusOK, loginResponse{Token: session.Token, ExpiresAt: session.ExpiresAt, User: user})
	case errors.Is(err, app.ErrEmailAndPasswordRequired):
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		s.observe(r, security.EventLogin, security.OutcomeRateLimited)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		s.observe(r, security.EventLogin, security.OutcomeFail)
		writeError(w, http.StatusUnauthorized, domain.CodeInvalidCredentials, app.ErrInvalidCredentials.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.observe(r, security.EventLogout, security.OutcomeFail)
		writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		util.LoggerFromContext(r.Context()).Error("logout failed", "err", err)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

type revokeRequest struct {
	Disable bool `json:"disable"`
}

func (s *Server) handleRevokeUser(w http.ResponseWriter, r *http.Request, admin domain.User) {
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid JSON body")
			return
		}
	}
	target, err := s.app.RevokeUser(r.Context(), admin, r.PathValue("id"), req.Disable)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, target)
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, domain.CodeNotFound, err.Error())
	case errors.Is(err, app.ErrCannotRevokeSelf):
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, domain.CodeForbidden, "forbidden")
	default:
		s.observe(r, security.EventRevoke, security.OutcomeFail)
		util.LoggerFromContext(r.Context()).Error("revoke user failed", "err", err)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.proxies)
}

// observe feeds the alerter. Alerter failures never affect the response.
func (s *Server) observe(r *http.Request, event, outcome string) {
	if s.alerter == nil {
		return
	}
	ip := s.clientIP(r)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	logger := util.LoggerFromContext(r.Context())
	if err != nil {
		logger.Warn("security alerter unavailable", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security alert",
			slog.String("event", event),
			slog.String("outcome", outcome),
			slog.String("ip", ip),
			slog.Int64("count", result.Count),
			slog.Duration("window", result.Window),
		)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
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
