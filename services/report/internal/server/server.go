package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"bmsreport/internal/util"
	"bmsreport/pkg/domain"
	"bmsreport/services/report/internal/app"
)

const (
	defaultMaxUploadBytes = 15 << 20
	maxJSONBody           = 1 << 20
)

// TokenVerifier resolves a bearer token to the calling identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       TokenVerifier
	MaxUploadBytes int64
	// CORSOrigins lists the form client origins; empty allows any origin.
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the report service.
type Server struct {
	app            *app.App
	verifier       TokenVerifier
	router         chi.Router
	validate       *validator.Validate
	maxUploadBytes int64
	cors           func(http.Handler) http.Handler
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("report app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		router:         chi.NewRouter(),
		validate:       validator.New(),
		maxUploadBytes: maxUploadBytes,
		cors:           util.CORS(cfg.CORSOrigins),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("report", util.WithSecurityHeaders(s.cors(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, domain.CodeRouteNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, domain.CodeMethodNotAllowed, "method not allowed")
	})
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.withIdentity)

		r.Get("/catalog", s.handleCatalog)
		r.Get("/stores", s.handleStores)
		r.Get("/stores/{code}/cooldown", s.handleCooldown)

		r.Post("/drafts", s.handleStartDraft)
		r.Put("/drafts", s.handleUpsertDraft)
		r.Get("/drafts/current", s.handleCurrentDraft)
		r.Delete("/drafts/current", s.handleDiscardDraft)
		r.Post("/drafts/photos", s.handleUploadPhoto)
		r.Delete("/drafts/photos", s.handleDeletePhoto)

		r.Get("/reports", s.handleListReports)
		r.Get("/reports/counts", s.handleCounts)
		r.Get("/reports/by-number/{number}", s.handleReportByNumber)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Get("/reports/{id}/snapshot", s.handleSnapshot)
		r.Post("/reports/{id}/submit", s.handleSubmit)
		r.Post("/reports/{id}/decision", s.handleDecide)
		r.Post("/reports/{id}/complete", s.handleComplete)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityContextKey struct{}

func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
			return
		}
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, domain.CodeInvalidToken, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) domain.Identity {
	id, _ := r.Context().Value(identityContextKey{}).(domain.Identity)
	return id
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.app.Catalog()})
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.app.ListStores(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": stores, "count": len(stores)})
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	cooldowns, err := s.app.Cooldown(r.Context(), code)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"storeCode":  strings.ToUpper(strings.TrimSpace(code)),
		"categories": cooldowns,
	})
}

type startDraftRequest struct {
	StoreCode string `json:"storeCode" validate:"max=16"`
}

func (s *Server) handleStartDraft(w http.ResponseWriter, r *http.Request) {
	var req startDraftRequest
	if !s.decode(w, r, &req) {
		return
	}
	draft, err := s.app.StartDraft(r.Context(), identityFrom(r), req.StoreCode)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

func (s *Server) handleUpsertDraft(w http.ResponseWriter, r *http.Request) {
	var payload domain.DraftPayload
	if !s.decode(w, r, &payload) {
		return
	}
	receipt, err := s.app.UpsertDraft(r.Context(), identityFrom(r), payload)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCurrentDraft(w http.ResponseWriter, r *http.Request) {
	draft, ok, err := s.app.GetCurrentDraft(r.Context(), identityFrom(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "no draft in progress")
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DiscardDraft(r.Context(), identityFrom(r)); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.CodePhotoTooLarge, "photo too large")
			return
		}
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	url, err := s.app.UploadPhoto(
		r.Context(),
		identityFrom(r),
		strings.TrimSpace(r.FormValue("reportId")),
		r.FormValue("itemId"),
		header.Filename,
		file,
	)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	photoURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if photoURL == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "url is required")
		return
	}
	if err := s.app.DeletePhoto(r.Context(), identityFrom(r), photoURL); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	filter, ok := parseFilter(w, r, id)
	if !ok {
		return
	}
	q := r.URL.Query()
	page := domain.Page{Number: atoiDefault(q.Get("page"), 1), Size: atoiDefault(q.Get("size"), 20)}
	result, err := s.app.ListReports(r.Context(), id, filter, page)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	filter, ok := parseFilter(w, r, id)
	if !ok {
		return
	}
	counts, err := s.app.CountByStatus(r.Context(), id, filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	detail, err := s.app.GetReport(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleReportByNumber(w http.ResponseWriter, r *http.Request) {
	detail, err := s.app.FindReportByNumber(r.Context(), identityFrom(r), chi.URLParam(r, "number"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	url, err := s.app.SnapshotURL(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Submit(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type decisionRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes" validate:"max=2000"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.app.Decide(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req.Action, req.Notes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Complete(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads a JSON body into dst and runs its validate tags. It writes
// the error response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid field: "+fieldErrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func parseFilter(w http.ResponseWriter, r *http.Request, id domain.Identity) (domain.ReportFilter, bool) {
	q := r.URL.Query()
	filter := domain.ReportFilter{
		StoreCode: q.Get("storeCode"),
		Search:    strings.TrimSpace(q.Get("q")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := domain.ReportStatus(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid status")
			return filter, false
		}
		filter.Status = status
	}
	if q.Get("mine") == "true" {
		filter.CreatedBy = id.UserID
		filter.IncludeDrafts = q.Get("drafts") == "true"
	}
	return filter, true
}

func atoiDefault(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
