package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"bmsreport/internal/util"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error      string                   `json:"error"`
	Code       string                   `json:"code"`
	RequestID  string                   `json:"requestId,omitempty"`
	Violations []domain.ValidationError `json:"violations,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrForbidden, http.StatusForbidden, domain.CodeForbidden},
	{domain.ErrAlreadySubmitted, http.StatusConflict, domain.CodeAlreadySubmitted},
	{domain.ErrInvalidTransition, http.StatusConflict, domain.CodeInvalidTransition},
	{domain.ErrDecisionInProgress, http.StatusConflict, domain.CodeDecisionInProgress},
	{domain.ErrDraftExists, http.StatusConflict, domain.CodeDraftExists},
	{domain.ErrDraftConflict, http.StatusConflict, domain.CodeDraftConflict},
	{media.ErrDraftRequired, http.StatusConflict, domain.CodePhotoDraftRequired},
	{media.ErrPhotoTooLarge, http.StatusRequestEntityTooLarge, domain.CodePhotoTooLarge},
	{media.ErrUnsupportedImage, http.StatusUnsupportedMediaType, domain.CodePhotoUnsupported},
	{domain.ErrConnectionUnavailable, http.StatusServiceUnavailable, domain.CodeStorageUnavailable},
	{domain.ErrTransientStorage, http.StatusServiceUnavailable, domain.CodeStorageTransient},
	{domain.ErrValidationFailed, http.StatusUnprocessableEntity, domain.CodeValidationFailed},
}

// writeAppError maps application errors to status codes and stable error
// codes. Validation failures carry every violation, first one first.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if violations, ok := domain.AsValidationErrors(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      domain.ErrValidationFailed.Error(),
			Code:       domain.CodeValidationFailed,
			RequestID:  util.RequestIDFromRequest(r),
			Violations: violations,
		})
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				util.LoggerFromContext(r.Context()).Warn("request failed", "path", r.URL.Path, "err", err)
			}
			writeError(w, m.status, m.code, m.target.Error())
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
}
