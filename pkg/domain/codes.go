package domain

import "errors"

// Error codes carried in API error bodies. Clients map them back to the
// sentinels with ErrorForCode.
const (
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeRateLimited        = "AUTH_RATE_LIMITED"
	CodeInvalidRequest     = "REPORT_INVALID_REQUEST"
	CodeValidationFailed   = "REPORT_VALIDATION_FAILED"
	CodeNotFound           = "REPORT_NOT_FOUND"
	CodeForbidden          = "REPORT_FORBIDDEN"
	CodeAlreadySubmitted   = "REPORT_ALREADY_SUBMITTED"
	CodeInvalidTransition  = "REPORT_INVALID_TRANSITION"
	CodeDecisionInProgress = "REPORT_DECISION_IN_PROGRESS"
	CodeDraftExists        = "DRAFT_EXISTS"
	CodeDraftConflict      = "DRAFT_CONFLICT"
	CodePhotoDraftRequired = "PHOTO_DRAFT_REQUIRED"
	CodePhotoTooLarge      = "PHOTO_TOO_LARGE"
	CodePhotoUnsupported   = "PHOTO_UNSUPPORTED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeStorageTransient   = "STORAGE_TRANSIENT"
	CodeInternal           = "SYSTEM_INTERNAL_ERROR"
	CodeMethodNotAllowed   = "SYSTEM_METHOD_NOT_ALLOWED"
	CodeRouteNotFound      = "SYSTEM_NOT_FOUND"
)

// ErrSessionExpired is reported by clients when the server rejects the
// bearer token.
var ErrSessionExpired = errors.New("session expired")

var codeErrors = map[string]error{
	CodeInvalidToken:       ErrSessionExpired,
	CodeValidationFailed:   ErrValidationFailed,
	CodeNotFound:           ErrNotFound,
	CodeForbidden:          ErrForbidden,
	CodeAlreadySubmitted:   ErrAlreadySubmitted,
	CodeInvalidTransition:  ErrInvalidTransition,
	CodeDecisionInProgress: ErrDecisionInProgress,
	CodeDraftExists:        ErrDraftExists,
	CodeDraftConflict:      ErrDraftConflict,
	CodeStorageUnavailable: ErrConnectionUnavailable,
	CodeStorageTransient:   ErrTransientStorage,
}

// ErrorForCode returns the sentinel for an API error code.
func ErrorForCode(code string) (error, bool) {
	err, ok := codeErrors[code]
	return err, ok
}
