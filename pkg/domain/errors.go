package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrValidationFailed      = errors.New("validation failed")
	ErrForbidden             = errors.New("not allowed for this user")
	ErrAlreadySubmitted      = errors.New("report already submitted")
	ErrInvalidTransition     = errors.New("invalid report status transition")
	ErrDraftExists           = errors.New("an unsubmitted draft already exists")
	ErrDraftConflict         = errors.New("draft no longer matches the saved draft")
	ErrDecisionInProgress    = errors.New("another decision on this report is in progress")
	ErrTransientStorage      = errors.New("storage temporarily unavailable")
	ErrConnectionUnavailable = errors.New("connection unavailable")
)

// ValidationError is a single rule violation, addressed to an item or field.
type ValidationError struct {
	ItemID  string `json:"itemId,omitempty"`
	Field   string `json:"field,omitempty"`
	Index   int    `json:"index,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeConditionRequired = "CONDITION_REQUIRED"
	CodeConditionInvalid  = "CONDITION_INVALID"
	CodeAbsentNotAllowed  = "ABSENT_NOT_ALLOWED"
	CodePhotoRequired     = "PHOTO_REQUIRED"
	CodeHandlerRequired   = "HANDLER_REQUIRED"
	CodeLinesRequired     = "ESTIMATION_REQUIRED"
	CodeLineInvalid       = "ESTIMATION_LINE_INVALID"
	CodeStoreRequired     = "STORE_REQUIRED"
	CodeUnknownItem       = "UNKNOWN_ITEM"
	CodeUnknownStore      = "UNKNOWN_STORE"
)

// ValidationErrors lists violations in checklist order. The first entry is
// where the user should be taken to fix the form.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ErrValidationFailed.Error()
	}
	parts := make([]string, 0, len(v))
	for _, e := range v {
		if e.ItemID != "" {
			parts = append(parts, e.ItemID+": "+e.Message)
			continue
		}
		parts = append(parts, e.Message)
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidationFailed
}

// Focus returns the first violation.
func (v ValidationErrors) Focus() (ValidationError, bool) {
	if len(v) == 0 {
		return ValidationError{}, false
	}
	return v[0], true
}

// Err returns nil for an empty list so callers can return it directly.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// AsValidationErrors extracts the violation list from err, if any.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var v ValidationErrors
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
