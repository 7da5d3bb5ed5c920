package util

import "github.com/google/uuid"

// NewID returns a random identifier for request ids and worker names.
func NewID() string {
	return uuid.NewString()
}
