package chat

import (
	"errors"
	"fmt"
)

// Common chat errors.
var (
	// ErrBusy indicates a send is already in flight for this session. The UI
	// disables input while loading; this defends Go callers that race anyway.
	ErrBusy = errors.New("a send is already in progress")
)

// ValidationReason identifies why local input validation rejected a prompt.
type ValidationReason string

const (
	// ReasonEmpty is a prompt that is empty after sanitization.
	ReasonEmpty ValidationReason = "empty"
	// ReasonTooLong is a prompt exceeding the maximum length.
	ReasonTooLong ValidationReason = "too_long"
)

// ValidationError is a locally rejected prompt. No network call occurred and
// no retry budget was consumed.
type ValidationError struct {
	Reason ValidationReason
	Limit  int // Maximum prompt length, set for ReasonTooLong
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "message is empty"
	case ReasonTooLong:
		return fmt.Sprintf("message exceeds the maximum length of %d characters", e.Limit)
	default:
		return "message is invalid"
	}
}

// IsValidationError checks if an error is a local validation failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
