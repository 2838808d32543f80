package ensemble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common ensemble errors.
var (
	// ErrEmptyAnswer indicates the service returned a well-formed response
	// with no answer text. An empty answer is a failure, not a success.
	ErrEmptyAnswer = errors.New("ensemble returned an empty answer")
)

// APIError represents an error response from the ensemble service.
type APIError struct {
	StatusCode    int    // HTTP status of the failed request
	Retryable     *bool  // Explicit retryability flag from the service, if present
	CorrelationID string // Opaque id threading this request across client and server logs
	Message       string // Human-readable description from the service
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("ensemble request failed (status %d, correlation %s): %s",
			e.StatusCode, e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("ensemble request failed (status %d): %s", e.StatusCode, e.Message)
}

// IsAPIError checks if an error is an ensemble API error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// CorrelationID extracts the correlation id from an error chain, or "".
func CorrelationID(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.CorrelationID
	}
	return ""
}

// IsRetryable reports whether a failed query is worth retrying.
//
// Precedence: an explicit Retryable flag from the service always wins, in
// both directions. Only when the flag is absent does classification fall back
// to status semantics: 5xx, 429 and 408 are retryable, other statuses are not.
// Timeouts (context deadline, network timeout) are treated as 408-equivalent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable != nil {
			return *apiErr.Retryable
		}
		switch {
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
