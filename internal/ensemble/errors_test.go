package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	retryableTrue := true
	retryableFalse := false

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"server error", &APIError{StatusCode: 500}, true},
		{"bad gateway", &APIError{StatusCode: 502}, true},
		{"too many requests", &APIError{StatusCode: 429}, true},
		{"request timeout", &APIError{StatusCode: 408}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"not found", &APIError{StatusCode: 404}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"flag overrides 400 to retryable", &APIError{StatusCode: 400, Retryable: &retryableTrue}, true},
		{"flag overrides 503 to fatal", &APIError{StatusCode: 503, Retryable: &retryableFalse}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"wrapped api error", fmt.Errorf("query: %w", &APIError{StatusCode: 503}), true},
		{"canceled", context.Canceled, false},
		{"empty answer", ErrEmptyAnswer, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 503, Message: "overloaded", CorrelationID: "corr-1"}
	msg := err.Error()
	for _, want := range []string{"503", "overloaded", "corr-1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, should contain %q", msg, want)
		}
	}

	if !IsAPIError(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsAPIError should see through wrapping")
	}
	if IsAPIError(errors.New("other")) {
		t.Error("IsAPIError should reject unrelated errors")
	}
}
