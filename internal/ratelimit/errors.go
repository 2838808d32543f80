package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// LimitError indicates the global sliding window is exhausted.
type LimitError struct {
	Limit  int           // Requests allowed per window
	Window time.Duration // Window length
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s", e.Limit, e.Window)
}

// CooldownError indicates the guest cooldown blocked a request.
type CooldownError struct {
	Remaining time.Duration // Exact wait until the next request is allowed
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %s before sending another message", e.Remaining.Round(time.Second))
}

// CooldownSignal is the UI affordance emitted when the guest cooldown blocks
// a send. The UI renders a live countdown from TimeRemainingMs.
type CooldownSignal struct {
	Open            bool  `json:"isOpen"`
	TimeRemainingMs int64 `json:"timeRemainingMs"`
}

// Signal converts the error into its UI representation.
func (e *CooldownError) Signal() CooldownSignal {
	return CooldownSignal{
		Open:            true,
		TimeRemainingMs: e.Remaining.Milliseconds(),
	}
}

// IsRateLimited checks whether an error is either limiter block.
func IsRateLimited(err error) bool {
	var limitErr *LimitError
	var cooldownErr *CooldownError
	return errors.As(err, &limitErr) || errors.As(err, &cooldownErr)
}
