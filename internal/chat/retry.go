package chat

import "time"

// Retry policy defaults.
const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the backoff delay before the first retry.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 10 * time.Second

	// jitterDivisor is used to calculate jitter (10% jitter).
	jitterDivisor = 10
	// maxShift prevents overflow when doubling the delay.
	maxShift = 30
)

// Backoff calculates the exponential retry delay for a zero-based attempt
// number: min(base * 2^attempt, maxDelay), plus up to 10% additive jitter so
// simultaneous failures across clients do not retry in lockstep. The result
// is always within [d, 1.1*d] for the computed delay d.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := base
	for i := 0; i < attempt && i < maxShift; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		delay += jitter
	}

	return delay
}
