package chat

import (
	"testing"
	"time"
)

func TestBackoff_Bounds(t *testing.T) {
	base := time.Second
	maxDelay := 10 * time.Second

	tests := []struct {
		name    string
		attempt int
		want    time.Duration // computed delay before jitter
	}{
		{name: "first retry", attempt: 0, want: time.Second},
		{name: "second retry", attempt: 1, want: 2 * time.Second},
		{name: "third retry", attempt: 2, want: 4 * time.Second},
		{name: "fourth retry", attempt: 3, want: 8 * time.Second},
		{name: "capped", attempt: 4, want: 10 * time.Second},
		{name: "far past cap", attempt: 20, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Jitter is random; check the bounds hold across many draws.
			for i := 0; i < 50; i++ {
				got := Backoff(tt.attempt, base, maxDelay)
				lower := tt.want
				upper := tt.want + tt.want/10
				if got < lower || got > upper {
					t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, got, lower, upper)
				}
			}
		})
	}
}

func TestBackoff_DefaultsOnZeroPolicy(t *testing.T) {
	got := Backoff(0, 0, 0)
	if got < DefaultBaseDelay || got > DefaultBaseDelay+DefaultBaseDelay/10 {
		t.Errorf("Backoff with zero policy = %v, want about %v", got, DefaultBaseDelay)
	}
}

func TestBackoff_NegativeAttempt(t *testing.T) {
	got := Backoff(-1, time.Second, 10*time.Second)
	if got < time.Second || got > time.Second+100*time.Millisecond {
		t.Errorf("Backoff(-1) = %v, want about 1s", got)
	}
}
