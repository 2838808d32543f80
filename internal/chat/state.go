package chat

import "fmt"

// SendState is the state of one send lifecycle. Every send starts and
// terminates in SendIdle; the loop never leaves a session stuck in
// SendSending.
type SendState string

const (
	// SendIdle indicates no send is in progress.
	SendIdle SendState = "idle"
	// SendValidating indicates local input validation is running.
	SendValidating SendState = "validating"
	// SendRateLimited indicates a limiter blocked the send.
	SendRateLimited SendState = "rate_limited"
	// SendSending indicates a request attempt is in flight.
	SendSending SendState = "sending"
	// SendBackoff indicates the send is waiting between retry attempts.
	SendBackoff SendState = "backoff"
)

// sendMachine validates send-lifecycle transitions against a fixed table.
type sendMachine struct {
	transitions map[SendState][]SendState
}

func newSendMachine() *sendMachine {
	return &sendMachine{
		transitions: map[SendState][]SendState{
			SendIdle:        {SendValidating},
			SendValidating:  {SendRateLimited, SendSending, SendIdle},
			SendRateLimited: {SendIdle},
			SendSending:     {SendBackoff, SendIdle},
			SendBackoff:     {SendSending, SendIdle},
		},
	}
}

// CanTransition checks if a transition between two states is valid.
func (m *sendMachine) CanTransition(from, to SendState) bool {
	for _, valid := range m.transitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

// Transition returns the new state, or an error for an invalid transition.
func (m *sendMachine) Transition(from, to SendState) (SendState, error) {
	if !m.CanTransition(from, to) {
		return from, fmt.Errorf("invalid send transition from %s to %s", from, to)
	}
	return to, nil
}
