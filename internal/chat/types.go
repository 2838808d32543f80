// Package chat implements the session and request orchestration for the
// ensemble chat client: it owns the message list and session identity,
// gates outgoing prompts through the rate limiters, drives the bounded-retry
// request lifecycle against the remote ensemble service, and keeps the
// in-memory conversation bounded.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message. The set is closed.
type Role string

const (
	// RoleUser is a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant is a synthesized answer from the ensemble.
	RoleAssistant Role = "assistant"
	// RoleError is a terminal failure rendered into the conversation.
	RoleError Role = "error"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleError:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a terminal send failure.
type ErrorKind string

const (
	// ErrorKindTimeout is a request that timed out on every attempt.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindRateLimited is a remote 429 that outlasted the retry budget.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindServer is a remote 5xx that outlasted the retry budget.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindRejected is a non-retryable remote rejection (4xx).
	ErrorKindRejected ErrorKind = "rejected"
	// ErrorKindEmptyAnswer is a well-formed response with no answer text.
	ErrorKindEmptyAnswer ErrorKind = "empty_answer"
	// ErrorKindCanceled is a send aborted by the caller's context.
	ErrorKindCanceled ErrorKind = "canceled"
	// ErrorKindUnknown is any other failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Meta is the per-role message metadata. It is a sealed set: user messages
// carry nil, assistant messages carry *AssistantMeta, error messages carry
// *ErrorMeta. Metadata is informational only; the orchestrator never depends
// on it for correctness.
type Meta interface {
	isMeta()
}

// AssistantMeta describes how an assistant answer was produced.
type AssistantMeta struct {
	Models        map[string]bool // Models the ensemble consulted
	Latency       time.Duration   // Wall time of the winning attempt
	Attempts      int             // Total attempts including the successful one
	CorrelationID string          // Id threading this request across logs
	ExecutionTime string          // Server-reported execution time, verbatim
	Payload       map[string]any  // Verbose per-model response payload
}

func (*AssistantMeta) isMeta() {}

// Stripped returns a copy with the heavy optional fields removed, keeping
// only the cheap scalars. Used by memory optimization on older messages.
func (m *AssistantMeta) Stripped() *AssistantMeta {
	return &AssistantMeta{
		Latency:       m.Latency,
		Attempts:      m.Attempts,
		CorrelationID: m.CorrelationID,
	}
}

// ErrorMeta describes a terminal send failure.
type ErrorMeta struct {
	Kind          ErrorKind     // Failure classification
	Attempts      int           // Attempts made before giving up
	Elapsed       time.Duration // Wall time from first attempt to failure
	CorrelationID string        // Id threading this request across logs
}

func (*ErrorMeta) isMeta() {}

// Message is one turn in the conversation. Messages are append-only and
// immutable once created; deletion only removes whole messages.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
	Meta      Meta
}

// NewUserMessage creates a user message.
func NewUserMessage(text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: now,
	}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(text string, now time.Time, meta *AssistantMeta) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      text,
		Timestamp: now,
		Meta:      meta,
	}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(text string, now time.Time, meta *ErrorMeta) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleError,
		Text:      text,
		Timestamp: now,
		Meta:      meta,
	}
}
