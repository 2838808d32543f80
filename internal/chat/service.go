package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/solipsix/chorus/internal/ensemble"
)

// Policy defaults.
const (
	// DefaultMaxMessageLen is the maximum prompt length in characters.
	DefaultMaxMessageLen = 10_000
	// DefaultAttemptTimeout bounds a single request attempt. A timed-out
	// attempt is classified as retryable and follows the backoff path.
	DefaultAttemptTimeout = 30 * time.Second
)

// Identity is the caller's identity. Authentication itself is out of scope;
// an empty user id means an anonymous guest subject to the stricter cooldown.
type Identity struct {
	UserID string
}

// Anonymous reports whether this identity is an unauthenticated guest.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Policy holds the numeric send policy.
type Policy struct {
	MaxMessageLen  int           // Maximum prompt length in characters
	MaxRetries     int           // Retries after the first attempt
	BaseDelay      time.Duration // Backoff base
	MaxDelay       time.Duration // Backoff cap
	AttemptTimeout time.Duration // Per-attempt deadline
}

// DefaultPolicy returns the default send policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxMessageLen:  DefaultMaxMessageLen,
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Config holds configuration for the chat service.
type Config struct {
	Client   ensemble.Client  // Required
	Gate     Gate             // Optional; nil disables rate limiting
	Memory   Memory           // Optional; nil disables pruning
	Policy   Policy           // Zero fields take defaults
	Identity Identity         // Caller identity
	Logger   *slog.Logger     // Optional; defaults to slog.Default
	Clock    func() time.Time // Optional; defaults to time.Now
}

// Service owns one conversation session: its message list, session id,
// loading flag and current error. A Service is created per session and a
// fresh one can be constructed per test; it holds no ambient global state.
//
// Sends are serialized: while one is in flight, Send returns ErrBusy. The UI
// is expected to disable input while Loading() is true.
type Service struct {
	client  ensemble.Client
	gate    Gate
	memory  Memory
	policy  Policy
	id      Identity
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	machine *sendMachine

	mu        sync.Mutex
	sessionID string
	messages  []Message
	loading   bool
	lastError string
	state     SendState
}

// NewService creates a chat service with a fresh session id.
func NewService(config Config) (*Service, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("chat service requires an ensemble client")
	}

	policy := config.Policy
	if policy.MaxMessageLen <= 0 {
		policy.MaxMessageLen = DefaultMaxMessageLen
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultAttemptTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		client:    config.Client,
		gate:      config.Gate,
		memory:    config.Memory,
		policy:    policy,
		id:        config.Identity,
		logger:    logger.With(slog.String("component", "chat.service")),
		now:       clock,
		sleep:     sleepContext,
		machine:   newSendMachine(),
		sessionID: uuid.NewString(),
		state:     SendIdle,
	}, nil
}

// sleepContext waits for the duration or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Send validates and dispatches one prompt. Local rejections (busy, invalid
// input, rate limits) are returned as typed errors and make no network call.
// Remote outcomes, success or terminal failure, are appended to the
// conversation and Send returns nil; the loading flag is always reset.
func (s *Service) Send(ctx context.Context, raw string) error {
	text := strings.TrimSpace(raw)

	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}
	s.transitionLocked(SendValidating)

	if verr := s.validate(text); verr != nil {
		s.lastError = verr.Error()
		s.transitionLocked(SendIdle)
		s.mu.Unlock()
		return verr
	}

	if s.gate != nil {
		if err := s.gate.Check(s.id.Anonymous()); err != nil {
			s.lastError = err.Error()
			s.transitionLocked(SendRateLimited)
			s.transitionLocked(SendIdle)
			s.mu.Unlock()
			return err
		}
	}

	s.appendLocked(NewUserMessage(text, s.now()))
	s.loading = true
	s.lastError = ""
	s.transitionLocked(SendSending)
	sessionID := s.sessionID
	s.mu.Unlock()

	s.run(ctx, sessionID, text)
	return nil
}

// validate applies the local input checks. The text is already sanitized.
func (s *Service) validate(text string) *ValidationError {
	if text == "" {
		return &ValidationError{Reason: ReasonEmpty}
	}
	if utf8.RuneCountInString(text) > s.policy.MaxMessageLen {
		return &ValidationError{Reason: ReasonTooLong, Limit: s.policy.MaxMessageLen}
	}
	return nil
}

// run drives the bounded-retry request lifecycle for one prompt.
func (s *Service) run(ctx context.Context, sessionID, text string) {
	start := s.now()

	for attempt := 0; ; attempt++ {
		attemptStart := s.now()
		resp, err := s.query(ctx, sessionID, text)
		if err == nil {
			s.finishSuccess(resp, attempt+1, s.now().Sub(attemptStart))
			return
		}

		retryable := ensemble.IsRetryable(err)
		if ctx.Err() != nil || !retryable || attempt >= s.policy.MaxRetries {
			s.finishFailure(err, attempt+1, start)
			return
		}

		s.setState(SendBackoff)
		delay := Backoff(attempt, s.policy.BaseDelay, s.policy.MaxDelay)
		s.logger.DebugContext(ctx, "Retrying after backoff",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			s.finishFailure(err, attempt+1, start)
			return
		}
		s.setState(SendSending)
	}
}

// query performs a single attempt with the per-attempt deadline applied.
func (s *Service) query(ctx context.Context, sessionID, text string) (*ensemble.QueryResponse, error) {
	attemptCtx := ctx
	if s.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.policy.AttemptTimeout)
		defer cancel()
	}

	resp, err := s.client.Query(attemptCtx, ensemble.QueryRequest{
		Prompt:    text,
		SessionID: sessionID,
		UserID:    s.id.UserID,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Answer == "" {
		return nil, ensemble.ErrEmptyAnswer
	}
	return resp, nil
}

// finishSuccess appends the assistant answer and ends the send.
func (s *Service) finishSuccess(resp *ensemble.QueryResponse, attempts int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := &AssistantMeta{
		Models:        resp.ModelsUsed,
		Latency:       latency,
		Attempts:      attempts,
		CorrelationID: resp.CorrelationID(),
		ExecutionTime: resp.ExecutionTime,
		Payload:       resp.Metadata,
	}
	s.appendLocked(NewAssistantMessage(resp.Answer, s.now(), meta))
	s.loading = false
	s.transitionLocked(SendIdle)

	s.logger.Info("Send completed",
		slog.String("session_id", s.sessionID),
		slog.Int("attempts", attempts),
		slog.Duration("latency", latency),
	)
}

// finishFailure appends an error message and ends the send. The user's turn
// is never silently dropped; every terminal failure becomes a message.
func (s *Service) finishFailure(err error, attempts int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := classifyKind(err)
	text := userFacingError(kind)
	s.appendLocked(NewErrorMessage(text, s.now(), &ErrorMeta{
		Kind:          kind,
		Attempts:      attempts,
		Elapsed:       s.now().Sub(start),
		CorrelationID: ensemble.CorrelationID(err),
	}))
	s.lastError = text
	s.loading = false
	s.transitionLocked(SendIdle)

	s.logger.Warn("Send failed",
		slog.String("session_id", s.sessionID),
		slog.String("kind", string(kind)),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// Retry re-sends the user prompt that produced the given assistant or error
// message. The failed message is removed first. A no-op if the message or a
// preceding user message cannot be found.
func (s *Service) Retry(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}

	idx := -1
	for i, m := range s.messages {
		if m.ID == messageID && (m.Role == RoleError || m.Role == RoleAssistant) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}

	text := ""
	for i := idx - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleUser {
			text = s.messages[i].Text
			break
		}
	}
	if text == "" {
		s.mu.Unlock()
		return nil
	}

	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	s.mu.Unlock()

	return s.Send(ctx, text)
}

// Clear empties the conversation and issues a new session id.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.sessionID = uuid.NewString()
	s.lastError = ""
	s.state = SendIdle

	s.logger.Info("Session cleared", slog.String("session_id", s.sessionID))
}

// Delete removes exactly one message by id. No cascading effects.
func (s *Service) Delete(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the conversation in insertion order.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SessionID returns the current session id.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Loading reports whether a send (including retries) is in flight.
func (s *Service) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastError returns the current user-facing error, or "".
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// State returns the current send state.
func (s *Service) State() SendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// appendLocked appends a message and runs the memory checks. Callers hold mu.
func (s *Service) appendLocked(msg Message) {
	s.messages = append(s.messages, msg)
	if s.memory != nil {
		s.messages = s.memory.PruneIfNeeded(s.messages)
		s.messages = s.memory.Optimize(s.messages)
	}
}

// setState applies a transition under the lock.
func (s *Service) setState(to SendState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to)
}

// transitionLocked applies a transition. Callers hold mu. The transition
// table covers every path through Send, so a rejection indicates a bug; it
// is logged rather than propagated to keep the session usable.
func (s *Service) transitionLocked(to SendState) {
	next, err := s.machine.Transition(s.state, to)
	if err != nil {
		s.logger.Warn("Send state transition rejected",
			slog.String("from", string(s.state)),
			slog.String("to", string(to)),
		)
		s.state = to
		return
	}
	s.state = next
}

// classifyKind maps a terminal failure to its ErrorKind.
func classifyKind(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ensemble.ErrEmptyAnswer):
		return ErrorKindEmptyAnswer
	}

	var apiErr *ensemble.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return ErrorKindRateLimited
		case apiErr.StatusCode == 408:
			return ErrorKindTimeout
		case apiErr.StatusCode >= 500:
			return ErrorKindServer
		case apiErr.StatusCode >= 400:
			return ErrorKindRejected
		}
	}

	return ErrorKindUnknown
}

// userFacingError renders an ErrorKind as conversation text.
func userFacingError(kind ErrorKind) string {
	switch kind {
	case ErrorKindTimeout:
		return "The assistant took too long to respond. Please try again."
	case ErrorKindRateLimited:
		return "The service is receiving too many requests right now. Please try again shortly."
	case ErrorKindServer:
		return "The assistant service is having trouble right now. Please try again shortly."
	case ErrorKindRejected:
		return "The service could not process this message."
	case ErrorKindEmptyAnswer:
		return "The assistant returned an empty answer. Please try again."
	case ErrorKindCanceled:
		return "The request was canceled."
	default:
		return "Something went wrong while sending your message. Please try again."
	}
}
