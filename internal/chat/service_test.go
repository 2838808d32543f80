package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solipsix/chorus/internal/ensemble"
	"github.com/solipsix/chorus/internal/ratelimit"
)

// queryResult scripts one ensemble response.
type queryResult struct {
	resp *ensemble.QueryResponse
	err  error
}

// scriptedClient replays a fixed sequence of responses, repeating the last
// one if called again. It records every request it receives.
type scriptedClient struct {
	mu      sync.Mutex
	calls   []ensemble.QueryRequest
	script  []queryResult
	onQuery func()
}

func (c *scriptedClient) Query(_ context.Context, req ensemble.QueryRequest) (*ensemble.QueryResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	idx := len(c.calls) - 1
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	result := c.script[idx]
	onQuery := c.onQuery
	c.mu.Unlock()

	if onQuery != nil {
		onQuery()
	}
	return result.resp, result.err
}

func (c *scriptedClient) Health(context.Context) error {
	return nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func answer(text string) queryResult {
	return queryResult{resp: &ensemble.QueryResponse{
		Answer:     text,
		ModelsUsed: map[string]bool{"alpha": true, "beta": true},
	}}
}

func apiFailure(status int) queryResult {
	return queryResult{err: &ensemble.APIError{StatusCode: status, Message: "scripted failure"}}
}

func flaggedFailure(status int, retryable bool) queryResult {
	return queryResult{err: &ensemble.APIError{StatusCode: status, Retryable: &retryable, Message: "scripted failure"}}
}

// newTestService builds a service around the scripted client with sleeps
// recorded instead of slept.
func newTestService(t *testing.T, client *scriptedClient, config Config) (*Service, *[]time.Duration) {
	t.Helper()

	config.Client = client
	svc, err := NewService(config)
	require.NoError(t, err)

	slept := &[]time.Duration{}
	svc.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return svc, slept
}

func TestService_AppendsUserMessageBeforeNetworkCall(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi there")}}
	svc, _ := newTestService(t, client, Config{})

	client.onQuery = func() {
		messages := svc.Messages()
		require.Len(t, messages, 1, "exactly one message should exist when the call goes out")
		assert.Equal(t, RoleUser, messages[0].Role)
		assert.Equal(t, "Hello", messages[0].Text)
	}

	require.NoError(t, svc.Send(context.Background(), "Hello"))
}

func TestService_EndToEndHello(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi there")}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))

	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Text)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hi there", messages[1].Text)
	assert.False(t, svc.Loading())
	assert.Equal(t, SendIdle, svc.State())
	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp))

	meta, ok := messages[1].Meta.(*AssistantMeta)
	require.True(t, ok, "assistant messages carry *AssistantMeta")
	assert.Equal(t, 1, meta.Attempts)
	assert.True(t, meta.Models["alpha"])
}

func TestService_EmptyInputNoNetworkCall(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("unreachable")}}
	svc, _ := newTestService(t, client, Config{})

	err := svc.Send(context.Background(), "   \t  ")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonEmpty, verr.Reason)
	assert.Zero(t, client.callCount(), "validation failures must not reach the network")
	assert.Empty(t, svc.Messages())
	assert.NotEmpty(t, svc.LastError())
	assert.False(t, svc.Loading())
}

func TestService_TooLongInputNoNetworkCall(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("unreachable")}}
	svc, _ := newTestService(t, client, Config{})

	err := svc.Send(context.Background(), strings.Repeat("a", DefaultMaxMessageLen+1))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonTooLong, verr.Reason)
	assert.Equal(t, DefaultMaxMessageLen, verr.Limit)
	assert.Zero(t, client.callCount())
	assert.Empty(t, svc.Messages(), "message list unchanged except no user message added")
}

func TestService_RetryableFailureExhaustsBudget(t *testing.T) {
	client := &scriptedClient{script: []queryResult{apiFailure(503)}}
	svc, slept := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))

	assert.Equal(t, DefaultMaxRetries+1, client.callCount(), "one initial attempt plus MaxRetries retries")
	require.Len(t, *slept, DefaultMaxRetries)
	for k, d := range *slept {
		computed := DefaultBaseDelay << k
		if computed > DefaultMaxDelay {
			computed = DefaultMaxDelay
		}
		assert.GreaterOrEqual(t, d, computed, "backoff %d below lower bound", k)
		assert.LessOrEqual(t, d, computed+computed/10, "backoff %d above upper bound", k)
	}

	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleError, messages[1].Role)
	assert.False(t, svc.Loading())

	meta, ok := messages[1].Meta.(*ErrorMeta)
	require.True(t, ok)
	assert.Equal(t, ErrorKindServer, meta.Kind)
	assert.Equal(t, DefaultMaxRetries+1, meta.Attempts)
}

func TestService_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	client := &scriptedClient{script: []queryResult{apiFailure(400)}}
	svc, slept := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))

	assert.Equal(t, 1, client.callCount())
	assert.Empty(t, *slept)

	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleError, messages[1].Role)
	meta, ok := messages[1].Meta.(*ErrorMeta)
	require.True(t, ok)
	assert.Equal(t, ErrorKindRejected, meta.Kind)
	assert.Equal(t, 1, meta.Attempts)
}

func TestService_RetryableFlagOverridesStatus(t *testing.T) {
	t.Run("flag makes a 400 retryable", func(t *testing.T) {
		client := &scriptedClient{script: []queryResult{
			flaggedFailure(400, true),
			answer("recovered"),
		}}
		svc, _ := newTestService(t, client, Config{})

		require.NoError(t, svc.Send(context.Background(), "Hello"))
		assert.Equal(t, 2, client.callCount())
		messages := svc.Messages()
		require.Len(t, messages, 2)
		assert.Equal(t, RoleAssistant, messages[1].Role)
	})

	t.Run("flag makes a 503 fatal", func(t *testing.T) {
		client := &scriptedClient{script: []queryResult{flaggedFailure(503, false)}}
		svc, _ := newTestService(t, client, Config{})

		require.NoError(t, svc.Send(context.Background(), "Hello"))
		assert.Equal(t, 1, client.callCount(), "explicit retryable=false must suppress retries")
	})
}

func TestService_SuccessAfterRetry(t *testing.T) {
	client := &scriptedClient{script: []queryResult{
		apiFailure(503),
		answer("second time lucky"),
	}}
	svc, slept := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))

	assert.Equal(t, 2, client.callCount())
	assert.Len(t, *slept, 1)

	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	meta, ok := messages[1].Meta.(*AssistantMeta)
	require.True(t, ok)
	assert.Equal(t, 2, meta.Attempts)
}

func TestService_EmptyAnswerIsFailure(t *testing.T) {
	client := &scriptedClient{script: []queryResult{
		{resp: &ensemble.QueryResponse{Answer: ""}},
	}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))

	assert.Equal(t, 1, client.callCount(), "empty answers are not retried")
	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleError, messages[1].Role)
	meta, ok := messages[1].Meta.(*ErrorMeta)
	require.True(t, ok)
	assert.Equal(t, ErrorKindEmptyAnswer, meta.Kind)
}

func TestService_GlobalRateLimitNoNetworkCall(t *testing.T) {
	limiter := ratelimit.NewLimiter(
		ratelimit.NewWindow(1, time.Minute),
		ratelimit.NewCooldown(time.Minute),
	)
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{
		Gate:     limiter,
		Identity: Identity{UserID: "user-1"},
	})

	require.NoError(t, svc.Send(context.Background(), "first"))
	require.Equal(t, 1, client.callCount())

	err := svc.Send(context.Background(), "second")
	var limitErr *ratelimit.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, client.callCount(), "a blocked send must not reach the network")
	assert.NotEmpty(t, svc.LastError())
}

func TestService_GuestCooldownScenario(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	limiter := ratelimit.NewLimiter(
		ratelimit.NewWindowWithClock(30, time.Minute, now),
		ratelimit.NewCooldownWithClock(time.Minute, now),
	)
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{Gate: limiter})

	require.NoError(t, svc.Send(context.Background(), "first"))

	clock = clock.Add(10 * time.Second)

	err := svc.Send(context.Background(), "second")
	var cooldownErr *ratelimit.CooldownError
	require.ErrorAs(t, err, &cooldownErr)
	assert.Equal(t, 50*time.Second, cooldownErr.Remaining)
	assert.Equal(t, int64(50_000), cooldownErr.Signal().TimeRemainingMs)
	assert.Equal(t, 1, client.callCount())
}

func TestService_BusyDuringSend(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{})

	var nested error
	client.onQuery = func() {
		nested = svc.Send(context.Background(), "overlapping")
	}

	require.NoError(t, svc.Send(context.Background(), "Hello"))
	assert.ErrorIs(t, nested, ErrBusy)
	assert.Equal(t, 1, client.callCount())
}

func TestService_RetryResendsPrecedingUserText(t *testing.T) {
	client := &scriptedClient{script: []queryResult{
		apiFailure(404),
		answer("recovered"),
	}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))
	messages := svc.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, RoleError, messages[1].Role)

	require.NoError(t, svc.Retry(context.Background(), messages[1].ID))

	messages = svc.Messages()
	require.Len(t, messages, 3, "failed message removed, new user+assistant appended")
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, RoleUser, messages[1].Role)
	assert.Equal(t, "Hello", messages[1].Text)
	assert.Equal(t, RoleAssistant, messages[2].Role)

	require.Equal(t, 2, client.callCount())
	assert.Equal(t, "Hello", client.calls[1].Prompt)
}

func TestService_RetryWithoutPrecedingUserIsNoop(t *testing.T) {
	client := &scriptedClient{script: []queryResult{apiFailure(404)}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))
	messages := svc.Messages()
	require.Len(t, messages, 2)

	// Remove the user message so the error has no preceding user turn.
	require.True(t, svc.Delete(messages[0].ID))

	require.NoError(t, svc.Retry(context.Background(), messages[1].ID))
	assert.Len(t, svc.Messages(), 1, "retry without a preceding user message is a no-op")
	assert.Equal(t, 1, client.callCount())
}

func TestService_RetryUnknownMessageIsNoop(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Retry(context.Background(), "no-such-id"))
	assert.Zero(t, client.callCount())
}

func TestService_ClearIssuesNewSession(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))
	oldID := svc.SessionID()
	require.NotEmpty(t, svc.Messages())

	svc.Clear()

	assert.Empty(t, svc.Messages())
	assert.NotEqual(t, oldID, svc.SessionID())
	assert.Empty(t, svc.LastError())
}

func TestService_SessionIDStableAcrossSends(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{})

	id := svc.SessionID()
	require.NoError(t, svc.Send(context.Background(), "one"))
	require.NoError(t, svc.Send(context.Background(), "two"))

	assert.Equal(t, id, svc.SessionID())
	for _, call := range client.calls {
		assert.Equal(t, id, call.SessionID)
	}
}

func TestService_DeleteRemovesExactlyOne(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	svc, _ := newTestService(t, client, Config{})

	require.NoError(t, svc.Send(context.Background(), "Hello"))
	messages := svc.Messages()
	require.Len(t, messages, 2)

	assert.True(t, svc.Delete(messages[0].ID))
	assert.False(t, svc.Delete(messages[0].ID), "second delete of the same id fails")

	remaining := svc.Messages()
	require.Len(t, remaining, 1)
	assert.Equal(t, messages[1].ID, remaining[0].ID)
}

// cappingMemory is a Memory that hard-caps the list, for verifying the
// orchestrator runs the prune check after every append.
type cappingMemory struct {
	cap       int
	pruneRuns int
}

func (m *cappingMemory) PruneIfNeeded(messages []Message) []Message {
	m.pruneRuns++
	if len(messages) > m.cap {
		messages = messages[len(messages)-m.cap:]
	}
	return messages
}

func (m *cappingMemory) Optimize(messages []Message) []Message {
	return messages
}

func TestService_PruneRunsAfterEveryAppend(t *testing.T) {
	client := &scriptedClient{script: []queryResult{answer("Hi")}}
	mem := &cappingMemory{cap: 2}
	svc, _ := newTestService(t, client, Config{Memory: mem})

	require.NoError(t, svc.Send(context.Background(), "one"))
	require.NoError(t, svc.Send(context.Background(), "two"))

	assert.Equal(t, 4, mem.pruneRuns, "prune runs once per appended message")
	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "two", messages[0].Text)
	assert.Equal(t, RoleAssistant, messages[1].Role)
}

func TestService_CanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &scriptedClient{script: []queryResult{apiFailure(503)}}
	svc, _ := newTestService(t, client, Config{})
	svc.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	require.NoError(t, svc.Send(ctx, "Hello"))

	assert.Equal(t, 1, client.callCount(), "no further attempts after cancellation")
	messages := svc.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleError, messages[1].Role)
	assert.False(t, svc.Loading())
}

func TestClassifyKind(t *testing.T) {
	retryableFalse := false
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"timeout", context.DeadlineExceeded, ErrorKindTimeout},
		{"canceled", context.Canceled, ErrorKindCanceled},
		{"empty answer", ensemble.ErrEmptyAnswer, ErrorKindEmptyAnswer},
		{"remote 429", &ensemble.APIError{StatusCode: 429}, ErrorKindRateLimited},
		{"remote 408", &ensemble.APIError{StatusCode: 408}, ErrorKindTimeout},
		{"remote 500", &ensemble.APIError{StatusCode: 500}, ErrorKindServer},
		{"remote 404", &ensemble.APIError{StatusCode: 404, Retryable: &retryableFalse}, ErrorKindRejected},
		{"unknown", errors.New("weird"), ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyKind(tt.err))
		})
	}
}
