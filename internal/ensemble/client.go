package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the default timeout for ensemble API calls.
	DefaultTimeout = 30 * time.Second

	// queryPath is the query endpoint relative to the base URL.
	queryPath = "/api/query"
	// healthPath is the health probe endpoint relative to the base URL.
	healthPath = "/api/health"

	// maxErrorBodyBytes bounds how much of an error body is read.
	maxErrorBodyBytes = 64 * 1024
)

// correlationHeader carries the client-generated correlation id.
const correlationHeader = "X-Correlation-Id"

// Config holds configuration for the HTTP ensemble client.
type Config struct {
	BaseURL string        // Base URL of the ensemble service, e.g. https://api.example.com
	Timeout time.Duration // Per-call timeout; DefaultTimeout if zero
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("ensemble base URL is required")
	}
	return nil
}

// HTTPClient implements the Client interface over HTTP.
type HTTPClient struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a new HTTP ensemble client.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ensemble config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	return &HTTPClient{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: slog.Default().With(slog.String("component", "ensemble.client")),
	}, nil
}

// errorBody is the JSON structure of an ensemble error response.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Retryable     *bool  `json:"retryable,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Query sends a prompt to the ensemble service and parses the response.
func (c *HTTPClient) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query request: %w", err)
	}

	correlationID := uuid.NewString()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+queryPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(correlationHeader, correlationID)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ensemble query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.parseError(resp, correlationID)
	}

	var result QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ensemble response: %w", err)
	}

	if result.Answer == "" {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrEmptyAnswer)
	}

	c.logger.DebugContext(ctx, "Ensemble query completed",
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", correlationID),
		slog.Duration("latency", time.Since(start)),
	)

	return &result, nil
}

// Health probes the ensemble service.
func (c *HTTPClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ensemble health probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp, "")
	}
	return nil
}

// parseError turns a non-2xx response into an *APIError. The error body is
// best-effort: a malformed body still yields a usable error with the status.
func (c *HTTPClient) parseError(resp *http.Response, correlationID string) error {
	apiErr := &APIError{
		StatusCode:    resp.StatusCode,
		CorrelationID: correlationID,
		Message:       http.StatusText(resp.StatusCode),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return apiErr
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}

	if body.Message != "" {
		apiErr.Message = body.Message
	} else if body.Error != "" {
		apiErr.Message = body.Error
	}
	apiErr.Retryable = body.Retryable
	if body.CorrelationID != "" {
		apiErr.CorrelationID = body.CorrelationID
	}

	return apiErr
}
