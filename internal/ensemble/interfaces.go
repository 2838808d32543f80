package ensemble

import "context"

// Client represents the remote ensemble service interface.
// Implementations should handle timeouts via context cancellation.
type Client interface {
	// Query sends a prompt to the ensemble and returns the synthesized answer.
	// The sessionID correlates all requests in one logical conversation.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// Health probes the service. It is idempotent and safe to memoize.
	Health(ctx context.Context) error
}
