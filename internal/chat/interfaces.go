package chat

// Gate decides whether a send may go out. Implementations are pure state,
// no I/O; a block is reported as a typed error the UI can inspect.
type Gate interface {
	// Check gates one request for the given identity kind.
	Check(anonymous bool) error
}

// Memory bounds the in-memory growth of the message list. Implementations
// must preserve insertion order and never mutate retained message text.
type Memory interface {
	// PruneIfNeeded drops the oldest messages when the list exceeds its cap
	// or the cleanup interval elapsed. Returns the retained slice.
	PruneIfNeeded(messages []Message) []Message

	// Optimize strips heavy optional metadata from older messages while
	// preserving id, role, text and timestamp.
	Optimize(messages []Message) []Message
}
