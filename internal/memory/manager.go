// Package memory bounds the in-memory footprint of a conversation. The
// remote ensemble service is the system of record for conversational
// context, correlated by session id, so pruning here is a hard, lossy cap:
// dropped messages are not retrievable client-side.
package memory

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/solipsix/chorus/internal/chat"
)

// Memory policy defaults.
const (
	// DefaultMaxMessages is the hard cap on retained messages.
	DefaultMaxMessages = 100
	// DefaultCleanupInterval forces a prune check even below the cap.
	DefaultCleanupInterval = 5 * time.Minute
	// recentKeep is how many of the newest messages keep full metadata.
	recentKeep = 20
	// fallbackMessageSize is the size estimate when serialization fails.
	fallbackMessageSize = 256
)

// EstimateSize returns the serialized byte length of a message, or a fixed
// fallback when it cannot be serialized.
func EstimateSize(msg chat.Message) int {
	data, err := json.Marshal(messageEnvelope(msg))
	if err != nil {
		return fallbackMessageSize
	}
	return len(data)
}

// TotalUsage sums the per-message size estimates.
func TotalUsage(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateSize(msg)
	}
	return total
}

// messageEnvelope flattens a message for size estimation. The sealed Meta
// interface does not round-trip through encoding/json on its own.
func messageEnvelope(msg chat.Message) map[string]any {
	env := map[string]any{
		"id":        msg.ID,
		"role":      msg.Role,
		"text":      msg.Text,
		"timestamp": msg.Timestamp,
	}
	if msg.Meta != nil {
		env["meta"] = msg.Meta
	}
	return env
}

// Usage is a point-in-time snapshot of conversation memory.
type Usage struct {
	Messages int // Retained message count
	Bytes    int // Estimated serialized size
}

// Manager applies the pruning policy to a message list. It is stateful only
// for the cleanup timer; the list itself is owned by the caller.
type Manager struct {
	maxMessages     int
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
	logger          *slog.Logger
	mu              sync.Mutex
}

// NewManager creates a memory manager with the given cap and interval.
func NewManager(maxMessages int, cleanupInterval time.Duration) *Manager {
	return NewManagerWithClock(maxMessages, cleanupInterval, time.Now)
}

// NewManagerWithClock creates a memory manager with an injected clock.
func NewManagerWithClock(maxMessages int, cleanupInterval time.Duration, now func() time.Time) *Manager {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Manager{
		maxMessages:     maxMessages,
		cleanupInterval: cleanupInterval,
		now:             now,
		lastCleanup:     now(),
		logger:          slog.Default().With(slog.String("component", "memory.manager")),
	}
}

// PruneIfNeeded drops the oldest messages when the list exceeds the cap or
// the cleanup interval elapsed. The retained messages are exactly the most
// recent maxMessages, in their original order.
func (m *Manager) PruneIfNeeded(messages []chat.Message) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	due := now.Sub(m.lastCleanup) > m.cleanupInterval
	over := len(messages) > m.maxMessages
	if !due && !over {
		return messages
	}
	m.lastCleanup = now

	if len(messages) <= m.maxMessages {
		return messages
	}

	dropped := len(messages) - m.maxMessages
	kept := make([]chat.Message, m.maxMessages)
	copy(kept, messages[dropped:])

	m.logger.Info("Pruned conversation memory",
		slog.Int("dropped", dropped),
		slog.Int("kept", len(kept)),
	)
	return kept
}

// Optimize strips heavy optional metadata from all but the newest recentKeep
// messages. Id, role, text and timestamp are always preserved, so the
// visible conversation is unchanged.
func (m *Manager) Optimize(messages []chat.Message) []chat.Message {
	cutoff := len(messages) - recentKeep
	for i := 0; i < cutoff; i++ {
		if meta, ok := messages[i].Meta.(*chat.AssistantMeta); ok {
			if meta.Models != nil || meta.Payload != nil || meta.ExecutionTime != "" {
				messages[i].Meta = meta.Stripped()
			}
		}
	}
	return messages
}

// Snapshot reports current usage for debug tooling.
func (m *Manager) Snapshot(messages []chat.Message) Usage {
	return Usage{
		Messages: len(messages),
		Bytes:    TotalUsage(messages),
	}
}
