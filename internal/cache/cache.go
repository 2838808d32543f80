// Package cache provides a short-lived in-memory key/value store with TTL,
// tag and priority semantics and pressure-aware eviction. It memoizes
// idempotent reads (health probes, tier info); it never stores chat
// messages. Cache failures always degrade to a miss — nothing on the
// request path depends on cache success.
package cache

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Cache policy defaults.
const (
	// DefaultMaxSize is the default entry capacity.
	DefaultMaxSize = 100
	// DefaultTTL applies when Set is given no TTL.
	DefaultTTL = 5 * time.Minute
	// proactiveTTLRatio marks entries past this share of their lifetime as
	// eligible for proactive eviction under capacity pressure.
	proactiveTTLRatio = 0.8
	// lowPriorityEvictRatio bounds one round of low-priority eviction.
	lowPriorityEvictRatio = 0.1
	// fallbackEntrySize is the size estimate when serialization fails.
	fallbackEntrySize = 128
)

// Priority orders entries for eviction. Low-priority entries go first.
// The zero value is PriorityNormal.
type Priority int

const (
	// PriorityNormal is the default.
	PriorityNormal Priority = iota
	// PriorityLow entries are evicted first under pressure.
	PriorityLow
	// PriorityHigh entries are evicted only by age as a last resort.
	PriorityHigh
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Options configures a single Set.
type Options struct {
	TTL      time.Duration // DefaultTTL if zero
	Tags     []string      // For bulk invalidation
	Priority Priority      // PriorityNormal by default
}

// entry is one stored value.
type entry struct {
	key       string
	data      any
	timestamp time.Time
	ttl       time.Duration
	tags      []string
	priority  Priority
}

// expired reports whether the entry's TTL has elapsed.
func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// nearExpiry reports whether the entry passed the proactive-eviction share
// of its lifetime.
func (e *entry) nearExpiry(now time.Time) bool {
	return float64(now.Sub(e.timestamp)) > float64(e.ttl)*proactiveTTLRatio
}

// Stats is a read-only snapshot of cache state.
type Stats struct {
	Size       int            // Current entry count
	MaxSize    int            // Capacity
	Hits       int64          // Get hits since creation
	Misses     int64          // Get misses since creation
	Pressure   float64        // Size / MaxSize
	ByPriority map[string]int // Entry count per priority tier
}

// MemoryInfo is a rough estimate of the cache's memory footprint.
type MemoryInfo struct {
	Entries     int     // Current entry count
	ApproxBytes int     // Serialized-size estimate of all values
	Pressure    float64 // Size / MaxSize
}

// Manager is the cache store. Safe for concurrent use.
type Manager struct {
	entries map[string]*entry
	maxSize int
	now     func() time.Time
	logger  *slog.Logger
	hits    int64
	misses  int64
	mu      sync.Mutex
}

// NewManager creates a cache with the given capacity.
func NewManager(maxSize int) *Manager {
	return NewManagerWithClock(maxSize, time.Now)
}

// NewManagerWithClock creates a cache with an injected clock.
func NewManagerWithClock(maxSize int, now func() time.Time) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Manager{
		entries: make(map[string]*entry),
		maxSize: maxSize,
		now:     now,
		logger:  slog.Default().With(slog.String("component", "cache.manager")),
	}
}

// Set stores a value. At capacity it evicts in a fixed order: expired
// entries, then entries near expiry, then the oldest low-priority entries,
// then the oldest overall. Set never leaves the cache above capacity.
func (m *Manager) Set(key string, data any, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxSize {
		m.makeRoomLocked()
	}

	m.entries[key] = &entry{
		key:       key,
		data:      data,
		timestamp: m.now(),
		ttl:       ttl,
		tags:      append([]string(nil), opts.Tags...),
		priority:  opts.Priority,
	}
}

// Get returns the stored value, or (nil, false) if the key is absent or
// expired. An expired entry is deleted opportunistically; TTL is enforced
// here regardless of whether background cleanup has run.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		m.misses++
		return nil, false
	}

	m.hits++
	return e.data, true
}

// Delete removes a single entry.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

// InvalidateByTags removes every entry whose tag set intersects the given
// tags and returns the count removed.
func (m *Manager) InvalidateByTags(tags []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	removed := 0
	for key, e := range m.entries {
		for _, t := range e.tags {
			if _, ok := tagSet[t]; ok {
				delete(m.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

// InvalidateAll clears the cache. The reason is diagnostic only.
func (m *Manager) InvalidateAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := len(m.entries)
	m.entries = make(map[string]*entry)

	m.logger.Info("Cache invalidated",
		slog.Int("entries", size),
		slog.String("reason", reason),
	)
}

// RemoveExpired deletes every expired entry and returns the count removed.
func (m *Manager) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeExpiredLocked()
}

// Stats returns a read-only snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPriority := make(map[string]int)
	for _, e := range m.entries {
		byPriority[e.priority.String()]++
	}

	return Stats{
		Size:       len(m.entries),
		MaxSize:    m.maxSize,
		Hits:       m.hits,
		Misses:     m.misses,
		Pressure:   float64(len(m.entries)) / float64(m.maxSize),
		ByPriority: byPriority,
	}
}

// MemoryInfo returns a rough serialized-size estimate. Values that cannot
// be serialized count a fixed fallback; estimation never fails.
func (m *Manager) MemoryInfo() MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	bytes := 0
	for _, e := range m.entries {
		data, err := json.Marshal(e.data)
		if err != nil {
			bytes += fallbackEntrySize
			continue
		}
		bytes += len(data)
	}

	return MemoryInfo{
		Entries:     len(m.entries),
		ApproxBytes: bytes,
		Pressure:    float64(len(m.entries)) / float64(m.maxSize),
	}
}

// Pressure returns the current fill ratio.
func (m *Manager) Pressure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(len(m.entries)) / float64(m.maxSize)
}

// AggressiveCleanup deletes the oldest entries, TTL and priority ignored,
// until occupancy drops to targetRatio of capacity. Returns the count
// removed. Used by the maintenance service under memory pressure.
func (m *Manager) AggressiveCleanup(targetRatio float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := int(float64(m.maxSize) * targetRatio)
	if target < 0 {
		target = 0
	}
	if len(m.entries) <= target {
		return 0
	}

	byAge := m.entriesByAgeLocked()
	removed := 0
	for _, e := range byAge {
		if len(m.entries) <= target {
			break
		}
		delete(m.entries, e.key)
		removed++
	}

	m.logger.Warn("Aggressive cache cleanup",
		slog.Int("removed", removed),
		slog.Int("remaining", len(m.entries)),
	)
	return removed
}

// makeRoomLocked frees at least one slot. Eviction order: standard expiry,
// proactive near-expiry, low priority oldest first, then oldest overall.
func (m *Manager) makeRoomLocked() {
	if m.removeExpiredLocked() > 0 && len(m.entries) < m.maxSize {
		return
	}

	now := m.now()
	for key, e := range m.entries {
		if e.nearExpiry(now) {
			delete(m.entries, key)
		}
	}
	if len(m.entries) < m.maxSize {
		return
	}

	budget := int(float64(m.maxSize) * lowPriorityEvictRatio)
	if budget < 1 {
		budget = 1
	}
	for _, e := range m.entriesByAgeLocked() {
		if budget == 0 || len(m.entries) < m.maxSize {
			break
		}
		if e.priority == PriorityLow {
			delete(m.entries, e.key)
			budget--
		}
	}
	if len(m.entries) < m.maxSize {
		return
	}

	byAge := m.entriesByAgeLocked()
	if len(byAge) > 0 {
		delete(m.entries, byAge[0].key)
	}
}

// removeExpiredLocked deletes expired entries. Callers hold mu.
func (m *Manager) removeExpiredLocked() int {
	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// entriesByAgeLocked returns all entries oldest first. Callers hold mu.
func (m *Manager) entriesByAgeLocked() []*entry {
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].timestamp.Before(out[j].timestamp)
	})
	return out
}
