package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is a log line kept in memory for the control plane's logs command.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// RingBuffer is a thread-safe circular buffer of log entries.
type RingBuffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add adds an entry, overwriting the oldest when full.
func (rb *RingBuffer) Add(entry Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// GetLast returns the last n entries in chronological order.
func (rb *RingBuffer) GetLast(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	result := make([]Entry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// GetBySource returns the last limit entries from source in chronological
// order. A limit of 0 returns every match.
func (rb *RingBuffer) GetBySource(source string, limit int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []Entry
	start := (rb.head - rb.count + rb.size) % rb.size
	for i := 0; i < rb.count; i++ {
		if e := rb.entries[(start+i)%rb.size]; e.Source == source {
			result = append(result, e)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all entries from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.count = 0
}

var (
	recentBuffer *RingBuffer
	bufferOnce   sync.Once
)

// GetRecentBuffer returns the process-wide buffer fed by ConsoleHandler.
func GetRecentBuffer() *RingBuffer {
	bufferOnce.Do(func() {
		recentBuffer = NewRingBuffer(2000)
	})
	return recentBuffer
}

// LevelFromSlog converts slog.Level to its lower-case name.
func LevelFromSlog(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
