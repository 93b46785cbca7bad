package logging

import (
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// LogEntry is one captured log line, as served by /v0/logs.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer keeps the most recent log entries. It implements logrus.Hook.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// NewRingBuffer creates a ring buffer. A non-positive capacity selects
// DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{entries: make([]LogEntry, capacity), capacity: capacity}
}

// Levels captures every level.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire stores entry.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}
	e := LogEntry{Timestamp: entry.Time, Level: level, Message: entry.Message, Fields: fields}
	if entry.Caller != nil {
		e.Source = formatSource(entry.Caller.File, entry.Caller.Line)
	}
	rb.Write(e)
	return nil
}

// Write appends entry, overwriting the oldest once full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// GetEntries returns a copy of all entries, oldest first.
func (rb *RingBuffer) GetEntries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]LogEntry, rb.count)
	if rb.count == rb.capacity {
		n := copy(result, rb.entries[rb.head:])
		copy(result[n:], rb.entries[:rb.head])
	} else {
		copy(result, rb.entries[:rb.count])
	}
	for i := range result {
		if result[i].Fields != nil {
			fields := make(map[string]interface{}, len(result[i].Fields))
			for k, v := range result[i].Fields {
				fields[k] = v
			}
			result[i].Fields = fields
		}
	}
	return result
}

// GetRecentEntries returns the n most recent entries, oldest first. A
// non-positive n returns everything.
func (rb *RingBuffer) GetRecentEntries(n int) []LogEntry {
	entries := rb.GetEntries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the number of stored entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the capacity.
func (rb *RingBuffer) Cap() int { return rb.capacity }

// Clear removes all entries.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.count = 0, 0
	for i := range rb.entries {
		rb.entries[i] = LogEntry{}
	}
}

func formatSource(file string, line int) string {
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// GlobalBuffer is installed as a hook by SetupBaseLogger.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)
