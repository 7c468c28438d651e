// Package history records executed queries for audit and debugging.
package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("history: not found")

// Entry is one recorded query execution.
type Entry struct {
	ID         int64     `json:"id"`
	Catalog    string    `json:"catalog"`
	Tool       string    `json:"tool"`
	Query      string    `json:"query"`
	Question   string    `json:"question,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	RowCount   int       `json:"row_count"`
	Truncated  bool      `json:"truncated"`
	DurationMS int64     `json:"duration_ms"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Recorder persists entries and lists them back newest first.
type Recorder interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
	Recent(ctx context.Context, catalog string, limit int) ([]Entry, error)
}

// MemoryRecorder keeps a bounded in-process history. It backs deployments
// that run without a database.
type MemoryRecorder struct {
	mu      sync.Mutex
	nextID  int64
	limit   int
	entries []Entry
}

func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryRecorder{limit: limit}
}

func (m *MemoryRecorder) Record(_ context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.limit {
		m.entries = m.entries[len(m.entries)-m.limit:]
	}
	return entry, nil
}

func (m *MemoryRecorder) Recent(_ context.Context, catalog string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if catalog != "" && m.entries[i].Catalog != catalog {
			continue
		}
		out = append(out, m.entries[i])
	}
	return out, nil
}
