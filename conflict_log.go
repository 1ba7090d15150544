package graphmesh

import (
	"fmt"
	"sync"
	"time"
)

// ConflictLog is the append-only audit trail of conflict resolutions. The
// resolver writes to it; operators read it back through the HTTP API.
// Implementations must be safe for concurrent use.
type ConflictLog interface {
	// Append adds a record to the log.
	Append(record ConflictRecord) error

	// Records returns all records, oldest first.
	Records() ([]ConflictRecord, error)

	// Unresolved returns records that required manual review and have not
	// been marked reviewed yet, oldest first.
	Unresolved() ([]ConflictRecord, error)

	// MarkReviewed flags a record as handled by an operator.
	MarkReviewed(id string) error

	// Clear removes all records.
	Clear() error

	// Close releases any resources held by the log.
	Close() error
}

// Compile-time checks that implementations satisfy the interface.
var (
	_ ConflictLog = (*MemoryConflictLog)(nil)
	_ ConflictLog = (*BoltConflictLog)(nil)
)

// MemoryConflictLog keeps conflict records in memory. It is the default for
// tests and embedded use; durable deployments use BoltConflictLog.
type MemoryConflictLog struct {
	mu      sync.RWMutex
	records []ConflictRecord
}

// NewMemoryConflictLog creates an empty in-memory conflict log.
func NewMemoryConflictLog() *MemoryConflictLog {
	return &MemoryConflictLog{}
}

// Append adds a record to the log.
func (l *MemoryConflictLog) Append(record ConflictRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

// Records returns all records, oldest first.
func (l *MemoryConflictLog) Records() ([]ConflictRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ConflictRecord, len(l.records))
	copy(out, l.records)
	return out, nil
}

// Unresolved returns unreviewed manual-review records, oldest first.
func (l *MemoryConflictLog) Unresolved() ([]ConflictRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ConflictRecord
	for _, r := range l.records {
		if r.Resolution == ResolutionManualReview && !r.Reviewed {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkReviewed flags a record as handled by an operator.
func (l *MemoryConflictLog) MarkReviewed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID == id {
			now := time.Now()
			l.records[i].Reviewed = true
			l.records[i].ReviewedAt = &now
			return nil
		}
	}
	return fmt.Errorf("conflict record %q not found", id)
}

// Clear removes all records.
func (l *MemoryConflictLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	return nil
}

// Close is a no-op for the in-memory log.
func (l *MemoryConflictLog) Close() error {
	return nil
}
