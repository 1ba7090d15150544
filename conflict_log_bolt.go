package graphmesh

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var conflictsBucket = []byte("conflicts")

// BoltConflictLog persists conflict records in a bbolt database so the audit
// trail survives restarts. Records are keyed by timestamp so iteration order
// is chronological.
type BoltConflictLog struct {
	db *bbolt.DB
}

// NewBoltConflictLog opens (creating if needed) a bbolt-backed conflict log
// at the given path.
func NewBoltConflictLog(path string) (*BoltConflictLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open conflict log: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conflictsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conflicts bucket: %w", err)
	}

	return &BoltConflictLog{db: db}, nil
}

// recordKey orders records chronologically with the ID as tie-breaker.
func recordKey(r ConflictRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", r.Timestamp.UnixNano(), r.ID))
}

// Append adds a record to the log.
func (l *BoltConflictLog) Append(record ConflictRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict record: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(conflictsBucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return bucket.Put(recordKey(record), data)
	})
}

// Records returns all records, oldest first.
func (l *BoltConflictLog) Records() ([]ConflictRecord, error) {
	var out []ConflictRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(conflictsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var r ConflictRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal conflict record %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unresolved returns unreviewed manual-review records, oldest first.
func (l *BoltConflictLog) Unresolved() ([]ConflictRecord, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}
	var out []ConflictRecord
	for _, r := range records {
		if r.Resolution == ResolutionManualReview && !r.Reviewed {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkReviewed flags a record as handled by an operator.
func (l *BoltConflictLog) MarkReviewed(id string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(conflictsBucket)
		if bucket == nil {
			return fmt.Errorf("conflict record %q not found", id)
		}

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r ConflictRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal conflict record %s: %w", k, err)
			}
			if r.ID != id {
				continue
			}
			now := time.Now()
			r.Reviewed = true
			r.ReviewedAt = &now
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal conflict record: %w", err)
			}
			return bucket.Put(k, data)
		}
		return fmt.Errorf("conflict record %q not found", id)
	})
}

// Clear removes all records.
func (l *BoltConflictLog) Clear() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(conflictsBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(conflictsBucket)
		return err
	})
}

// Close closes the underlying database.
func (l *BoltConflictLog) Close() error {
	return l.db.Close()
}
