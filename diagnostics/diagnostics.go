// Package diagnostics is the node-local, embedded history dms keeps of
// its own operational events: one row per reconciliation run (written by
// the reconcile command, read by the status command) without
// round-tripping to the shared ledger, plus a dispatch bucket served by
// SaveDispatch/RecentDispatches. The dispatcher does not write dispatch
// records. Nothing here is authoritative; the ledger and the live mount
// table always win.
package diagnostics

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketReconciliations = "reconciliations"
	bucketDispatches      = "dispatches"
)

// Store wraps a bbolt database rooted at a single file under the node's
// local state directory.
type Store struct {
	db *bolt.DB
}

// timeKey builds a bucket key that sorts lexicographically by at, so
// bbolt's cursor order matches chronological order regardless of id's
// own format. The id suffix only disambiguates same-nanosecond writes.
func timeKey(at time.Time, id string) []byte {
	key := make([]byte, 8, 9+len(id))
	binary.BigEndian.PutUint64(key, uint64(at.UnixNano()))
	key = append(key, '|')
	key = append(key, id...)
	return key
}

// ReconciliationRecord is one Reconciler.Run outcome.
type ReconciliationRecord struct {
	ID              string    `json:"id"`
	NodeID          string    `json:"node_id"`
	RanAt           time.Time `json:"ran_at"`
	Adopted         int       `json:"adopted"`
	CleanedPIDFiles int       `json:"cleaned_pid_files"`
	TargetsChecked  int       `json:"targets_checked"`
	MarkedUnmounted int       `json:"marked_unmounted"`
	Unmounted       int       `json:"unmounted"`
	Errors          []string  `json:"errors,omitempty"`
}

// DispatchRecord is one NodeDispatcher.handle outcome.
type DispatchRecord struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	TargetID  string    `json:"target_id"`
	JobID     uint64    `json:"job_id"`
	Operation string    `json:"operation"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Open opens or creates the bbolt database at path, creating both
// buckets if missing.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketReconciliations)); err != nil {
			return &StoreError{Op: "create bucket", Bucket: bucketReconciliations, Err: err}
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDispatches)); err != nil {
			return &StoreError{Op: "create bucket", Bucket: bucketDispatches, Err: err}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &Store{db: bdb}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReconciliation persists rec, keyed by timeKey(rec.RanAt, rec.ID).
func (s *Store) SaveReconciliation(rec ReconciliationRecord) error {
	if rec.ID == "" {
		return ErrEmptyID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", ID: rec.ID, Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketReconciliations))
		if bucket == nil {
			return &StoreError{Op: "get bucket", Bucket: bucketReconciliations, Err: ErrBucketNotFound}
		}
		return bucket.Put(timeKey(rec.RanAt, rec.ID), data)
	})
	if err != nil {
		return &RecordError{Op: "save", ID: rec.ID, Err: err}
	}
	return nil
}

// RecentReconciliations returns up to limit reconciliation records, most
// recently written first.
func (s *Store) RecentReconciliations(limit int) ([]ReconciliationRecord, error) {
	var records []ReconciliationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketReconciliations))
		if bucket == nil {
			return &StoreError{Op: "get bucket", Bucket: bucketReconciliations, Err: ErrBucketNotFound}
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(records) < limit); k, v = c.Prev() {
			var rec ReconciliationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal", ID: string(k), Err: err}
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// SaveDispatch persists rec, keyed by timeKey(rec.At, rec.ID).
func (s *Store) SaveDispatch(rec DispatchRecord) error {
	if rec.ID == "" {
		return ErrEmptyID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", ID: rec.ID, Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDispatches))
		if bucket == nil {
			return &StoreError{Op: "get bucket", Bucket: bucketDispatches, Err: ErrBucketNotFound}
		}
		return bucket.Put(timeKey(rec.At, rec.ID), data)
	})
	if err != nil {
		return &RecordError{Op: "save", ID: rec.ID, Err: err}
	}
	return nil
}

// RecentDispatches returns up to limit dispatch records for targetID
// (all targets if targetID is empty), most recently written first.
func (s *Store) RecentDispatches(targetID string, limit int) ([]DispatchRecord, error) {
	var records []DispatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDispatches))
		if bucket == nil {
			return &StoreError{Op: "get bucket", Bucket: bucketDispatches, Err: ErrBucketNotFound}
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(records) < limit); k, v = c.Prev() {
			var rec DispatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal", ID: string(k), Err: err}
			}
			if targetID != "" && rec.TargetID != targetID {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}
