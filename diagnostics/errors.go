package diagnostics

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyID        = fmt.Errorf("diagnostics record id cannot be empty")
	ErrRecordNotFound = fmt.Errorf("diagnostics record not found")
	ErrBucketNotFound = fmt.Errorf("diagnostics bucket not found")
)

// StoreError wraps a bbolt operation failure with the bucket it touched.
type StoreError struct {
	Op     string
	Bucket string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("diagnostics %s [bucket: %s]: %v", e.Op, e.Bucket, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// RecordError wraps a record-level failure with the record's id.
type RecordError struct {
	Op  string
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("diagnostics record %s [id: %s]: %v", e.Op, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

func IsRecordNotFound(err error) bool { return errors.Is(err, ErrRecordNotFound) }
