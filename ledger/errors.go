// Package ledger implements the shared record of which (job, target,
// node) triples are currently mounted. The ledger lives in PostgreSQL:
// every node in the cluster reads and writes the same tables, so ledger
// state is never replicated or cached across nodes.
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors, checked with errors.Is.
var (
	ErrEmptyTargetID = fmt.Errorf("target id cannot be empty")
	ErrEmptyNodeID   = fmt.Errorf("node id cannot be empty")
	ErrEntryNotFound = fmt.Errorf("ledger entry not found")
)

// QueryError wraps a failed SQL operation with the operation name and
// query context, the way builddb.DatabaseError wraps bbolt failures.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// EntryError wraps a failure tied to a specific ledger entry identity
// (job, target, node).
type EntryError struct {
	Op       string
	JobID    uint64
	TargetID string
	NodeID   string
	Err      error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("ledger entry %s [job=%d target=%s node=%s]: %v",
		e.Op, e.JobID, e.TargetID, e.NodeID, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// IsEntryNotFound reports whether err is or wraps ErrEntryNotFound.
func IsEntryNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

// IsQueryError reports whether err wraps a QueryError, signaling an
// infrastructure-level failure rather than a logic error.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
