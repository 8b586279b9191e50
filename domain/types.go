// Package domain holds the read-only entities DMS observes but does not
// own: BackupTarget and Job. Both tables are populated by systems outside
// DMS's scope (an admin tool and an external job scheduler, respectively);
// DMS only ever reads them.
package domain

import "time"

// TargetKind distinguishes the two mount driver families.
type TargetKind string

const (
	KindNetFS  TargetKind = "netfs"
	KindUserFS TargetKind = "userfs"
)

// TargetStatus mirrors the admin tool's lifecycle for a BackupTarget.
type TargetStatus string

const (
	StatusAvailable   TargetStatus = "available"
	StatusUnavailable TargetStatus = "unavailable"
	StatusDeleting    TargetStatus = "deleting"
)

// BackupTarget is the object DMS mounts. DMS reads it; an out-of-scope
// admin tool owns create/update/soft-delete.
type BackupTarget struct {
	ID            string
	Kind          TargetKind
	Export        string // "server:/path" for NetFS, bucket name for UserFS
	MountPath     string // absolute, no parent-directory traversal
	MountOptions  string // NetFS only
	CredentialRef string // UserFS only, opaque URL into the credential store
	Status        TargetStatus
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobStatus is the subset of job lifecycle states DMS cares about.
type JobStatus string

const (
	JobStarting  JobStatus = "starting"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Active reports whether status alone makes a job count toward a
// target's reference count. This is the sole definition of "active job".
func (s JobStatus) Active() bool {
	return s == JobStarting || s == JobRunning
}

// Job is the workload requesting a mount. DMS reads it; an external job
// system owns it.
type Job struct {
	JobID   uint64
	Status  JobStatus
	Deleted bool
}

// Active reports whether the job counts toward a target's ref-count:
// status is starting/running and it has not been soft-deleted.
func (j Job) Active() bool {
	return !j.Deleted && j.Status.Active()
}

// LedgerEntry is the durable record of "job J uses target T on node N".
// Its identity is the composite (JobID, TargetID, NodeID); ID is a
// surrogate used only for ordering, never for identity comparisons.
type LedgerEntry struct {
	ID            int64
	JobID         uint64
	TargetID      string
	NodeID        string
	Mounted       bool
	Deleted       bool
	SchemaVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ProcessRecord is the in-memory (and on-disk PID-file-backed) record of a
// live UserFS driver child process. NetFS mounts have no ProcessRecord:
// they are kernel mounts with no child to track.
type ProcessRecord struct {
	TargetID        string
	PID             int
	MountPath       string
	StartTime       time.Time
	AdoptedFromDisk bool // true if Adopt() found this PID file at startup rather than Register() writing it
}
