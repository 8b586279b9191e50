package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"dms/domain"
)

// Ledger is a thin typed layer over the backup_target_mount_ledger table.
// Every node in the cluster opens its own *Ledger against the same
// PostgreSQL database; there is no per-process caching of row state.
type Ledger struct {
	db *sql.DB
}

// Open connects to the PostgreSQL database identified by dsn and verifies
// the connection with a ping.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &QueryError{Op: "open", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &QueryError{Op: "ping", Err: err}
	}
	return &Ledger{db: db}, nil
}

// NewForTest wraps an already-open *sql.DB as a Ledger, bypassing Open's
// dial/ping step. Exported so other packages' tests can inject a
// sqlmock-backed *sql.DB without a real PostgreSQL connection.
func NewForTest(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Tx scopes a sequence of ledger operations to a single database
// transaction, per §4.3's "each inside a transaction" discipline. Callers
// that need the insert-then-count or delete-then-count sequencing
// MountService relies on must share one Tx across those calls.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a new transaction.
func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &QueryError{Op: "begin", Err: err}
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &QueryError{Op: "commit", Err: err}
	}
	return nil
}

// Rollback aborts the transaction. Rolling back an already-committed or
// already-rolled-back Tx is a no-op, per database/sql's own contract.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &QueryError{Op: "rollback", Err: err}
	}
	return nil
}

const ledgerColumns = `id, job_id, target_id, node_id, mounted, deleted, schema_version, created_at, updated_at, deleted_at`

func scanEntry(row interface {
	Scan(dest ...any) error
}) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var deletedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.JobID, &e.TargetID, &e.NodeID, &e.Mounted, &e.Deleted,
		&e.SchemaVersion, &e.CreatedAt, &e.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

// FindActive returns the non-soft-deleted entry for (jobID, targetID,
// nodeID), or nil if none exists.
func (t *Tx) FindActive(ctx context.Context, jobID uint64, targetID, nodeID string) (*domain.LedgerEntry, error) {
	if targetID == "" {
		return nil, ErrEmptyTargetID
	}
	if nodeID == "" {
		return nil, ErrEmptyNodeID
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM backup_target_mount_ledger
		WHERE job_id = $1 AND target_id = $2 AND node_id = $3 AND deleted = FALSE`,
		jobID, targetID, nodeID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &EntryError{Op: "FindActive", JobID: jobID, TargetID: targetID, NodeID: nodeID, Err: err}
	}
	return entry, nil
}

// CreateOrUpdate inserts the row for (jobID, targetID, nodeID) or, if a
// soft-deleted row for that identity already exists, revives it with the
// given mounted value. The composite (job_id, target_id, node_id) unique
// constraint is what makes this an upsert rather than a blind insert.
func (t *Tx) CreateOrUpdate(ctx context.Context, jobID uint64, targetID, nodeID string, mounted bool) (*domain.LedgerEntry, error) {
	if targetID == "" {
		return nil, ErrEmptyTargetID
	}
	if nodeID == "" {
		return nil, ErrEmptyNodeID
	}
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO backup_target_mount_ledger (job_id, target_id, node_id, mounted, deleted, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, now())
		ON CONFLICT (job_id, target_id, node_id) DO UPDATE
		SET mounted = EXCLUDED.mounted, deleted = FALSE, deleted_at = NULL, updated_at = now()
		RETURNING `+ledgerColumns,
		jobID, targetID, nodeID, mounted)

	entry, err := scanEntry(row)
	if err != nil {
		return nil, &EntryError{Op: "CreateOrUpdate", JobID: jobID, TargetID: targetID, NodeID: nodeID, Err: err}
	}
	return entry, nil
}

// SoftDelete marks the entry for (jobID, targetID, nodeID) as deleted.
// Deleting an entry that does not exist or is already deleted is not an
// error; MountService's Unmount treats a missing entry as idempotent
// success before it ever calls SoftDelete.
func (t *Tx) SoftDelete(ctx context.Context, jobID uint64, targetID, nodeID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE backup_target_mount_ledger
		SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE job_id = $1 AND target_id = $2 AND node_id = $3 AND deleted = FALSE`,
		jobID, targetID, nodeID)
	if err != nil {
		return &EntryError{Op: "SoftDelete", JobID: jobID, TargetID: targetID, NodeID: nodeID, Err: err}
	}
	return nil
}

// ActiveJobCount counts the non-soft-deleted ledger rows for (targetID,
// nodeID) whose job is still starting or running. This is the refcount
// source of truth; the ledger's own mounted flag is only a cached
// observation of it.
func (t *Tx) ActiveJobCount(ctx context.Context, targetID, nodeID string) (int, error) {
	if targetID == "" {
		return 0, ErrEmptyTargetID
	}
	if nodeID == "" {
		return 0, ErrEmptyNodeID
	}
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM backup_target_mount_ledger l
		JOIN job j ON j.job_id = l.job_id
		WHERE l.target_id = $1 AND l.node_id = $2 AND l.deleted = FALSE
		  AND j.deleted = FALSE AND j.status IN ('starting', 'running')`,
		targetID, nodeID).Scan(&count)
	if err != nil {
		return 0, &QueryError{Op: "ActiveJobCount", Err: err}
	}
	return count, nil
}

// SetMountedFlag bulk-updates the mounted flag on every non-deleted row
// for (targetID, nodeID), reflecting the driver-level mount/unmount
// outcome back onto every job currently sharing it.
func (t *Tx) SetMountedFlag(ctx context.Context, targetID, nodeID string, value bool) error {
	if targetID == "" {
		return ErrEmptyTargetID
	}
	if nodeID == "" {
		return ErrEmptyNodeID
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE backup_target_mount_ledger
		SET mounted = $3, updated_at = now()
		WHERE target_id = $1 AND node_id = $2 AND deleted = FALSE`,
		targetID, nodeID, value)
	if err != nil {
		return &QueryError{Op: "SetMountedFlag", Err: err}
	}
	return nil
}

// AnyMounted reports whether any non-deleted row for (targetID, nodeID)
// already carries mounted=true — MountService's signal for "the target
// is currently physically mounted", independent of which job's row it is
// on, since SetMountedFlag keeps every non-deleted row in sync.
func (t *Tx) AnyMounted(ctx context.Context, targetID, nodeID string) (bool, error) {
	var mounted bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(bool_or(mounted), FALSE)
		FROM backup_target_mount_ledger
		WHERE target_id = $1 AND node_id = $2 AND deleted = FALSE`,
		targetID, nodeID).Scan(&mounted)
	if err != nil {
		return false, &QueryError{Op: "AnyMounted", Err: err}
	}
	return mounted, nil
}

// EntriesForNode returns every non-soft-deleted entry for nodeID,
// regardless of target, for use by the reconciler at startup.
func (l *Ledger) EntriesForNode(ctx context.Context, nodeID string) ([]domain.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM backup_target_mount_ledger
		WHERE node_id = $1 AND deleted = FALSE
		ORDER BY target_id`,
		nodeID)
	if err != nil {
		return nil, &QueryError{Op: "EntriesForNode", Err: err}
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &QueryError{Op: "EntriesForNode", Err: err}
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// LoadTarget reads the backup_targets row for targetID. It returns nil,
// nil if the target is missing or soft-deleted — MountService turns
// that into a TargetNotFound error, not this package's job to classify.
func (l *Ledger) LoadTarget(ctx context.Context, targetID string) (*domain.BackupTarget, error) {
	if targetID == "" {
		return nil, ErrEmptyTargetID
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT id, kind, export, mount_path, mount_options, credential_ref, status, deleted, created_at, updated_at
		FROM backup_targets
		WHERE id = $1 AND deleted = FALSE`,
		targetID)

	var target domain.BackupTarget
	var kind, status string
	err := row.Scan(&target.ID, &kind, &target.Export, &target.MountPath, &target.MountOptions,
		&target.CredentialRef, &status, &target.Deleted, &target.CreatedAt, &target.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &QueryError{Op: "LoadTarget", Err: err}
	}
	target.Kind = domain.TargetKind(kind)
	target.Status = domain.TargetStatus(status)
	return &target, nil
}

// Snapshot returns the non-soft-deleted entries for nodeID, optionally
// filtered to a single targetID, for the status CLI surface. It is a
// plain read with no transaction, so it can run concurrently with
// mount/unmount work per §5's read-only status path.
func (l *Ledger) Snapshot(ctx context.Context, targetID, nodeID string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM backup_target_mount_ledger
		WHERE node_id = $1 AND deleted = FALSE`
	args := []any{nodeID}
	if targetID != "" {
		query += ` AND target_id = $2`
		args = append(args, targetID)
	}
	query += ` ORDER BY target_id, job_id`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Op: "Snapshot", Err: err}
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &QueryError{Op: "Snapshot", Err: err}
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// PingTimeout bounds how long Open's connectivity check may block, kept
// as a named constant so callers building a config-driven dial timeout
// have a sensible default to fall back to.
const PingTimeout = 5 * time.Second
