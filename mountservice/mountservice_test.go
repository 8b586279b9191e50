package mountservice

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"dms/domain"
	"dms/ledger"
	"dms/mountdriver"
	"dms/serializer"
)

type fakeDriver struct {
	mountCalls   int
	unmountCalls int
	mountErr     error
	unmountErr   error
}

func (d *fakeDriver) Mount(ctx context.Context, target domain.BackupTarget, credentials map[string]string) error {
	d.mountCalls++
	return d.mountErr
}
func (d *fakeDriver) Unmount(ctx context.Context, target domain.BackupTarget) error {
	d.unmountCalls++
	return d.unmountErr
}
func (d *fakeDriver) IsMounted(ctx context.Context, mountPath string) (mountdriver.Status, error) {
	return mountdriver.Status{Mounted: true, Accessible: true}, nil
}
func (d *fakeDriver) CleanupStale(ctx context.Context, target domain.BackupTarget) error { return nil }

type fakeTokenVerifier struct{ err error }

func (f fakeTokenVerifier) Verify(token string) error { return f.err }

func newTestLedger(t *testing.T) (*ledger.Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return ledger.NewForTest(db), mock
}

func targetRows(id, kind, export, mountPath string) *sqlmock.Rows {
	now := time.Unix(0, 0)
	return sqlmock.NewRows([]string{
		"id", "kind", "export", "mount_path", "mount_options", "credential_ref", "status", "deleted", "created_at", "updated_at",
	}).AddRow(id, kind, export, mountPath, "", "", "available", false, now, now)
}

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_id", "target_id", "node_id", "mounted", "deleted",
		"schema_version", "created_at", "updated_at", "deleted_at",
	})
}

func TestMountService_Mount_FirstUserMountsPhysically(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a").
		WillReturnRows(entryRows()) // FindActive: none yet
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"bool_or"}).AddRow(false)) // AnyMounted: false
	mock.ExpectQuery("INSERT INTO backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a", false).
		WillReturnRows(entryRows().AddRow(1, 1, "t1", "node-a", false, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1)) // ActiveJobCount: 1
	mock.ExpectExec("UPDATE backup_target_mount_ledger").
		WithArgs("t1", "node-a", true).
		WillReturnResult(sqlmock.NewResult(0, 1)) // SetMountedFlag(true)
	mock.ExpectCommit()

	result, err := svc.Mount(context.Background(), 1, "t1", "tok")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !result.OK || result.ReusedExisting || !result.PhysicallyMounted {
		t.Errorf("unexpected result: %+v", result)
	}
	if driver.mountCalls != 1 {
		t.Errorf("driver.Mount called %d times, want 1", driver.mountCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMountService_Mount_SecondJobReusesExistingMount(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a").
		WillReturnRows(entryRows()) // FindActive for job 2: none
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"bool_or"}).AddRow(true)) // AnyMounted: true (job 1 already mounted it)
	mock.ExpectQuery("INSERT INTO backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a", false).
		WillReturnRows(entryRows().AddRow(2, 2, "t1", "node-a", false, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2)) // ActiveJobCount: 2
	mock.ExpectQuery("INSERT INTO backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a", true).
		WillReturnRows(entryRows().AddRow(2, 2, "t1", "node-a", true, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectCommit()

	result, err := svc.Mount(context.Background(), 2, "t1", "tok")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !result.OK || result.PhysicallyMounted {
		t.Errorf("unexpected result: %+v", result)
	}
	if driver.mountCalls != 0 {
		t.Errorf("driver.Mount should not be called on reuse, called %d times", driver.mountCalls)
	}
}

func TestMountService_Mount_SoleActiveJobButTargetAlreadyMountedByOrphanedRow(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a").
		WillReturnRows(entryRows()) // FindActive for job 2: none
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("t1", "node-a").
		// A prior job's row is still mounted=true even though that job is
		// no longer counted as active (its ledger row hasn't been soft-
		// deleted yet).
		WillReturnRows(sqlmock.NewRows([]string{"bool_or"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a", false).
		WillReturnRows(entryRows().AddRow(2, 2, "t1", "node-a", false, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1)) // ActiveJobCount: only job 2 is active
	mock.ExpectQuery("INSERT INTO backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a", true).
		WillReturnRows(entryRows().AddRow(2, 2, "t1", "node-a", true, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectCommit()

	result, err := svc.Mount(context.Background(), 2, "t1", "tok")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !result.OK || result.PhysicallyMounted {
		t.Errorf("unexpected result: %+v", result)
	}
	if driver.mountCalls != 0 {
		t.Errorf("driver.Mount should not be called when the target is already mounted, called %d times", driver.mountCalls)
	}
	// The decisive assertion: job 2's own row must end up mounted=true
	// (the second INSERT...ON CONFLICT above), not left at the mounted=false
	// it was created with — otherwise a later Unmount would read
	// entry.Mounted=false and skip the physical unmount, leaking the mount.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations (job 2's row was not updated to mounted=true): %v", err)
	}
}

func TestMountService_Mount_ExistingEntryIsReusedVerbatim(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a").
		WillReturnRows(entryRows().AddRow(1, 1, "t1", "node-a", true, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectCommit()

	result, err := svc.Mount(context.Background(), 1, "t1", "tok")
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !result.ReusedExisting {
		t.Errorf("expected ReusedExisting=true, got %+v", result)
	}
	if driver.mountCalls != 0 {
		t.Errorf("driver.Mount should not be called when entry already active")
	}
}

func TestMountService_Mount_TargetNotFound(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	svc := New("node-a", led, ser, nil, nil, nil, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "kind", "export", "mount_path", "mount_options", "credential_ref", "status", "deleted", "created_at", "updated_at",
		}))

	_, err := svc.Mount(context.Background(), 1, "missing", "tok")
	if domain.KindOf(err) != domain.KindTargetNotFound {
		t.Errorf("expected TargetNotFound, got %v", err)
	}
}

func TestMountService_Mount_AuthFailed(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	svc := New("node-a", led, ser, nil, nil, fakeTokenVerifier{err: errors.New("bad token")}, nil)

	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))

	_, err := svc.Mount(context.Background(), 1, "t1", "bad-token")
	if domain.KindOf(err) != domain.KindAuthFailed {
		t.Errorf("expected AuthFailed, got %v", err)
	}
}

func TestMountService_Unmount_NoActiveMountIsIdempotent(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	svc := New("node-a", led, ser, nil, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a").
		WillReturnRows(entryRows())
	mock.ExpectCommit()

	result, err := svc.Unmount(context.Background(), 1, "t1")
	if err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if !result.OK || !result.NoActiveMount {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestMountService_Unmount_LastUserUnmountsPhysically(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a").
		WillReturnRows(entryRows().AddRow(1, 1, "t1", "node-a", true, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").
		WithArgs(uint64(1), "t1", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 1)) // SoftDelete
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0)) // ActiveJobCount: 0
	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WithArgs("t1").
		WillReturnRows(targetRows("t1", "netfs", "srv:/x", "/mnt/t1"))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").
		WithArgs("t1", "node-a", false).
		WillReturnResult(sqlmock.NewResult(0, 1)) // SetMountedFlag(false)
	mock.ExpectCommit()

	result, err := svc.Unmount(context.Background(), 1, "t1")
	if err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if !result.PhysicallyUnmounted || result.Remaining != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if driver.unmountCalls != 1 {
		t.Errorf("driver.Unmount called %d times, want 1", driver.unmountCalls)
	}
}

func TestMountService_Unmount_OtherJobsStillReference(t *testing.T) {
	led, mock := newTestLedger(t)
	ser := serializer.New(t.TempDir(), time.Second)
	driver := &fakeDriver{}
	svc := New("node-a", led, ser, map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}, nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a").
		WillReturnRows(entryRows().AddRow(2, 2, "t1", "node-a", true, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").
		WithArgs(uint64(2), "t1", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1)) // one other job still active
	mock.ExpectCommit()

	result, err := svc.Unmount(context.Background(), 2, "t1")
	if err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if result.PhysicallyUnmounted || result.Remaining != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if driver.unmountCalls != 0 {
		t.Errorf("driver.Unmount should not be called while other jobs remain")
	}
}
