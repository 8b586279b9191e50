package reconciler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"dms/domain"
	"dms/ledger"
	"dms/mountdriver"
	"dms/processregistry"
)

type fakeDriver struct {
	status       mountdriver.Status
	unmountCalls int
}

func (d *fakeDriver) Mount(ctx context.Context, target domain.BackupTarget, credentials map[string]string) error {
	return nil
}
func (d *fakeDriver) Unmount(ctx context.Context, target domain.BackupTarget) error {
	d.unmountCalls++
	return nil
}
func (d *fakeDriver) IsMounted(ctx context.Context, mountPath string) (mountdriver.Status, error) {
	return d.status, nil
}
func (d *fakeDriver) CleanupStale(ctx context.Context, target domain.BackupTarget) error { return nil }

func newTestLedger(t *testing.T) (*ledger.Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return ledger.NewForTest(db), mock
}

func entryRows(targetID, nodeID string) *sqlmock.Rows {
	now := time.Unix(0, 0)
	return sqlmock.NewRows([]string{
		"id", "job_id", "target_id", "node_id", "mounted", "deleted", "schema_version", "created_at", "updated_at", "deleted_at",
	}).AddRow(1, 1, targetID, nodeID, true, false, 1, now, now, nil)
}

func targetRows(id, kind, mountPath string) *sqlmock.Rows {
	now := time.Unix(0, 0)
	return sqlmock.NewRows([]string{
		"id", "kind", "export", "mount_path", "mount_options", "credential_ref", "status", "deleted", "created_at", "updated_at",
	}).AddRow(id, kind, "export", mountPath, "", "", "available", false, now, now)
}

func newTestRegistry(t *testing.T) *processregistry.Registry {
	t.Helper()
	reg, err := processregistry.New(t.TempDir())
	if err != nil {
		t.Fatalf("processregistry.New: %v", err)
	}
	return reg
}

func TestReconciler_ConsistentTarget_NoAction(t *testing.T) {
	led, mock := newTestLedger(t)
	driver := &fakeDriver{status: mountdriver.Status{Mounted: false, Accessible: false}}
	drivers := map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}
	r := New("node-a", led, newTestRegistry(t), drivers, nil, "s3vaultfuse")

	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WillReturnRows(entryRows("t1", "node-a"))
	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WillReturnRows(targetRows("t1", "netfs", "/mnt/t1"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Consistent != 1 || report.Unmounted != 0 || report.MarkedUnmounted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconciler_NoJobsButMounted_TearsDown(t *testing.T) {
	led, mock := newTestLedger(t)
	driver := &fakeDriver{status: mountdriver.Status{Mounted: true, Accessible: true}}
	drivers := map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}
	r := New("node-a", led, newTestRegistry(t), drivers, nil, "s3vaultfuse")

	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WillReturnRows(entryRows("t1", "node-a"))
	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WillReturnRows(targetRows("t1", "netfs", "/mnt/t1"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Unmounted != 1 {
		t.Fatalf("expected Unmounted=1, got %+v", report)
	}
	if driver.unmountCalls != 1 {
		t.Fatalf("expected driver.Unmount to be called once, got %d", driver.unmountCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconciler_ActiveJobsButNotMounted_Disclaims(t *testing.T) {
	led, mock := newTestLedger(t)
	driver := &fakeDriver{status: mountdriver.Status{Mounted: false, Accessible: false}}
	drivers := map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}
	r := New("node-a", led, newTestRegistry(t), drivers, nil, "s3vaultfuse")

	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WillReturnRows(entryRows("t1", "node-a"))
	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WillReturnRows(targetRows("t1", "netfs", "/mnt/t1"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.MarkedUnmounted != 1 {
		t.Fatalf("expected MarkedUnmounted=1, got %+v", report)
	}
	if driver.unmountCalls != 0 {
		t.Fatalf("disclaiming a mount must not call driver.Unmount, got %d calls", driver.unmountCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconciler_ActiveJobsAndMounted_Adopts(t *testing.T) {
	led, mock := newTestLedger(t)
	driver := &fakeDriver{status: mountdriver.Status{Mounted: true, Accessible: true}}
	drivers := map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}
	r := New("node-a", led, newTestRegistry(t), drivers, nil, "s3vaultfuse")

	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").
		WillReturnRows(entryRows("t1", "node-a"))
	mock.ExpectQuery("SELECT .* FROM backup_targets").
		WillReturnRows(targetRows("t1", "netfs", "/mnt/t1"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("UPDATE backup_target_mount_ledger").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Adopted2 != 1 {
		t.Fatalf("expected Adopted2=1, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconciler_DuplicateTargetEntriesCheckedOnce(t *testing.T) {
	led, mock := newTestLedger(t)
	driver := &fakeDriver{status: mountdriver.Status{Mounted: false, Accessible: false}}
	drivers := map[domain.TargetKind]mountdriver.Driver{domain.KindNetFS: driver}
	r := New("node-a", led, newTestRegistry(t), drivers, nil, "s3vaultfuse")

	rows := sqlmock.NewRows([]string{
		"id", "job_id", "target_id", "node_id", "mounted", "deleted", "schema_version", "created_at", "updated_at", "deleted_at",
	}).AddRow(1, 1, "t1", "node-a", false, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil).
		AddRow(2, 2, "t1", "node-a", false, false, 1, time.Unix(0, 0), time.Unix(0, 0), nil)
	mock.ExpectQuery("SELECT .* FROM backup_target_mount_ledger").WillReturnRows(rows)
	mock.ExpectQuery("SELECT .* FROM backup_targets").WillReturnRows(targetRows("t1", "netfs", "/mnt/t1"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TargetsChecked != 1 {
		t.Fatalf("expected exactly one target checked despite two ledger rows, got %d", report.TargetsChecked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
