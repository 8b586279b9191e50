package diagnostics

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diagnostics.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndRecentReconciliations(t *testing.T) {
	s := setupTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := ReconciliationRecord{
			ID:             fmt.Sprintf("r%d", i),
			NodeID:         "node-a",
			RanAt:          base.Add(time.Duration(i) * time.Minute),
			TargetsChecked: i,
		}
		if err := s.SaveReconciliation(rec); err != nil {
			t.Fatalf("SaveReconciliation: %v", err)
		}
	}

	recent, err := s.RecentReconciliations(2)
	if err != nil {
		t.Fatalf("RecentReconciliations: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].ID != "r2" || recent[1].ID != "r1" {
		t.Fatalf("expected most-recently-run-first order [r2 r1], got [%s %s]", recent[0].ID, recent[1].ID)
	}
}

func TestSaveReconciliation_EmptyIDRejected(t *testing.T) {
	s := setupTestStore(t)
	if err := s.SaveReconciliation(ReconciliationRecord{}); err != ErrEmptyID {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestSaveAndRecentDispatches_FiltersByTarget(t *testing.T) {
	s := setupTestStore(t)

	if err := s.SaveDispatch(DispatchRecord{ID: "d1", TargetID: "t1", Operation: "mount", Success: true}); err != nil {
		t.Fatalf("SaveDispatch: %v", err)
	}
	if err := s.SaveDispatch(DispatchRecord{ID: "d2", TargetID: "t2", Operation: "mount", Success: true}); err != nil {
		t.Fatalf("SaveDispatch: %v", err)
	}

	recent, err := s.RecentDispatches("t1", 10)
	if err != nil {
		t.Fatalf("RecentDispatches: %v", err)
	}
	if len(recent) != 1 || recent[0].TargetID != "t1" {
		t.Fatalf("expected only t1's dispatch, got %+v", recent)
	}
}

func TestRecentDispatches_AllTargetsWhenEmptyFilter(t *testing.T) {
	s := setupTestStore(t)
	s.SaveDispatch(DispatchRecord{ID: "d1", TargetID: "t1"})
	s.SaveDispatch(DispatchRecord{ID: "d2", TargetID: "t2"})

	recent, err := s.RecentDispatches("", 10)
	if err != nil {
		t.Fatalf("RecentDispatches: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
}
