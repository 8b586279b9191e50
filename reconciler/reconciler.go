// Package reconciler implements the startup (and optionally periodic)
// pass described in §4.7: bring ProcessRegistry's in-memory state back in
// sync with what is actually running, then bring the ledger's mounted
// flag back in sync with what is actually mounted, one node's own
// entries at a time.
package reconciler

import (
	"context"
	"fmt"

	"dms/domain"
	"dms/ledger"
	"dms/log"
	"dms/mountdriver"
	"dms/processregistry"
)

// Reconciler owns one node's view of the ledger and drivers.
type Reconciler struct {
	nodeID   string
	ledger   *ledger.Ledger
	registry *processregistry.Registry
	drivers  map[domain.TargetKind]mountdriver.Driver
	logger   *log.Structured

	userFSBinary string
}

// New constructs a Reconciler for nodeID. userFSBinary names the UserFS
// driver binary, used to confirm an adopted PID is really a DMS child
// and not a PID number that happens to be reused by an unrelated process.
func New(nodeID string, led *ledger.Ledger, registry *processregistry.Registry,
	drivers map[domain.TargetKind]mountdriver.Driver, logger *log.Structured, userFSBinary string) *Reconciler {
	return &Reconciler{
		nodeID:       nodeID,
		ledger:       led,
		registry:     registry,
		drivers:      drivers,
		logger:       logger,
		userFSBinary: userFSBinary,
	}
}

// Report summarizes one Run, for the diagnostics store and the status
// CLI surface.
type Report struct {
	Adopted         int
	CleanedPIDFiles int
	TargetsChecked  int
	MarkedUnmounted int // n>0 && !isMounted: jobs still reference it but we had to disclaim the mount
	Unmounted       int // n==0 && isMounted: we tore it down
	Adopted2        int // n>0 && isMounted: consistent, marked mounted on all rows
	Consistent      int // n==0 && !isMounted: no action
	Errors          []string
}

// Run executes one reconciliation pass for Reconciler's node, per §4.7.
// It never touches another node's ledger entries.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	adopted, cleaned, err := r.registry.Adopt(r.userFSBinary)
	if err != nil {
		return report, fmt.Errorf("reconciler: adopt: %w", err)
	}
	report.Adopted, report.CleanedPIDFiles = adopted, cleaned

	entries, err := r.ledger.EntriesForNode(ctx, r.nodeID)
	if err != nil {
		return report, fmt.Errorf("reconciler: load entries: %w", err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if seen[entry.TargetID] {
			continue
		}
		seen[entry.TargetID] = true
		report.TargetsChecked++

		if err := r.reconcileTarget(ctx, entry.TargetID, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", entry.TargetID, err))
		}
	}

	return report, nil
}

func (r *Reconciler) reconcileTarget(ctx context.Context, targetID string, report *Report) error {
	target, err := r.ledger.LoadTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	if target == nil {
		return nil
	}

	driver, ok := r.drivers[target.Kind]
	if !ok {
		return fmt.Errorf("no driver registered for kind %s", target.Kind)
	}

	status, err := driver.IsMounted(ctx, target.MountPath)
	if err != nil {
		return fmt.Errorf("probe mount: %w", err)
	}
	isMounted := status.Mounted && status.Accessible

	tx, err := r.ledger.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	n, err := tx.ActiveJobCount(ctx, targetID, r.nodeID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("active job count: %w", err)
	}

	switch {
	case n > 0 && !isMounted:
		// Jobs still reference this target but it is not physically
		// mounted and we hold no credential to remount it silently.
		// Disclaim the mount; the next mount request re-drives it.
		if err := tx.SetMountedFlag(ctx, targetID, r.nodeID, false); err != nil {
			tx.Rollback()
			return fmt.Errorf("disclaim mount: %w", err)
		}
		report.MarkedUnmounted++
		r.logTarget(targetID, "disclaimed", fmt.Sprintf("%d active jobs but not mounted", n))

	case n == 0 && isMounted:
		if err := driver.Unmount(ctx, *target); err != nil {
			tx.Rollback()
			return fmt.Errorf("unmount: %w", err)
		}
		if err := tx.SetMountedFlag(ctx, targetID, r.nodeID, false); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear mounted flag: %w", err)
		}
		report.Unmounted++
		r.logTarget(targetID, "unmounted", "no active jobs, was mounted")

	case n > 0 && isMounted:
		if err := tx.SetMountedFlag(ctx, targetID, r.nodeID, true); err != nil {
			tx.Rollback()
			return fmt.Errorf("confirm mount: %w", err)
		}
		report.Adopted2++
		r.logTarget(targetID, "adopted", fmt.Sprintf("%d active jobs, already mounted", n))

	default:
		report.Consistent++
	}

	return tx.Commit()
}

func (r *Reconciler) logTarget(targetID, outcome, detail string) {
	if r.logger == nil {
		return
	}
	r.logger.WithTarget("reconcile", targetID).WithField("outcome", outcome).Info(detail)
}
