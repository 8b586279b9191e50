package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dms/config"
	"dms/diagnostics"
	"dms/domain"
	"dms/ledger"
	"dms/log"
	"dms/mountdriver"
	"dms/processregistry"
	"dms/reconciler"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass out of band",
	Long:  "Adopts live UserFS processes and reconciles this node's ledger entries against actual mount state, then exits.",
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	structured := log.NewStructured(cfg.NodeID, cfg.Debug, os.Stdout)

	led, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	registry, err := processregistry.New(cfg.PidDir)
	if err != nil {
		return fmt.Errorf("open process registry: %w", err)
	}

	drivers := map[domain.TargetKind]mountdriver.Driver{
		domain.KindNetFS:  mountdriver.NewNetFSDriver(cfg, log.StdoutLogger{}),
		domain.KindUserFS: mountdriver.NewUserFSDriver(cfg, registry, log.StdoutLogger{}),
	}

	r := reconciler.New(cfg.NodeID, led, registry, drivers, structured, cfg.UserFSBinary)

	report, err := r.Run(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Printf("adopted=%d cleaned_pid_files=%d targets_checked=%d marked_unmounted=%d unmounted=%d consistent=%d\n",
		report.Adopted, report.CleanedPIDFiles, report.TargetsChecked,
		report.MarkedUnmounted, report.Unmounted, report.Consistent)
	for _, e := range report.Errors {
		fmt.Fprintln(os.Stderr, "error:", e)
	}

	if err := saveReconciliationReport(cfg, report); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not record reconciliation in diagnostics store:", err)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("%d target(s) failed to reconcile", len(report.Errors))
	}
	return nil
}

func saveReconciliationReport(cfg *config.Config, report reconciler.Report) error {
	store, err := diagnostics.Open(cfg.DiagnosticsPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.SaveReconciliation(diagnostics.ReconciliationRecord{
		ID:              uuid.NewString(),
		NodeID:          cfg.NodeID,
		RanAt:           time.Now(),
		Adopted:         report.Adopted,
		CleanedPIDFiles: report.CleanedPIDFiles,
		TargetsChecked:  report.TargetsChecked,
		MarkedUnmounted: report.MarkedUnmounted,
		Unmounted:       report.Unmounted,
		Errors:          report.Errors,
	})
}
