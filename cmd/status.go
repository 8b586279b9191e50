package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dms/diagnostics"
	"dms/ledger"
	"dms/processregistry"
)

var statusTargetID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node's current mount state and recent history",
	Long:  "Reads the ledger's read-only snapshot, the live process registry, and the local diagnostics cache.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTargetID, "target", "", "limit output to a single target id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	entries, err := led.Snapshot(context.Background(), statusTargetID, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}

	fmt.Printf("node: %s\n\nledger entries:\n", cfg.NodeID)
	for _, e := range entries {
		fmt.Printf("  target=%s job=%d mounted=%t\n", e.TargetID, e.JobID, e.Mounted)
	}

	// status runs as its own process, so it must read PID files fresh
	// off disk rather than trust any other process's in-memory registry.
	registry, err := processregistry.New(cfg.PidDir)
	if err == nil {
		if _, _, adoptErr := registry.Adopt(cfg.UserFSBinary); adoptErr == nil {
			fmt.Println("\ntracked processes:")
			for _, rec := range registry.Snapshot() {
				fmt.Printf("  target=%s pid=%d mount_path=%s adopted=%t\n",
					rec.TargetID, rec.PID, rec.MountPath, rec.AdoptedFromDisk)
			}
		}
	}

	store, err := diagnostics.Open(cfg.DiagnosticsPath)
	if err == nil {
		defer store.Close()
		recent, err := store.RecentReconciliations(5)
		if err == nil && len(recent) > 0 {
			fmt.Println("\nrecent reconciliations:")
			for _, r := range recent {
				fmt.Printf("  ran_at=%s targets_checked=%d unmounted=%d marked_unmounted=%d\n",
					r.RanAt.Format("2006-01-02T15:04:05Z07:00"), r.TargetsChecked, r.Unmounted, r.MarkedUnmounted)
			}
		}
	}

	return nil
}
