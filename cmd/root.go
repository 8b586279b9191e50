// Package cmd wires dms's cobra-based CLI: serve, reconcile, status, logs. Every
// subcommand constructs its own *config.Config and components explicitly;
// there is no shared package-level state between them beyond the flags
// cobra parses onto rootCmd's persistent flag set.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dms/config"
)

var (
	flagConfigDir string
	flagProfile   string
	flagNodeID    string
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:   "dms",
	Short: "Dynamic Mount Service: per-node backup target mount coordination",
	Long: `dms coordinates shared backup-target mounts across a cluster of
nodes, reference-counting concurrent jobs against a single physical mount
per (target, node) and reconciling state on restart.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config", "", "configuration directory (default: /etc/dms)")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "INI section to prefer over the unsectioned defaults")
	rootCmd.PersistentFlags().StringVar(&flagNodeID, "node-id", "", "override the configured node identity")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug-level structured logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command; main's only job is to call this and set
// the process exit code from its result.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dms:", err)
		return 1
	}
	return 0
}

// loadConfig applies the persistent flags on top of LoadConfig's
// file-plus-defaults result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfigDir, flagProfile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagNodeID != "" {
		cfg.NodeID = flagNodeID
	}
	if flagDebug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
