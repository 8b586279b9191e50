package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dms/log"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect dms's category and per-target log files",
	Long:  "Lists, views, tails, and searches the log files dms writes under config.LogsPath.",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available log categories and recent per-target logs",
	RunE:  runLogsList,
}

var logsViewCmd = &cobra.Command{
	Use:   "view <log-name>",
	Short: "View a category log file, or a target's mount-history log with --target",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsView,
}

var logsTailCmd = &cobra.Command{
	Use:   "tail <log-name>",
	Short: "Show the last N lines of a log file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsTail,
}

var logsGrepCmd = &cobra.Command{
	Use:   "grep <log-name> <pattern>",
	Short: "Search a log file for pattern",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogsGrep,
}

var logsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print recorded mount/unmount/reconciliation/rejection counts",
	RunE:  runLogsSummary,
}

var (
	logsViewTarget string
	logsTailLines  int
)

func init() {
	logsViewCmd.Flags().StringVar(&logsViewTarget, "target", "", "view this target's mount-history log instead of a category log")
	logsTailCmd.Flags().IntVar(&logsTailLines, "lines", 20, "number of trailing lines to print")

	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsViewCmd)
	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsGrepCmd)
	logsCmd.AddCommand(logsSummaryCmd)
	rootCmd.AddCommand(logsCmd)
}

func runLogsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.ListLogs(cfg)
	return nil
}

func runLogsView(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logsViewTarget != "" {
		log.ViewTargetLog(cfg, logsViewTarget)
		return nil
	}
	log.ViewLog(cfg, args[0])
	return nil
}

func runLogsTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.TailLog(cfg, args[0], logsTailLines)
	return nil
}

func runLogsGrep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.GrepLog(cfg, args[0], args[1])
	return nil
}

func runLogsSummary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	summary := log.GetLogSummary(cfg)
	for _, key := range []string{"mounts", "unmounts", "reconciled", "rejections"} {
		fmt.Println(key + ": " + strconv.Itoa(summary[key]))
	}
	return nil
}
