package log

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"dms/config"
)

// ListLogs prints the available log files to stdout, for the "dms logs
// list" command.
func ListLogs(cfg *config.Config) {
	fmt.Println("Available log files:")
	fmt.Println()
	fmt.Println("Operations logs:")
	fmt.Println("  00_operations.log")
	fmt.Println("  01_mount_attempts.log")
	fmt.Println("  02_unmount_attempts.log")
	fmt.Println("  03_reconciliation.log")
	fmt.Println("  04_dispatcher_rejections.log")
	fmt.Println("  05_debug.log")
	fmt.Println()
	fmt.Println("Target logs:")
	fmt.Println("  Use a target ID to view that target's mount history")
	fmt.Println()

	targetsDir := filepath.Join(cfg.LogsPath, "targets")
	if _, err := os.Stat(targetsDir); err == nil {
		fmt.Println("Recent target logs:")
		filepath.Walk(targetsDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !info.IsDir() && strings.HasSuffix(path, ".log") {
				relPath, _ := filepath.Rel(targetsDir, path)
				relPath = strings.TrimSuffix(relPath, ".log")
				fmt.Printf("  %s\n", relPath)
			}
			return nil
		})
	}
}

// ViewLog prints a named category log file to stdout, via a pager if
// one is available.
func ViewLog(cfg *config.Config, logName string) {
	logPath := filepath.Join(cfg.LogsPath, logName)

	file, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		return
	}
	defer file.Close()

	if usePager() {
		viewWithPager(logPath)
	} else {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
	}
}

// ViewTargetLog prints a single target's mount-history log.
func ViewTargetLog(cfg *config.Config, targetID string) {
	logPath := filepath.Join(cfg.LogsPath, "targets", targetLogFileName(targetID))

	file, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening target log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Log file: %s\n", logPath)
		return
	}
	defer file.Close()

	if usePager() {
		viewWithPager(logPath)
	} else {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
	}
}

func usePager() bool {
	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}
	_, err := os.Stat("/usr/bin/" + pager)
	return err == nil
}

func viewWithPager(path string) {
	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}

	cmd := exec.Command(pager, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Run()
}

// TailLog shows the last N lines of a log file.
func TailLog(cfg *config.Config, logName string, lines int) {
	logPath := filepath.Join(cfg.LogsPath, logName)

	file, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		return
	}
	defer file.Close()

	var allLines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		allLines = append(allLines, scanner.Text())
	}

	start := len(allLines) - lines
	if start < 0 {
		start = 0
	}

	for i := start; i < len(allLines); i++ {
		fmt.Println(allLines[i])
	}
}

// GrepLog searches for pattern in a log file, printing matching lines
// with their line numbers.
func GrepLog(cfg *config.Config, logName, pattern string) {
	logPath := filepath.Join(cfg.LogsPath, logName)

	file, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.Contains(line, pattern) {
			fmt.Printf("%d: %s\n", lineNum, line)
		}
	}
}

// GetLogSummary returns counts of mount/unmount/reconciliation/rejection
// entries recorded so far.
func GetLogSummary(cfg *config.Config) map[string]int {
	summary := make(map[string]int)

	counts := map[string]string{
		"mounts":      "01_mount_attempts.log",
		"unmounts":    "02_unmount_attempts.log",
		"reconciled":  "03_reconciliation.log",
		"rejections":  "04_dispatcher_rejections.log",
	}
	for key, file := range counts {
		if lines, err := countLines(filepath.Join(cfg.LogsPath, file)); err == nil {
			summary[key] = lines
		}
	}

	return summary
}

func countLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			count++
		}
	}

	return count, scanner.Err()
}
