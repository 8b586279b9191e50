package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dms/config"
)

// TargetLogger is a dedicated log file for one backup target, capturing
// the full lifecycle of mount attempts, driver invocations, and
// reconciliation actions against that target. One file per target lets
// an operator `tail -f` a single mount's history without grepping the
// shared operations timeline.
type TargetLogger struct {
	cfg      *config.Config
	targetID string
	file     *os.File
	mu       sync.Mutex
}

// targetLogFileName maps a target ID onto a filesystem-safe log file
// name, replacing "/" with "___" the way the teacher's per-unit logger
// sanitized port directory names.
func targetLogFileName(targetID string) string {
	return strings.ReplaceAll(targetID, "/", "___") + ".log"
}

// NewTargetLogger opens (creating if necessary) the log file for
// targetID under cfg.LogsPath/targets/.
func NewTargetLogger(cfg *config.Config, targetID string) *TargetLogger {
	tl := &TargetLogger{cfg: cfg, targetID: targetID}

	dir := filepath.Join(cfg.LogsPath, "targets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return tl
	}

	path := filepath.Join(dir, targetLogFileName(targetID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return tl
	}
	tl.file = f
	return tl
}

// Close closes the underlying file. Safe to call more than once.
func (tl *TargetLogger) Close() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file != nil {
		tl.file.Close()
		tl.file = nil
	}
}

// Write implements io.Writer, appending raw bytes (e.g. driver stdout)
// to the target's log.
func (tl *TargetLogger) Write(p []byte) (int, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return len(p), nil
	}
	n, err := tl.file.Write(p)
	tl.file.Sync()
	return n, err
}

// WriteString appends s verbatim.
func (tl *TargetLogger) WriteString(s string) {
	tl.Write([]byte(s))
}

// WriteHeader writes the log file's opening banner.
func (tl *TargetLogger) WriteHeader() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}

	fmt.Fprintf(tl.file, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(tl.file, "Target: %s\n", tl.targetID)
	fmt.Fprintf(tl.file, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(tl.file, "%s\n\n", strings.Repeat("=", 70))
	tl.file.Sync()
}

// WritePhase marks entry into a named phase of the mount lifecycle
// (e.g. "acquire_lock", "probe_driver", "invoke_mount").
func (tl *TargetLogger) WritePhase(phase string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}

	fmt.Fprintf(tl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(tl.file, "Phase: %s\n", phase)
	fmt.Fprintf(tl.file, "Time: %s\n", time.Now().Format("15:04:05"))
	fmt.Fprintf(tl.file, "%s\n", strings.Repeat("=", 70))
	tl.file.Sync()
}

// WriteCommand records the exact driver invocation being attempted.
func (tl *TargetLogger) WriteCommand(cmd string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}
	fmt.Fprintf(tl.file, ">>> %s\n", cmd)
	tl.file.Sync()
}

// WriteWarning records a non-fatal warning for this target.
func (tl *TargetLogger) WriteWarning(msg string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}
	fmt.Fprintf(tl.file, "WARNING: %s\n", msg)
	tl.file.Sync()
}

// WriteError records a failure for this target.
func (tl *TargetLogger) WriteError(msg string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}
	fmt.Fprintf(tl.file, "ERROR: %s\n", msg)
	tl.file.Sync()
}

// WriteSuccess records that the operation against this target
// succeeded.
func (tl *TargetLogger) WriteSuccess(duration time.Duration) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}

	fmt.Fprintf(tl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(tl.file, "MOUNT SUCCESS\n")
	fmt.Fprintf(tl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(tl.file, "Duration: %s\n", duration)
	fmt.Fprintf(tl.file, "%s\n", strings.Repeat("=", 70))
	tl.file.Sync()
}

// WriteFailure records that the operation against this target failed.
func (tl *TargetLogger) WriteFailure(duration time.Duration, reason string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}

	fmt.Fprintf(tl.file, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(tl.file, "MOUNT FAILED\n")
	fmt.Fprintf(tl.file, "Reason: %s\n", reason)
	fmt.Fprintf(tl.file, "Completed: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(tl.file, "Duration: %s\n", duration)
	fmt.Fprintf(tl.file, "%s\n", strings.Repeat("=", 70))
	tl.file.Sync()
}
