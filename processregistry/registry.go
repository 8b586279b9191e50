package processregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"dms/domain"
)

// Registry tracks UserFS driver child processes: an in-memory
// targetID→ProcessRecord map, backed by one PID file per target under
// pidDir. All public operations and the reaper share a single mutex, per
// §4.2's concurrency rule.
type Registry struct {
	mu      sync.Mutex
	pidDir  string
	records map[string]domain.ProcessRecord

	stopReap chan struct{}
	reapDone chan struct{}
}

// New constructs a Registry rooted at pidDir, creating the directory if
// it does not exist.
func New(pidDir string) (*Registry, error) {
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return nil, &RecordError{Op: "New", Err: err}
	}
	return &Registry{
		pidDir:  pidDir,
		records: make(map[string]domain.ProcessRecord),
	}, nil
}

func (r *Registry) pidFilePath(targetID string) string {
	return filepath.Join(r.pidDir, targetID+".pid")
}

// Register records a live child process for targetID and writes its PID
// file. Any previous record for targetID is overwritten.
func (r *Registry) Register(targetID string, rec domain.ProcessRecord) error {
	if targetID == "" {
		return ErrEmptyTargetID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.WriteFile(r.pidFilePath(targetID), []byte(strconv.Itoa(rec.PID)), 0644); err != nil {
		return &RecordError{Op: "Register", TargetID: targetID, Err: err}
	}
	rec.TargetID = targetID
	r.records[targetID] = rec
	return nil
}

// Release removes the in-memory record and PID file for targetID. It is
// not an error for targetID to be unregistered.
func (r *Registry) Release(targetID string) error {
	if targetID == "" {
		return ErrEmptyTargetID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, targetID)
	if err := os.Remove(r.pidFilePath(targetID)); err != nil && !os.IsNotExist(err) {
		return &RecordError{Op: "Release", TargetID: targetID, Err: err}
	}
	return nil
}

// Lookup returns the in-memory record for targetID, if any.
func (r *Registry) Lookup(targetID string) (domain.ProcessRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[targetID]
	return rec, ok
}

// Count returns the number of processes currently tracked.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns a point-in-time copy of every tracked ProcessRecord,
// for the status CLI surface. It takes only the registry's own mutex,
// never the Serializer, so it can run concurrently with mount/unmount
// work per §5's read-only status path.
func (r *Registry) Snapshot() []domain.ProcessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Adopt scans pidDir at startup: for each *.pid file it parses the PID,
// and if the process is alive and looks like the UserFS binary it is
// adopted into memory with AdoptedFromDisk=true; otherwise the stale
// file is deleted.
func (r *Registry) Adopt(binaryName string) (adopted int, cleaned int, err error) {
	entries, readErr := os.ReadDir(r.pidDir)
	if readErr != nil {
		return 0, 0, &RecordError{Op: "Adopt", Err: readErr}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		targetID := strings.TrimSuffix(name, ".pid")
		path := filepath.Join(r.pidDir, name)

		pid, perr := readPIDFile(path)
		if perr != nil {
			os.Remove(path)
			cleaned++
			continue
		}

		if isProcessAlive(pid) && processIsBinary(pid, binaryName) {
			r.records[targetID] = domain.ProcessRecord{
				TargetID:        targetID,
				PID:             pid,
				StartTime:       processStartTime(pid),
				AdoptedFromDisk: true,
			}
			adopted++
		} else {
			os.Remove(path)
			cleaned++
		}
	}
	return adopted, cleaned, nil
}

// StartReaper launches a background goroutine that, every interval,
// checks every tracked PID and releases any that have terminated. Stop
// must be called to shut it down.
func (r *Registry) StartReaper(interval time.Duration, onReap func(targetID string, pid int)) {
	r.stopReap = make(chan struct{})
	r.reapDone = make(chan struct{})

	go func() {
		defer close(r.reapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopReap:
				return
			case <-ticker.C:
				r.reapOnce(onReap)
			}
		}
	}()
}

// Stop halts the reaper goroutine started by StartReaper and waits for
// it to exit.
func (r *Registry) Stop() {
	if r.stopReap == nil {
		return
	}
	close(r.stopReap)
	<-r.reapDone
}

func (r *Registry) reapOnce(onReap func(targetID string, pid int)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for targetID, rec := range r.records {
		if !isProcessAlive(rec.PID) {
			delete(r.records, targetID)
			os.Remove(r.pidFilePath(targetID))
			if onReap != nil {
				onReap(targetID, rec.PID)
			}
		}
	}
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

// isProcessAlive sends signal 0, the standard liveness probe: delivery
// succeeds (or fails with EPERM, meaning the process exists but we don't
// own it) iff the PID is live.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// processIsBinary reports whether pid's executable matches binaryName,
// read from /proc/<pid>/exe. A failed readlink (process gone, or not on
// Linux's /proc) is treated as "can't confirm" and returns false so a
// stale or foreign PID is never adopted.
func processIsBinary(pid int, binaryName string) bool {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return false
	}
	return filepath.Base(exe) == filepath.Base(binaryName)
}

func processStartTime(pid int) time.Time {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
