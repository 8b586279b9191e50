package mountdriver

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"
)

// inMountTable reports whether mountPath appears as a mount point in
// /proc/self/mountinfo.
func inMountTable(mountPath string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	clean := strings.TrimRight(mountPath, "/")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountinfo's 5th field is the mount point.
		if len(fields) >= 5 && strings.TrimRight(fields[4], "/") == clean {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// probeAccessible runs a stat+listdir against mountPath under a bounded
// deadline; a timeout is treated as "present-but-not-accessible", per
// §4.1's stale-detection rule — it never blocks the caller past timeout
// even if the underlying filesystem call hangs (e.g. a dead NFS server).
func probeAccessible(ctx context.Context, mountPath string, timeout time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		if _, err := os.Stat(mountPath); err != nil {
			done <- false
			return
		}
		_, err := os.ReadDir(mountPath)
		done <- err == nil
	}()

	select {
	case ok := <-done:
		return ok
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// probe combines the kernel mount-table check with the bounded
// accessibility probe into the Status pair every IsMounted
// implementation returns.
func probe(ctx context.Context, mountPath string, timeout time.Duration) (Status, error) {
	mounted, err := inMountTable(mountPath)
	if err != nil {
		return Status{}, err
	}
	if !mounted {
		return Status{Mounted: false, Accessible: false}, nil
	}
	accessible := probeAccessible(ctx, mountPath, timeout)
	return Status{Mounted: true, Accessible: accessible}, nil
}
