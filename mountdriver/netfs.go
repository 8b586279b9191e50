package mountdriver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"dms/config"
	"dms/domain"
	"dms/log"
)

// NetFSDriver mounts targets backed by a kernel filesystem (NFS and
// similar), via a privilege helper in the style of the teacher's
// `mount`/`umount` exec.Command calls.
type NetFSDriver struct {
	cfg    *config.Config
	logger log.LibraryLogger
}

// NewNetFSDriver constructs a NetFSDriver using cfg's rootwrap and
// timeout settings. logger receives progress/diagnostic narration for
// the escalating unmount attempts and stale-mount cleanup; a nil
// logger falls back to log.NoOpLogger, matching the teacher's pattern
// of library packages that narrate through a caller-supplied
// LibraryLogger rather than a concrete log file format.
func NewNetFSDriver(cfg *config.Config, logger log.LibraryLogger) *NetFSDriver {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &NetFSDriver{cfg: cfg, logger: logger}
}

// Mount implements §4.1's Net-FS Mount algorithm.
func (d *NetFSDriver) Mount(ctx context.Context, target domain.BackupTarget, _ map[string]string) error {
	if err := os.MkdirAll(target.MountPath, 0755); err != nil {
		return opErr("Mount", target.ID, fmt.Errorf("create mount path: %w", err))
	}

	status, err := probe(ctx, target.MountPath, d.cfg.ProbeTimeout)
	if err != nil {
		return opErr("Mount", target.ID, err)
	}
	if status.Mounted && status.Accessible {
		return nil // idempotent: already mounted and healthy
	}
	if status.Stale() {
		d.logger.Debug("target %s: stale mount detected, cleaning up before remount", target.ID)
		if err := d.CleanupStale(ctx, target); err != nil {
			return opErr("Mount", target.ID, fmt.Errorf("cleanup stale mount: %w", err))
		}
	}

	fstype := netfsType(target)
	mountCtx, cancel := context.WithTimeout(ctx, d.cfg.MountTimeout)
	defer cancel()

	args := d.rootwrapArgs("mount", "-t", fstype, "-o", target.MountOptions, target.Export, target.MountPath)
	cmd := exec.CommandContext(mountCtx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return opErr("Mount", target.ID, fmt.Errorf("mount failed: %w: %s", err, stderr.String()))
	}

	status, err = probe(ctx, target.MountPath, d.cfg.ProbeTimeout)
	if err != nil {
		return opErr("Mount", target.ID, err)
	}
	if !status.Mounted || !status.Accessible {
		return opErr("Mount", target.ID, fmt.Errorf("mount command succeeded but target is not mounted+accessible"))
	}
	return nil
}

// Unmount tries plain, then lazy, then force-lazy unmount; any success
// is sufficient.
func (d *NetFSDriver) Unmount(ctx context.Context, target domain.BackupTarget) error {
	unmountCtx, cancel := context.WithTimeout(ctx, d.cfg.UnmountTimeout)
	defer cancel()

	attempts := [][]string{
		d.rootwrapArgs("umount", target.MountPath),
		d.rootwrapArgs("umount", "-l", target.MountPath),
		d.rootwrapArgs("umount", "-f", "-l", target.MountPath),
	}

	var lastErr error
	for i, args := range attempts {
		if i > 0 {
			d.logger.Warn("target %s: plain unmount failed, escalating to %v", target.ID, args[1:])
		}
		cmd := exec.CommandContext(unmountCtx, args[0], args[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err == nil {
			return nil
		} else {
			lastErr = fmt.Errorf("%w: %s", err, stderr.String())
		}
	}
	d.logger.Error("target %s: all unmount attempts failed: %v", target.ID, lastErr)
	return opErr("Unmount", target.ID, fmt.Errorf("all unmount attempts failed: %w", lastErr))
}

// IsMounted implements the bounded two-bit probe described in §4.1.
func (d *NetFSDriver) IsMounted(ctx context.Context, mountPath string) (Status, error) {
	return probe(ctx, mountPath, d.cfg.ProbeTimeout)
}

// CleanupStale escalates to a lazy unmount, then a force-lazy unmount.
func (d *NetFSDriver) CleanupStale(ctx context.Context, target domain.BackupTarget) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, d.cfg.UnmountTimeout)
	defer cancel()

	for _, args := range [][]string{
		d.rootwrapArgs("umount", "-l", target.MountPath),
		d.rootwrapArgs("umount", "-f", "-l", target.MountPath),
	} {
		cmd := exec.CommandContext(cleanupCtx, args[0], args[1:]...)
		if err := cmd.Run(); err == nil {
			return nil
		}
	}
	// A final best-effort unix.Unmount(MNT_DETACH) covers the case where
	// the rootwrap helper itself is unavailable (e.g. in tests).
	if err := unix.Unmount(target.MountPath, unix.MNT_DETACH); err != nil {
		return opErr("CleanupStale", target.ID, err)
	}
	return nil
}

func (d *NetFSDriver) rootwrapArgs(cmd string, args ...string) []string {
	full := append([]string{"sudo", d.cfg.RootwrapPath, d.cfg.RootwrapConf, cmd}, args...)
	return full
}

func netfsType(target domain.BackupTarget) string {
	return "nfs"
}
