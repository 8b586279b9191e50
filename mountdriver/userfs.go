package mountdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"dms/config"
	"dms/domain"
	"dms/log"
	"dms/processregistry"
)

// envMapping is the fixed credential-key → environment-variable renaming
// table from §4.1/Glossary, grounded on
// original_source/trilio_dms/s3vaultfuse_manager.py's prepare_environment.
var envMapping = map[string]string{
	"bucket":                "vault_s3_bucket",
	"region":                "vault_s3_region_name",
	"auth_version":          "vault_s3_auth_version",
	"signature_version":     "vault_s3_signature_version",
	"ssl":                   "vault_s3_ssl",
	"ssl_verify":            "vault_s3_ssl_verify",
	"ssl_cert":              "vault_s3_ssl_cert",
	"endpoint_url":          "vault_s3_endpoint_url",
	"max_pool_connections":  "vault_s3_max_pool_connections",
	"nfs_export":            "vault_storage_nfs_export",
	"object_lock":           "bucket_object_lock",
	"use_manifest_suffix":   "use_manifest_suffix",
	"aws_access_key_id":     "AWS_ACCESS_KEY_ID",
	"aws_secret_access_key": "AWS_SECRET_ACCESS_KEY",
	"log_config":            "log_config_append",
}

// UserFSDriver mounts targets served by a user-space filesystem child
// process, tracked in a processregistry.Registry.
type UserFSDriver struct {
	cfg      *config.Config
	registry *processregistry.Registry
	logger   log.LibraryLogger
}

// NewUserFSDriver constructs a UserFSDriver. logger receives progress
// narration for the SIGTERM-then-SIGKILL escalation during Unmount; a
// nil logger falls back to log.NoOpLogger.
func NewUserFSDriver(cfg *config.Config, registry *processregistry.Registry, logger log.LibraryLogger) *UserFSDriver {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &UserFSDriver{cfg: cfg, registry: registry, logger: logger}
}

// buildEnv maps credentials onto the child's environment per the fixed
// renaming table, always overriding vault_data_directory with mountPath.
func (d *UserFSDriver) buildEnv(mountPath string, credentials map[string]string) []string {
	env := map[string]string{
		"vault_data_directory": mountPath,
		"helper_command":       fmt.Sprintf("sudo %s %s privsep-helper", d.cfg.RootwrapPath, d.cfg.RootwrapConf),
	}
	for credKey, value := range credentials {
		if envKey, ok := envMapping[credKey]; ok {
			env[envKey] = value
		}
	}
	env["vault_data_directory"] = mountPath // caller's mountPath always wins

	result := os.Environ()
	for k, v := range env {
		if v == "" {
			continue
		}
		result = append(result, k+"="+v)
	}
	return result
}

// Mount implements §4.1's User-FS Mount algorithm.
func (d *UserFSDriver) Mount(ctx context.Context, target domain.BackupTarget, credentials map[string]string) error {
	if err := os.MkdirAll(target.MountPath, 0755); err != nil {
		return opErr("Mount", target.ID, fmt.Errorf("create mount path: %w", err))
	}

	status, err := probe(ctx, target.MountPath, d.cfg.ProbeTimeout)
	if err != nil {
		return opErr("Mount", target.ID, err)
	}
	if status.Mounted && status.Accessible {
		return nil
	}
	if status.Stale() {
		d.logger.Debug("target %s: stale mount detected, cleaning up before spawn", target.ID)
		if err := d.CleanupStale(ctx, target); err != nil {
			return opErr("Mount", target.ID, fmt.Errorf("cleanup stale mount: %w", err))
		}
	}

	env := d.buildEnv(target.MountPath, credentials)
	cmd := exec.Command(d.cfg.UserFSBinary, target.MountPath)
	cmd.Env = env
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return opErr("Mount", target.ID, fmt.Errorf("spawn failed: %w", err))
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return opErr("Mount", target.ID, fmt.Errorf("child exited immediately: %v: %s", err, stderr.String()))
	case <-time.After(d.cfg.SpawnWait):
	}

	if err := d.registry.Register(target.ID, domain.ProcessRecord{
		PID:       cmd.Process.Pid,
		MountPath: target.MountPath,
		StartTime: time.Now(),
	}); err != nil {
		killGroup(cmd.Process.Pid)
		return opErr("Mount", target.ID, fmt.Errorf("register process: %w", err))
	}

	select {
	case err := <-exited:
		d.registry.Release(target.ID)
		return opErr("Mount", target.ID, fmt.Errorf("child died after registration: %v: %s", err, stderr.String()))
	case <-time.After(d.cfg.SpawnProbeWait):
	}

	status, err = probe(ctx, target.MountPath, d.cfg.ProbeTimeout)
	if err != nil || !status.Mounted || !status.Accessible {
		killGroup(cmd.Process.Pid)
		d.registry.Release(target.ID)
		if err != nil {
			return opErr("Mount", target.ID, err)
		}
		return opErr("Mount", target.ID, fmt.Errorf("child running but mount not accessible"))
	}

	return nil
}

// Unmount implements §4.1's User-FS Unmount algorithm: look up the
// ProcessRecord, SIGTERM the process group, escalate to SIGKILL, then
// verify and clean up regardless of outcome.
func (d *UserFSDriver) Unmount(ctx context.Context, target domain.BackupTarget) error {
	rec, ok := d.registry.Lookup(target.ID)
	if !ok {
		return opErr("Unmount", target.ID, fmt.Errorf("no process record for target"))
	}

	d.logger.Debug("target %s: sending SIGTERM to process group %d", target.ID, rec.PID)
	termGroup(rec.PID)

	deadline := time.Now().Add(d.cfg.TermGracePeriod)
	for time.Now().Before(deadline) && processAlive(rec.PID) {
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(rec.PID) {
		d.logger.Warn("target %s: process %d still alive after grace period, sending SIGKILL", target.ID, rec.PID)
		killGroup(rec.PID)
	}

	status, err := probe(ctx, target.MountPath, 1*time.Second)
	d.registry.Release(target.ID)
	if err != nil {
		return opErr("Unmount", target.ID, err)
	}
	if status.Mounted {
		return opErr("Unmount", target.ID, fmt.Errorf("mount still present after kill"))
	}
	return nil
}

// IsMounted implements the bounded two-bit probe described in §4.1.
func (d *UserFSDriver) IsMounted(ctx context.Context, mountPath string) (Status, error) {
	return probe(ctx, mountPath, d.cfg.ProbeTimeout)
}

// CleanupStale kills the child (if any) and force-lazy-unmounts the
// mount point.
func (d *UserFSDriver) CleanupStale(ctx context.Context, target domain.BackupTarget) error {
	if rec, ok := d.registry.Lookup(target.ID); ok {
		killGroup(rec.PID)
		d.registry.Release(target.ID)
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, d.cfg.UnmountTimeout)
	defer cancel()
	for _, args := range [][]string{
		{"umount", "-l", target.MountPath},
		{"umount", "-f", "-l", target.MountPath},
	} {
		cmd := exec.CommandContext(cleanupCtx, args[0], args[1:]...)
		if err := cmd.Run(); err == nil {
			return nil
		}
	}
	return nil
}

func termGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
