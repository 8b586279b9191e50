// Package mountdriver implements the one capability DMS needs in two
// variants behind a common contract: NetFS (a kernel filesystem mount,
// e.g. NFS) and UserFS (a filesystem served by a user-space child
// process). MountService depends only on the Driver interface; it never
// knows which variant a given BackupTarget uses.
package mountdriver

import (
	"context"

	"dms/domain"
)

// Driver is the capability set both mount kinds implement: Mount,
// Unmount, IsMounted, CleanupStale. MountService and Reconciler hold
// Drivers by interface, dispatching on domain.TargetKind only to pick
// which concrete Driver to call.
type Driver interface {
	// Mount makes target.MountPath a mount of target.Export. credentials
	// is nil for NetFS; for UserFS it is the fetched credential payload,
	// mapped onto the child's environment.
	Mount(ctx context.Context, target domain.BackupTarget, credentials map[string]string) error

	// Unmount detaches target.MountPath.
	Unmount(ctx context.Context, target domain.BackupTarget) error

	// IsMounted reports the two-bit status described in §4.1: present in
	// the kernel mount table, and whether the directory answers a
	// bounded stat+listdir probe within the configured timeout.
	IsMounted(ctx context.Context, mountPath string) (Status, error)

	// CleanupStale escalates a stuck mount point: lazy-unmount, then
	// force-lazy-unmount, and for UserFS also SIGKILLs the child.
	CleanupStale(ctx context.Context, target domain.BackupTarget) error
}

// Status is IsMounted's two-bit result.
type Status struct {
	Mounted    bool // present in the kernel's mount table
	Accessible bool // directory responded to the bounded probe
}

// Stale reports whether the mount point is in the kernel table but not
// answering — the condition CleanupStale exists to fix.
func (s Status) Stale() bool {
	return s.Mounted && !s.Accessible
}
