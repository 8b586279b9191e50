// Package mountservice implements the fixed, deterministic state machine
// described in §4.4: Mount and Unmount, each guarded end-to-end by the
// Serializer so a node never runs more than one mount/unmount operation
// at a time, regardless of which target it names.
package mountservice

import (
	"context"
	"fmt"

	"dms/domain"
	"dms/ledger"
	"dms/log"
	"dms/mountdriver"
	"dms/serializer"
)

// MountResult is Mount's response shape.
type MountResult struct {
	OK                bool
	MountPath         string
	ReusedExisting    bool
	PhysicallyMounted bool
}

// UnmountResult is Unmount's response shape.
type UnmountResult struct {
	OK                  bool
	PhysicallyUnmounted bool
	Remaining           int
	NoActiveMount       bool // idempotent response: this job had no active mount for the target
}

// MountService ties the Ledger, Serializer, and MountDrivers together
// behind the Mount/Unmount operations MountService exposes.
type MountService struct {
	nodeID     string
	ledger     *ledger.Ledger
	serializer *serializer.Serializer
	drivers    map[domain.TargetKind]mountdriver.Driver
	creds      domain.CredentialSource
	tokens     domain.TokenVerifier
	logger     *log.Logger
}

// New constructs a MountService. drivers must have an entry for every
// domain.TargetKind MountService will be asked to mount.
func New(nodeID string, led *ledger.Ledger, ser *serializer.Serializer,
	drivers map[domain.TargetKind]mountdriver.Driver,
	creds domain.CredentialSource, tokens domain.TokenVerifier, logger *log.Logger) *MountService {
	return &MountService{
		nodeID:     nodeID,
		ledger:     led,
		serializer: ser,
		drivers:    drivers,
		creds:      creds,
		tokens:     tokens,
		logger:     logger,
	}
}

// Mount implements §4.4's Mount algorithm.
func (m *MountService) Mount(ctx context.Context, jobID uint64, targetID, token string) (MountResult, error) {
	if targetID == "" {
		return MountResult{}, badRequest("Mount", fmt.Errorf("target id is required"))
	}

	target, err := m.ledger.LoadTarget(ctx, targetID)
	if err != nil {
		return MountResult{}, mountFailed("Mount", err)
	}
	if target == nil || target.Deleted {
		return MountResult{}, targetNotFound("Mount")
	}

	if m.tokens != nil {
		if err := m.tokens.Verify(token); err != nil {
			return MountResult{}, authFailed("Mount", err)
		}
	}

	lock, err := m.serializer.Acquire(ctx)
	if err != nil {
		return MountResult{}, lockTimeout("Mount", err)
	}
	defer lock.Unlock()

	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		return MountResult{}, mountFailed("Mount", err)
	}

	existing, err := tx.FindActive(ctx, jobID, targetID, m.nodeID)
	if err != nil {
		tx.Rollback()
		return MountResult{}, mountFailed("Mount", err)
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return MountResult{}, mountFailed("Mount", err)
		}
		m.logAttempt(targetID, jobID, "reused", "")
		return MountResult{OK: true, MountPath: target.MountPath, ReusedExisting: true}, nil
	}

	wasMounted, err := tx.AnyMounted(ctx, targetID, m.nodeID)
	if err != nil {
		tx.Rollback()
		return MountResult{}, mountFailed("Mount", err)
	}

	if _, err := tx.CreateOrUpdate(ctx, jobID, targetID, m.nodeID, false); err != nil {
		tx.Rollback()
		return MountResult{}, mountFailed("Mount", err)
	}

	n, err := tx.ActiveJobCount(ctx, targetID, m.nodeID)
	if err != nil {
		tx.Rollback()
		return MountResult{}, mountFailed("Mount", err)
	}

	result := MountResult{OK: true, MountPath: target.MountPath}

	switch {
	case !wasMounted && n == 1:
		driver, ok := m.drivers[target.Kind]
		if !ok {
			tx.Rollback()
			return MountResult{}, mountFailed("Mount", fmt.Errorf("no driver registered for kind %s", target.Kind))
		}

		credentials, err := m.fetchCredentials(target, token)
		if err != nil {
			tx.Rollback()
			return MountResult{}, err
		}

		if err := driver.Mount(ctx, *target, credentials); err != nil {
			tx.Rollback()
			m.logAttempt(targetID, jobID, "failed", err.Error())
			return MountResult{}, mountFailed("Mount", err)
		}

		if err := tx.SetMountedFlag(ctx, targetID, m.nodeID, true); err != nil {
			tx.Rollback()
			return MountResult{}, mountFailed("Mount", err)
		}
		result.PhysicallyMounted = true

	case wasMounted:
		// Either another active job already holds this target mounted
		// (n > 1), or this job is the only active one but the target was
		// left mounted by a job whose ledger row hasn't been soft-deleted
		// yet (n == 1). Either way nothing needs a physical (re)mount;
		// just mark this job's row as riding the existing mount.
		if _, err := tx.CreateOrUpdate(ctx, jobID, targetID, m.nodeID, true); err != nil {
			tx.Rollback()
			return MountResult{}, mountFailed("Mount", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MountResult{}, mountFailed("Mount", err)
	}

	outcome := "mounted"
	if !result.PhysicallyMounted {
		outcome = "joined"
	}
	m.logAttempt(targetID, jobID, outcome, "")
	return result, nil
}

// Unmount implements §4.4's Unmount algorithm.
func (m *MountService) Unmount(ctx context.Context, jobID uint64, targetID string) (UnmountResult, error) {
	if targetID == "" {
		return UnmountResult{}, badRequest("Unmount", fmt.Errorf("target id is required"))
	}

	lock, err := m.serializer.Acquire(ctx)
	if err != nil {
		return UnmountResult{}, lockTimeout("Unmount", err)
	}
	defer lock.Unlock()

	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		return UnmountResult{}, unmountFailed("Unmount", err)
	}

	entry, err := tx.FindActive(ctx, jobID, targetID, m.nodeID)
	if err != nil {
		tx.Rollback()
		return UnmountResult{}, unmountFailed("Unmount", err)
	}
	if entry == nil {
		tx.Commit()
		m.logUnmountAttempt(targetID, jobID, "no_active_mount", "")
		return UnmountResult{OK: true, NoActiveMount: true}, nil
	}

	if err := tx.SoftDelete(ctx, jobID, targetID, m.nodeID); err != nil {
		tx.Rollback()
		return UnmountResult{}, unmountFailed("Unmount", err)
	}

	n, err := tx.ActiveJobCount(ctx, targetID, m.nodeID)
	if err != nil {
		tx.Rollback()
		return UnmountResult{}, unmountFailed("Unmount", err)
	}

	if n == 0 && entry.Mounted {
		target, err := m.ledger.LoadTarget(ctx, targetID)
		if err != nil || target == nil {
			tx.Rollback()
			return UnmountResult{}, unmountFailed("Unmount", fmt.Errorf("target vanished during unmount"))
		}
		driver, ok := m.drivers[target.Kind]
		if !ok {
			tx.Rollback()
			return UnmountResult{}, unmountFailed("Unmount", fmt.Errorf("no driver registered for kind %s", target.Kind))
		}
		if err := driver.Unmount(ctx, *target); err != nil {
			tx.Rollback()
			m.logUnmountAttempt(targetID, jobID, "failed", err.Error())
			return UnmountResult{}, unmountFailed("Unmount", err)
		}
		if err := tx.SetMountedFlag(ctx, targetID, m.nodeID, false); err != nil {
			tx.Rollback()
			return UnmountResult{}, unmountFailed("Unmount", err)
		}
		if err := tx.Commit(); err != nil {
			return UnmountResult{}, unmountFailed("Unmount", err)
		}
		m.logUnmountAttempt(targetID, jobID, "unmounted", "")
		return UnmountResult{OK: true, PhysicallyUnmounted: true, Remaining: 0}, nil
	}

	if err := tx.Commit(); err != nil {
		return UnmountResult{}, unmountFailed("Unmount", err)
	}
	m.logUnmountAttempt(targetID, jobID, "still_referenced", "")
	return UnmountResult{OK: true, PhysicallyUnmounted: false, Remaining: n}, nil
}

// fetchCredentials retrieves the credential payload for a UserFS target.
// NetFS targets carry no CredentialRef and need none.
func (m *MountService) fetchCredentials(target *domain.BackupTarget, token string) (map[string]string, error) {
	if target.Kind != domain.KindUserFS || target.CredentialRef == "" || m.creds == nil {
		return nil, nil
	}
	credentials, err := m.creds.Fetch(target.CredentialRef, token)
	if err != nil {
		return nil, credentialFetchFailed("Mount", err)
	}
	return credentials, nil
}

func (m *MountService) logAttempt(targetID string, jobID uint64, outcome, detail string) {
	if m.logger != nil {
		m.logger.MountAttempt(targetID, jobID, outcome, detail)
	}
}

func (m *MountService) logUnmountAttempt(targetID string, jobID uint64, outcome, detail string) {
	if m.logger != nil {
		m.logger.UnmountAttempt(targetID, jobID, outcome, detail)
	}
}
