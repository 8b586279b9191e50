package mountservice

import (
	"dms/domain"
	"dms/ledger"
)

func badRequest(op string, err error) error {
	return domain.NewError(domain.KindBadRequest, op, err)
}

func targetNotFound(op string) error {
	return domain.NewError(domain.KindTargetNotFound, op, nil)
}

func authFailed(op string, err error) error {
	return domain.NewError(domain.KindAuthFailed, op, err)
}

func credentialFetchFailed(op string, err error) error {
	return domain.NewError(domain.KindCredentialFetchFailed, op, err)
}

// mountFailed classifies err as transient when it's a ledger QueryError
// (a DB-level failure worth retrying at the dispatcher boundary, per
// §7) and as a plain mount failure otherwise (driver/business errors,
// which a retry would not fix).
func mountFailed(op string, err error) error {
	if ledger.IsQueryError(err) {
		return domain.NewError(domain.KindTransient, op, err)
	}
	return domain.NewError(domain.KindMountFailed, op, err)
}

func unmountFailed(op string, err error) error {
	if ledger.IsQueryError(err) {
		return domain.NewError(domain.KindTransient, op, err)
	}
	return domain.NewError(domain.KindUnmountFailed, op, err)
}

func lockTimeout(op string, err error) error {
	return domain.NewError(domain.KindLockTimeout, op, err)
}
