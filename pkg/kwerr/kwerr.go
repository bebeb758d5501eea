// Package kwerr defines the error taxonomy shared by all keywarden
// components. Each sentinel identifies an error kind; callers attach
// detail with fmt.Errorf("%w: ...") and test with errors.Is.
package kwerr

import "errors"

var (
	// ErrAuthentication covers bad credentials, weak secrets, and any
	// other credential verification failure.
	ErrAuthentication = errors.New("keywarden: authentication failed")

	// ErrRateLimited is returned when the sliding-window attempt limit
	// for a user id has been reached.
	ErrRateLimited = errors.New("keywarden: too many authentication attempts")

	// ErrSecurity covers operations attempted while the system is
	// locked and invalid lock/unlock sequencing.
	ErrSecurity = errors.New("keywarden: security violation")

	// ErrSessionExpired means the session exists but timed out; the
	// registry evicts it when this is returned.
	ErrSessionExpired = errors.New("keywarden: session expired")

	// ErrDatabaseLocked is returned by store mutations while the store
	// is in the locked state.
	ErrDatabaseLocked = errors.New("keywarden: database is locked")

	// ErrDatabaseCorrupted is raised when the codec reports structural
	// corruption of the store file.
	ErrDatabaseCorrupted = errors.New("keywarden: database file is corrupted")

	// ErrDatabase is the generic store failure (missing file, I/O).
	ErrDatabase = errors.New("keywarden: database error")

	// ErrBackup covers backup creation, verification, and restore
	// failures. Restore failures leave the live store unchanged.
	ErrBackup = errors.New("keywarden: backup error")

	// ErrValidation is raised for malformed input reaching a component
	// boundary.
	ErrValidation = errors.New("keywarden: validation error")

	ErrEntryNotFound = errors.New("keywarden: entry not found")
	ErrGroupNotFound = errors.New("keywarden: group not found")

	// ErrReadOnlyMode is returned for mutating operations while the
	// server runs with access mode "readonly".
	ErrReadOnlyMode = errors.New("keywarden: operation not allowed in read-only mode")
)

// Code maps an error to a stable machine-readable code for the
// protocol layer. Unclassified errors map to INTERNAL_ERROR so the
// process never surfaces raw internals.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrAuthentication):
		return "AUTH_ERROR"
	case errors.Is(err, ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, ErrSecurity):
		return "SECURITY_ERROR"
	case errors.Is(err, ErrDatabaseLocked):
		return "DATABASE_LOCKED"
	case errors.Is(err, ErrDatabaseCorrupted):
		return "DATABASE_CORRUPTED"
	case errors.Is(err, ErrDatabase):
		return "DATABASE_ERROR"
	case errors.Is(err, ErrBackup):
		return "BACKUP_ERROR"
	case errors.Is(err, ErrEntryNotFound):
		return "ENTRY_NOT_FOUND"
	case errors.Is(err, ErrGroupNotFound):
		return "GROUP_NOT_FOUND"
	case errors.Is(err, ErrReadOnlyMode):
		return "READ_ONLY_MODE"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
