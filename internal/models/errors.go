package models

import "errors"

// Sentinel errors returned by the services. Callers match them with
// errors.Is; services wrap them with fmt.Errorf and %w to add context.
var (
	// Validation errors.
	ErrDuplicateUser   = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
	ErrUnknownProtocol = errors.New("unknown protocol")

	// Storage errors.
	ErrStoreCorrupt = errors.New("user store corrupt and no usable backup")
	ErrLockTimeout  = errors.New("timed out waiting for store lock")

	// Credential generation errors.
	ErrEntropyUnavailable = errors.New("platform random source unavailable")

	// Render errors.
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrSemanticConflict = errors.New("semantic validation conflict")

	// Backup errors.
	ErrBackupNotFound = errors.New("backup not found")
	ErrRestoreFailed  = errors.New("restore failed, live state untouched")

	// Reload errors.
	ErrReloadFailed = errors.New("service reload failed")
)
