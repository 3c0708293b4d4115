package models

import "time"

// ReloadState is one protocol's position in the reload state machine.
type ReloadState string

const (
	ReloadIdle             ReloadState = "idle"
	ReloadValidating       ReloadState = "validating"
	ReloadReloading        ReloadState = "reloading"
	ReloadHealthy          ReloadState = "healthy"
	ReloadValidationFailed ReloadState = "validation_failed"
	ReloadFailed           ReloadState = "reload_failed"
)

// HealthState is the externally observed health of a protocol engine.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ReloadResult reports the outcome of one reload sequence.
type ReloadResult struct {
	Protocol string
	State    ReloadState
	Duration time.Duration
	Error    error
}
