// Package models contains the data structures used throughout proxyctl.
package models

import "time"

// AppConfig holds the process-level configuration. It is loaded once at
// start and treated as immutable for the process lifetime.
type AppConfig struct {
	DataDir string
	Domain  string

	LockTimeout     time.Duration
	BackupRetention int

	Health HealthSettings

	// Per-protocol enablement and listening parameters, copied into the
	// store's ServerSettings on first initialization.
	Protocols map[string]ProtocolSettings

	// Container name per protocol for the service-management layer.
	Containers map[string]string

	Telegram *TelegramConfig // nil if not configured
}

// HealthSettings bounds the post-reload health probe.
type HealthSettings struct {
	Timeout  time.Duration
	Interval time.Duration
}

// TelegramConfig holds the optional failure-notification settings.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// NotifyMessage is one operation outcome formatted for the notifier.
type NotifyMessage struct {
	Operation    string
	Host         string
	Success      bool
	FailedStep   string
	ErrorMessage string
	StartTime    time.Time
	Duration     time.Duration
}

// NotifyResult reports the outcome of sending a notification.
type NotifyResult struct {
	Sent  bool
	Error error
}
