package models

import "time"

// Backup trigger reasons.
const (
	BackupReasonManual      = "manual"
	BackupReasonPreMutation = "pre-mutation"
	BackupReasonPreRestore  = "pre-restore"
)

// BackupRecord describes one archived snapshot of the live
// records/config tree. The manifest sidecar carries the same data on
// disk next to the archive.
type BackupRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ArchivePath string    `json:"archive_path"`
	Reason      string    `json:"reason"`
	Included    []string  `json:"included"`
	Checksum    string    `json:"checksum"` // SHA-256 of the archive, hex
	SizeBytes   int64     `json:"size_bytes"`
}
