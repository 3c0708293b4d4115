// Package backup snapshots and restores the live records/config tree
// as versioned tar.gz archives with manifest sidecars.
package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/store"
)

const timestampLayout = "20060102_150405.000000000"

// archiveMembers are the entries of the config tree included in a
// snapshot, relative to the config directory. Missing entries are
// skipped, not errors.
var archiveMembers = []string{
	"users.json",
	"xray.json",
	"trojan.json",
	"singbox.json",
	"wireguard",
	"clients",
}

// Service defines the interface for backup operations.
type Service interface {
	Snapshot(ctx context.Context, reason string) (*models.BackupRecord, error)
	List() ([]models.BackupRecord, error)
	Restore(ctx context.Context, id string) error
	Prune(keep int) (int, error)
}

// Impl implements the backup Service interface.
type Impl struct {
	dataDir   string
	configDir string
	backupDir string
	retention int
	logger    zerolog.Logger
}

// New creates a backup service for the tree rooted at cfg.DataDir.
func New(logger zerolog.Logger, cfg *models.AppConfig) *Impl {
	return &Impl{
		dataDir:   cfg.DataDir,
		configDir: filepath.Join(cfg.DataDir, "configs"),
		backupDir: filepath.Join(cfg.DataDir, "backups"),
		retention: cfg.BackupRetention,
		logger:    logger,
	}
}

// Snapshot archives the config tree into a compressed tar archive plus
// a manifest sidecar, then prunes archives beyond the retention cap.
func (s *Impl) Snapshot(ctx context.Context, reason string) (*models.BackupRecord, error) {
	return s.snapshot(ctx, reason, "")
}

// snapshot is Snapshot with an optional prune exemption. The safety
// snapshot before a restore exempts the restore target, so an archive
// at the bottom of the retention window is never deleted out from
// under the restore about to read it.
func (s *Impl) snapshot(ctx context.Context, reason, keepID string) (*models.BackupRecord, error) {
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	id := "backup_" + time.Now().UTC().Format(timestampLayout)
	archivePath := filepath.Join(s.backupDir, id+".tar.gz")

	included, checksum, size, err := s.writeArchive(ctx, archivePath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	record := &models.BackupRecord{
		ID:          id,
		Timestamp:   time.Now().UTC(),
		ArchivePath: archivePath,
		Reason:      reason,
		Included:    included,
		Checksum:    checksum,
		SizeBytes:   size,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := store.WriteAtomic(filepath.Join(s.backupDir, id+".json"), append(data, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("write backup manifest: %w", err)
	}

	if _, err := s.pruneExcept(s.retention, keepID); err != nil {
		s.logger.Warn().Err(err).Msg("pruning old backups failed")
	}

	s.logger.Info().Str("id", id).Str("reason", reason).Int64("size", size).Msg("backup created")
	return record, nil
}

// List returns all backup records, newest first.
func (s *Impl) List() ([]models.BackupRecord, error) {
	manifests, err := filepath.Glob(filepath.Join(s.backupDir, "backup_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	records := make([]models.BackupRecord, 0, len(manifests))
	for _, m := range manifests {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var rec models.BackupRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	return records, nil
}

// Restore extracts a backup over the live tree. The archive checksum is
// verified first, a safety snapshot is taken, and extraction happens in
// a staging directory that is swapped into place only on full success.
// Any failure leaves the live state untouched.
func (s *Impl) Restore(ctx context.Context, id string) error {
	rec, err := s.find(id)
	if err != nil {
		return err
	}

	if err := s.verifyChecksum(rec); err != nil {
		return err
	}

	if _, err := s.snapshot(ctx, models.BackupReasonPreRestore, rec.ID); err != nil {
		return fmt.Errorf("restore %s: safety snapshot: %w", id, err)
	}

	staging, err := os.MkdirTemp(s.dataDir, ".restore-*")
	if err != nil {
		return fmt.Errorf("restore %s: %w: %v", id, models.ErrRestoreFailed, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := extractArchive(rec.ArchivePath, staging); err != nil {
		return fmt.Errorf("restore %s: %w: %v", id, models.ErrRestoreFailed, err)
	}

	if err := s.swapIntoLive(staging); err != nil {
		return fmt.Errorf("restore %s: %w: %v", id, models.ErrRestoreFailed, err)
	}

	s.logger.Info().Str("id", id).Msg("backup restored")
	return nil
}

// Prune removes archives beyond the retention cap, oldest first. The
// single most recent archive is never removed, even with a cap of zero.
func (s *Impl) Prune(keep int) (int, error) {
	return s.pruneExcept(keep, "")
}

func (s *Impl) pruneExcept(keep int, exempt string) (int, error) {
	if keep < 1 {
		keep = 1
	}

	records, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records[min(keep, len(records)):] {
		if rec.ID == exempt {
			continue
		}
		_ = os.Remove(rec.ArchivePath)
		_ = os.Remove(filepath.Join(s.backupDir, rec.ID+".json"))
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("kept", len(records)-removed).Msg("old backups pruned")
	}
	return removed, nil
}

func (s *Impl) find(id string) (*models.BackupRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.backupDir, id+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("backup %s: %w", id, models.ErrBackupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup manifest: %w", err)
	}

	var rec models.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	if _, err := os.Stat(rec.ArchivePath); err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, models.ErrBackupNotFound)
	}
	return &rec, nil
}

func (s *Impl) verifyChecksum(rec *models.BackupRecord) error {
	f, err := os.Open(rec.ArchivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}

	if sum := hex.EncodeToString(h.Sum(nil)); sum != rec.Checksum {
		return fmt.Errorf("restore %s: %w: archive checksum mismatch", rec.ID, models.ErrRestoreFailed)
	}
	return nil
}

// writeArchive streams the config tree into a tar.gz at archivePath,
// writing through a temp file and renaming on success so a crash never
// leaves a partial archive behind.
func (s *Impl) writeArchive(ctx context.Context, archivePath string) ([]string, string, int64, error) {
	tmp, err := os.CreateTemp(s.backupDir, ".archive-*.tmp")
	if err != nil {
		return nil, "", 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(tmp, h))
	tw := tar.NewWriter(gz)

	var included []string
	for _, member := range archiveMembers {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, "", 0, err
		}

		src := filepath.Join(s.configDir, member)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := addToArchive(tw, src, member); err != nil {
			cleanup()
			return nil, "", 0, err
		}
		included = append(included, member)
	}

	if err := tw.Close(); err != nil {
		cleanup()
		return nil, "", 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return nil, "", 0, fmt.Errorf("close gzip writer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, "", 0, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, "", 0, fmt.Errorf("close archive: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, "", 0, fmt.Errorf("stat archive: %w", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, "", 0, fmt.Errorf("rename archive: %w", err)
	}

	return included, hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func addToArchive(tw *tar.Writer, src, arcname string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = filepath.Join(arcname, rel)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(name)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		_, err = io.Copy(tw, f)
		return err
	})
}

func extractArchive(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes extraction root: %s", hdr.Name)
		}
		target := filepath.Join(dst, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("extract dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("extract: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("extract file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("extract file: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("extract file: %w", err)
			}
		}
	}
}

// swapIntoLive renames each staged entry over its live counterpart.
// Replaced entries are first moved aside and put back if a later
// rename fails, so a partial swap never destroys live state.
func (s *Impl) swapIntoLive(staging string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.configDir, 0o700); err != nil {
		return err
	}

	type swapped struct{ live, aside string }
	var done []swapped

	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = os.RemoveAll(done[i].live)
			if done[i].aside != "" {
				_ = os.Rename(done[i].aside, done[i].live)
			}
		}
	}

	for _, e := range entries {
		live := filepath.Join(s.configDir, e.Name())
		staged := filepath.Join(staging, e.Name())

		aside := ""
		if _, err := os.Stat(live); err == nil {
			aside = live + ".pre-restore"
			_ = os.RemoveAll(aside)
			if err := os.Rename(live, aside); err != nil {
				rollback()
				return err
			}
		}

		if err := os.Rename(staged, live); err != nil {
			if aside != "" {
				_ = os.Rename(aside, live)
			}
			rollback()
			return err
		}
		done = append(done, swapped{live: live, aside: aside})
	}

	for _, d := range done {
		if d.aside != "" {
			_ = os.RemoveAll(d.aside)
		}
	}
	return nil
}
