package backup

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestService(t *testing.T, retention int) (*Impl, string) {
	t.Helper()
	dataDir := t.TempDir()
	configDir := filepath.Join(dataDir, "configs")
	require.NoError(t, os.MkdirAll(configDir, 0o700))

	cfg := &models.AppConfig{DataDir: dataDir, BackupRetention: retention}
	return New(testLogger(), cfg), configDir
}

func writeLive(t *testing.T, configDir, name, content string) {
	t.Helper()
	path := filepath.Join(configDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestSnapshot_CreatesArchiveAndManifest(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{"schema_version":1}`)
	writeLive(t, configDir, "xray.json", `{"inbounds":[]}`)
	writeLive(t, configDir, filepath.Join("clients", "alice", "links.txt"), "vless://...")

	rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)

	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, models.BackupReasonManual, rec.Reason)
	assert.Len(t, rec.Checksum, 64)
	assert.Positive(t, rec.SizeBytes)
	assert.ElementsMatch(t, []string{"users.json", "xray.json", "clients"}, rec.Included)

	_, err = os.Stat(rec.ArchivePath)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(rec.ArchivePath), rec.ID+".json"))
	assert.NoError(t, err)
}

func TestSnapshot_SkipsMissingMembers(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{}`)

	rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)

	require.NoError(t, err)
	assert.Equal(t, []string{"users.json"}, rec.Included)
}

func TestList_NewestFirst(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{}`)

	first, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)
	second, err := svc.Snapshot(context.Background(), models.BackupReasonPreMutation)
	require.NoError(t, err)

	records, err := svc.List()

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
}

func TestRestore_RecoversLiveState(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{"users":{"alice":{}}}`)
	writeLive(t, configDir, filepath.Join("wireguard", "wg0.conf"), "[Interface]\n# alice\n")

	rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)

	// Diverge the live tree after the snapshot.
	writeLive(t, configDir, "users.json", `{"users":{}}`)
	require.NoError(t, os.RemoveAll(filepath.Join(configDir, "wireguard")))

	require.NoError(t, svc.Restore(context.Background(), rec.ID))

	data, err := os.ReadFile(filepath.Join(configDir, "users.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"users":{"alice":{}}}`, string(data))

	wg, err := os.ReadFile(filepath.Join(configDir, "wireguard", "wg0.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(wg), "# alice")
}

func TestRestore_TakesSafetySnapshot(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{"v":1}`)

	rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)

	require.NoError(t, svc.Restore(context.Background(), rec.ID))

	records, err := svc.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.BackupReasonPreRestore, records[0].Reason)
}

func TestRestore_TamperedArchive(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{"v":1}`)

	rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)

	// Change the live state, then corrupt the archive.
	writeLive(t, configDir, "users.json", `{"v":2}`)
	require.NoError(t, os.WriteFile(rec.ArchivePath, []byte("tampered"), 0o600))

	err = svc.Restore(context.Background(), rec.ID)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRestoreFailed)

	// Live state is untouched.
	data, err := os.ReadFile(filepath.Join(configDir, "users.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestRestore_OldestBackupAtRetentionCap(t *testing.T) {
	svc, configDir := newTestService(t, 2)
	writeLive(t, configDir, "users.json", `{"v":1}`)

	oldest, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)

	writeLive(t, configDir, "users.json", `{"v":2}`)
	_, err = svc.Snapshot(context.Background(), models.BackupReasonManual)
	require.NoError(t, err)

	// The set is at the cap; the safety snapshot taken inside the
	// restore must not prune away the archive being restored.
	writeLive(t, configDir, "users.json", `{"v":3}`)
	require.NoError(t, svc.Restore(context.Background(), oldest.ID))

	data, err := os.ReadFile(filepath.Join(configDir, "users.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	_, err = os.Stat(oldest.ArchivePath)
	assert.NoError(t, err, "restore target archive must survive the safety snapshot")
}

func TestRestore_UnknownID(t *testing.T) {
	svc, _ := newTestService(t, 20)

	err := svc.Restore(context.Background(), "backup_19700101_000000.000000000")

	assert.ErrorIs(t, err, models.ErrBackupNotFound)
}

func TestSnapshot_EnforcesRetention(t *testing.T) {
	svc, configDir := newTestService(t, 5)
	writeLive(t, configDir, "users.json", `{}`)

	var newest *models.BackupRecord
	for i := 0; i < 8; i++ {
		rec, err := svc.Snapshot(context.Background(), models.BackupReasonPreMutation)
		require.NoError(t, err)
		newest = rec
	}

	records, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, newest.ID, records[0].ID)
}

func TestPrune_NeverRemovesNewest(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{}`)

	for i := 0; i < 3; i++ {
		_, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
		require.NoError(t, err)
	}

	removed, err := svc.Prune(0)

	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSnapshot_ContextCancelled(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Snapshot(ctx, models.BackupReasonManual)
	assert.Error(t, err)
}

func TestExtractArchive_RejectsPathEscape(t *testing.T) {
	// Hand-build an archive containing an escaping entry.
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeEvilArchive(t, archive)

	err := extractArchive(archive, filepath.Join(dir, "out"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func writeEvilArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("outside")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o600,
		Size:     int64(len(content)),
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestSnapshot_DistinctIDs(t *testing.T) {
	svc, configDir := newTestService(t, 20)
	writeLive(t, configDir, "users.json", `{}`)

	seen := make(map[string]bool)
	start := time.Now()
	for i := 0; i < 5; i++ {
		rec, err := svc.Snapshot(context.Background(), models.BackupReasonManual)
		require.NoError(t, err)
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
	assert.Less(t, time.Since(start), 10*time.Second)
}
