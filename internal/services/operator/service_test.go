package operator

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/backup"
	"github.com/stealthvpn/proxyctl/internal/services/clientconfig"
	"github.com/stealthvpn/proxyctl/internal/services/credentials"
	"github.com/stealthvpn/proxyctl/internal/services/notify"
	"github.com/stealthvpn/proxyctl/internal/services/reload"
	"github.com/stealthvpn/proxyctl/internal/services/render"
	"github.com/stealthvpn/proxyctl/internal/services/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDocker struct {
	health models.HealthState
}

func (m *mockDocker) Reload(ctx context.Context, protocol string) error  { return nil }
func (m *mockDocker) Restart(ctx context.Context, protocol string) error { return nil }

func (m *mockDocker) HealthStatus(ctx context.Context, protocol string) models.HealthState {
	if m.health == "" {
		return models.HealthHealthy
	}
	return m.health
}

func (m *mockDocker) StatusAll(ctx context.Context) map[string]models.HealthState {
	out := make(map[string]models.HealthState)
	for _, proto := range models.Protocols() {
		out[proto] = m.HealthStatus(ctx, proto)
	}
	return out
}

func (m *mockDocker) Logs(ctx context.Context, protocol string, tail int) (string, error) {
	return "", nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestOperator(t *testing.T) (*Impl, *models.AppConfig) {
	t.Helper()

	cfg := &models.AppConfig{
		DataDir:         t.TempDir(),
		Domain:          "vpn.example.com",
		LockTimeout:     2 * time.Second,
		BackupRetention: 20,
		Health:          models.HealthSettings{Timeout: 200 * time.Millisecond, Interval: 10 * time.Millisecond},
		Protocols: map[string]models.ProtocolSettings{
			models.ProtocolXray:      {Enabled: true, Port: 443},
			models.ProtocolTrojan:    {Enabled: true, Port: 8443},
			models.ProtocolSingbox:   {Enabled: true, Port: 9443},
			models.ProtocolWireGuard: {Enabled: true, Port: 51820},
		},
		Containers: map[string]string{
			models.ProtocolXray:      "proxyctl-xray",
			models.ProtocolTrojan:    "proxyctl-trojan",
			models.ProtocolSingbox:   "proxyctl-singbox",
			models.ProtocolWireGuard: "proxyctl-wireguard",
		},
	}

	credsSvc := credentials.New(testLogger())
	storeSvc := store.New(testLogger(), credsSvc, cfg)
	renderSvc := render.New(testLogger(), storeSvc.ConfigDir())
	clientSvc := clientconfig.New(testLogger(), storeSvc.ConfigDir())
	backupSvc := backup.New(testLogger(), cfg)
	docker := &mockDocker{}
	reloadSvc := reload.New(testLogger(), docker, renderSvc.Validator, cfg.Health)
	notifySvc := notify.New(testLogger(), nil)

	return New(testLogger(), storeSvc, renderSvc, clientSvc, backupSvc, reloadSvc, docker, notifySvc), cfg
}

func TestCreateUser_FullLifecycle(t *testing.T) {
	svc, cfg := newTestOperator(t)
	ctx := context.Background()

	result, err := svc.CreateUser(ctx, "alice")

	require.NoError(t, err)
	require.NotNil(t, result.User)
	assert.Equal(t, "alice", result.User.Username)
	require.True(t, result.Sync.OK(), "failures: %v", result.Sync.Render.Failed)
	assert.Len(t, result.Sync.Render.Rendered, 4)
	assert.Len(t, result.Sync.Reloads, 4)
	for _, rr := range result.Sync.Reloads {
		assert.Equal(t, models.ReloadHealthy, rr.State, rr.Protocol)
	}

	configDir := filepath.Join(cfg.DataDir, "configs")

	// Every rendered server config carries exactly one alice entry.
	var xray struct {
		Inbounds []struct {
			Settings struct {
				Clients []struct {
					Email string `json:"email"`
				} `json:"clients"`
			} `json:"settings"`
		} `json:"inbounds"`
	}
	data, err := os.ReadFile(filepath.Join(configDir, "xray.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &xray))
	require.NotEmpty(t, xray.Inbounds)
	for _, in := range xray.Inbounds {
		require.Len(t, in.Settings.Clients, 1)
		assert.Equal(t, "alice@vpn.example.com", in.Settings.Clients[0].Email)
	}

	var trojan struct {
		Password []string `json:"password"`
	}
	data, err = os.ReadFile(filepath.Join(configDir, "trojan.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &trojan))
	assert.Len(t, trojan.Password, 1)

	wg, err := os.ReadFile(filepath.Join(configDir, "wireguard", "wg0.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(wg), "# alice")

	// Client artifacts were generated.
	_, err = os.Stat(filepath.Join(configDir, "clients", "alice", "links.txt"))
	assert.NoError(t, err)
}

func TestCreateUser_TakesPreMutationSnapshot(t *testing.T) {
	svc, _ := newTestOperator(t)

	_, err := svc.CreateUser(context.Background(), "alice")
	require.NoError(t, err)

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.NotEmpty(t, backups)
	assert.Equal(t, models.BackupReasonPreMutation, backups[len(backups)-1].Reason)
}

func TestCreateUser_Duplicate(t *testing.T) {
	svc, _ := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, "alice")
	assert.ErrorIs(t, err, models.ErrDuplicateUser)
}

func TestDeleteUser_RemovesFromConfigsAndClients(t *testing.T) {
	svc, cfg := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	sync, err := svc.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, sync.OK())

	configDir := filepath.Join(cfg.DataDir, "configs")

	var trojan struct {
		Password []string `json:"password"`
	}
	data, err := os.ReadFile(filepath.Join(configDir, "trojan.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &trojan))
	assert.Empty(t, trojan.Password)

	_, err = os.Stat(filepath.Join(configDir, "clients", "alice"))
	assert.True(t, os.IsNotExist(err))

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRotateUserCredential_ChangesOnlyOneProtocol(t *testing.T) {
	svc, cfg := newTestOperator(t)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)
	before := created.User.Credentials

	rotated, err := svc.RotateUserCredential(ctx, "alice", models.ProtocolXray)
	require.NoError(t, err)
	require.True(t, rotated.Sync.OK())
	after := rotated.User.Credentials

	assert.NotEqual(t, before[models.ProtocolXray].UUID, after[models.ProtocolXray].UUID)
	assert.Equal(t, before[models.ProtocolTrojan], after[models.ProtocolTrojan])
	assert.Equal(t, before[models.ProtocolWireGuard], after[models.ProtocolWireGuard])

	// The new UUID is live in the rendered config.
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "configs", "xray.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), after[models.ProtocolXray].UUID)
	assert.NotContains(t, string(data), before[models.ProtocolXray].UUID)
}

func TestRestoreBackup_BringsUserBack(t *testing.T) {
	svc, _ := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	rec, err := svc.CreateBackup(ctx)
	require.NoError(t, err)

	_, err = svc.DeleteUser(ctx, "alice")
	require.NoError(t, err)

	sync, err := svc.RestoreBackup(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, sync.OK())

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}

func TestRestoreBackup_UnknownID(t *testing.T) {
	svc, _ := newTestOperator(t)

	_, err := svc.RestoreBackup(context.Background(), "backup_19700101_000000.000000000")

	assert.ErrorIs(t, err, models.ErrBackupNotFound)
}

func TestRegenerateAllConfigs(t *testing.T) {
	svc, cfg := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	// Wipe a rendered config and regenerate.
	xrayPath := filepath.Join(cfg.DataDir, "configs", "xray.json")
	require.NoError(t, os.Remove(xrayPath))

	sync, err := svc.RegenerateAllConfigs(ctx)
	require.NoError(t, err)
	require.True(t, sync.OK())

	_, err = os.Stat(xrayPath)
	assert.NoError(t, err)
}

func TestReloadService_SingleProtocol(t *testing.T) {
	svc, _ := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	result, err := svc.ReloadService(ctx, models.ProtocolTrojan)

	require.NoError(t, err)
	assert.Equal(t, models.ProtocolTrojan, result.Protocol)
	assert.Equal(t, models.ReloadHealthy, result.State)
}

func TestReloadService_UnknownProtocol(t *testing.T) {
	svc, _ := newTestOperator(t)

	_, err := svc.ReloadService(context.Background(), "openvpn")

	assert.ErrorIs(t, err, models.ErrUnknownProtocol)
}

func TestGetStatus(t *testing.T) {
	svc, _ := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)

	status, err := svc.GetStatus(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, status.Users)
	assert.False(t, status.StoreRecovered)
	assert.Len(t, status.Health, 4)
	for _, proto := range models.Protocols() {
		assert.Equal(t, models.HealthHealthy, status.Health[proto], proto)
		assert.Equal(t, models.ReloadHealthy, status.ReloadStates[proto], proto)
	}
}

func TestPruneBackups(t *testing.T) {
	svc, _ := newTestOperator(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.CreateBackup(ctx)
		require.NoError(t, err)
	}

	removed, err := svc.PruneBackups(1)
	require.NoError(t, err)
	assert.Positive(t, removed)

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestSyncResult_OK(t *testing.T) {
	ok := &SyncResult{
		Render:  &models.RenderReport{Failed: map[string]error{}},
		Reloads: []models.ReloadResult{{State: models.ReloadHealthy}},
	}
	assert.True(t, ok.OK())

	failed := &SyncResult{
		Render:  &models.RenderReport{Failed: map[string]error{}},
		Reloads: []models.ReloadResult{{State: models.ReloadFailed, Error: models.ErrReloadFailed}},
	}
	assert.False(t, failed.OK())
}
