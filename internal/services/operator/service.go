// Package operator orchestrates the credential/config lifecycle: every
// operator-facing action flows through here, wrapped with a
// pre-mutation snapshot and followed by render and reload passes.
package operator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/backup"
	"github.com/stealthvpn/proxyctl/internal/services/clientconfig"
	"github.com/stealthvpn/proxyctl/internal/services/dockerctl"
	"github.com/stealthvpn/proxyctl/internal/services/notify"
	"github.com/stealthvpn/proxyctl/internal/services/reload"
	"github.com/stealthvpn/proxyctl/internal/services/render"
	"github.com/stealthvpn/proxyctl/internal/services/store"
)

// SyncResult reports one render-and-reload pass over all protocols.
type SyncResult struct {
	Render  *models.RenderReport
	Reloads []models.ReloadResult
}

// OK reports whether every protocol rendered and reloaded cleanly.
func (r *SyncResult) OK() bool {
	if r.Render != nil && !r.Render.OK() {
		return false
	}
	for _, rr := range r.Reloads {
		if rr.Error != nil {
			return false
		}
	}
	return true
}

// UserResult reports a user mutation and the follow-up sync pass.
type UserResult struct {
	User *models.UserRecord
	Sync *SyncResult
}

// Status is the aggregate system view for the status operation.
type Status struct {
	Users          int
	Health         map[string]models.HealthState
	ReloadStates   map[string]models.ReloadState
	StoreRecovered bool
}

// Service defines the operator-facing interface.
type Service interface {
	CreateUser(ctx context.Context, username string) (*UserResult, error)
	DeleteUser(ctx context.Context, username string) (*SyncResult, error)
	ListUsers(ctx context.Context) ([]models.UserRecord, error)
	RotateUserCredential(ctx context.Context, username, protocol string) (*UserResult, error)
	RegenerateAllConfigs(ctx context.Context) (*SyncResult, error)
	CreateBackup(ctx context.Context) (*models.BackupRecord, error)
	ListBackups() ([]models.BackupRecord, error)
	RestoreBackup(ctx context.Context, id string) (*SyncResult, error)
	PruneBackups(keep int) (int, error)
	ReloadService(ctx context.Context, protocol string) (*models.ReloadResult, error)
	ServiceLogs(ctx context.Context, protocol string, tail int) (string, error)
	GetStatus(ctx context.Context) (*Status, error)
}

// Impl implements the operator Service interface.
type Impl struct {
	storeSvc  store.Service
	renderSvc render.Service
	clientSvc clientconfig.Service
	backupSvc backup.Service
	reloadSvc reload.Service
	dockerSvc dockerctl.Service
	notifySvc notify.Service
	logger    zerolog.Logger
}

// New creates a new operator service.
func New(
	logger zerolog.Logger,
	storeSvc store.Service,
	renderSvc render.Service,
	clientSvc clientconfig.Service,
	backupSvc backup.Service,
	reloadSvc reload.Service,
	dockerSvc dockerctl.Service,
	notifySvc notify.Service,
) *Impl {
	return &Impl{
		storeSvc:  storeSvc,
		renderSvc: renderSvc,
		clientSvc: clientSvc,
		backupSvc: backupSvc,
		reloadSvc: reloadSvc,
		dockerSvc: dockerSvc,
		notifySvc: notifySvc,
		logger:    logger,
	}
}

// CreateUser provisions a user, regenerates all configs and reloads the
// affected engines.
func (s *Impl) CreateUser(ctx context.Context, username string) (*UserResult, error) {
	op := s.begin(ctx, "create user")
	defer op.end()

	op.step("snapshot")
	if _, err := s.backupSvc.Snapshot(ctx, models.BackupReasonPreMutation); err != nil {
		return nil, op.fail(err)
	}

	op.step("store")
	user, err := s.storeSvc.Create(ctx, username)
	if err != nil {
		return nil, op.fail(err)
	}

	op.step("sync")
	sync := s.syncConfigs(ctx)
	op.observe(sync)

	return &UserResult{User: user, Sync: sync}, nil
}

// DeleteUser removes a user, their client artifacts, and regenerates
// all configs.
func (s *Impl) DeleteUser(ctx context.Context, username string) (*SyncResult, error) {
	op := s.begin(ctx, "delete user")
	defer op.end()

	op.step("snapshot")
	if _, err := s.backupSvc.Snapshot(ctx, models.BackupReasonPreMutation); err != nil {
		return nil, op.fail(err)
	}

	op.step("store")
	if err := s.storeSvc.Delete(ctx, username); err != nil {
		return nil, op.fail(err)
	}
	if err := s.clientSvc.Remove(username); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("removing client configs failed")
	}

	op.step("sync")
	sync := s.syncConfigs(ctx)
	op.observe(sync)

	return sync, nil
}

// ListUsers returns all user records.
func (s *Impl) ListUsers(ctx context.Context) ([]models.UserRecord, error) {
	return s.storeSvc.List(ctx)
}

// RotateUserCredential regenerates one protocol's credential bundle for
// a user; their previous client config for that protocol stops working.
func (s *Impl) RotateUserCredential(ctx context.Context, username, protocol string) (*UserResult, error) {
	op := s.begin(ctx, "rotate credential")
	defer op.end()

	op.step("snapshot")
	if _, err := s.backupSvc.Snapshot(ctx, models.BackupReasonPreMutation); err != nil {
		return nil, op.fail(err)
	}

	op.step("store")
	user, err := s.storeSvc.RotateCredential(ctx, username, protocol)
	if err != nil {
		return nil, op.fail(err)
	}

	op.step("sync")
	sync := s.syncConfigs(ctx)
	op.observe(sync)

	return &UserResult{User: user, Sync: sync}, nil
}

// RegenerateAllConfigs re-renders every protocol config from the
// current record set and reloads the engines.
func (s *Impl) RegenerateAllConfigs(ctx context.Context) (*SyncResult, error) {
	op := s.begin(ctx, "regenerate configs")
	defer op.end()

	op.step("sync")
	sync := s.syncConfigs(ctx)
	op.observe(sync)

	return sync, nil
}

// CreateBackup takes a manual snapshot.
func (s *Impl) CreateBackup(ctx context.Context) (*models.BackupRecord, error) {
	op := s.begin(ctx, "create backup")
	defer op.end()

	rec, err := s.backupSvc.Snapshot(ctx, models.BackupReasonManual)
	if err != nil {
		return nil, op.fail(err)
	}
	return rec, nil
}

// ListBackups returns all backups, newest first.
func (s *Impl) ListBackups() ([]models.BackupRecord, error) {
	return s.backupSvc.List()
}

// RestoreBackup restores a snapshot over the live tree, then re-renders
// and reloads so the engines pick up the restored state.
func (s *Impl) RestoreBackup(ctx context.Context, id string) (*SyncResult, error) {
	op := s.begin(ctx, "restore backup")
	defer op.end()

	op.step("restore")
	if err := s.backupSvc.Restore(ctx, id); err != nil {
		return nil, op.fail(err)
	}

	op.step("sync")
	sync := s.syncConfigs(ctx)
	op.observe(sync)

	return sync, nil
}

// PruneBackups removes backups beyond the given cap, oldest first.
func (s *Impl) PruneBackups(keep int) (int, error) {
	return s.backupSvc.Prune(keep)
}

// ServiceLogs returns the tail of one engine's container logs.
func (s *Impl) ServiceLogs(ctx context.Context, protocol string, tail int) (string, error) {
	return s.dockerSvc.Logs(ctx, protocol, tail)
}

// ReloadService re-renders one protocol from the current record set and
// runs its reload sequence.
func (s *Impl) ReloadService(ctx context.Context, protocol string) (*models.ReloadResult, error) {
	op := s.begin(ctx, "reload service")
	defer op.end()

	op.step("render")
	settings, users, err := s.snapshotState(ctx)
	if err != nil {
		return nil, op.fail(err)
	}

	rendered, err := s.renderSvc.RenderOne(protocol, settings, users)
	if err != nil {
		return nil, op.fail(err)
	}
	if err := writeRendered(rendered); err != nil {
		return nil, op.fail(err)
	}

	op.step("reload")
	result := s.reloadSvc.Apply(ctx, rendered)
	if result.Error != nil {
		op.fail(result.Error)
	}
	return result, nil
}

// GetStatus reports container health, reload states and store health.
func (s *Impl) GetStatus(ctx context.Context) (*Status, error) {
	users, err := s.storeSvc.List(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		Users:          len(users),
		Health:         s.dockerSvc.StatusAll(ctx),
		ReloadStates:   s.reloadSvc.States(),
		StoreRecovered: s.storeSvc.Recovered(),
	}, nil
}

// syncConfigs runs one full render pass, regenerates client artifacts,
// and reloads every protocol that produced a new document. Per-protocol
// failures are collected, never propagated as a blanket abort.
func (s *Impl) syncConfigs(ctx context.Context) *SyncResult {
	out := &SyncResult{Render: &models.RenderReport{Failed: map[string]error{}}}

	settings, users, err := s.snapshotState(ctx)
	if err != nil {
		out.Render.Failed["store"] = err
		return out
	}

	out.Render = s.renderSvc.RenderAll(settings, users)

	if err := s.clientSvc.GenerateAll(settings, users); err != nil {
		s.logger.Warn().Err(err).Msg("regenerating client configs failed")
	}

	for i := range out.Render.Rendered {
		rc := out.Render.Rendered[i]
		out.Reloads = append(out.Reloads, *s.reloadSvc.Apply(ctx, &rc))
	}

	return out
}

func (s *Impl) snapshotState(ctx context.Context) (*models.ServerSettings, []models.UserRecord, error) {
	settings, err := s.storeSvc.Settings(ctx)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.storeSvc.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return settings, users, nil
}

func writeRendered(rc *models.RenderedConfig) error {
	return store.WriteAtomic(rc.Path, rc.Content, 0o600)
}

// operation tracks one operator action for logging and notification.
type operation struct {
	svc       *Impl
	ctx       context.Context
	name      string
	current   string
	startTime time.Time
	failedErr error
}

func (s *Impl) begin(ctx context.Context, name string) *operation {
	s.logger.Info().Str("operation", name).Msg("operation started")
	return &operation{svc: s, ctx: ctx, name: name, startTime: time.Now()}
}

func (o *operation) step(name string) { o.current = name }

func (o *operation) fail(err error) error {
	if o.failedErr == nil {
		o.failedErr = err
	}
	return err
}

// observe records partial failures from a sync pass without turning
// them into a hard operation error.
func (o *operation) observe(sync *SyncResult) {
	if sync.OK() {
		return
	}
	for proto, err := range sync.Render.Failed {
		o.fail(fmt.Errorf("%s: %w", proto, err))
		break
	}
	for _, rr := range sync.Reloads {
		if rr.Error != nil {
			o.fail(rr.Error)
			break
		}
	}
}

// end logs the outcome and sends the optional failure notification.
func (o *operation) end() {
	duration := time.Since(o.startTime)

	if o.failedErr == nil {
		o.svc.logger.Info().Str("operation", o.name).Dur("duration", duration).Msg("operation completed")
		return
	}

	o.svc.logger.Error().Err(o.failedErr).Str("operation", o.name).Str("step", o.current).Msg("operation failed")

	host, _ := os.Hostname()
	msg := models.NotifyMessage{
		Operation:    o.name,
		Host:         host,
		Success:      false,
		FailedStep:   o.current,
		ErrorMessage: o.failedErr.Error(),
		StartTime:    o.startTime,
		Duration:     duration,
	}
	if result, err := o.svc.notifySvc.Send(o.ctx, msg); err != nil {
		o.svc.logger.Error().Err(err).Msg("failed to send notification")
	} else if result.Error != nil {
		o.svc.logger.Error().Err(result.Error).Msg("failed to send notification")
	}
}
