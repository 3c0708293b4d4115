// Package store provides durable, atomic persistence of user records
// and server settings. The on-disk JSON document is the source of
// truth: it is re-read under lock on every operation, so no in-memory
// copy can go stale across processes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/credentials"
)

const (
	schemaVersion = 1
	rotationKeep  = 10

	usersFileName = "users.json"
	lockFileName  = ".users.lock"

	timestampLayout = "20060102_150405.000000000"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// Service defines the interface for the user record store.
type Service interface {
	Get(ctx context.Context, username string) (*models.UserRecord, error)
	List(ctx context.Context) ([]models.UserRecord, error)
	Create(ctx context.Context, username string) (*models.UserRecord, error)
	Delete(ctx context.Context, username string) error
	Touch(ctx context.Context, username string) error
	RotateCredential(ctx context.Context, username, protocol string) (*models.UserRecord, error)
	Settings(ctx context.Context) (*models.ServerSettings, error)
	UpdateSettings(ctx context.Context, settings models.ServerSettings) error
	Recovered() bool
}

// document is the full on-disk store layout.
type document struct {
	SchemaVersion int                          `json:"schema_version"`
	Users         map[string]models.UserRecord `json:"users"`
	Server        models.ServerSettings        `json:"server"`
	LastModified  time.Time                    `json:"last_modified"`
}

// Impl implements the store Service interface.
type Impl struct {
	configDir   string
	usersPath   string
	backupDir   string
	lockPath    string
	lockTimeout time.Duration

	credsSvc credentials.Service
	defaults *models.AppConfig
	logger   zerolog.Logger

	// In-process serialization; cross-process access is serialized via
	// the advisory lock on lockPath. Both are bounded by lockTimeout.
	mu        chan struct{}
	recovered atomic.Bool
}

// New creates a new record store rooted at cfg.DataDir. The returned
// store lazily initializes its on-disk document on first access.
func New(logger zerolog.Logger, credsSvc credentials.Service, cfg *models.AppConfig) *Impl {
	configDir := filepath.Join(cfg.DataDir, "configs")
	return &Impl{
		configDir:   configDir,
		usersPath:   filepath.Join(configDir, usersFileName),
		backupDir:   filepath.Join(cfg.DataDir, "backups"),
		lockPath:    filepath.Join(configDir, lockFileName),
		lockTimeout: cfg.LockTimeout,
		credsSvc:    credsSvc,
		defaults:    cfg,
		logger:      logger,
		mu:          make(chan struct{}, 1),
	}
}

// ConfigDir returns the directory holding the records file and the
// generated protocol configs.
func (s *Impl) ConfigDir() string { return s.configDir }

// UsersPath returns the path of the live records file.
func (s *Impl) UsersPath() string { return s.usersPath }

// Recovered reports whether the last load had to fall back to a
// rotation backup because the live document failed to parse.
func (s *Impl) Recovered() bool { return s.recovered.Load() }

// Get returns one user record by username.
func (s *Impl) Get(ctx context.Context, username string) (*models.UserRecord, error) {
	var rec *models.UserRecord
	err := s.read(ctx, func(doc *document) error {
		u, ok := doc.Users[username]
		if !ok {
			return fmt.Errorf("get user %q: %w", username, models.ErrUserNotFound)
		}
		rec = &u
		return nil
	})
	return rec, err
}

// List returns all user records ordered by username.
func (s *Impl) List(ctx context.Context) ([]models.UserRecord, error) {
	var out []models.UserRecord
	err := s.read(ctx, func(doc *document) error {
		for _, u := range doc.Users {
			out = append(out, u)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
		return nil
	})
	return out, err
}

// Create provisions a new user with fresh credential bundles for every
// enabled protocol and persists the updated document atomically.
func (s *Impl) Create(ctx context.Context, username string) (*models.UserRecord, error) {
	if !usernameRe.MatchString(username) {
		return nil, fmt.Errorf("create user %q: %w: must be 3-32 characters, alphanumeric with _ or -", username, models.ErrInvalidUsername)
	}

	var rec *models.UserRecord
	err := s.mutate(ctx, func(doc *document) error {
		if _, ok := doc.Users[username]; ok {
			return fmt.Errorf("create user %q: %w", username, models.ErrDuplicateUser)
		}

		bundles, err := s.credsSvc.GenerateAll(doc.Server.EnabledProtocols())
		if err != nil {
			return fmt.Errorf("create user %q: %w", username, err)
		}

		if wg, ok := bundles[models.ProtocolWireGuard]; ok {
			subnet := doc.Server.TransportOption(models.ProtocolWireGuard, "subnet", "10.8.0.0/24")
			addr, err := nextPeerAddress(subnet, doc.Users)
			if err != nil {
				return fmt.Errorf("create user %q: %w", username, err)
			}
			wg.Address = addr
			bundles[models.ProtocolWireGuard] = wg
		}

		u := models.UserRecord{
			Username:    username,
			CreatedAt:   time.Now().UTC(),
			Active:      true,
			Credentials: bundles,
		}
		doc.Users[username] = u
		rec = &u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("username", username).Msg("user created")
	return rec, nil
}

// Delete removes a user record.
func (s *Impl) Delete(ctx context.Context, username string) error {
	err := s.mutate(ctx, func(doc *document) error {
		if _, ok := doc.Users[username]; !ok {
			return fmt.Errorf("delete user %q: %w", username, models.ErrUserNotFound)
		}
		delete(doc.Users, username)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("username", username).Msg("user deleted")
	return nil
}

// Touch updates a user's last-seen timestamp.
func (s *Impl) Touch(ctx context.Context, username string) error {
	return s.mutate(ctx, func(doc *document) error {
		u, ok := doc.Users[username]
		if !ok {
			return fmt.Errorf("touch user %q: %w", username, models.ErrUserNotFound)
		}
		now := time.Now().UTC()
		u.LastSeen = &now
		doc.Users[username] = u
		return nil
	})
}

// RotateCredential replaces exactly one protocol's credential bundle
// for a user. This is the only way an existing bundle is ever
// regenerated; old client configs become invalid afterwards.
func (s *Impl) RotateCredential(ctx context.Context, username, protocol string) (*models.UserRecord, error) {
	var rec *models.UserRecord
	err := s.mutate(ctx, func(doc *document) error {
		u, ok := doc.Users[username]
		if !ok {
			return fmt.Errorf("rotate credential for %q: %w", username, models.ErrUserNotFound)
		}

		old, ok := u.Credentials[protocol]
		if !ok {
			return fmt.Errorf("rotate credential for %q: %w: %s", username, models.ErrUnknownProtocol, protocol)
		}

		fresh, err := s.credsSvc.Generate(protocol)
		if err != nil {
			return fmt.Errorf("rotate credential for %q: %w", username, err)
		}
		// The peer address is an allocation, not a secret; it survives
		// rotation so the user keeps their tunnel IP.
		fresh.Address = old.Address

		u.Credentials[protocol] = fresh
		doc.Users[username] = u
		rec = &u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("username", username).Str("protocol", protocol).Msg("credential rotated")
	return rec, nil
}

// Settings returns the server-wide settings.
func (s *Impl) Settings(ctx context.Context) (*models.ServerSettings, error) {
	var out *models.ServerSettings
	err := s.read(ctx, func(doc *document) error {
		cp := doc.Server
		out = &cp
		return nil
	})
	return out, err
}

// UpdateSettings replaces the server-wide settings. This is the only
// operation that mutates them.
func (s *Impl) UpdateSettings(ctx context.Context, settings models.ServerSettings) error {
	err := s.mutate(ctx, func(doc *document) error {
		doc.Server = settings
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Msg("server settings updated")
	return nil
}

// read runs fn against the current document under lock without
// persisting anything.
func (s *Impl) read(ctx context.Context, fn func(doc *document) error) error {
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	doc, _, err := s.loadLocked()
	if err != nil {
		return err
	}
	return fn(doc)
}

// mutate runs fn against the current document under lock and, if fn
// succeeds, persists the result atomically. The previous live document
// is retained as a rotation backup before the write.
func (s *Impl) mutate(ctx context.Context, fn func(doc *document) error) error {
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	doc, liveParses, err := s.loadLocked()
	if err != nil {
		return err
	}

	if liveParses {
		if err := s.rotationBackup(); err != nil {
			s.logger.Warn().Err(err).Msg("rotation backup failed, continuing")
		}
	}

	if err := fn(doc); err != nil {
		return err
	}

	doc.LastModified = time.Now().UTC()
	return s.persistLocked(doc)
}

func (s *Impl) persistLocked(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store document: %w", err)
	}
	data = append(data, '\n')

	if err := WriteAtomic(s.usersPath, data, 0o600); err != nil {
		return fmt.Errorf("persist store document: %w", err)
	}
	return nil
}

// loadLocked reads the live document, initializing it on first run and
// falling back to the newest parsable rotation backup on corruption.
// The second return value reports whether the live file itself parsed.
func (s *Impl) loadLocked() (*document, bool, error) {
	data, err := os.ReadFile(s.usersPath)
	if os.IsNotExist(err) {
		doc, initErr := s.initialDocument()
		if initErr != nil {
			return nil, false, initErr
		}
		if err := s.persistLocked(doc); err != nil {
			return nil, false, err
		}
		s.logger.Info().Str("path", s.usersPath).Msg("initialized new user store")
		return doc, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read store document: %w", err)
	}

	doc := &document{}
	if err := json.Unmarshal(data, doc); err == nil {
		if doc.Users == nil {
			doc.Users = make(map[string]models.UserRecord)
		}
		s.recovered.Store(false)
		return doc, true, nil
	}

	// Live document is corrupt. Try rotation backups, newest first.
	// An empty-store fallback would be silently destructive, so a
	// store with no usable backup refuses to proceed.
	s.logger.Error().Str("path", s.usersPath).Msg("live store document failed to parse, trying backups")

	backups, _ := filepath.Glob(filepath.Join(s.backupDir, "users_auto_*.json"))
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	for _, b := range backups {
		bdata, err := os.ReadFile(b)
		if err != nil {
			continue
		}
		bdoc := &document{}
		if err := json.Unmarshal(bdata, bdoc); err != nil {
			continue
		}
		if bdoc.Users == nil {
			bdoc.Users = make(map[string]models.UserRecord)
		}
		s.recovered.Store(true)
		s.logger.Warn().Str("backup", b).Msg("recovered user store from rotation backup")
		return bdoc, false, nil
	}

	return nil, false, fmt.Errorf("load store document: %w", models.ErrStoreCorrupt)
}

// initialDocument builds the first-run store document, generating the
// server-side key material once.
func (s *Impl) initialDocument() (*document, error) {
	if err := os.MkdirAll(s.configDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	wgPriv, wgPub, err := s.credsSvc.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate server wireguard keys: %w", err)
	}
	realityPriv, realityPub, err := s.credsSvc.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate reality keys: %w", err)
	}

	protocols := make(map[string]models.ProtocolSettings, len(s.defaults.Protocols))
	for name, ps := range s.defaults.Protocols {
		protocols[name] = ps
	}

	return &document{
		SchemaVersion: schemaVersion,
		Users:         make(map[string]models.UserRecord),
		Server: models.ServerSettings{
			Domain:              s.defaults.Domain,
			WireGuardPrivateKey: wgPriv,
			WireGuardPublicKey:  wgPub,
			RealityPrivateKey:   realityPriv,
			RealityPublicKey:    realityPub,
			Protocols:           protocols,
			CreatedAt:           time.Now().UTC(),
		},
	}, nil
}

// rotationBackup copies the current live file aside before a mutation
// overwrites it, keeping the newest rotationKeep copies.
func (s *Impl) rotationBackup() error {
	data, err := os.ReadFile(s.usersPath)
	if err != nil {
		return fmt.Errorf("read live document: %w", err)
	}

	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("users_auto_%s.json", time.Now().UTC().Format(timestampLayout))
	if err := WriteAtomic(filepath.Join(s.backupDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write rotation backup: %w", err)
	}

	backups, err := filepath.Glob(filepath.Join(s.backupDir, "users_auto_*.json"))
	if err != nil {
		return nil
	}
	sort.Strings(backups)
	for len(backups) > rotationKeep {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}
	return nil
}

// lock serializes store access: first the in-process slot, then the
// cross-process advisory file lock. Both waits are bounded by the
// configured lock timeout.
func (s *Impl) lock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	select {
	case s.mu <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire store lock: %w", models.ErrLockTimeout)
	}

	if err := os.MkdirAll(s.configDir, 0o700); err != nil {
		<-s.mu
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		<-s.mu
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- lockFile(f) }()

	select {
	case err := <-done:
		if err != nil {
			_ = f.Close()
			<-s.mu
			return nil, fmt.Errorf("acquire file lock: %w", err)
		}
	case <-ctx.Done():
		// If the blocked lock call is eventually granted, release it.
		go func() {
			if err := <-done; err == nil {
				_ = unlockFile(f)
			}
			_ = f.Close()
		}()
		<-s.mu
		return nil, fmt.Errorf("acquire store lock: %w", models.ErrLockTimeout)
	}

	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		<-s.mu
	}, nil
}

// nextPeerAddress allocates the lowest free host address in the
// WireGuard subnet. The server itself holds the first host address.
func nextPeerAddress(subnet string, users map[string]models.UserRecord) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("parse wireguard subnet %q: %w", subnet, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("wireguard subnet %q: only IPv4 subnets are supported", subnet)
	}

	used := make(map[string]bool, len(users))
	for _, u := range users {
		if b, ok := u.Credentials[models.ProtocolWireGuard]; ok && b.Address != "" {
			used[b.Address] = true
		}
	}

	for host := 2; host < 255; host++ {
		cand := net.IPv4(base[0], base[1], base[2], byte(host))
		if !ipnet.Contains(cand) {
			break
		}
		if !used[cand.String()] {
			return cand.String(), nil
		}
	}
	return "", fmt.Errorf("wireguard subnet %q exhausted", subnet)
}
