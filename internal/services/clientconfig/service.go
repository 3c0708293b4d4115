// Package clientconfig produces the per-user client-side artifacts:
// a WireGuard client config, share links, and a credentials bundle.
package clientconfig

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/store"
)

// Service defines the interface for client config generation.
type Service interface {
	Generate(settings *models.ServerSettings, user *models.UserRecord) error
	GenerateAll(settings *models.ServerSettings, users []models.UserRecord) error
	Remove(username string) error
	Dir(username string) string
}

// Impl implements the clientconfig Service interface.
type Impl struct {
	clientsDir string
	logger     zerolog.Logger
}

// New creates a client config service rooted at configDir.
func New(logger zerolog.Logger, configDir string) *Impl {
	return &Impl{
		clientsDir: filepath.Join(configDir, "clients"),
		logger:     logger,
	}
}

// Dir returns the directory holding one user's client artifacts.
func (s *Impl) Dir(username string) string {
	return filepath.Join(s.clientsDir, username)
}

// Generate writes all client artifacts for one user.
func (s *Impl) Generate(settings *models.ServerSettings, user *models.UserRecord) error {
	dir := s.Dir(user.Username)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create client dir: %w", err)
	}

	if b, ok := user.Bundle(models.ProtocolWireGuard); ok && settings.EnabledProtocol(models.ProtocolWireGuard) {
		conf := s.wireguardConf(settings, b)
		if err := store.WriteAtomic(filepath.Join(dir, "wg0.conf"), []byte(conf), 0o600); err != nil {
			return fmt.Errorf("write wireguard client config: %w", err)
		}
	}

	links := s.shareLinks(settings, user)
	if len(links) > 0 {
		if err := store.WriteAtomic(filepath.Join(dir, "links.txt"), []byte(strings.Join(links, "\n")+"\n"), 0o600); err != nil {
			return fmt.Errorf("write share links: %w", err)
		}
	}

	if b, ok := user.Bundle(models.ProtocolSingbox); ok && settings.EnabledProtocol(models.ProtocolSingbox) {
		data, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal singbox credentials: %w", err)
		}
		if err := store.WriteAtomic(filepath.Join(dir, "singbox.json"), append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("write singbox credentials: %w", err)
		}
	}

	s.logger.Debug().Str("username", user.Username).Str("dir", dir).Msg("client configs generated")
	return nil
}

// GenerateAll regenerates client artifacts for every user.
func (s *Impl) GenerateAll(settings *models.ServerSettings, users []models.UserRecord) error {
	for i := range users {
		if err := s.Generate(settings, &users[i]); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a user's client artifact directory.
func (s *Impl) Remove(username string) error {
	if err := os.RemoveAll(s.Dir(username)); err != nil {
		return fmt.Errorf("remove client dir: %w", err)
	}
	return nil
}

func (s *Impl) wireguardConf(settings *models.ServerSettings, b models.CredentialBundle) string {
	subnet := settings.TransportOption(models.ProtocolWireGuard, "subnet", "10.8.0.0/24")
	maskBits := "24"
	if idx := strings.LastIndex(subnet, "/"); idx >= 0 {
		maskBits = subnet[idx+1:]
	}
	port := settings.Protocols[models.ProtocolWireGuard].Port

	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	fmt.Fprintf(&sb, "PrivateKey = %s\n", b.PrivateKey)
	fmt.Fprintf(&sb, "Address = %s/%s\n", b.Address, maskBits)
	sb.WriteString("DNS = 1.1.1.1, 8.8.8.8\n\n")
	sb.WriteString("[Peer]\n")
	fmt.Fprintf(&sb, "PublicKey = %s\n", settings.WireGuardPublicKey)
	fmt.Fprintf(&sb, "Endpoint = %s:%d\n", settings.Domain, port)
	sb.WriteString("AllowedIPs = 0.0.0.0/0\n")
	sb.WriteString("PersistentKeepalive = 25\n")
	return sb.String()
}

func (s *Impl) shareLinks(settings *models.ServerSettings, user *models.UserRecord) []string {
	var links []string
	tag := url.PathEscape(user.Username)

	if b, ok := user.Bundle(models.ProtocolXray); ok && settings.EnabledProtocol(models.ProtocolXray) {
		port := settings.Protocols[models.ProtocolXray].Port
		q := url.Values{}
		q.Set("security", "tls")
		q.Set("flow", "xtls-rprx-vision")
		q.Set("sni", settings.Domain)
		links = append(links, fmt.Sprintf("vless://%s@%s:%d?%s#%s", b.UUID, settings.Domain, port, q.Encode(), tag))
	}

	if b, ok := user.Bundle(models.ProtocolTrojan); ok && settings.EnabledProtocol(models.ProtocolTrojan) {
		port := settings.Protocols[models.ProtocolTrojan].Port
		q := url.Values{}
		q.Set("sni", settings.Domain)
		links = append(links, fmt.Sprintf("trojan://%s@%s:%d?%s#%s", url.QueryEscape(b.Password), settings.Domain, port, q.Encode(), tag))
	}

	if b, ok := user.Bundle(models.ProtocolSingbox); ok && settings.EnabledProtocol(models.ProtocolSingbox) && b.Hysteria2Password != "" {
		port := settings.Protocols[models.ProtocolSingbox].Port
		hport, err := strconv.Atoi(settings.TransportOption(models.ProtocolSingbox, "hysteria2_port", strconv.Itoa(port+1)))
		if err == nil {
			q := url.Values{}
			q.Set("sni", settings.Domain)
			links = append(links, fmt.Sprintf("hysteria2://%s@%s:%d?%s#%s", url.QueryEscape(b.Hysteria2Password), settings.Domain, hport, q.Encode(), tag))
		}
	}

	return links
}
