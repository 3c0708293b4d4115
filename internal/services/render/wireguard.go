package render

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stealthvpn/proxyctl/internal/models"
)

const wireguardDefaultTemplate = `[Interface]
Address = {{SERVER_ADDRESS}}
ListenPort = {{LISTEN_PORT}}
PrivateKey = {{SERVER_PRIVATE_KEY}}
PostUp = iptables -A FORWARD -i wg0 -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE
PostDown = iptables -D FORWARD -i wg0 -j ACCEPT; iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE

{{PEERS}}`

// WireGuard renders the WireGuard server configuration (wg0.conf).
type WireGuard struct {
	templatePath string
	targetPath   string
}

// NewWireGuard creates the WireGuard renderer rooted at configDir.
func NewWireGuard(configDir string) *WireGuard {
	return &WireGuard{
		templatePath: filepath.Join(configDir, "wg0.template.conf"),
		targetPath:   filepath.Join(configDir, "wireguard", "wg0.conf"),
	}
}

// Protocol returns the protocol name this renderer serves.
func (r *WireGuard) Protocol() string { return models.ProtocolWireGuard }

// Render expands the WireGuard template with one peer section per
// active user, ordered lexicographically by username.
func (r *WireGuard) Render(settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error) {
	template, err := loadTemplate(r.templatePath, wireguardDefaultTemplate)
	if err != nil {
		return nil, err
	}

	subnet := settings.TransportOption(models.ProtocolWireGuard, "subnet", "10.8.0.0/24")
	serverAddr, err := serverAddress(subnet)
	if err != nil {
		return nil, fmt.Errorf("render wireguard: %w", err)
	}

	var peers strings.Builder
	for _, u := range activeUsers(users, models.ProtocolWireGuard) {
		b, _ := u.Bundle(models.ProtocolWireGuard)
		fmt.Fprintf(&peers, "# %s\n[Peer]\nPublicKey = %s\nAllowedIPs = %s/32\n\n", u.Username, b.PublicKey, b.Address)
	}

	content, err := substitute(template, map[string]string{
		"SERVER_ADDRESS":     serverAddr,
		"LISTEN_PORT":        strconv.Itoa(settings.Protocols[models.ProtocolWireGuard].Port),
		"SERVER_PRIVATE_KEY": settings.WireGuardPrivateKey,
		"PEERS":              peers.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("render wireguard: %w", err)
	}

	return &models.RenderedConfig{
		Protocol: models.ProtocolWireGuard,
		Path:     r.targetPath,
		Content:  []byte(content),
	}, nil
}

// Validate checks the INI structure: an [Interface] section with the
// keys wg-quick requires, and peer sections each carrying a public key.
func (r *WireGuard) Validate(content []byte) error {
	text := string(content)

	if !strings.Contains(text, "[Interface]") {
		return fmt.Errorf("validate wireguard: %w: missing [Interface] section", models.ErrSemanticConflict)
	}
	for _, key := range []string{"Address", "ListenPort", "PrivateKey"} {
		if !strings.Contains(text, key+" = ") {
			return fmt.Errorf("validate wireguard: %w: missing %s", models.ErrSemanticConflict, key)
		}
	}

	peerCount := strings.Count(text, "[Peer]")
	keyCount := strings.Count(text, "PublicKey = ")
	if peerCount != keyCount {
		return fmt.Errorf("validate wireguard: %w: %d peer sections but %d public keys", models.ErrSemanticConflict, peerCount, keyCount)
	}
	return nil
}

// serverAddress derives the server's own tunnel address (first host in
// the subnet) in CIDR form.
func serverAddress(subnet string) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("parse subnet %q: %w", subnet, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("subnet %q: only IPv4 subnets are supported", subnet)
	}
	ones, _ := ipnet.Mask.Size()
	return fmt.Sprintf("%s/%d", net.IPv4(base[0], base[1], base[2], base[3]+1), ones), nil
}
