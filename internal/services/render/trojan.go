package render

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/stealthvpn/proxyctl/internal/models"
)

const trojanDefaultTemplate = `{
  "run_type": "server",
  "local_addr": "0.0.0.0",
  "local_port": {{PORT}},
  "remote_addr": "127.0.0.1",
  "remote_port": 8080,
  "password": {{PASSWORDS}},
  "ssl": {
    "cert": "/etc/trojan/cert.pem",
    "key": "/etc/trojan/key.pem",
    "sni": "{{DOMAIN}}",
    "alpn": ["h2", "http/1.1"]
  },
  "websocket": {
    "enabled": true,
    "path": "{{WEBSOCKET_PATH}}",
    "host": "{{DOMAIN}}"
  }
}
`

// Trojan renders the Trojan-Go server configuration.
type Trojan struct {
	templatePath string
	targetPath   string
}

// NewTrojan creates the Trojan renderer rooted at configDir.
func NewTrojan(configDir string) *Trojan {
	return &Trojan{
		templatePath: filepath.Join(configDir, "trojan.template.json"),
		targetPath:   filepath.Join(configDir, "trojan.json"),
	}
}

// Protocol returns the protocol name this renderer serves.
func (r *Trojan) Protocol() string { return models.ProtocolTrojan }

// Render expands the Trojan template with the active users' passwords
// in lexicographic username order.
func (r *Trojan) Render(settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error) {
	template, err := loadTemplate(r.templatePath, trojanDefaultTemplate)
	if err != nil {
		return nil, err
	}

	active := activeUsers(users, models.ProtocolTrojan)
	passwords := make([]string, 0, len(active))
	for _, u := range active {
		b, _ := u.Bundle(models.ProtocolTrojan)
		passwords = append(passwords, b.Password)
	}

	passwordsJSON, err := json.Marshal(passwords)
	if err != nil {
		return nil, fmt.Errorf("marshal trojan passwords: %w", err)
	}

	content, err := substitute(template, map[string]string{
		"DOMAIN":         settings.Domain,
		"PORT":           strconv.Itoa(settings.Protocols[models.ProtocolTrojan].Port),
		"PASSWORDS":      string(passwordsJSON),
		"WEBSOCKET_PATH": settings.TransportOption(models.ProtocolTrojan, "websocket_path", "/api/v1/files/sync"),
	})
	if err != nil {
		return nil, fmt.Errorf("render trojan: %w", err)
	}

	return &models.RenderedConfig{
		Protocol: models.ProtocolTrojan,
		Path:     r.targetPath,
		Content:  []byte(content),
	}, nil
}

// Validate checks the rendered document against the fields Trojan-Go
// requires. An empty password list is valid: a server with no users
// still has to start.
func (r *Trojan) Validate(content []byte) error {
	var doc struct {
		RunType   *string   `json:"run_type"`
		LocalAddr *string   `json:"local_addr"`
		LocalPort *int      `json:"local_port"`
		Password  *[]string `json:"password"`
		SSL       *struct {
			Cert *string `json:"cert"`
			Key  *string `json:"key"`
			SNI  *string `json:"sni"`
		} `json:"ssl"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("validate trojan: %w: %v", models.ErrInvalidTemplate, err)
	}

	if doc.RunType == nil || doc.LocalAddr == nil || doc.LocalPort == nil || doc.Password == nil || doc.SSL == nil {
		return fmt.Errorf("validate trojan: %w: missing required field", models.ErrSemanticConflict)
	}
	if doc.SSL.Cert == nil || doc.SSL.Key == nil || doc.SSL.SNI == nil {
		return fmt.Errorf("validate trojan: %w: ssl section missing cert, key or sni", models.ErrSemanticConflict)
	}
	return nil
}
