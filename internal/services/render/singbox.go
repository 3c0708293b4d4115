package render

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/stealthvpn/proxyctl/internal/models"
)

const singboxDefaultTemplate = `{
  "log": {
    "level": "warn"
  },
  "inbounds": [
    {
      "type": "shadowtls",
      "tag": "shadowtls-in",
      "listen": "0.0.0.0",
      "listen_port": {{PORT}},
      "version": 3,
      "users": {{SHADOWTLS_USERS}},
      "handshake": {
        "server": "{{DOMAIN}}",
        "server_port": 443
      }
    },
    {
      "type": "hysteria2",
      "tag": "hysteria2-in",
      "listen": "0.0.0.0",
      "listen_port": {{HYSTERIA2_PORT}},
      "users": {{HYSTERIA2_USERS}},
      "tls": {
        "enabled": true,
        "server_name": "{{DOMAIN}}",
        "certificate_path": "/etc/singbox/cert.pem",
        "key_path": "/etc/singbox/key.pem"
      }
    },
    {
      "type": "tuic",
      "tag": "tuic-in",
      "listen": "0.0.0.0",
      "listen_port": {{TUIC_PORT}},
      "users": {{TUIC_USERS}},
      "congestion_control": "bbr",
      "tls": {
        "enabled": true,
        "server_name": "{{DOMAIN}}",
        "certificate_path": "/etc/singbox/cert.pem",
        "key_path": "/etc/singbox/key.pem"
      }
    }
  ],
  "outbounds": [
    {
      "type": "direct",
      "tag": "direct"
    }
  ]
}
`

// Singbox renders the Sing-box server configuration covering the
// ShadowTLS, Hysteria2 and TUIC inbounds.
type Singbox struct {
	templatePath string
	targetPath   string
}

// NewSingbox creates the Sing-box renderer rooted at configDir.
func NewSingbox(configDir string) *Singbox {
	return &Singbox{
		templatePath: filepath.Join(configDir, "singbox.template.json"),
		targetPath:   filepath.Join(configDir, "singbox.json"),
	}
}

// Protocol returns the protocol name this renderer serves.
func (r *Singbox) Protocol() string { return models.ProtocolSingbox }

type singboxUser struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password"`
}

// Render expands the Sing-box template with per-inbound user lists in
// lexicographic username order.
func (r *Singbox) Render(settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error) {
	template, err := loadTemplate(r.templatePath, singboxDefaultTemplate)
	if err != nil {
		return nil, err
	}

	active := activeUsers(users, models.ProtocolSingbox)
	shadowtls := make([]singboxUser, 0, len(active))
	hysteria2 := make([]singboxUser, 0, len(active))
	tuic := make([]singboxUser, 0, len(active))
	for _, u := range active {
		b, _ := u.Bundle(models.ProtocolSingbox)
		if b.ShadowTLSPassword != "" {
			shadowtls = append(shadowtls, singboxUser{Name: u.Username, Password: b.ShadowTLSPassword})
		}
		if b.Hysteria2Password != "" {
			hysteria2 = append(hysteria2, singboxUser{Name: u.Username, Password: b.Hysteria2Password})
		}
		if b.TUICUUID != "" && b.TUICPassword != "" {
			tuic = append(tuic, singboxUser{Name: u.Username, UUID: b.TUICUUID, Password: b.TUICPassword})
		}
	}

	vars := map[string]string{
		"DOMAIN": settings.Domain,
		"PORT":   strconv.Itoa(settings.Protocols[models.ProtocolSingbox].Port),
	}
	port := settings.Protocols[models.ProtocolSingbox].Port
	vars["HYSTERIA2_PORT"] = settings.TransportOption(models.ProtocolSingbox, "hysteria2_port", strconv.Itoa(port+1))
	vars["TUIC_PORT"] = settings.TransportOption(models.ProtocolSingbox, "tuic_port", strconv.Itoa(port+2))

	for name, list := range map[string][]singboxUser{
		"SHADOWTLS_USERS": shadowtls,
		"HYSTERIA2_USERS": hysteria2,
		"TUIC_USERS":      tuic,
	} {
		data, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("marshal singbox users: %w", err)
		}
		vars[name] = string(data)
	}

	content, err := substitute(template, vars)
	if err != nil {
		return nil, fmt.Errorf("render singbox: %w", err)
	}

	return &models.RenderedConfig{
		Protocol: models.ProtocolSingbox,
		Path:     r.targetPath,
		Content:  []byte(content),
	}, nil
}

// Validate checks well-formedness and that the inbound types Sing-box
// is deployed with are all present.
func (r *Singbox) Validate(content []byte) error {
	var doc struct {
		Inbounds []struct {
			Type string `json:"type"`
		} `json:"inbounds"`
		Outbounds []json.RawMessage `json:"outbounds"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("validate singbox: %w: %v", models.ErrInvalidTemplate, err)
	}

	if len(doc.Inbounds) == 0 {
		return fmt.Errorf("validate singbox: %w: no inbounds", models.ErrSemanticConflict)
	}

	present := make(map[string]bool, len(doc.Inbounds))
	for _, in := range doc.Inbounds {
		present[in.Type] = true
	}
	for _, required := range []string{"shadowtls", "hysteria2", "tuic"} {
		if !present[required] {
			return fmt.Errorf("validate singbox: %w: missing inbound type %s", models.ErrSemanticConflict, required)
		}
	}
	return nil
}
