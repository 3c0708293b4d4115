package render

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/stealthvpn/proxyctl/internal/models"
)

const xrayDefaultTemplate = `{
  "log": {
    "loglevel": "warning"
  },
  "inbounds": [
    {
      "tag": "vless-xtls",
      "listen": "0.0.0.0",
      "port": {{PORT}},
      "protocol": "vless",
      "settings": {
        "clients": {{VLESS_XTLS_CLIENTS}},
        "decryption": "none",
        "fallbacks": [
          {
            "dest": 8080
          }
        ]
      },
      "streamSettings": {
        "network": "tcp",
        "security": "tls",
        "tlsSettings": {
          "serverName": "{{DOMAIN}}",
          "alpn": ["h2", "http/1.1"]
        }
      }
    },
    {
      "tag": "vless-ws",
      "listen": "127.0.0.1",
      "port": 10000,
      "protocol": "vless",
      "settings": {
        "clients": {{VLESS_WS_CLIENTS}},
        "decryption": "none"
      },
      "streamSettings": {
        "network": "ws",
        "wsSettings": {
          "path": "{{WEBSOCKET_PATH}}"
        }
      }
    }
  ],
  "outbounds": [
    {
      "tag": "direct",
      "protocol": "freedom"
    },
    {
      "tag": "blocked",
      "protocol": "blackhole"
    }
  ]
}
`

// Xray renders the Xray (VLESS) server configuration.
type Xray struct {
	templatePath string
	targetPath   string
}

// NewXray creates the Xray renderer rooted at configDir.
func NewXray(configDir string) *Xray {
	return &Xray{
		templatePath: filepath.Join(configDir, "xray.template.json"),
		targetPath:   filepath.Join(configDir, "xray.json"),
	}
}

// Protocol returns the protocol name this renderer serves.
func (r *Xray) Protocol() string { return models.ProtocolXray }

type xrayClient struct {
	ID    string `json:"id"`
	Flow  string `json:"flow,omitempty"`
	Email string `json:"email"`
}

// Render expands the Xray template with the current settings and the
// active users carrying Xray credentials.
func (r *Xray) Render(settings *models.ServerSettings, users []models.UserRecord) (*models.RenderedConfig, error) {
	template, err := loadTemplate(r.templatePath, xrayDefaultTemplate)
	if err != nil {
		return nil, err
	}

	active := activeUsers(users, models.ProtocolXray)
	xtlsClients := make([]xrayClient, 0, len(active))
	wsClients := make([]xrayClient, 0, len(active))
	for _, u := range active {
		b, _ := u.Bundle(models.ProtocolXray)
		email := u.Username + "@" + settings.Domain
		xtlsClients = append(xtlsClients, xrayClient{ID: b.UUID, Flow: "xtls-rprx-vision", Email: email})
		wsClients = append(wsClients, xrayClient{ID: b.UUID, Email: email})
	}

	xtlsJSON, err := json.Marshal(xtlsClients)
	if err != nil {
		return nil, fmt.Errorf("marshal xray clients: %w", err)
	}
	wsJSON, err := json.Marshal(wsClients)
	if err != nil {
		return nil, fmt.Errorf("marshal xray clients: %w", err)
	}

	content, err := substitute(template, map[string]string{
		"DOMAIN":             settings.Domain,
		"PORT":               strconv.Itoa(settings.Protocols[models.ProtocolXray].Port),
		"WEBSOCKET_PATH":     settings.TransportOption(models.ProtocolXray, "websocket_path", "/cdn/assets/js/analytics.min.js"),
		"VLESS_XTLS_CLIENTS": string(xtlsJSON),
		"VLESS_WS_CLIENTS":   string(wsJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("render xray: %w", err)
	}

	return &models.RenderedConfig{
		Protocol: models.ProtocolXray,
		Path:     r.targetPath,
		Content:  []byte(content),
	}, nil
}

// Validate checks the rendered document is well-formed JSON and carries
// the inbound/outbound structure Xray requires.
func (r *Xray) Validate(content []byte) error {
	var doc struct {
		Inbounds []struct {
			Protocol string `json:"protocol"`
			Port     int    `json:"port"`
		} `json:"inbounds"`
		Outbounds []json.RawMessage `json:"outbounds"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("validate xray: %w: %v", models.ErrInvalidTemplate, err)
	}

	if len(doc.Inbounds) == 0 {
		return fmt.Errorf("validate xray: %w: no inbounds", models.ErrSemanticConflict)
	}
	for i, in := range doc.Inbounds {
		if in.Protocol == "" || in.Port == 0 {
			return fmt.Errorf("validate xray: %w: inbound %d missing protocol or port", models.ErrSemanticConflict, i)
		}
	}
	if len(doc.Outbounds) == 0 {
		return fmt.Errorf("validate xray: %w: no outbounds", models.ErrSemanticConflict)
	}
	return nil
}
