// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stealthvpn/proxyctl/internal/models"
)

// Default listening ports per protocol.
var defaultPorts = map[string]int{
	models.ProtocolXray:      443,
	models.ProtocolTrojan:    8443,
	models.ProtocolSingbox:   9443,
	models.ProtocolWireGuard: 51820,
}

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{
		DataDir: p.expandEnv(p.v.GetString("data_dir")),
		Domain:  p.expandEnv(p.v.GetString("domain")),
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}

	cfg.LockTimeout = p.v.GetDuration("lock_timeout")
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}

	cfg.BackupRetention = p.v.GetInt("backup_retention")
	if cfg.BackupRetention == 0 {
		cfg.BackupRetention = 20
	}

	cfg.Health = models.HealthSettings{
		Timeout:  p.v.GetDuration("health.timeout"),
		Interval: p.v.GetDuration("health.interval"),
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 30 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 2 * time.Second
	}

	// Parse per-protocol settings. Protocols are enabled by default;
	// disabling one is an explicit choice in the config file.
	cfg.Protocols = make(map[string]models.ProtocolSettings, len(models.Protocols()))
	for _, proto := range models.Protocols() {
		key := "protocols." + proto

		ps := models.ProtocolSettings{
			Enabled: true,
			Port:    defaultPorts[proto],
		}
		if p.v.IsSet(key + ".enabled") {
			ps.Enabled = p.v.GetBool(key + ".enabled")
		}
		if port := p.v.GetInt(key + ".port"); port != 0 {
			ps.Port = port
		}
		if ps.Port < 1 || ps.Port > 65535 {
			return nil, fmt.Errorf("protocols.%s.port must be between 1 and 65535", proto)
		}
		if p.v.IsSet(key + ".transport") {
			ps.Transport = p.v.GetStringMapString(key + ".transport")
		}

		cfg.Protocols[proto] = ps
	}

	// Container names default to proxyctl-<protocol>.
	cfg.Containers = make(map[string]string, len(models.Protocols()))
	for _, proto := range models.Protocols() {
		name := p.v.GetString("containers." + proto)
		if name == "" {
			name = "proxyctl-" + proto
		}
		cfg.Containers[proto] = name
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if cfg.Domain == "" {
		return fmt.Errorf("domain is required")
	}

	enabled := 0
	for _, ps := range cfg.Protocols {
		if ps.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one protocol must be enabled")
	}

	return nil
}
