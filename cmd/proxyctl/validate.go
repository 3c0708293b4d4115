package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stealthvpn/proxyctl/internal/config"
	"github.com/stealthvpn/proxyctl/internal/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without touching the user store or any container.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Domain: %s\n", cfg.Domain)
	fmt.Printf("  Data directory: %s\n", cfg.DataDir)
	fmt.Printf("  Lock timeout: %s\n", cfg.LockTimeout)
	fmt.Printf("  Backup retention: %d\n", cfg.BackupRetention)
	fmt.Println()
	fmt.Println("Health Probe:")
	fmt.Printf("  Timeout: %s\n", cfg.Health.Timeout)
	fmt.Printf("  Interval: %s\n", cfg.Health.Interval)
	fmt.Println()
	fmt.Println("Protocols:")
	for _, proto := range models.Protocols() {
		ps, ok := cfg.Protocols[proto]
		if !ok {
			continue
		}
		state := "disabled"
		if ps.Enabled {
			state = fmt.Sprintf("port %d", ps.Port)
		}
		fmt.Printf("  %-10s %s (container: %s)\n", proto, state, cfg.Containers[proto])
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
