package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload <protocol>",
	Short: "Re-render one protocol's config and reload its engine",
	Long: `Re-render a single protocol's server configuration from the current
user records and run its reload sequence: validate, signal the engine,
and wait for it to report healthy. On a failed health check the new
config file stays in place; rollback is an explicit restore operation.`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

func runReload(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := buildOperator(cfg).ReloadService(ctx, args[0])
	if err != nil {
		log.Error().Err(err).Str("protocol", args[0]).Msg("reload failed")
		return err
	}

	if result.Error != nil {
		fmt.Printf("Reload of %s finished in state %s: %v\n", result.Protocol, result.State, result.Error)
		return result.Error
	}

	fmt.Printf("Reload of %s confirmed %s in %s\n", result.Protocol, result.State, result.Duration.Round(time.Millisecond))
	return nil
}
