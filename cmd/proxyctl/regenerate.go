package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Regenerate all protocol configs and reload the engines",
	Long: `Re-render every enabled protocol's server configuration from the
current user records and settings, regenerate client artifacts, and
reload each engine whose config rendered successfully. A failure in one
protocol never blocks the others.`,
	RunE: runRegenerate,
}

func runRegenerate(cmd *cobra.Command, args []string) error {
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

	sync, err := buildOperator(cfg).RegenerateAllConfigs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("regenerate failed")
		return err
	}

	printSync(sync)
	if !sync.OK() {
		return fmt.Errorf("one or more protocols failed to regenerate")
	}

	fmt.Println("All configs regenerated")
	return nil
}
