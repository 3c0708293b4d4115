package main

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show container health and reload states",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	status, err := buildOperator(cfg).GetStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("status failed")
		return err
	}

	fmt.Printf("Users: %d\n", status.Users)
	if status.StoreRecovered {
		fmt.Println("WARNING: user store was recovered from a rotation backup")
	}
	fmt.Println()

	protos := make([]string, 0, len(status.Health))
	for proto := range status.Health {
		protos = append(protos, proto)
	}
	sort.Strings(protos)

	fmt.Printf("%-12s %-10s %s\n", "PROTOCOL", "HEALTH", "RELOAD STATE")
	for _, proto := range protos {
		fmt.Printf("%-12s %-10s %s\n", proto, status.Health[proto], status.ReloadStates[proto])
	}
	return nil
}
