package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs <protocol>",
	Short: "Show the tail of a protocol engine's container logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of log lines to show")
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	output, err := buildOperator(cfg).ServiceLogs(ctx, args[0], logsTail)
	if err != nil {
		log.Error().Err(err).Str("protocol", args[0]).Msg("reading logs failed")
		return err
	}

	fmt.Print(output)
	return nil
}
