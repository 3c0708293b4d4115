package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stealthvpn/proxyctl/internal/config"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stealthvpn/proxyctl/internal/services/backup"
	"github.com/stealthvpn/proxyctl/internal/services/clientconfig"
	"github.com/stealthvpn/proxyctl/internal/services/credentials"
	"github.com/stealthvpn/proxyctl/internal/services/dockerctl"
	"github.com/stealthvpn/proxyctl/internal/services/notify"
	"github.com/stealthvpn/proxyctl/internal/services/operator"
	"github.com/stealthvpn/proxyctl/internal/services/reload"
	"github.com/stealthvpn/proxyctl/internal/services/render"
	"github.com/stealthvpn/proxyctl/internal/services/store"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "proxyctl",
	Short: "Credential and configuration manager for multi-protocol proxy servers",
	Long: `proxyctl provisions per-user credentials and server configuration for
several proxy protocol engines (Xray, Trojan, Sing-box, WireGuard) and
coordinates graceful reloads of the running engines:
  - User lifecycle with per-protocol credential bundles
  - Atomic, backup-protected JSON record storage
  - Template-based config rendering with validation
  - Versioned full-state backups and safe restore
  - Reload coordination with health confirmation`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig loads and validates the application config file.
func loadConfig() (*models.AppConfig, error) {
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	return cfg, nil
}

// buildOperator wires the full service graph.
func buildOperator(cfg *models.AppConfig) operator.Service {
	credsSvc := credentials.New(log.Logger)
	storeSvc := store.New(log.Logger, credsSvc, cfg)
	renderSvc := render.New(log.Logger, storeSvc.ConfigDir())
	clientSvc := clientconfig.New(log.Logger, storeSvc.ConfigDir())
	backupSvc := backup.New(log.Logger, cfg)
	dockerSvc := dockerctl.New(log.Logger, cfg.Containers)
	reloadSvc := reload.New(log.Logger, dockerSvc, renderSvc.Validator, cfg.Health)
	notifySvc := notify.New(log.Logger, cfg.Telegram)

	return operator.New(log.Logger, storeSvc, renderSvc, clientSvc, backupSvc, reloadSvc, dockerSvc, notifySvc)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
