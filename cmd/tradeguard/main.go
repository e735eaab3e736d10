package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/tradeguard/internal/config"
)

const (
	appName = "tradeguard"
	version = "v0.4.0"
)

var (
	configPath string
	loaded     *config.Config
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Resilience layer for multi-venue trading",
		Version: version,
		Long: `tradeguard keeps a multi-venue trading client inside venue limits and out of
trouble: adaptive rate limiting, a priority budget, per-venue and global circuit
breakers, cross-process trade locks, fill confirmation, balance reconciliation,
restriction-aware venue routing and an optional conversion ladder.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to tradeguard.yaml")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLocksCmd())
	rootCmd.AddCommand(newRouterCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig layers the YAML file, TRADEGUARD_* variables and explicitly set
// flags, in that order. The result is cached for the command's lifetime.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	loaded = cfg
	return cfg, nil
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if isTerminal(os.Stderr) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
