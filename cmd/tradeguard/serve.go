package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/tradeguard/internal/app"
	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/venue"
	"github.com/sawpanic/tradeguard/internal/venue/paper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the heartbeat loop and status server",
		Long: `Builds every resilience component from configuration, then runs the state
heartbeat (reconciliation and optional ladder step) on the pulse interval and
serves /health, /status, /metrics and the /events websocket until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	core, err := app.New(ctx, *cfg, app.Options{Registry: registry})
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Warn().Err(err).Msg("Shutdown left resources open")
		}
	}()

	srv := core.Server()
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr()).Msg("Status server listening")
		serverErr <- srv.Start()
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = core.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Status server failed")
		}
		stop()
	}
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil && !errors.Is(shutErr, context.Canceled) {
		log.Warn().Err(shutErr).Msg("Status server shutdown")
	}
	log.Info().Msg("Stopped")
	return err
}

// buildRegistry registers the venues this binary knows how to construct.
// Exchange adapters are supplied by embedding programs through app.Options.
func buildRegistry(cfg *config.Config) (*venue.Registry, error) {
	registry := venue.NewRegistry()
	if !cfg.Paper.Enabled {
		log.Warn().Msg("No venue adapters registered; run with --paper for an in-memory venue")
		return registry, nil
	}
	p := paper.New(paper.Config{
		Name:      cfg.Paper.Name,
		DryRun:    cfg.Paper.DryRun,
		Balances:  cfg.Paper.Balances,
		Prices:    cfg.Paper.Prices,
		Change24h: cfg.Paper.Change24h,
	})
	if err := registry.Register(p); err != nil {
		return nil, err
	}
	log.Info().Str("venue", p.Name()).Bool("dry_run", p.DryRun()).Msg("Paper venue registered")
	return registry, nil
}
