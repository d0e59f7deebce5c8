// Package app wires the presence daemon together and runs it.
package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/config"
)

// Options tune a single daemon run.
type Options struct {
	// ResetState forgets loss timestamps and history before tracking starts.
	ResetState bool
}

// App owns the daemon's services for one run.
type App struct {
	cfg      *config.Config
	services *Services
}

// New opens storage and builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Run tracks presence until ctx is cancelled, then shuts every service
// down within the configured shutdown timeout.
func (a *App) Run(ctx context.Context, opts Options) error {
	if opts.ResetState {
		log.Info().Msg("Clearing stored presence state")
		if err := a.services.ClearState(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to clear presence state")
		}
	}

	if err := a.services.Start(ctx); err != nil {
		a.services.Close()
		return fmt.Errorf("start services: %w", err)
	}

	log.Info().
		Int("people", len(a.services.Accessories)).
		Bool("persistent", a.services.DB != nil).
		Bool("mqtt", a.services.Bridge != nil).
		Bool("hooks", a.services.Hooks != nil).
		Msg("presenced started")

	<-ctx.Done()

	log.Info().Dur("timeout", a.cfg.GetShutdownTimeout()).Msg("Shutting down")
	if err := a.services.Stop(); err != nil {
		return fmt.Errorf("stop services: %w", err)
	}
	log.Info().Msg("presenced stopped")
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
