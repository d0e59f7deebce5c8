package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/accessory"
	"github.com/dokzlo13/presenced/internal/bridge"
	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/db"
	"github.com/dokzlo13/presenced/internal/eventbus"
	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/hooks"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/metrics"
	"github.com/dokzlo13/presenced/internal/probe"
	"github.com/dokzlo13/presenced/internal/registry"
)

// PresenceBucket holds the last connection loss timestamps.
const PresenceBucket = "presence"

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure (DB is nil in in-memory mode)
	DB      *db.DB
	KV      *kv.Manager
	History history.Store
	Metrics *metrics.Metrics
	Bus     *eventbus.Bus
	Prober  *probe.Client

	// Presence
	Registry    *registry.Registry
	Accessories []*accessory.Accessory

	// Optional surfaces (nil when disabled)
	Bridge *bridge.Publisher
	Hooks  *hooks.Runtime

	Health    *HealthService
	Retention *RetentionService

	bridgeDone chan struct{}
	closeOnce  sync.Once
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Database.InMemory {
		log.Warn().Msg("Database is in-memory, presence history will not survive a restart")
		s.KV = kv.NewManager(nil)
		s.History = history.NewMemoryStore(cfg.History.MaxEntries)
	} else {
		database, err := db.Open(cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.KV = kv.NewManager(database.DB)
		s.History = history.NewSQLiteStore(database.DB, cfg.History.MaxEntries)
		log.Info().Str("path", cfg.DatabasePath()).Msg("Database opened")
	}

	m, err := metrics.New()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.Metrics = m

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Prober = probe.NewSystemClient(
		probe.NewPinger(cfg.Probe.Timeout.Duration(), cfg.Probe.Privileged),
		probe.NewTable(cfg.Probe.ARPTable),
		cfg.Probe.RateLimit,
	)

	s.Registry, err = registry.New(cfg, registry.Capabilities{
		Prober:   s.Prober,
		Store:    s.KV.Bucket(PresenceBucket),
		History:  s.History,
		Notifier: s.Bus,
		Recorder: s.Metrics,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	for _, t := range s.Registry.Trackers() {
		s.Metrics.Track(t.Device().Name, t.IsPresent())
	}
	s.Accessories = accessory.FromTrackers(s.Registry.Trackers())

	if cfg.MQTT.Enabled {
		instanceID, err := bridge.LoadOrCreateInstanceID(cfg.CacheDirectory)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Bridge = bridge.New(cfg.MQTT, instanceID, s.Accessories)
	}

	if cfg.Hooks.IsEnabled() {
		s.Hooks = hooks.NewRuntime(s.KV, s.Registry, cfg.EventBus.GetQueueSize())
	}

	s.Health = NewHealthService(cfg, s.Accessories, s.Metrics)
	s.Retention = NewRetentionService(cfg, s.History)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Load the hook script before any event can reach it
	if s.Hooks != nil {
		if err := s.Hooks.LoadScript(s.cfg.Hooks.Script); err != nil {
			return err
		}
		s.Bus.Subscribe(eventbus.EventTypePresenceChanged, s.Hooks.HandleEvent)
		s.Bus.Subscribe(eventbus.EventTypeIdentify, s.Hooks.HandleEvent)
		go s.Hooks.Run(ctx)
	}

	s.Bus.Subscribe(eventbus.EventTypeIdentify, func(e eventbus.Event) {
		log.Info().Str("person", e.Presence.Name).Msg("Identify requested")
	})

	if s.Bridge != nil {
		s.Bus.Subscribe(eventbus.EventTypePresenceChanged, s.Bridge.HandleEvent)
		s.bridgeDone = make(chan struct{})
		go func() {
			defer close(s.bridgeDone)
			if err := s.Bridge.Start(ctx); err != nil {
				log.Error().Err(err).Msg("MQTT bridge failed")
			}
		}()
	}

	s.Registry.Start(ctx)
	s.Retention.Start(ctx)
	s.Health.Start(ctx)
	s.Health.SetReady(true)

	return nil
}

// ClearState forgets every stored loss timestamp and history entry.
func (s *Services) ClearState(ctx context.Context) error {
	if _, err := s.KV.Delete(PresenceBucket); err != nil {
		return err
	}
	return s.History.Clear(ctx)
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Health.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	// Trackers first so no new transitions are published
	err := s.Registry.Stop()

	s.Bus.Close(ctx)

	if s.Bridge != nil {
		if stopErr := s.Bridge.Stop(ctx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("MQTT bridge disconnect error")
		}
		if s.bridgeDone != nil {
			select {
			case <-s.bridgeDone:
			case <-ctx.Done():
			}
		}
	}

	if s.Hooks != nil {
		if closeErr := s.Hooks.Close(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Lua runtime close timed out")
		}
	}

	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	s.closeOnce.Do(func() {
		if s.DB != nil {
			if err := s.DB.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}
	})
}
