package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/accessory"
	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/metrics"
	"github.com/dokzlo13/presenced/internal/tracker"
)

// HealthService provides HTTP health, status and metrics endpoints.
type HealthService struct {
	cfg         *config.Config
	accessories []*accessory.Accessory
	metrics     *metrics.Metrics
	ready       atomic.Bool
	server      *http.Server
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, accessories []*accessory.Accessory, m *metrics.Metrics) *HealthService {
	return &HealthService{
		cfg:         cfg,
		accessories: accessories,
		metrics:     m,
	}
}

// SetReady flips the /ready answer.
func (s *HealthService) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

// personStatus is one row of /people.
type personStatus struct {
	tracker.Snapshot
	LastActivation *uint32 `json:"last_activation,omitempty"`
}

// Handler returns the HTTP routes.
func (s *HealthService) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/people", func(w http.ResponseWriter, r *http.Request) {
		people := make([]personStatus, 0, len(s.accessories))
		for _, a := range s.accessories {
			row := personStatus{Snapshot: a.Tracker().Snapshot()}
			secs, ok, err := a.LastActivation(r.Context())
			if err != nil {
				log.Warn().Err(err).Str("person", a.Name()).Msg("Failed to read last activation")
			} else if ok {
				row.LastActivation = &secs
			}
			people = append(people, row)
		}
		writeJSON(w, http.StatusOK, people)
	})

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return mux
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.GetHost(), s.cfg.Healthcheck.GetPort())

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
