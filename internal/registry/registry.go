// Package registry builds one presence tracker per configured person and
// runs them as a group.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/tracker"
)

// Capabilities are shared by every tracker the registry creates.
type Capabilities struct {
	Prober   tracker.Prober
	Store    kv.Bucket
	History  history.Store
	Notifier tracker.Notifier
	Recorder tracker.Recorder
	Clock    func() time.Time
}

// Registry owns the trackers.
type Registry struct {
	trackers []*tracker.Tracker
	byName   map[string]*tracker.Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a tracker for every person in cfg, filling omitted
// threshold and interval from the platform values. The first person
// that fails to construct aborts the whole registry.
func New(cfg *config.Config, caps Capabilities) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*tracker.Tracker, len(cfg.People)),
	}

	for _, p := range cfg.People {
		p = cfg.Person(p)

		t, err := tracker.New(tracker.Device{
			Name:          p.Name,
			Target:        p.Target,
			MAC:           p.MACAddress,
			CheckInterval: p.CheckInterval.Duration(),
			Threshold:     p.Threshold,
			Confirm:       cfg.ConfirmTransitions,
		}, tracker.Deps{
			Prober:   caps.Prober,
			Store:    caps.Store,
			History:  caps.History.Log(p.Name),
			Notifier: caps.Notifier,
			Recorder: caps.Recorder,
			Clock:    caps.Clock,
		})
		if err != nil {
			return nil, err
		}

		if _, dup := r.byName[p.Name]; dup {
			log.Warn().Str("person", p.Name).Msg("Duplicate person name, history will be shared")
		}
		r.byName[p.Name] = t
		r.trackers = append(r.trackers, t)
	}

	log.Info().Int("people", len(r.trackers)).Msg("Presence trackers created")
	return r, nil
}

// Trackers returns all trackers in configuration order.
func (r *Registry) Trackers() []*tracker.Tracker {
	return r.trackers
}

// Get returns the tracker for a person name.
func (r *Registry) Get(name string) (*tracker.Tracker, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Start launches every tracker's poll task. Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.group != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)

	for _, t := range r.trackers {
		t := t
		r.group.Go(func() error {
			return t.Run(ctx)
		})
	}
}

// Stop cancels every poll task and waits for all of them to return.
func (r *Registry) Stop() error {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	return group.Wait()
}
