// Package tracker implements per-person presence detection: a poll task
// that pings the device, classifies its ARP entry and records confirmed
// transitions.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/eventbus"
	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/probe"
)

// MinCheckInterval is the shortest interval a tracker polls with.
// Trackers configured below it stay inert.
const MinCheckInterval = 10 * time.Second

// LossKeyPrefix prefixes the key holding the last connection loss time.
const LossKeyPrefix = "lastConnectionLoss_"

// LossKey returns the store key for a target's last connection loss.
func LossKey(target string) string {
	return LossKeyPrefix + target
}

// State is the presence of a device.
type State int

const (
	Present State = iota
	Absent
)

// String returns "present" or "absent".
func (s State) String() string {
	if s == Absent {
		return "absent"
	}
	return "present"
}

func stateOf(present bool) State {
	if present {
		return Present
	}
	return Absent
}

// Device is the static configuration of one tracked device.
type Device struct {
	Name          string
	Target        string
	MAC           string
	CheckInterval time.Duration
	Threshold     int
	// Confirm requires Threshold consecutive identical readings before a
	// transition is accepted.
	Confirm bool
}

// Prober is the network side of a poll cycle.
type Prober interface {
	Probe(ctx context.Context, target string) (bool, error)
	Lookup(ctx context.Context, mac string) (probe.Entry, bool, error)
}

// Notifier receives transition and identify events.
type Notifier interface {
	Publish(eventbus.Event)
}

// Recorder counts poll activity. Implemented by the metrics package.
type Recorder interface {
	ProbeSent(person string)
	LookupFailed(person string)
	StateChanged(person string, present bool)
}

// Deps is the capability bundle a tracker runs against.
type Deps struct {
	Prober   Prober
	Store    kv.Bucket
	History  history.Log
	Notifier Notifier // optional
	Recorder Recorder // optional
	Clock    func() time.Time
	// After waits between cycles; defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// Snapshot is a point-in-time view of a tracker.
type Snapshot struct {
	Name        string    `json:"name"`
	Target      string    `json:"target"`
	MAC         string    `json:"mac"`
	Present     bool      `json:"present"`
	Transitions int       `json:"transitions"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	Polling     bool      `json:"polling"`
}

// Tracker owns one device's presence state.
type Tracker struct {
	dev    Device
	deps   Deps
	logger zerolog.Logger

	// pollMu serializes poll cycles; only a cycle mutates state
	pollMu       sync.Mutex
	pending      bool
	pendingCount int

	mu          sync.RWMutex
	present     bool
	transitions int
	lastChecked time.Time
}

// New creates a tracker. The device starts out present.
func New(dev Device, deps Deps) (*Tracker, error) {
	switch {
	case dev.Name == "":
		return nil, errors.New("device name is required")
	case dev.Target == "":
		return nil, fmt.Errorf("device %q: target is required", dev.Name)
	case dev.MAC == "":
		return nil, fmt.Errorf("device %q: macAddress is required", dev.Name)
	case deps.Prober == nil || deps.Store == nil || deps.History == nil:
		return nil, fmt.Errorf("device %q: prober, store and history are required", dev.Name)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.After == nil {
		deps.After = time.After
	}
	dev.MAC = probe.NormalizeMAC(dev.MAC)

	return &Tracker{
		dev:     dev,
		deps:    deps,
		present: true,
		logger: log.With().
			Str("person", dev.Name).
			Str("target", dev.Target).
			Logger(),
	}, nil
}

// Device returns the tracker's configuration.
func (t *Tracker) Device() Device {
	return t.dev
}

// Polls reports whether the configured interval allows polling.
func (t *Tracker) Polls() bool {
	return t.dev.CheckInterval >= MinCheckInterval
}

// Run polls until ctx is cancelled. The first cycle runs immediately,
// each following one CheckInterval after the previous cycle finished.
// With an interval below MinCheckInterval Run returns at once.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.Polls() {
		t.logger.Warn().
			Dur("check_interval", t.dev.CheckInterval).
			Dur("minimum", MinCheckInterval).
			Msg("Check interval below minimum, presence polling disabled")
		return nil
	}

	t.logger.Info().Dur("check_interval", t.dev.CheckInterval).Msg("Presence tracking started")

	for ctx.Err() == nil {
		if err := t.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error().Err(err).Msg("Presence poll failed")
		}

		select {
		case <-ctx.Done():
			t.logger.Debug().Msg("Presence tracking stopped")
			return nil
		case <-t.deps.After(t.dev.CheckInterval):
		}
	}
	return nil
}

// Poll runs one cycle: ping, ARP lookup, classification and, on a
// confirmed change, persistence and notification. A device missing
// from the ARP table leaves the state untouched.
func (t *Tracker) Poll(ctx context.Context) error {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	if reachable, err := t.deps.Prober.Probe(ctx, t.dev.Target); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Debug().Err(err).Msg("Ping failed")
	} else {
		t.logger.Trace().Bool("reply", reachable).Msg("Ping sent")
	}
	if t.deps.Recorder != nil {
		t.deps.Recorder.ProbeSent(t.dev.Name)
	}

	entry, found, err := t.deps.Prober.Lookup(ctx, t.dev.MAC)
	if err != nil {
		if t.deps.Recorder != nil {
			t.deps.Recorder.LookupFailed(t.dev.Name)
		}
		t.pendingCount = 0
		return fmt.Errorf("arp lookup: %w", err)
	}

	t.mu.Lock()
	t.lastChecked = t.deps.Clock()
	t.mu.Unlock()

	if !found {
		t.logger.Debug().Str("mac", t.dev.MAC).Msg("No ARP entry for device")
		// a cycle without a reading breaks a pending confirmation streak
		t.pendingCount = 0
		return nil
	}

	return t.observe(ctx, entry.Reachable())
}

// observe applies one classified reading.
func (t *Tracker) observe(ctx context.Context, present bool) error {
	t.mu.RLock()
	current := t.present
	t.mu.RUnlock()

	if present == current {
		t.pendingCount = 0
		return nil
	}

	if t.dev.Confirm && t.dev.Threshold > 1 {
		if t.pendingCount == 0 || t.pending != present {
			t.pending = present
			t.pendingCount = 0
		}
		t.pendingCount++
		if t.pendingCount < t.dev.Threshold {
			t.logger.Debug().
				Str("candidate", stateOf(present).String()).
				Int("readings", t.pendingCount).
				Int("threshold", t.dev.Threshold).
				Msg("Presence change pending confirmation")
			return nil
		}
	}
	t.pendingCount = 0

	return t.setState(ctx, present)
}

// setState records a transition. State is committed only after the
// loss time and history entry are stored, so a storage failure leaves
// the tracker where it was and the change is retried next cycle.
func (t *Tracker) setState(ctx context.Context, present bool) error {
	now := t.deps.Clock()

	if !present {
		if err := t.deps.Store.Store(LossKey(t.dev.Target), now.UnixMilli()); err != nil {
			return fmt.Errorf("persist connection loss: %w", err)
		}
	}

	entry := history.Entry{Time: now.Unix(), Status: history.StatusFor(present)}
	if err := t.deps.History.Append(ctx, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	t.mu.Lock()
	t.present = present
	t.transitions++
	transitions := t.transitions
	t.mu.Unlock()

	if t.deps.Recorder != nil {
		t.deps.Recorder.StateChanged(t.dev.Name, present)
	}
	if t.deps.Notifier != nil {
		t.deps.Notifier.Publish(eventbus.Event{
			Type:     eventbus.EventTypePresenceChanged,
			Presence: t.presence(present, transitions, now),
		})
	}

	t.logger.Info().
		Str("state", stateOf(present).String()).
		Int("transitions", transitions).
		Msg("Changed contact sensor state")

	return nil
}

func (t *Tracker) presence(present bool, transitions int, at time.Time) eventbus.Presence {
	return eventbus.Presence{
		Name:        t.dev.Name,
		Target:      t.dev.Target,
		MAC:         t.dev.MAC,
		Present:     present,
		Transitions: transitions,
		Time:        at,
	}
}

// State returns the last known state without touching the network.
func (t *Tracker) State() State {
	return stateOf(t.IsPresent())
}

// IsPresent returns true while the device is considered present.
func (t *Tracker) IsPresent() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.present
}

// Transitions returns the number of accepted transitions.
func (t *Tracker) Transitions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.transitions
}

// LastLoss returns the persisted time of the last connection loss.
func (t *Tracker) LastLoss() (time.Time, bool, error) {
	ms, ok, err := kv.GetInt64(t.deps.Store, LossKey(t.dev.Target))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// LastActivation returns the seconds between the history epoch and the
// last connection loss. ok is false when no loss was ever persisted or
// the history has no epoch yet.
func (t *Tracker) LastActivation(ctx context.Context) (int64, bool, error) {
	loss, ok, err := t.LastLoss()
	if err != nil {
		return 0, false, fmt.Errorf("read last connection loss: %w", err)
	}
	if !ok {
		return 0, false, nil
	}

	initial, ok, err := t.deps.History.InitialTime(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("read history epoch: %w", err)
	}
	if !ok {
		return 0, false, nil
	}

	return loss.Unix() - initial, true, nil
}

// Identify acknowledges an identify request from the host.
func (t *Tracker) Identify() {
	t.logger.Info().Msg("Identify")
	if t.deps.Notifier != nil {
		t.deps.Notifier.Publish(eventbus.Event{
			Type:     eventbus.EventTypeIdentify,
			Presence: t.presence(t.IsPresent(), t.Transitions(), t.deps.Clock()),
		})
	}
}

// History returns the tracker's transition log.
func (t *Tracker) History() history.Log {
	return t.deps.History
}

// Snapshot returns the current view of the tracker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		Name:        t.dev.Name,
		Target:      t.dev.Target,
		MAC:         t.dev.MAC,
		Present:     t.present,
		Transitions: t.transitions,
		LastChecked: t.lastChecked,
		Polling:     t.Polls(),
	}
}
