// Package hooks runs an optional user Lua script on presence events.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/presenced/internal/eventbus"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/tracker"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// Global functions looked up in the script.
const (
	changeHandler   = "on_change"
	identifyHandler = "on_identify"
)

// Work represents work to be executed on the Lua VM.
// All Lua execution MUST go through this to ensure thread safety
type Work func(L *lua.LState)

// Directory lists the trackers a script may query.
type Directory interface {
	Trackers() []*tracker.Tracker
}

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L *lua.LState

	workQueue chan Work

	// closing signals senders to stop; done is closed when Run exits
	closing   chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	done      chan struct{}
}

// NewRuntime creates a Lua VM with the log, kv and presence modules
// preloaded. kvm and people may be nil, in which case the matching
// module is not available to scripts.
func NewRuntime(kvm *kv.Manager, people Directory, queueSize int) *Runtime {
	if queueSize <= 0 {
		queueSize = 100
	}

	r := &Runtime{
		L:         lua.NewState(),
		workQueue: make(chan Work, queueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.L.PreloadModule("log", newLogModule().Loader)
	if kvm != nil {
		r.L.PreloadModule("kv", newKVModule(kvm).Loader)
	}
	if people != nil {
		r.L.PreloadModule("presence", newPresenceModule(people).Loader)
	}

	return r
}

// LoadScript executes the script once. It must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua hook script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	for _, name := range []string{changeHandler, identifyHandler} {
		if fn, ok := r.L.GetGlobal(name).(*lua.LFunction); ok && fn != nil {
			log.Info().Str("handler", name).Msg("Lua hook registered")
		}
	}
	return nil
}

// LoadString executes Lua source. Used for inline scripts and tests.
func (r *Runtime) LoadString(src string) error {
	if err := r.L.DoString(src); err != nil {
		return fmt.Errorf("failed to execute Lua source: %w", err)
	}
	return nil
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking).
// Returns false if the runtime is closing or the queue is full.
func (r *Runtime) Do(work Work) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// HandleEvent forwards an event to the matching script handler. It is
// subscribed to the event bus.
func (r *Runtime) HandleEvent(e eventbus.Event) {
	name := changeHandler
	if e.Type == eventbus.EventTypeIdentify {
		name = identifyHandler
	}

	r.Do(func(L *lua.LState) {
		fn, ok := L.GetGlobal(name).(*lua.LFunction)
		if !ok {
			return
		}
		if err := L.CallByParam(lua.P{
			Fn:      fn,
			NRet:    0,
			Protect: true,
		}, eventTable(L, e)); err != nil {
			log.Error().Err(err).
				Str("handler", name).
				Str("person", e.Presence.Name).
				Msg("Lua hook failed")
		}
	})
}

// Run starts the Lua worker - this is the ONLY goroutine that touches Lua.
// Exits when ctx is cancelled or the runtime is closed, after draining
// queued work.
func (r *Runtime) Run(ctx context.Context) {
	r.running.Store(true)
	defer close(r.done)

	r.L.SetContext(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drainQueue()
			return
		case <-r.closing:
			r.drainQueue()
			return
		case work := <-r.workQueue:
			r.executeWork(work)
		}
	}
}

// Close stops accepting work, waits for Run to finish and closes the
// Lua state.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.closing)
	})

	if r.running.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.L.Close()
	return nil
}

func (r *Runtime) drainQueue() {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	work(r.L)
}

func eventTable(L *lua.LState, e eventbus.Event) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "type", lua.LString(e.Type))
	L.SetField(tbl, "name", lua.LString(e.Presence.Name))
	L.SetField(tbl, "target", lua.LString(e.Presence.Target))
	L.SetField(tbl, "mac", lua.LString(e.Presence.MAC))
	L.SetField(tbl, "present", lua.LBool(e.Presence.Present))
	L.SetField(tbl, "transitions", lua.LNumber(e.Presence.Transitions))
	L.SetField(tbl, "time", lua.LNumber(e.Presence.Time.Unix()))
	return tbl
}
