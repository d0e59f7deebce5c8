package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/presenced/internal/eventbus"
	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/probe"
)

const (
	testTarget = "192.168.1.20"
	testMAC    = "aa:bb:cc:dd:ee:ff"
)

// reading is one scripted ARP lookup result.
type reading struct {
	flag  string // "" means no entry
	err   error
	found bool
}

var (
	seen       = reading{flag: "0x2", found: true}
	incomplete = reading{flag: probe.FlagIncomplete, found: true}
	missing    = reading{}
)

type fakeProber struct {
	mu       sync.Mutex
	readings []reading
	probes   int
	lookups  int
	probed   chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context, target string) (bool, error) {
	f.mu.Lock()
	f.probes++
	ch := f.probed
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true, nil
}

func (f *fakeProber) Lookup(ctx context.Context, mac string) (probe.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := missing
	if f.lookups < len(f.readings) {
		r = f.readings[f.lookups]
	}
	f.lookups++

	if r.err != nil {
		return probe.Entry{}, false, r.err
	}
	if !r.found {
		return probe.Entry{}, false, nil
	}
	return probe.Entry{IP: testTarget, MAC: mac, Flags: r.flag}, true, nil
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (n *fakeNotifier) Publish(e eventbus.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

type failingBucket struct {
	kv.Bucket
}

func (failingBucket) Store(string, any) error {
	return errors.New("disk full")
}

// fakeClock only moves when a test moves it.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeWaiter fires the first ready waits at once; later ones never fire.
type fakeWaiter struct {
	mu    sync.Mutex
	ready int
	waits []time.Duration
}

func (w *fakeWaiter) After(d time.Duration) <-chan time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.waits = append(w.waits, d)
	if len(w.waits) > w.ready {
		return nil
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (w *fakeWaiter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

type fixture struct {
	tracker  *Tracker
	prober   *fakeProber
	store    *kv.MemoryBucket
	history  history.Log
	notifier *fakeNotifier
	clock    *fakeClock
	waiter   *fakeWaiter
}

func newFixture(t *testing.T, dev Device, readings ...reading) *fixture {
	t.Helper()

	f := &fixture{
		prober:   &fakeProber{readings: readings},
		store:    kv.NewMemoryBucket("presence"),
		history:  history.NewMemoryStore(0).Log(dev.Name),
		notifier: &fakeNotifier{},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		waiter:   &fakeWaiter{},
	}

	tr, err := New(dev, Deps{
		Prober:   f.prober,
		Store:    f.store,
		History:  f.history,
		Notifier: f.notifier,
		Clock:    f.clock.Now,
		After:    f.waiter.After,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.tracker = tr
	return f
}

func testDevice() Device {
	return Device{
		Name:          "Alice",
		Target:        testTarget,
		MAC:           "AA:BB:CC:DD:EE:FF",
		CheckInterval: 10 * time.Second,
		Threshold:     3,
	}
}

// pollAll runs one cycle per scripted reading, advancing the clock a
// minute before each cycle.
func (f *fixture) pollAll(t *testing.T) []State {
	t.Helper()
	var states []State
	for range f.prober.readings {
		f.clock.now = f.clock.now.Add(time.Minute)
		_ = f.tracker.Poll(context.Background())
		states = append(states, f.tracker.State())
	}
	return states
}

func (f *fixture) entries(t *testing.T) []history.Entry {
	t.Helper()
	entries, err := f.history.Entries(context.Background(), 0)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	return entries
}

func TestNew_StartsPresent(t *testing.T) {
	f := newFixture(t, testDevice())

	if f.tracker.State() != Present {
		t.Errorf("State() = %v, want present", f.tracker.State())
	}
	if f.tracker.Transitions() != 0 {
		t.Errorf("Transitions() = %d, want 0", f.tracker.Transitions())
	}
	if f.tracker.Device().MAC != testMAC {
		t.Errorf("MAC = %q, want normalized %q", f.tracker.Device().MAC, testMAC)
	}
}

func TestNew_Validation(t *testing.T) {
	deps := Deps{
		Prober:  &fakeProber{},
		Store:   kv.NewMemoryBucket("presence"),
		History: history.NewMemoryStore(0).Log("x"),
	}
	tests := []struct {
		name string
		dev  Device
		deps Deps
	}{
		{"no_name", Device{Target: testTarget, MAC: testMAC}, deps},
		{"no_target", Device{Name: "A", MAC: testMAC}, deps},
		{"no_mac", Device{Name: "A", Target: testTarget}, deps},
		{"no_deps", Device{Name: "A", Target: testTarget, MAC: testMAC}, Deps{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.dev, tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestPoll_PresentAbsentPresent(t *testing.T) {
	f := newFixture(t, testDevice(), seen, incomplete, seen)

	states := f.pollAll(t)
	want := []State{Present, Absent, Present}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state after cycle %d = %v, want %v", i+1, states[i], want[i])
		}
	}

	entries := f.entries(t)
	if len(entries) != 2 {
		t.Fatalf("history entries = %d, want 2", len(entries))
	}
	if entries[0].Status != history.StatusAbsent || entries[1].Status != history.StatusPresent {
		t.Errorf("statuses = [%d %d], want [1 0]", entries[0].Status, entries[1].Status)
	}

	// Loss written once, on the second cycle
	secondCycle := time.Unix(1_700_000_000, 0).Add(2 * time.Minute)
	loss, ok, err := kv.GetInt64(f.store, LossKey(testTarget))
	if err != nil || !ok {
		t.Fatalf("loss key missing: %v", err)
	}
	if loss != secondCycle.UnixMilli() {
		t.Errorf("loss = %d, want %d", loss, secondCycle.UnixMilli())
	}
	if entries[0].Time != secondCycle.Unix() {
		t.Errorf("absent entry time = %d, want %d", entries[0].Time, secondCycle.Unix())
	}

	if f.tracker.Transitions() != 2 {
		t.Errorf("Transitions() = %d, want 2", f.tracker.Transitions())
	}
	if len(f.notifier.events) != 2 {
		t.Fatalf("notifications = %d, want 2", len(f.notifier.events))
	}
	if ev := f.notifier.events[0]; ev.Type != eventbus.EventTypePresenceChanged || ev.Presence.Present || ev.Presence.Target != testTarget {
		t.Errorf("first notification = %+v", ev)
	}
}

func TestPoll_RepeatedReadingsAreIdempotent(t *testing.T) {
	f := newFixture(t, testDevice(), incomplete, incomplete, incomplete, seen, seen)
	f.pollAll(t)

	entries := f.entries(t)
	if len(entries) != 2 {
		t.Errorf("history entries = %d, want 2 (one per transition)", len(entries))
	}
	if len(f.notifier.events) != 2 {
		t.Errorf("notifications = %d, want 2", len(f.notifier.events))
	}

	// The loss time is from the transition, not later absent readings
	loss, _, _ := kv.GetInt64(f.store, LossKey(testTarget))
	if want := time.Unix(1_700_000_000, 0).Add(time.Minute).UnixMilli(); loss != want {
		t.Errorf("loss = %d, want %d", loss, want)
	}
}

func TestPoll_NoEntryNeverChangesState(t *testing.T) {
	f := newFixture(t, testDevice(), missing, missing, missing)
	f.pollAll(t)

	if f.tracker.State() != Present {
		t.Errorf("State() = %v, want present", f.tracker.State())
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("history entries = %d, want 0", n)
	}
	if keys, _ := f.store.Keys(); len(keys) != 0 {
		t.Errorf("persisted keys = %v, want none", keys)
	}
	if f.prober.probeCount() != 3 {
		t.Errorf("probes = %d, want 3", f.prober.probeCount())
	}
}

func TestPoll_LookupError(t *testing.T) {
	boom := errors.New("arp table unreadable")
	f := newFixture(t, testDevice(), reading{err: boom})

	err := f.tracker.Poll(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want %v", err, boom)
	}
	if f.tracker.State() != Present {
		t.Errorf("State() = %v, want present", f.tracker.State())
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("history entries = %d, want 0", n)
	}
	if len(f.notifier.events) != 0 {
		t.Errorf("notifications = %d, want 0", len(f.notifier.events))
	}
}

func TestPoll_StoreFailureLeavesStateUnchanged(t *testing.T) {
	dev := testDevice()
	prober := &fakeProber{readings: []reading{incomplete}}
	hist := history.NewMemoryStore(0).Log(dev.Name)

	tr, err := New(dev, Deps{
		Prober:  prober,
		Store:   failingBucket{kv.NewMemoryBucket("presence")},
		History: hist,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Poll(context.Background()); err == nil {
		t.Error("Poll() error = nil, want store failure")
	}
	if tr.State() != Present {
		t.Errorf("State() = %v, want present", tr.State())
	}
	if n, _ := hist.Count(context.Background()); n != 0 {
		t.Errorf("history entries = %d, want 0", n)
	}
}

func TestPoll_ConfirmTransitions(t *testing.T) {
	dev := testDevice()
	dev.Confirm = true
	dev.Threshold = 3

	f := newFixture(t, dev, incomplete, incomplete, seen, incomplete, incomplete, incomplete)
	states := f.pollAll(t)

	want := []State{Present, Present, Present, Present, Present, Absent}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state after cycle %d = %v, want %v", i+1, states[i], want[i])
		}
	}
	if n := len(f.entries(t)); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
}

func TestLastActivation(t *testing.T) {
	f := newFixture(t, testDevice(), seen, incomplete)
	ctx := context.Background()

	if _, ok, err := f.tracker.LastActivation(ctx); ok || err != nil {
		t.Fatalf("LastActivation() before any loss = ok %v, err %v; want no answer", ok, err)
	}

	// Epoch older than the loss
	if err := f.history.Append(ctx, history.Entry{Time: 1_699_999_000, Status: history.StatusPresent}); err != nil {
		t.Fatal(err)
	}
	f.pollAll(t)

	loss, _, _ := kv.GetInt64(f.store, LossKey(testTarget))
	initial, _, _ := f.history.InitialTime(ctx)

	got, ok, err := f.tracker.LastActivation(ctx)
	if err != nil || !ok {
		t.Fatalf("LastActivation() = ok %v, err %v", ok, err)
	}
	if want := loss/1000 - initial; got != want {
		t.Errorf("LastActivation() = %d, want %d", got, want)
	}
	if got != 1_120 {
		t.Errorf("LastActivation() = %d, want 1120", got)
	}
}

func TestRun_BelowMinimumNeverProbes(t *testing.T) {
	dev := testDevice()
	dev.CheckInterval = 9999 * time.Millisecond
	f := newFixture(t, dev, seen, incomplete)

	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() kept running with an interval below the minimum")
	}

	if n := f.prober.probeCount(); n != 0 {
		t.Errorf("probes = %d, want 0", n)
	}
	if f.tracker.Snapshot().Polling {
		t.Error("Snapshot().Polling = true, want false")
	}
}

func TestRun_PollsImmediatelyAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, testDevice(), seen)
	f.prober.probed = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	select {
	case <-f.prober.probed:
	case <-time.After(2 * time.Second):
		t.Fatal("first poll did not run")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	if n := f.prober.probeCount(); n != 1 {
		t.Errorf("cycles = %d, want 1 (next cycle never fires)", n)
	}
}

func TestIdentify(t *testing.T) {
	f := newFixture(t, testDevice())
	f.tracker.Identify()

	if f.tracker.State() != Present {
		t.Error("Identify() changed state")
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Type != eventbus.EventTypeIdentify {
		t.Errorf("events = %+v, want one identify event", f.notifier.events)
	}
}

func TestRun_KeepsPollingThroughErrorsAndMissingEntries(t *testing.T) {
	f := newFixture(t, testDevice(),
		reading{err: errors.New("arp table unreadable")},
		missing,
		incomplete,
	)
	// two waits elapse, the third blocks until cancel
	f.waiter.ready = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.waiter.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("waits = %d, want 3", f.waiter.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	if n := f.prober.probeCount(); n != 3 {
		t.Errorf("cycles = %d, want 3", n)
	}
	if f.tracker.State() != Absent {
		t.Errorf("State() = %v, want absent", f.tracker.State())
	}
	if n := len(f.entries(t)); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
	f.waiter.mu.Lock()
	for i, d := range f.waiter.waits {
		if d != 10*time.Second {
			t.Errorf("wait %d = %v, want 10s", i+1, d)
		}
	}
	f.waiter.mu.Unlock()
}

func TestPoll_ConfirmStreakBrokenByMissingReading(t *testing.T) {
	dev := testDevice()
	dev.Confirm = true
	dev.Threshold = 3

	boom := reading{err: errors.New("arp table unreadable")}
	f := newFixture(t, dev, incomplete, missing, incomplete, incomplete, boom, incomplete, incomplete, incomplete)
	states := f.pollAll(t)

	want := []State{Present, Present, Present, Present, Present, Present, Present, Absent}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state after cycle %d = %v, want %v", i+1, states[i], want[i])
		}
	}
	if n := len(f.entries(t)); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
}
