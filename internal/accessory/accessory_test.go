package accessory

import (
	"context"
	"testing"
	"time"

	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/probe"
	"github.com/dokzlo13/presenced/internal/tracker"
)

type staticProber struct {
	flag string
}

func (p staticProber) Probe(context.Context, string) (bool, error) { return true, nil }

func (p staticProber) Lookup(_ context.Context, mac string) (probe.Entry, bool, error) {
	return probe.Entry{MAC: mac, Flags: p.flag}, true, nil
}

func newAccessory(t *testing.T, flag string) (*Accessory, history.Log) {
	t.Helper()
	hist := history.NewMemoryStore(0).Log("Alice")
	tr, err := tracker.New(tracker.Device{
		Name:          "Alice",
		Target:        "192.168.1.20",
		MAC:           "aa:bb:cc:dd:ee:ff",
		CheckInterval: 10 * time.Second,
	}, tracker.Deps{
		Prober:  staticProber{flag: flag},
		Store:   kv.NewMemoryBucket("presence"),
		History: hist,
	})
	if err != nil {
		t.Fatalf("tracker.New() error = %v", err)
	}
	return New(tr), hist
}

func TestAccessory_Info(t *testing.T) {
	a, _ := newAccessory(t, "0x2")

	info := a.Info()
	if info.SerialNumber != "hps-alice" {
		t.Errorf("SerialNumber = %q, want hps-alice", info.SerialNumber)
	}
	if info.Manufacturer != "Elgato" {
		t.Errorf("Manufacturer = %q, want Elgato", info.Manufacturer)
	}
	if len(a.Services()) != 3 {
		t.Errorf("Services() len = %d, want 3", len(a.Services()))
	}
}

func TestAccessory_ContactState(t *testing.T) {
	a, _ := newAccessory(t, probe.FlagIncomplete)

	if a.ContactState() != ContactDetected {
		t.Errorf("initial ContactState() = %d, want %d", a.ContactState(), ContactDetected)
	}
	if err := a.Tracker().Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if a.ContactState() != ContactNotDetected {
		t.Errorf("ContactState() after loss = %d, want %d", a.ContactState(), ContactNotDetected)
	}
}

func TestAccessory_LastActivation(t *testing.T) {
	a, _ := newAccessory(t, probe.FlagIncomplete)
	ctx := context.Background()

	if _, ok, err := a.LastActivation(ctx); ok || err != nil {
		t.Errorf("LastActivation() = ok %v, err %v; want no answer", ok, err)
	}

	if err := a.Tracker().Poll(ctx); err != nil {
		t.Fatal(err)
	}

	// Loss and epoch are the same cycle
	secs, ok, err := a.LastActivation(ctx)
	if err != nil || !ok {
		t.Fatalf("LastActivation() = ok %v, err %v", ok, err)
	}
	if secs != 0 {
		t.Errorf("LastActivation() = %d, want 0", secs)
	}
}

func TestLastActivationDescriptor(t *testing.T) {
	if LastActivation.UUID != "E863F11A-079E-48FF-8F27-9C2605A29F52" {
		t.Errorf("UUID = %q", LastActivation.UUID)
	}
	if LastActivation.Format != FormatUInt32 || LastActivation.Unit != "seconds" {
		t.Errorf("descriptor = %+v", LastActivation)
	}
}
