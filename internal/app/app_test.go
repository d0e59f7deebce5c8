package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/presenced/internal/accessory"
	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/history"
	"github.com/dokzlo13/presenced/internal/kv"
	"github.com/dokzlo13/presenced/internal/metrics"
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

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
cacheDirectory: ` + t.TempDir() + `
people:
  - name: Alice
    target: 192.168.1.20
    macAddress: AA:BB:CC:DD:EE:FF
` + extra))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

func newHealth(t *testing.T, flag string) (*HealthService, *tracker.Tracker) {
	t.Helper()
	tr, err := tracker.New(tracker.Device{
		Name:          "Alice",
		Target:        "192.168.1.20",
		MAC:           "aa:bb:cc:dd:ee:ff",
		CheckInterval: 10 * time.Second,
	}, tracker.Deps{
		Prober:  staticProber{flag: flag},
		Store:   kv.NewMemoryBucket(PresenceBucket),
		History: history.NewMemoryStore(0).Log("Alice"),
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := metrics.New()
	if err != nil {
		t.Fatal(err)
	}
	h := NewHealthService(testConfig(t, ""), accessory.FromTrackers([]*tracker.Tracker{tr}), m)
	return h, tr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthService_Endpoints(t *testing.T) {
	h, _ := newHealth(t, "0x2")
	handler := h.Handler()

	if rec := get(t, handler, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health code = %d", rec.Code)
	}

	if rec := get(t, handler, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready before start code = %d, want 503", rec.Code)
	}
	h.SetReady(true)
	if rec := get(t, handler, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("/ready code = %d, want 200", rec.Code)
	}

	rec := get(t, handler, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("/metrics does not expose the Go collector")
	}
}

func TestHealthService_People(t *testing.T) {
	h, tr := newHealth(t, probe.FlagIncomplete)
	handler := h.Handler()

	var before []map[string]any
	if err := json.Unmarshal(get(t, handler, "/people").Body.Bytes(), &before); err != nil {
		t.Fatalf("decode /people: %v", err)
	}
	if len(before) != 1 || before[0]["name"] != "Alice" || before[0]["present"] != true {
		t.Fatalf("/people = %v", before)
	}
	if _, ok := before[0]["last_activation"]; ok {
		t.Error("last_activation reported before any loss")
	}

	if err := tr.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	var after []map[string]any
	if err := json.Unmarshal(get(t, handler, "/people").Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if after[0]["present"] != false {
		t.Errorf("present = %v, want false", after[0]["present"])
	}
	if after[0]["last_activation"] != float64(0) {
		t.Errorf("last_activation = %v, want 0", after[0]["last_activation"])
	}
}

func TestNewServices_InMemory(t *testing.T) {
	cfg := testConfig(t, "database:\n  in_memory: true\n")

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	defer s.Close()

	if s.DB != nil {
		t.Error("DB opened in in-memory mode")
	}
	if s.Bridge != nil || s.Hooks != nil {
		t.Error("optional services created while disabled")
	}
	if len(s.Accessories) != 1 || s.Accessories[0].Name() != "Alice" {
		t.Errorf("Accessories = %v", s.Accessories)
	}
	if _, err := os.Stat(cfg.DatabasePath()); !os.IsNotExist(err) {
		t.Errorf("database file exists in in-memory mode: %v", err)
	}
}

func TestServices_ClearState(t *testing.T) {
	cfg := testConfig(t, "")
	ctx := context.Background()

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	bucket := s.KV.Bucket(PresenceBucket)
	if err := bucket.Store(tracker.LossKey("192.168.1.20"), int64(1_700_000_000_000)); err != nil {
		t.Fatal(err)
	}
	log := s.History.Log("Alice")
	if err := log.Append(ctx, history.Entry{Time: 1_700_000_000, Status: history.StatusAbsent}); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearState(ctx); err != nil {
		t.Fatalf("ClearState() error = %v", err)
	}

	if ok, _ := bucket.Exists(tracker.LossKey("192.168.1.20")); ok {
		t.Error("loss timestamp survived ClearState")
	}
	if n, _ := log.Count(ctx); n != 0 {
		t.Errorf("history Count() = %d, want 0", n)
	}
	if _, ok, _ := log.InitialTime(ctx); ok {
		t.Error("history epoch survived ClearState")
	}
}

func TestNewServices_MQTTInstanceID(t *testing.T) {
	cfg := testConfig(t, "database:\n  in_memory: true\nmqtt:\n  enabled: true\n")

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	defer s.Close()

	if s.Bridge == nil {
		t.Fatal("Bridge not created with mqtt.enabled")
	}
	if _, err := os.Stat(filepath.Join(cfg.CacheDirectory, "instance_id")); err != nil {
		t.Errorf("instance_id not written: %v", err)
	}
}

func TestApp_RunResetsStateAndStopsOnCancel(t *testing.T) {
	tests := []struct {
		name     string
		reset    bool
		wantLoss bool
	}{
		{"keep state", false, true},
		{"reset state", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "database:\n  in_memory: true\n")
			a, err := New(cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			key := tracker.LossKey("192.168.1.20")
			bucket := a.services.KV.Bucket(PresenceBucket)
			if err := bucket.Store(key, int64(1_700_000_000_000)); err != nil {
				t.Fatal(err)
			}

			// already cancelled: trackers exit before their first cycle
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			if err := a.Run(ctx, Options{ResetState: tt.reset}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if ok, _ := bucket.Exists(key); ok != tt.wantLoss {
				t.Errorf("loss timestamp present = %v, want %v", ok, tt.wantLoss)
			}
			if rec := get(t, a.services.Health.Handler(), "/ready"); rec.Code != http.StatusServiceUnavailable {
				t.Errorf("/ready after Run = %d, want 503", rec.Code)
			}
		})
	}
}
