package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
)

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []model.HealthTransition
}

func (r *transitionRecorder) record(tr model.HealthTransition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *transitionRecorder) last(t *testing.T) model.HealthTransition {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		t.Fatalf("no transitions recorded")
	}
	return r.transitions[len(r.transitions)-1]
}

func (r *transitionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transitions)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testClassifier(t *testing.T, cfg *config.Config) (*Classifier, *transitionRecorder, *fakeClock) {
	t.Helper()
	reg := registry.New(nil, nil)
	if err := reg.Register(context.Background(), model.Device{ID: "t-1", Class: model.ClassTurnstile}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := NewClassifier(cfg, reg, nil)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c.SetClock(clock.Now)
	rec := &transitionRecorder{}
	c.OnTransition(rec.record)
	return c, rec, clock
}

func heartbeat(deviceID string) model.AccessEvent {
	return model.AccessEvent{DeviceID: deviceID}
}

func denied(deviceID string) model.AccessEvent {
	return model.AccessEvent{DeviceID: deviceID, Outcome: model.OutcomeDenied, DenialReason: "blocked card"}
}

func TestSignalBringsDeviceOnline(t *testing.T) {
	c, rec, _ := testClassifier(t, config.DefaultConfig())

	c.Observe(heartbeat("t-1"))
	tr := rec.last(t)
	if tr.From != model.StatusOffline || tr.To != model.StatusOnline {
		t.Fatalf("unexpected transition %s -> %s", tr.From, tr.To)
	}
	if c.Status("t-1") != model.StatusOnline {
		t.Fatalf("status: got %s", c.Status("t-1"))
	}
}

func TestSweepMarksSilentDeviceOffline(t *testing.T) {
	cfg := config.DefaultConfig()
	c, rec, clock := testClassifier(t, cfg)

	c.Observe(heartbeat("t-1"))
	clock.Advance(cfg.Health.OfflineThreshold / 2)
	c.Sweep()
	if c.Status("t-1") != model.StatusOnline {
		t.Fatalf("device should still be online before threshold")
	}

	clock.Advance(cfg.Health.OfflineThreshold)
	c.Sweep()
	tr := rec.last(t)
	if tr.To != model.StatusOffline {
		t.Fatalf("expected offline transition, got %s -> %s", tr.From, tr.To)
	}

	// A silent device stays offline, no repeat transitions.
	before := rec.count()
	clock.Advance(cfg.Health.OfflineThreshold)
	c.Sweep()
	if rec.count() != before {
		t.Fatalf("sweep emitted a transition for an already offline device")
	}
}

func TestErrorRateWarning(t *testing.T) {
	cfg := config.DefaultConfig()
	c, rec, _ := testClassifier(t, cfg)

	c.Observe(heartbeat("t-1"))
	for i := 0; i < 12; i++ {
		c.Observe(denied("t-1"))
	}
	tr := rec.last(t)
	if tr.To != model.StatusWarning {
		t.Fatalf("expected warning, got %s", tr.To)
	}
	if tr.Cause != model.AlertHighErrorRate {
		t.Fatalf("cause: got %s, want %s", tr.Cause, model.AlertHighErrorRate)
	}
}

func TestFewSamplesNoWarning(t *testing.T) {
	c, _, _ := testClassifier(t, config.DefaultConfig())

	c.Observe(heartbeat("t-1"))
	for i := 0; i < minSamples-1; i++ {
		c.Observe(denied("t-1"))
	}
	if got := c.Status("t-1"); got != model.StatusOnline {
		t.Fatalf("small sample must not trigger warning, got %s", got)
	}
}

func TestOverheatingWarningAndHysteresis(t *testing.T) {
	cfg := config.DefaultConfig()
	c, rec, clock := testClassifier(t, cfg)

	hot := cfg.Health.TempThreshold + 3
	cool := cfg.Health.TempThreshold - 10

	ev := heartbeat("t-1")
	ev.Temperature = &hot
	c.Observe(ev)
	tr := rec.last(t)
	if tr.To != model.StatusWarning || tr.Cause != model.AlertOverheating {
		t.Fatalf("expected overheating warning, got %+v", tr)
	}

	// A clean reading does not clear the warning immediately.
	ev.Temperature = &cool
	c.Observe(ev)
	if c.Status("t-1") != model.StatusWarning {
		t.Fatalf("warning cleared before evaluation window elapsed")
	}

	// Still clean halfway through the window: hold.
	clock.Advance(cfg.Health.EvaluationWindow / 2)
	c.Observe(ev)
	if c.Status("t-1") != model.StatusWarning {
		t.Fatalf("warning cleared mid-window")
	}

	// Clean for the full window: recover.
	clock.Advance(cfg.Health.EvaluationWindow)
	c.Observe(ev)
	tr = rec.last(t)
	if tr.From != model.StatusWarning || tr.To != model.StatusOnline {
		t.Fatalf("expected recovery, got %s -> %s", tr.From, tr.To)
	}
}

func TestBreachMidWindowResetsRecovery(t *testing.T) {
	cfg := config.DefaultConfig()
	c, _, clock := testClassifier(t, cfg)

	hot := cfg.Health.TempThreshold + 3
	cool := cfg.Health.TempThreshold - 10

	ev := heartbeat("t-1")
	ev.Temperature = &hot
	c.Observe(ev)

	ev.Temperature = &cool
	c.Observe(ev)
	clock.Advance(cfg.Health.EvaluationWindow / 2)

	// Relapse restarts the clean clock.
	ev.Temperature = &hot
	c.Observe(ev)
	ev.Temperature = &cool
	c.Observe(ev)
	clock.Advance(cfg.Health.EvaluationWindow * 3 / 4)
	c.Observe(ev)
	if c.Status("t-1") != model.StatusWarning {
		t.Fatalf("recovery clock must restart after a relapse")
	}
}

func TestLowBatteryWarning(t *testing.T) {
	cfg := config.DefaultConfig()
	c, rec, _ := testClassifier(t, cfg)

	low := cfg.Health.BatteryThreshold - 5
	ev := heartbeat("t-1")
	ev.Battery = &low
	c.Observe(ev)
	tr := rec.last(t)
	if tr.To != model.StatusWarning || tr.Cause != model.AlertLowBattery {
		t.Fatalf("expected low battery warning, got %+v", tr)
	}
}

func TestMaintenanceLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	c, rec, clock := testClassifier(t, cfg)

	c.Observe(heartbeat("t-1"))
	c.SetMaintenance("t-1", true)
	if c.Status("t-1") != model.StatusMaintenance {
		t.Fatalf("expected maintenance, got %s", c.Status("t-1"))
	}

	// Neither traffic nor silence moves a device out of maintenance.
	before := rec.count()
	for i := 0; i < 15; i++ {
		c.Observe(denied("t-1"))
	}
	clock.Advance(cfg.Health.OfflineThreshold * 2)
	c.Sweep()
	if rec.count() != before {
		t.Fatalf("maintenance device must not transition on traffic or silence")
	}

	// Exit with no recent signal lands offline.
	c.SetMaintenance("t-1", false)
	tr := rec.last(t)
	if tr.To != model.StatusOffline {
		t.Fatalf("expected offline after silent maintenance, got %s", tr.To)
	}

	// Exit shortly after a signal lands online.
	c.SetMaintenance("t-1", true)
	c.Observe(heartbeat("t-1"))
	c.SetMaintenance("t-1", false)
	if c.Status("t-1") != model.StatusOnline {
		t.Fatalf("expected online after recent signal, got %s", c.Status("t-1"))
	}
}

func TestStaleFirmwareCondition(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Health.FirmwareBaseline = map[string]string{"turnstile": "2.0.0"}
	c, _, _ := testClassifier(t, cfg)

	type cond struct {
		kind   model.AlertKind
		active bool
	}
	var conds []cond
	c.OnCondition(func(_ string, kind model.AlertKind, active bool, _ string) {
		conds = append(conds, cond{kind, active})
	})

	ev := heartbeat("t-1")
	ev.Firmware = "1.9.3"
	c.Observe(ev)
	c.Observe(ev) // unchanged firmware must not re-emit

	if len(conds) != 1 || conds[0].kind != model.AlertStaleFirmware || !conds[0].active {
		t.Fatalf("expected one active stale-firmware condition, got %+v", conds)
	}

	ev.Firmware = "2.0.0"
	c.Observe(ev)
	if len(conds) != 2 || conds[1].active {
		t.Fatalf("expected clearing condition after upgrade, got %+v", conds)
	}
}

func TestObserveWhileMaintenance(t *testing.T) {
	c, _, _ := testClassifier(t, config.DefaultConfig())

	c.SetMaintenance("t-1", true)
	c.Observe(heartbeat("t-1"))
	if c.Status("t-1") != model.StatusMaintenance {
		t.Fatalf("signal must not pull a device out of maintenance")
	}
}

func TestObserveMarksRegistry(t *testing.T) {
	reg := registry.New(nil, nil)
	if err := reg.Register(context.Background(), model.Device{ID: "t-1", Class: model.ClassTurnstile}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := NewClassifier(config.DefaultConfig(), reg, nil)

	c.Observe(heartbeat("t-1"))
	dev, err := reg.Get("t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Status != model.StatusOnline {
		t.Fatalf("registry status: got %s, want online", dev.Status)
	}
	if dev.LastSeen.IsZero() {
		t.Fatalf("registry last seen not updated")
	}
}
