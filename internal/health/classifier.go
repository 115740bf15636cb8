package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
)

// TransitionSink receives every health transition the classifier emits.
type TransitionSink func(model.HealthTransition)

// ConditionSink receives non-state conditions (stale firmware) that feed
// the alert engine without changing the device's health status.
type ConditionSink func(deviceID string, kind model.AlertKind, active bool, description string)

// Classifier derives one authoritative health status per device from the
// telemetry stream and its own clock. Devices start offline until their
// first signal. Maintenance is entered and left only on dispatcher
// notification, never from telemetry.
type Classifier struct {
	registry *registry.Registry
	logger   *slog.Logger
	cfg      atomic.Value

	mu      sync.Mutex
	devices map[string]*deviceState

	transitionSinks []TransitionSink
	conditionSinks  []ConditionSink

	// now is the classifier's clock; device-reported timestamps are not
	// trusted for liveness.
	now func() time.Time

	done chan struct{}
}

type deviceState struct {
	status     model.HealthStatus
	lastSignal time.Time
	window     *rollingWindow

	tempBreach    bool
	batteryBreach bool
	cleanSince    time.Time
	warnReason    string
	staleFirmware bool
}

func NewClassifier(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Classifier {
	c := &Classifier{
		registry: reg,
		logger:   logger,
		devices:  make(map[string]*deviceState),
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
	c.cfg.Store(cfg)
	return c
}

func (c *Classifier) UpdateConfig(cfg *config.Config) {
	c.cfg.Store(cfg)
}

func (c *Classifier) config() *config.Config {
	if v := c.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// SetClock replaces the classifier's clock. Test hook.
func (c *Classifier) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Classifier) OnTransition(sink TransitionSink) {
	c.transitionSinks = append(c.transitionSinks, sink)
}

func (c *Classifier) OnCondition(sink ConditionSink) {
	c.conditionSinks = append(c.conditionSinks, sink)
}

// Run consumes the pipeline's classifier queue and runs the offline
// sweeper until ctx is cancelled. Per-device ordering is preserved by the
// single consuming goroutine.
func (c *Classifier) Run(ctx context.Context, in <-chan model.AccessEvent) {
	cfg := c.config()
	ticker := time.NewTicker(cfg.Health.SweepInterval)
	go func() {
		defer ticker.Stop()
		defer close(c.done)
		for {
			select {
			case ev := <-in:
				c.Observe(ev)
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once Run has exited.
func (c *Classifier) Done() <-chan struct{} { return c.done }

// Observe classifies one validated event or heartbeat.
func (c *Classifier) Observe(ev model.AccessEvent) {
	cfg := c.config()

	c.mu.Lock()
	now := c.now()
	st := c.state(ev.DeviceID)
	st.lastSignal = now

	var transitions []model.HealthTransition
	var conditions []pendingCondition

	if st.status == model.StatusOffline {
		transitions = append(transitions, c.transitionLocked(ev.DeviceID, st, model.StatusOnline, "signal received", now))
	}

	if !ev.Heartbeat() {
		st.window.add(now, ev.Outcome == model.OutcomeDenied)
	}
	st.window.evict(now.Add(-cfg.Health.EvaluationWindow), cfg.Health.SampleSize)

	if ev.Temperature != nil {
		st.tempBreach = *ev.Temperature >= cfg.Health.TempThreshold
	}
	if ev.Battery != nil {
		st.batteryBreach = *ev.Battery <= cfg.Health.BatteryThreshold
	}

	if fw := c.firmwareCondition(cfg, ev); fw != nil {
		if *fw != st.staleFirmware {
			st.staleFirmware = *fw
			desc := ""
			if st.staleFirmware {
				desc = fmt.Sprintf("device reports firmware %s, baseline requires newer", ev.Firmware)
			}
			conditions = append(conditions, pendingCondition{ev.DeviceID, model.AlertStaleFirmware, st.staleFirmware, desc})
		}
	}

	transitions = append(transitions, c.evaluateLocked(ev.DeviceID, st, cfg, now)...)
	c.mu.Unlock()

	c.registry.MarkSeen(ev.DeviceID, now)
	c.registry.RecordReadings(ev.DeviceID, ev.Temperature, ev.Battery, ev.IP, ev.Firmware)
	c.emit(transitions, conditions)
}

type pendingCondition struct {
	deviceID    string
	kind        model.AlertKind
	active      bool
	description string
}

// evaluateLocked applies the warning thresholds with hysteresis: entering
// warning is immediate, leaving it requires a full clean evaluation
// window so a rate oscillating around the threshold cannot flap the
// status every few seconds.
func (c *Classifier) evaluateLocked(deviceID string, st *deviceState, cfg *config.Config, now time.Time) []model.HealthTransition {
	if st.status != model.StatusOnline && st.status != model.StatusWarning {
		return nil
	}

	reason := ""
	var cause model.AlertKind
	rate, samples := st.window.errorRate()
	switch {
	case samples >= minSamples && rate > cfg.Health.WarningErrorRate:
		reason = fmt.Sprintf("error rate %.1f%% over %d events", rate*100, samples)
		cause = model.AlertHighErrorRate
	case st.tempBreach:
		reason = "temperature above threshold"
		cause = model.AlertOverheating
	case st.batteryBreach:
		reason = "battery below threshold"
		cause = model.AlertLowBattery
	}

	if reason != "" {
		st.cleanSince = time.Time{}
		if st.status == model.StatusOnline {
			st.warnReason = reason
			tr := c.transitionLocked(deviceID, st, model.StatusWarning, reason, now)
			tr.Cause = cause
			return []model.HealthTransition{tr}
		}
		return nil
	}

	if st.status != model.StatusWarning {
		return nil
	}
	if st.cleanSince.IsZero() {
		st.cleanSince = now
		return nil
	}
	if now.Sub(st.cleanSince) < cfg.Health.EvaluationWindow {
		return nil
	}
	st.warnReason = ""
	st.cleanSince = time.Time{}
	return []model.HealthTransition{c.transitionLocked(deviceID, st, model.StatusOnline, "recovered for full evaluation window", now)}
}

// Sweep flags devices that have gone silent past the offline threshold,
// measured on the classifier's clock.
func (c *Classifier) Sweep() {
	cfg := c.config()

	c.mu.Lock()
	now := c.now()
	var transitions []model.HealthTransition
	for id, st := range c.devices {
		if st.status != model.StatusOnline && st.status != model.StatusWarning {
			continue
		}
		if now.Sub(st.lastSignal) < cfg.Health.OfflineThreshold {
			continue
		}
		silence := now.Sub(st.lastSignal).Round(time.Second)
		transitions = append(transitions,
			c.transitionLocked(id, st, model.StatusOffline, fmt.Sprintf("no signal for %s", silence), now))
	}
	c.mu.Unlock()

	c.emit(transitions, nil)
}

// SetMaintenance is called by the command dispatcher when a maintenance
// command is acknowledged. Leaving maintenance re-derives online/offline
// from how recently the device was heard.
func (c *Classifier) SetMaintenance(deviceID string, enter bool) {
	cfg := c.config()

	c.mu.Lock()
	now := c.now()
	st := c.state(deviceID)
	var transitions []model.HealthTransition
	if enter {
		if st.status != model.StatusMaintenance {
			transitions = append(transitions, c.transitionLocked(deviceID, st, model.StatusMaintenance, "operator requested maintenance", now))
		}
	} else if st.status == model.StatusMaintenance {
		next := model.StatusOffline
		reason := "maintenance ended, device silent"
		if !st.lastSignal.IsZero() && now.Sub(st.lastSignal) < cfg.Health.OfflineThreshold {
			next = model.StatusOnline
			reason = "maintenance ended"
		}
		transitions = append(transitions, c.transitionLocked(deviceID, st, next, reason, now))
	}
	c.mu.Unlock()

	c.emit(transitions, nil)
}

// Status returns the classifier's current view of one device.
func (c *Classifier) Status(deviceID string) model.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.devices[deviceID]; ok {
		return st.status
	}
	return model.StatusOffline
}

func (c *Classifier) state(deviceID string) *deviceState {
	st, ok := c.devices[deviceID]
	if !ok {
		st = &deviceState{
			status: model.StatusOffline,
			window: newRollingWindow(),
		}
		c.devices[deviceID] = st
	}
	return st
}

func (c *Classifier) transitionLocked(deviceID string, st *deviceState, to model.HealthStatus, reason string, now time.Time) model.HealthTransition {
	tr := model.HealthTransition{
		DeviceID: deviceID,
		From:     st.status,
		To:       to,
		Reason:   reason,
		At:       now,
	}
	st.status = to
	return tr
}

func (c *Classifier) emit(transitions []model.HealthTransition, conditions []pendingCondition) {
	for _, tr := range transitions {
		c.registry.SetHealth(tr.DeviceID, tr.To)
		if c.logger != nil {
			c.logger.Info("health transition",
				"device_id", tr.DeviceID,
				"from", tr.From,
				"to", tr.To,
				"reason", tr.Reason,
			)
		}
		for _, sink := range c.transitionSinks {
			sink(tr)
		}
	}
	for _, cond := range conditions {
		for _, sink := range c.conditionSinks {
			sink(cond.deviceID, cond.kind, cond.active, cond.description)
		}
	}
}

func (c *Classifier) firmwareCondition(cfg *config.Config, ev model.AccessEvent) *bool {
	if ev.Firmware == "" || len(cfg.Health.FirmwareBaseline) == 0 {
		return nil
	}
	dev, err := c.registry.Get(ev.DeviceID)
	if err != nil {
		return nil
	}
	baseline, ok := cfg.Health.FirmwareBaseline[string(dev.Class)]
	if !ok {
		return nil
	}
	stale := ev.Firmware != baseline
	return &stale
}

// A couple of denied events should not flip a quiet door into warning.
const minSamples = 10
