package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/storage"
)

var ErrAlertNotFound = errors.New("alert not found")

type alertKey struct {
	deviceID string
	kind     model.AlertKind
}

// Engine owns the alert lifecycle. The open-alert index and its mutex
// make the (device, kind) dedup check atomic with creation: concurrent
// transitions for the same device can never produce two open alerts of
// the same kind.
type Engine struct {
	logger  *slog.Logger
	store   storage.Store
	history *Store
	cfg     atomic.Value

	mu   sync.Mutex
	open map[alertKey]*model.Alert

	publish func(model.Alert)
	classOf func(deviceID string) model.DeviceClass

	degraded atomic.Bool

	persistQ chan model.Alert
	stopOnce sync.Once
	stopping chan struct{}
	drained  chan struct{}
}

func NewEngine(cfg *config.Config, logger *slog.Logger, history *Store, store storage.Store, classOf func(string) model.DeviceClass) *Engine {
	e := &Engine{
		logger:  logger,
		store:   store,
		history: history,
		open:    make(map[alertKey]*model.Alert),
		classOf: classOf,
	}
	e.cfg.Store(cfg)
	if store != nil {
		e.persistQ = make(chan model.Alert, 256)
		e.stopping = make(chan struct{})
		e.drained = make(chan struct{})
		go e.persistLoop()
	}
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// OnAlert registers the broker publication sink. Called once at wiring
// time, before any event flows.
func (e *Engine) OnAlert(publish func(model.Alert)) {
	e.publish = publish
}

// Restore reloads open alerts persisted before the last shutdown.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	open, err := e.store.LoadOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("restore open alerts: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range open {
		a := a
		e.open[alertKey{a.DeviceID, a.Kind}] = &a
		e.history.Add(a)
	}
	if e.logger != nil {
		e.logger.Info("alert engine restored", "open_alerts", len(open))
	}
	return nil
}

// Degraded reports whether alert persistence has been failing past the
// retry budget.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// HandleTransition reacts to classifier output: transitions into warning
// or offline open alerts, transitions back to online resolve them.
func (e *Engine) HandleTransition(tr model.HealthTransition) {
	switch tr.To {
	case model.StatusOffline:
		// Initial offline (never-seen device) emits no transition, so
		// any arrival here is a real loss of signal.
		e.Open(tr.DeviceID, model.AlertOffline, fmt.Sprintf("%s: %s", tr.DeviceID, tr.Reason))
	case model.StatusWarning:
		kind := tr.Cause
		if kind == "" {
			kind = model.AlertHighErrorRate
		}
		e.Open(tr.DeviceID, kind, fmt.Sprintf("%s: %s", tr.DeviceID, tr.Reason))
	case model.StatusOnline:
		e.Resolve(tr.DeviceID, model.AlertOffline, "device back online")
		if tr.From == model.StatusWarning {
			e.Resolve(tr.DeviceID, model.AlertHighErrorRate, tr.Reason)
			e.Resolve(tr.DeviceID, model.AlertOverheating, tr.Reason)
			e.Resolve(tr.DeviceID, model.AlertLowBattery, tr.Reason)
		}
	}
}

// HandleCondition serves the non-transition signals: stale firmware from
// the classifier, denial spikes from the aggregator, command timeouts
// from the dispatcher. An empty deviceID means fleet-wide.
func (e *Engine) HandleCondition(deviceID string, kind model.AlertKind, active bool, description string) {
	if active {
		e.Open(deviceID, kind, description)
	} else {
		e.Resolve(deviceID, kind, description)
	}
}

// Open creates an alert unless one of the same (device, kind) is already
// open. Returns the open alert either way.
func (e *Engine) Open(deviceID string, kind model.AlertKind, description string) model.Alert {
	cfg := e.config()
	key := alertKey{deviceID, kind}

	e.mu.Lock()
	if existing, ok := e.open[key]; ok {
		out := *existing
		e.mu.Unlock()
		return out
	}
	class := "default"
	if e.classOf != nil && deviceID != "" {
		if c := e.classOf(deviceID); c != "" {
			class = string(c)
		}
	}
	alert := model.Alert{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Severity:    model.Severity(cfg.Alerts.SeverityMap.Resolve(string(kind), class)),
		Kind:        kind,
		OpenedAt:    time.Now().UTC(),
		Description: description,
	}
	e.open[key] = &alert
	e.mu.Unlock()

	e.history.Add(alert)
	if e.logger != nil {
		e.logger.Warn("alert opened",
			"alert_id", alert.ID,
			"device_id", alert.DeviceID,
			"kind", alert.Kind,
			"severity", alert.Severity,
		)
	}
	e.queuePersist(alert)
	if e.publish != nil {
		e.publish(alert)
	}
	return alert
}

// Resolve closes the open (device, kind) alert if there is one.
func (e *Engine) Resolve(deviceID string, kind model.AlertKind, note string) {
	key := alertKey{deviceID, kind}

	e.mu.Lock()
	alert, ok := e.open[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.open, key)
	now := time.Now().UTC()
	alert.ResolvedAt = &now
	if note != "" {
		alert.Description = alert.Description + " (resolved: " + note + ")"
	}
	resolved := *alert
	e.mu.Unlock()

	e.history.Replace(resolved)
	if e.logger != nil {
		e.logger.Info("alert resolved", "alert_id", resolved.ID, "device_id", deviceID, "kind", kind)
	}
	e.queuePersist(resolved)
	if e.publish != nil {
		e.publish(resolved)
	}
}

// Acknowledge resolves an alert manually even while the underlying
// condition persists. The alert can reopen if the condition recurs.
func (e *Engine) Acknowledge(id string) (model.Alert, error) {
	e.mu.Lock()
	var found *model.Alert
	var key alertKey
	for k, a := range e.open {
		if a.ID == id {
			found, key = a, k
			break
		}
	}
	if found == nil {
		e.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	delete(e.open, key)
	now := time.Now().UTC()
	found.ResolvedAt = &now
	found.Manual = true
	resolved := *found
	e.mu.Unlock()

	e.history.Replace(resolved)
	if e.logger != nil {
		e.logger.Info("alert acknowledged", "alert_id", resolved.ID, "device_id", resolved.DeviceID, "kind", resolved.Kind)
	}
	e.queuePersist(resolved)
	if e.publish != nil {
		e.publish(resolved)
	}
	return resolved, nil
}

// OpenAlerts snapshots currently open alerts, oldest first.
func (e *Engine) OpenAlerts() []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Alert, 0, len(e.open))
	for _, a := range e.open {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Close drains queued writes and stops the persistence worker.
func (e *Engine) Close() {
	if e.persistQ == nil {
		return
	}
	e.stopOnce.Do(func() { close(e.stopping) })
	<-e.drained
}

// queuePersist hands the write to the persistence worker; callers never
// block on storage. A full queue means storage has been stalled long
// enough to count as degraded.
func (e *Engine) queuePersist(alert model.Alert) {
	if e.persistQ == nil {
		return
	}
	select {
	case e.persistQ <- alert:
	default:
		if e.logger != nil {
			e.logger.Error("alert persistence queue full", "alert_id", alert.ID)
		}
		e.degraded.Store(true)
		if alert.Kind != model.AlertDegradedAlerting {
			e.Open("", model.AlertDegradedAlerting, "alert persistence queue full")
		}
	}
}

func (e *Engine) persistLoop() {
	for {
		select {
		case a := <-e.persistQ:
			e.persist(a)
		case <-e.stopping:
			for {
				select {
				case a := <-e.persistQ:
					e.persist(a)
				default:
					close(e.drained)
					return
				}
			}
		}
	}
}

// persist writes through to storage with capped exponential backoff.
// When the budget is exhausted the failure becomes a degraded-alerting
// meta-alert instead of a silent drop. Runs only on the worker.
func (e *Engine) persist(alert model.Alert) {
	if e.store == nil {
		return
	}
	cfg := e.config()
	backoff := cfg.Alerts.RetryBackoff
	var err error
	for attempt := 0; attempt <= cfg.Alerts.RetryMax; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = e.store.SaveAlert(ctx, alert)
		cancel()
		if err == nil {
			e.degraded.Store(false)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if e.logger != nil {
		e.logger.Error("alert persistence failed after retries", "alert_id", alert.ID, "err", err)
	}
	e.degraded.Store(true)
	if alert.Kind != model.AlertDegradedAlerting {
		e.Open("", model.AlertDegradedAlerting, fmt.Sprintf("alert persistence failing: %v", err))
	}
}
