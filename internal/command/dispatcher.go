package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
	"turnguard/internal/storage"
)

var (
	ErrCommandNotFound       = errors.New("command not found")
	ErrCommandInFlight       = errors.New("device already has a command in flight")
	ErrDeviceDeactivated     = errors.New("device is deactivated")
	ErrInvalidForMaintenance = errors.New("action not permitted while device is in maintenance")
)

// Transport delivers a command to the physical device. Acknowledgements
// come back asynchronously through Dispatcher.HandleAck.
type Transport interface {
	Deliver(ctx context.Context, cmd model.Command) error
}

// MaintenanceControl is the slice of the health classifier the
// dispatcher needs when a maintenance command is acknowledged.
type MaintenanceControl interface {
	SetMaintenance(deviceID string, enter bool)
	Status(deviceID string) model.HealthStatus
}

type ConditionSink func(deviceID string, kind model.AlertKind, active bool, description string)

// Ack is the device's response to a previously delivered command.
type Ack struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// Dispatcher issues commands to devices and tracks their lifecycle. At
// most one command per device may be in flight at a time; a pending
// command that receives no acknowledgement within the configured
// timeout is marked timed-out and raises a command-timeout condition.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       atomic.Value
	registry  *registry.Registry
	store     storage.Store
	transport Transport
	health    MaintenanceControl
	condition ConditionSink
	publish   func(model.Command)
	logger    *slog.Logger

	inflight map[string]*model.Command // keyed by device id
	timers   map[string]*time.Timer    // keyed by command id
	now      func() time.Time
}

func NewDispatcher(cfg *config.Config, reg *registry.Registry, store storage.Store, transport Transport, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		store:     store,
		transport: transport,
		logger:    logger,
		inflight:  make(map[string]*model.Command),
		timers:    make(map[string]*time.Timer),
		now:       time.Now,
	}
	d.cfg.Store(cfg)
	return d
}

func (d *Dispatcher) UpdateConfig(cfg *config.Config) {
	d.cfg.Store(cfg)
}

func (d *Dispatcher) config() *config.Config {
	return d.cfg.Load().(*config.Config)
}

// SetClock overrides the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// OnCondition registers the alert engine's condition handler.
func (d *Dispatcher) OnCondition(sink ConditionSink) { d.condition = sink }

// OnMaintenance registers the health classifier hook.
func (d *Dispatcher) OnMaintenance(ctrl MaintenanceControl) { d.health = ctrl }

// OnChange registers a handler invoked on every command status change.
func (d *Dispatcher) OnChange(publish func(model.Command)) { d.publish = publish }

// Submit validates and issues a command to a device. The returned
// command is in the pending state; its terminal state arrives later via
// HandleAck or the timeout.
func (d *Dispatcher) Submit(ctx context.Context, deviceID string, action model.CommandAction) (model.Command, error) {
	if !model.ValidAction(action) {
		return model.Command{}, fmt.Errorf("unknown action %q", action)
	}
	dev, err := d.registry.Get(deviceID)
	if err != nil {
		return model.Command{}, err
	}
	if !dev.Active {
		return model.Command{}, ErrDeviceDeactivated
	}
	if dev.Status == model.StatusMaintenance && (action == model.ActionOpen || action == model.ActionClose) {
		return model.Command{}, ErrInvalidForMaintenance
	}

	d.mu.Lock()
	if _, busy := d.inflight[deviceID]; busy {
		d.mu.Unlock()
		return model.Command{}, ErrCommandInFlight
	}
	cmd := model.Command{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Action:   action,
		IssuedAt: d.now().UTC(),
		Status:   model.CommandPending,
	}
	d.inflight[deviceID] = &cmd
	timeout := d.config().Command.Timeout
	d.timers[cmd.ID] = time.AfterFunc(timeout, func() { d.expire(cmd.ID, deviceID) })
	d.mu.Unlock()

	d.registry.SetPendingCommand(deviceID, string(action))
	d.persist(ctx, cmd)
	d.announce(cmd)
	if d.logger != nil {
		d.logger.Info("command issued", "command_id", cmd.ID, "device_id", deviceID, "action", action)
	}

	if err := d.transport.Deliver(ctx, cmd); err != nil {
		if settled, ok := d.finish(ctx, deviceID, cmd.ID, model.CommandFailed, "delivery failed: "+err.Error()); ok {
			return settled, err
		}
		return cmd, err
	}
	return cmd, nil
}

// HandleAck resolves a pending command from a device acknowledgement.
// A successful ack also clears any command-timeout alert for the
// device, even when the ack arrives after the timeout fired.
func (d *Dispatcher) HandleAck(ctx context.Context, ack Ack) {
	d.mu.Lock()
	cur, ok := d.inflight[ack.DeviceID]
	pendingMatch := ok && cur.ID == ack.CommandID
	var action model.CommandAction
	if pendingMatch {
		action = cur.Action
	}
	d.mu.Unlock()

	if ack.OK && d.condition != nil {
		d.condition(ack.DeviceID, model.AlertCommandTimeout, false, "command acknowledged")
	}
	if !pendingMatch {
		if d.logger != nil {
			d.logger.Debug("ack for unknown or settled command", "command_id", ack.CommandID, "device_id", ack.DeviceID)
		}
		return
	}

	status := model.CommandAcknowledged
	if !ack.OK {
		status = model.CommandFailed
	}
	d.finish(ctx, ack.DeviceID, ack.CommandID, status, ack.Detail)

	if ack.OK && d.health != nil {
		switch action {
		case model.ActionEnterMaintenance:
			d.health.SetMaintenance(ack.DeviceID, true)
		case model.ActionExitMaintenance:
			d.health.SetMaintenance(ack.DeviceID, false)
		}
	}
}

// Cancel aborts a pending command. Terminal commands cannot be
// cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, commandID string) (model.Command, error) {
	d.mu.Lock()
	var deviceID string
	for id, cmd := range d.inflight {
		if cmd.ID == commandID {
			deviceID = id
			break
		}
	}
	d.mu.Unlock()
	if deviceID == "" {
		return model.Command{}, ErrCommandNotFound
	}
	settled, ok := d.finish(ctx, deviceID, commandID, model.CommandFailed, "cancelled")
	if !ok {
		return model.Command{}, ErrCommandNotFound
	}
	return settled, nil
}

// Pending returns the in-flight command for a device, if any.
func (d *Dispatcher) Pending(deviceID string) (model.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.inflight[deviceID]
	if !ok {
		return model.Command{}, false
	}
	return *cmd, true
}

// List returns persisted command history, newest first.
func (d *Dispatcher) List(ctx context.Context, deviceID string, limit int) ([]model.Command, error) {
	if d.store == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		out := make([]model.Command, 0, len(d.inflight))
		for _, cmd := range d.inflight {
			if deviceID == "" || cmd.DeviceID == deviceID {
				out = append(out, *cmd)
			}
		}
		return out, nil
	}
	return d.store.ListCommands(ctx, deviceID, limit)
}

// expire fires when the ack timer lapses. The pending check under the
// lock guarantees a command settles exactly once even when an ack races
// the timer.
func (d *Dispatcher) expire(commandID, deviceID string) {
	d.mu.Lock()
	cur, ok := d.inflight[deviceID]
	if !ok || cur.ID != commandID {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	settled, ok := d.finish(ctx, deviceID, commandID, model.CommandTimedOut, "no acknowledgement within timeout")
	if !ok {
		return
	}
	if d.condition != nil {
		d.condition(deviceID, model.AlertCommandTimeout, true,
			fmt.Sprintf("command %s (%s) received no acknowledgement", commandID, settled.Action))
	}
}

// finish settles a pending command. Returns false when the command was
// already settled by a concurrent path.
func (d *Dispatcher) finish(ctx context.Context, deviceID, commandID string, status model.CommandStatus, detail string) (model.Command, bool) {
	d.mu.Lock()
	cur, ok := d.inflight[deviceID]
	if !ok || cur.ID != commandID || cur.Status != model.CommandPending {
		d.mu.Unlock()
		return model.Command{}, false
	}
	now := d.now().UTC()
	cur.Status = status
	cur.ResultDetail = detail
	cur.CompletedAt = &now
	settled := *cur
	delete(d.inflight, deviceID)
	if t, ok := d.timers[commandID]; ok {
		t.Stop()
		delete(d.timers, commandID)
	}
	d.mu.Unlock()

	d.registry.SetPendingCommand(deviceID, "")
	d.persist(ctx, settled)
	d.announce(settled)
	if d.logger != nil {
		d.logger.Info("command settled", "command_id", commandID, "device_id", deviceID, "status", status, "detail", detail)
	}
	return settled, true
}

func (d *Dispatcher) persist(ctx context.Context, cmd model.Command) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveCommand(ctx, cmd); err != nil && d.logger != nil {
		d.logger.Error("persist command", "command_id", cmd.ID, "err", err)
	}
}

func (d *Dispatcher) announce(cmd model.Command) {
	if d.publish != nil {
		d.publish(cmd)
	}
}
