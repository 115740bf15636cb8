package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"turnguard/internal/model"
	"turnguard/internal/storage"
)

var (
	ErrDuplicateDevice = errors.New("device id already registered")
	ErrNotFound        = errors.New("device not found")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     model.HealthStatus
	Class      model.DeviceClass
	Location   string
	ActiveOnly bool
}

// Registry is the authoritative catalog of provisioned devices. It is
// read-heavy: every pipeline stage consults it, writes are rare and
// serialized. Status/LastSeen are mutated only through the setters
// reserved for the health classifier, PendingCommand only through the
// dispatcher's setter.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*model.Device
	store   storage.Store
	logger  *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*model.Device),
		store:   store,
		logger:  logger,
	}
}

// Restore loads provisioned devices from the backing store. Devices come
// back with status offline; the classifier re-derives live status from
// fresh telemetry.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("restore devices: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		d := d
		d.Status = model.StatusOffline
		d.PendingCommand = ""
		r.devices[d.ID] = &d
	}
	if r.logger != nil {
		r.logger.Info("registry restored", "devices", len(devices))
	}
	return nil
}

func (r *Registry) Register(ctx context.Context, d model.Device) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if !model.ValidClass(d.Class) {
		return fmt.Errorf("unknown device class %q", d.Class)
	}
	if d.InstalledAt.IsZero() {
		d.InstalledAt = time.Now().UTC()
	}
	d.Active = true
	d.Status = model.StatusOffline
	d.LastSeen = time.Time{}
	d.PendingCommand = ""

	r.mu.Lock()
	if _, exists := r.devices[d.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	r.devices[d.ID] = &d
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveDevice(ctx, d); err != nil {
			// Roll the insert back so a failed registration leaves no
			// trace and the id stays free for a retry.
			r.mu.Lock()
			delete(r.devices, d.ID)
			r.mu.Unlock()
			return fmt.Errorf("persist device %s: %w", d.ID, err)
		}
	}
	if r.logger != nil {
		r.logger.Info("device registered", "device_id", d.ID, "class", d.Class, "location", d.Location)
	}
	return nil
}

func (r *Registry) Get(id string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *d, nil
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// List returns a restartable sequence over a point-in-time snapshot, so
// callers can range repeatedly without holding registry locks.
func (r *Registry) List(f Filter) iter.Seq[model.Device] {
	snapshot := r.Snapshot()
	return func(yield func(model.Device) bool) {
		for _, d := range snapshot {
			if !matches(d, f) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Snapshot copies all devices sorted by id.
func (r *Registry) Snapshot() []model.Device {
	r.mu.RLock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matches(d model.Device, f Filter) bool {
	if f.ActiveOnly && !d.Active {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Class != "" && d.Class != f.Class {
		return false
	}
	if f.Location != "" && !strings.Contains(strings.ToLower(d.Location), strings.ToLower(f.Location)) {
		return false
	}
	return true
}

// Deactivate marks a device ineligible for new commands. History and the
// record itself are retained.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Active = false
	snapshot := *d
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveDevice(ctx, snapshot); err != nil {
			r.mu.Lock()
			if d, ok := r.devices[id]; ok {
				d.Active = true
			}
			r.mu.Unlock()
			return fmt.Errorf("persist device %s: %w", id, err)
		}
	}
	if r.logger != nil {
		r.logger.Info("device deactivated", "device_id", id)
	}
	return nil
}

// SetHealth is reserved for the health classifier.
func (r *Registry) SetHealth(id string, status model.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.Status = status
	}
}

// MarkSeen is reserved for the health classifier.
func (r *Registry) MarkSeen(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		if at.After(d.LastSeen) {
			d.LastSeen = at
		}
	}
}

// RecordReadings is reserved for the health classifier. Nil readings
// leave the previous value in place.
func (r *Registry) RecordReadings(id string, temperature, battery *float64, ip, firmware string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return
	}
	if temperature != nil {
		d.Temperature = *temperature
	}
	if battery != nil {
		d.Battery = *battery
	}
	if ip != "" {
		d.IP = ip
	}
	if firmware != "" {
		d.Firmware = firmware
	}
}

// SetPendingCommand is reserved for the command dispatcher. Empty action
// clears the marker.
func (r *Registry) SetPendingCommand(id string, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.PendingCommand = action
	}
}
