package registry

import (
	"sync"
	"time"

	"github.com/hwbridge/broker/pkg/event"
)

// Publisher is the subset of event.Fabric the registry needs. Declaring it
// as an interface keeps the registry testable without a live fabric.
type Publisher interface {
	Publish(event.Event)
}

// Registry is the single source of truth for known devices (spec C3).
// All mutating methods run under a single writer lock; List and Get take
// only a read lock, so discovery's periodic upserts never starve readers.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]Device
	publisher Publisher
}

// New creates an empty Registry publishing change events to pub.
func New(pub Publisher) *Registry {
	return &Registry{
		devices:   make(map[string]Device),
		publisher: pub,
	}
}

// List returns a snapshot of all known devices.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// Get returns the device with the given ID, if known.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Upsert merges an incoming device record into the registry. It is called
// by the discovery engine, by the broker's network.connect and
// network.discover handlers, and by the startup affinity restore in
// cmd/hwbrokerd; the network connection manager never calls it. The
// incoming device is compared against the stored one (if any) to decide
// which event, if any, to emit; events are published only after the
// internal map has been updated, so a subscriber that observes the event
// and then reads the registry sees at least the new state.
func (r *Registry) Upsert(d Device) {
	d.LastSeen = time.Now()
	if d.Properties == nil {
		d.Properties = make(map[string]any)
	}
	d = normalizeStatus(d)

	r.mu.Lock()
	existing, had := r.devices[d.ID]
	r.devices[d.ID] = d
	r.mu.Unlock()

	if !had {
		r.publish(event.TypeDiscovered, d)
		return
	}
	if existing.Status != d.Status || existing.IsConnected != d.IsConnected {
		r.publish(event.TypeStatusChanged, d)
	}
}

// Remove deletes a device from the registry and emits a "removed" event.
// It is a no-op if the device is not present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if ok {
		r.publish(event.TypeRemoved, d)
	}
}

// SetConnected flips a device's connected state — used by the network
// manager and the broker's open/close handlers so that Status stays derived correctly from
// IsConnected without duplicating the transition logic at every caller.
func (r *Registry) SetConnected(id string, connected bool) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	prevStatus, prevConn := d.Status, d.IsConnected
	d.IsConnected = connected
	d = normalizeStatus(d)
	r.devices[id] = d
	r.mu.Unlock()

	if prevStatus != d.Status || prevConn != d.IsConnected {
		r.publish(event.TypeStatusChanged, d)
	}
}

// MarkMissing is called once per discovery cycle for every device that was
// known but not observed this cycle. It removes the device unless an open
// adapter or network handle still references it (IsConnected), which
// would make removal premature — see spec §4.4 and the debounce Open
// Question resolved in SPEC_FULL.md.
func (r *Registry) MarkMissing(id string) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if d.IsConnected {
		// A handle is still open; keep the device and mark it offline-ish
		// only in status terms is wrong here, so we simply leave it as is.
		return
	}
	r.Remove(id)
}

func (r *Registry) publish(typ event.Type, d Device) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(event.New(typ, d.ID, string(d.Kind), d))
}

// normalizeStatus enforces the invariant "status = connected iff
// is_connected" from spec §3, without disturbing an explicit Error status.
func normalizeStatus(d Device) Device {
	if d.Status == StatusError {
		return d
	}
	if d.IsConnected {
		d.Status = StatusConnected
	} else if d.Status == StatusConnected {
		d.Status = StatusAvailable
	}
	return d
}
