package replication

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds every device and coordinates cross-device sync ordering.
// The global lock gl is taken exclusively around any evaluation or change of
// the run-after dependency shape, and in shared mode by ordinary per-device
// transitions, so evaluation always sees a stable set of state tuples.
type Registry struct {
	gl      sync.RWMutex
	devices map[string]*Device
	log     zerolog.Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		log:     logger.With().Str("component", "syncgroup").Logger(),
	}
}

// Add registers a device and binds it to this registry's coordination.
func (r *Registry) Add(d *Device) {
	r.gl.Lock()
	defer r.gl.Unlock()
	r.devices[d.name] = d
	d.registry = r
}

// Get returns the named device, or nil.
func (r *Registry) Get(name string) *Device {
	r.gl.RLock()
	defer r.gl.RUnlock()
	return r.devices[name]
}

// Devices returns all registered devices.
func (r *Registry) Devices() []*Device {
	r.gl.RLock()
	defer r.gl.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// maySyncNow walks d's run-after chain and reports whether d may sync right
// now: no ancestor may be actively syncing or paused. Called with gl held.
// A dangling or cyclic dependency is treated as permissive, matching the
// rule that a misconfigured ordering must not wedge resync forever.
func (r *Registry) maySyncNow(d *Device) bool {
	od := d
	for hops := 0; ; hops++ {
		after := od.runAfter
		if after == "" {
			return true
		}
		od = r.devices[after]
		if od == nil {
			r.log.Error().Str("device", d.name).Str("after", after).Msg("run-after dependency not found")
			return true
		}
		if od == d || hops >= len(r.devices) {
			r.log.Error().Str("device", d.name).Msg("run-after dependency cycle")
			return true
		}

		od.mu.Lock()
		st := od.state
		od.mu.Unlock()
		if st.Conn.Syncing() || st.Paused() {
			return false
		}
	}
}

// pauseAfter sets the dependency-pause flag on every device that may not
// sync now. Called with gl held exclusively. Reports whether any flag
// changed, for the fixed-point loop.
func (r *Registry) pauseAfter() bool {
	changed := false
	for _, od := range r.devices {
		if r.maySyncNow(od) {
			continue
		}
		od.mu.Lock()
		if !od.state.DepPaused {
			ns := od.state
			ns.DepPaused = true
			od.setStateLocked(ns)
			changed = true
		}
		od.mu.Unlock()
	}
	return changed
}

// resumeNext clears the dependency-pause flag on every device whose chain no
// longer blocks it. Called with gl held exclusively.
func (r *Registry) resumeNext() bool {
	changed := false
	for _, od := range r.devices {
		od.mu.Lock()
		paused := od.state.DepPaused
		od.mu.Unlock()
		if !paused || !r.maySyncNow(od) {
			continue
		}
		od.mu.Lock()
		if od.state.DepPaused {
			ns := od.state
			ns.DepPaused = false
			od.setStateLocked(ns)
			changed = true
		}
		od.mu.Unlock()
	}
	return changed
}

// settle runs pause and resume evaluation to a fixed point. A single pass is
// not enough: clearing one device's flag can unblock or block another
// further down a chain.
func (r *Registry) settle() {
	for {
		changed := r.pauseAfter()
		if r.resumeNext() {
			changed = true
		}
		if !changed {
			return
		}
	}
}

// ResumeNext re-evaluates pause flags after a device finished its session.
func (r *Registry) ResumeNext() {
	r.gl.Lock()
	defer r.gl.Unlock()
	r.settle()
}

// AlterRunAfter changes a device's run-after dependency and settles every
// affected pause flag before returning.
func (r *Registry) AlterRunAfter(name, after string) error {
	r.gl.Lock()
	defer r.gl.Unlock()

	d := r.devices[name]
	if d == nil {
		return errDeviceNotFound(name)
	}
	if after != "" {
		if r.devices[after] == nil {
			return errDeviceNotFound(after)
		}
	}
	d.mu.Lock()
	d.runAfter = after
	d.mu.Unlock()

	r.settle()
	return nil
}

// SetUserPause sets or clears the operator pause flag on a device and
// propagates the effect through dependent devices.
func (r *Registry) SetUserPause(name string, paused bool) error {
	r.gl.Lock()
	defer r.gl.Unlock()

	d := r.devices[name]
	if d == nil {
		return errDeviceNotFound(name)
	}
	d.mu.Lock()
	if d.state.UserPaused != paused {
		ns := d.state
		ns.UserPaused = paused
		d.setStateLocked(ns)
	}
	d.mu.Unlock()

	r.settle()
	return nil
}

type errDeviceNotFound string

func (e errDeviceNotFound) Error() string {
	return "no such device: " + string(e)
}
