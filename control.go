package cmld

import (
	"context"

	"github.com/cmld/cmld/hotplug"
	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
)

// Control is the operator-facing facade: every RPC the control socket
// exposes (spec.md §6) is a thin method here, translating wire requests
// into Engine/Registry/hotplug.Coordinator calls. mux_server.go is the
// only caller in normal operation; tests call it directly.
type Control struct {
	Registry *Registry
	Engine   *Engine
	Hotplug  *hotplug.Coordinator

	// NewHooks builds the module hook chain for a freshly decoded
	// container config. Tests substitute a fake chain; production wires
	// in the real modules package.
	NewHooks func(types.ContainerConfig) []modules.Hook
}

// CompartmentStatus is the read-only snapshot returned by List and
// Status; it's the SPEC_FULL.md-added query distinct from the lifecycle
// mutators below.
type CompartmentStatus struct {
	UUID  string      `json:"uuid"`
	Name  string      `json:"name"`
	State types.State `json:"state"`
	PID   int         `json:"pid,omitempty"`
}

func snapshot(c *Compartment) CompartmentStatus {
	return CompartmentStatus{UUID: c.UUID, Name: c.Name, State: c.State.State(), PID: c.PID}
}

// List returns a status snapshot of every known compartment.
func (ctl *Control) List(ctx context.Context) []CompartmentStatus {
	compartments := ctl.Registry.List()
	out := make([]CompartmentStatus, 0, len(compartments))
	for _, c := range compartments {
		out = append(out, snapshot(c))
	}
	return out
}

// Status returns a single compartment's snapshot.
func (ctl *Control) Status(ctx context.Context, uuid string) (CompartmentStatus, error) {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return CompartmentStatus{}, NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	return snapshot(c), nil
}

// Create registers a new compartment from decoded config, ready to be
// started. It does not start it.
func (ctl *Control) Create(ctx context.Context, cfg types.ContainerConfig) (CompartmentStatus, error) {
	if _, exists := ctl.Registry.Get(cfg.UUID); exists {
		return CompartmentStatus{}, NewModuleError(KindConfigInvalid, "control", "compartment %s already registered", cfg.UUID)
	}
	c := NewCompartment(cfg, ctl.NewHooks(cfg))
	ctl.Registry.Add(c)
	return snapshot(c), nil
}

// Start runs a registered compartment's lifecycle startup.
func (ctl *Control) Start(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	return ctl.Engine.Start(ctx, c)
}

// Stop requests a compartment stop. A freeze in flight queues it rather
// than canceling the freeze (spec.md §9 scenario S4).
func (ctl *Control) Stop(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	return ctl.Engine.RequestStop(ctx, c)
}

// Freeze transitions a compartment to FREEZING. No cgroup freezer file is
// written, here or by the engine; Engine.ResolveFreeze records the outcome.
func (ctl *Control) Freeze(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	return ctl.Engine.Freeze(c)
}

// Unfreeze resolves a FROZEN compartment back to RUNNING and replays any
// queued stop.
func (ctl *Control) Unfreeze(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	return ctl.Engine.Unfreeze(ctx, c)
}

// Reboot stops then restarts a compartment in place.
func (ctl *Control) Reboot(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	if err := c.State.Transition(types.StateRebooting); err != nil {
		return err
	}
	// rebootTeardown runs Stop's cleanup without transitioning state, since
	// REBOOTING has no edge to SHUTTING_DOWN — only back to STARTING, which
	// Engine.Start's own first transition below performs directly.
	ctl.Engine.rebootTeardown(ctx, c)
	return ctl.Engine.Start(ctx, c)
}

// RegisterUSB adds a USB mapping to a compartment and the hotplug
// coordinator, so a matching device plugged in later is auto-assigned.
func (ctl *Control) RegisterUSB(ctx context.Context, m types.USBMapping) error {
	if _, ok := ctl.Registry.Get(m.CompartmentUUID); !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", m.CompartmentUUID)
	}
	return ctl.Hotplug.RegisterUSB(m)
}

// UnregisterUSB removes a previously registered USB mapping.
func (ctl *Control) UnregisterUSB(ctx context.Context, m types.USBMapping) {
	ctl.Hotplug.UnregisterUSB(m.CompartmentUUID, m.VendorID, m.ProductID, m.Serial)
}

// RegisterNet adds a MAC->compartment mapping to the hotplug coordinator.
func (ctl *Control) RegisterNet(ctx context.Context, m types.NetMapping) error {
	if _, ok := ctl.Registry.Get(m.CompartmentUUID); !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", m.CompartmentUUID)
	}
	return ctl.Hotplug.RegisterNet(m)
}

// UnregisterNet removes a mapping keyed by MAC.
func (ctl *Control) UnregisterNet(ctx context.Context, mac [6]byte) {
	ctl.Hotplug.UnregisterNet(mac)
}

// AttachToken is a convenience wrapper exposed to operators who want to
// re-trigger a compartment's smartcard unlock handshake without a full
// restart (e.g. after swapping the physical token).
func (ctl *Control) AttachToken(ctx context.Context, uuid string) error {
	c, ok := ctl.Registry.Get(uuid)
	if !ok {
		return NewModuleError(KindConfigInvalid, "control", "unknown compartment %s", uuid)
	}
	if c.State.State() != types.StateRunning {
		return NewModuleError(KindPreconditionFailed, "control", "compartment %s is not RUNNING", uuid)
	}
	for _, h := range c.Hooks() {
		if _, ok := h.(*modules.SmartcardModule); ok {
			res, err := h.Start(ctx, c.HookContext())
			if err != nil {
				return err
			}
			if res.Pending {
				return res.Continue(ctx)
			}
			return nil
		}
	}
	return NewModuleError(KindPreconditionFailed, "control", "compartment %s has no smartcard hook", uuid)
}
