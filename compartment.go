package cmld

import (
	"encoding/json"
	"os"

	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
)

// Compartment is one managed container: its decoded configuration, its
// lifecycle state machine, and the module hooks registered to run for it.
// The term mirrors spec.md's own vocabulary for the thing cmld manages —
// never "container" in this package, to keep it distinct from the guest
// OS's own notion of a container.
type Compartment struct {
	UUID  string
	Name  string
	State *StateMachine

	Config types.ContainerConfig

	PID       int
	NetnsPath string

	hookCtx *modules.Context
	hooks   []modules.Hook

	syncPipe    *os.File
	readyPipe   *os.File
	pendingStop func()
}

// NewCompartment constructs a Compartment from a decoded configuration.
// Hooks are registered in the fixed order the engine sequences them in
// (spec.md §4.2/§4.3); callers needing a different module set for testing
// can pass a shorter or reordered slice.
func NewCompartment(cfg types.ContainerConfig, hooks []modules.Hook) *Compartment {
	return &Compartment{
		UUID:   cfg.UUID,
		Name:   cfg.Name,
		State:  NewStateMachine(cfg.UUID),
		Config: cfg,
		hooks:  hooks,
		hookCtx: &modules.Context{
			UUID:   cfg.UUID,
			Config: cfg,
		},
	}
}

// HookContext returns the per-compartment context threaded through module
// hooks, kept in sync with the Compartment's own PID/NetnsPath fields.
func (c *Compartment) HookContext() *modules.Context {
	c.hookCtx.PID = c.PID
	c.hookCtx.NetnsPath = c.NetnsPath
	return c.hookCtx
}

// Hooks returns the compartment's registered module hooks in start order.
func (c *Compartment) Hooks() []modules.Hook { return c.hooks }

// Register stashes the write end of the init process's synchronization
// pipe, released once the engine has finished privileged setup (uid_map,
// cgroup placement) that must happen before the child proceeds.
func (c *Compartment) Register(syncPipe *os.File) { c.syncPipe = syncPipe }

// ReleaseSyncBarrier closes the synchronization pipe, letting a parked
// init process continue past its own setup barrier.
func (c *Compartment) ReleaseSyncBarrier() {
	if c.syncPipe != nil {
		c.syncPipe.Close()
		c.syncPipe = nil
	}
}

// ReleaseSyncBarrierWithPayload JSON-encodes v onto the sync pipe before
// closing it, handing the re-exec'd init process the host-computed detail
// (capabilities, seccomp profile, rootfs path) it needs to run its own
// child-side hooks. A no-op if the barrier was already released.
func (c *Compartment) ReleaseSyncBarrierWithPayload(v any) error {
	if c.syncPipe == nil {
		return nil
	}
	err := json.NewEncoder(c.syncPipe).Encode(v)
	c.syncPipe.Close()
	c.syncPipe = nil
	return err
}

// RegisterReady stashes the read end of the init process's readiness pipe,
// written to (and closed) by the child once its own capabilities/seccomp
// setup has succeeded and it is about to hand off to the guest.
func (c *Compartment) RegisterReady(r *os.File) { c.readyPipe = r }

// ReadyFD returns the readiness pipe's file descriptor, or ok=false if
// none was registered (tests that never fork a real child never see one).
func (c *Compartment) ReadyFD() (fd int, ok bool) {
	if c.readyPipe == nil {
		return 0, false
	}
	return int(c.readyPipe.Fd()), true
}

// CloseReady closes and clears the readiness pipe once it has been waited
// on, successfully or not.
func (c *Compartment) CloseReady() {
	if c.readyPipe != nil {
		c.readyPipe.Close()
		c.readyPipe = nil
	}
}

// QueueStop records a stop request arriving while the compartment cannot
// act on it immediately (spec.md §9 scenario S4: a stop issued mid-FREEZE
// must not cancel the freeze in flight). The engine runs it once the
// compartment reaches FROZEN or RUNNING.
func (c *Compartment) QueueStop(run func()) { c.pendingStop = run }

// TakeQueuedStop returns and clears any stop queued by QueueStop, or nil
// if none is pending.
func (c *Compartment) TakeQueuedStop() func() {
	run := c.pendingStop
	c.pendingStop = nil
	return run
}
