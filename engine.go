package cmld

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
)

// compartmentRootBase is where each compartment's assembled rootfs is
// staged before pivot_root; volumes.go mounts the compartment's layers
// under <compartmentRootBase>/<uuid>/rootfs, and run.go pivots into it.
const compartmentRootBase = "/var/lib/cmld/compartments"

// namespaceCloneFlags are the namespaces every compartment's init process
// gets unconditionally. CLONE_NEWTIME is not among them: audittime.go's
// hook only records a "time_namespace" flag in the hook context, and the
// engine does not read it.
const namespaceCloneFlags = syscall.CLONE_NEWUSER |
	syscall.CLONE_NEWPID |
	syscall.CLONE_NEWNS |
	syscall.CLONE_NEWNET |
	syscall.CLONE_NEWUTS |
	syscall.CLONE_NEWIPC

// Engine sequences module hooks for compartment start/stop, handling
// partial-failure rollback and async pending-hook continuations (spec.md
// §4.2).
type Engine struct {
	Loop     *eventloop.Loop
	Registry *Registry

	// fork spawns a compartment's init process and returns its pid. Tests
	// substitute a fake that skips the real clone(2); production leaves it
	// nil, which makes Start use forkCompartmentInit.
	fork func(c *Compartment) (int, error)
	// reap waits for a compartment's init process to exit. Tests
	// substitute a no-op; production leaves it nil, which makes reap use
	// syscall.Wait4.
	reapFunc func(pid int)
	// kill signals a compartment's init process to exit. Tests substitute
	// a no-op; production leaves it nil, which makes Stop use syscall.Kill.
	kill func(pid int)

	mu      sync.Mutex
	pending map[string]chan error // keyed by compartment UUID, closed on resume
}

// NewEngine constructs an Engine bound to loop and registry.
func NewEngine(loop *eventloop.Loop, registry *Registry) *Engine {
	return &Engine{Loop: loop, Registry: registry, pending: make(map[string]chan error)}
}

// Start runs a compartment's Start hooks in registration order. A hook
// that returns Result.Pending parks the sequence: the engine registers
// the hook's fd on the loop and resumes the remaining hooks once it's
// readable. A hook that fails triggers Cleanup on every previously
// started hook, in reverse order, before Start returns (spec.md §4.3,
// scenario S3).
func (e *Engine) Start(ctx context.Context, c *Compartment) error {
	if err := c.State.Transition(types.StateStarting); err != nil {
		return err
	}

	base, length, err := e.Registry.AcquireUIDRange(ctx, c.UUID)
	if err != nil {
		c.State.Transition(types.StateStopped)
		return NewModuleError(KindResourceBusy, "engine", "acquire uid range for %s: %v", c.UUID, err)
	}
	hc := c.HookContext()
	hc.UIDBase = base
	hc.UIDRangeLen = length
	hc.RootfsPath = filepath.Join(compartmentRootBase, c.UUID, "rootfs")

	fork := e.fork
	if fork == nil {
		fork = e.forkCompartmentInit
	}
	pid, err := fork(c)
	if err != nil {
		e.Registry.ReleaseUIDRange(ctx, c.UUID, base)
		c.State.Transition(types.StateStopped)
		return NewKernelError("engine", err, "fork compartment init for %s", c.UUID)
	}
	c.PID = pid
	hc.PID = pid

	if err := c.State.Transition(types.StateBooting); err != nil {
		return err
	}

	// The child is parked reading its sync pipe until every host-side hook
	// (uid/gid mapping, cgroup placement, network move) has run. Hooks
	// marked RunsInChild (capabilities, seccomp, run) never execute here —
	// they only make sense applied to the child's own process — so
	// runStartHooks skips them entirely; __compartment_init runs them
	// in-process on the other side of the barrier once it's released.
	started, err := e.runStartHooks(ctx, c)
	if err != nil {
		c.ReleaseSyncBarrier()
		e.rollback(ctx, c, started)
		e.reap(c)
		e.Registry.ReleaseUIDRange(ctx, c.UUID, base)
		c.State.Transition(types.StateStopped)
		return err
	}

	payload := childInitPayload{Config: hc.Config, RootfsPath: hc.RootfsPath}
	if v, ok := hc.Get("guest_init_path"); ok {
		payload.GuestInitPath, _ = v.(string)
	}
	if err := c.ReleaseSyncBarrierWithPayload(payload); err != nil {
		e.rollback(ctx, c, started)
		e.reap(c)
		e.Registry.ReleaseUIDRange(ctx, c.UUID, base)
		c.State.Transition(types.StateStopped)
		return NewKernelError("engine", err, "release sync barrier for %s", c.UUID)
	}

	// BOOTING -> RUNNING only once the child has signaled it is past its
	// own capabilities/seccomp setup and about to hand off to the guest
	// (spec.md §3); c.ReadyFD reports ok=false for compartments whose fork
	// was faked out in tests, which skips the wait entirely.
	if err := e.waitChildReady(ctx, c); err != nil {
		c.CloseReady()
		e.rollback(ctx, c, started)
		e.reap(c)
		e.Registry.ReleaseUIDRange(ctx, c.UUID, base)
		c.State.Transition(types.StateStopped)
		return NewKernelError("engine", err, "wait for child readiness for %s", c.UUID)
	}
	c.CloseReady()

	if err := c.State.Transition(types.StateRunning); err != nil {
		return err
	}
	e.runQueuedStop(ctx, c)
	return nil
}

// waitChildReady blocks until the compartment's readiness pipe becomes
// readable, via the event loop, or ctx is done. Compartments with no
// registered readiness fd (every test that substitutes a fake fork) return
// immediately with a nil error.
func (e *Engine) waitChildReady(ctx context.Context, c *Compartment) error {
	fd, ok := c.ReadyFD()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	handle, err := e.Loop.AddFD(fd, eventloop.FDReadable, func(eventloop.FDEvent) {
		done <- nil
	})
	if err != nil {
		return err
	}
	defer e.Loop.RemoveFD(handle)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runQueuedStop runs and clears any stop request queued while the
// compartment couldn't act on it immediately (spec.md §9 scenario S4).
// Called whenever a transition lands the compartment in FROZEN or
// RUNNING, the two states a queued stop is allowed to fire from.
func (e *Engine) runQueuedStop(ctx context.Context, c *Compartment) {
	if run := c.TakeQueuedStop(); run != nil {
		run()
	}
}

// RequestStop is the entry point the control facade calls for an
// operator-issued stop. A compartment mid-FREEZE cannot be stopped
// immediately — statemachine.go has no FREEZING->SHUTTING_DOWN edge — so
// the request is queued and replayed once the freeze resolves to FROZEN
// or back to RUNNING.
func (e *Engine) RequestStop(ctx context.Context, c *Compartment) error {
	if c.State.State() == types.StateFreezing {
		c.QueueStop(func() {
			if err := e.Stop(ctx, c); err != nil {
				NewModuleError(KindInternal, "engine", "queued stop for %s: %v", c.UUID, err)
			}
		})
		return nil
	}
	return e.Stop(ctx, c)
}

// runStartHooks runs every hook's Start, parking on Pending results by
// blocking the calling goroutine on the hook's fd becoming readable
// through a temporary loop registration — the engine itself is agnostic
// to what that fd represents (a FIFO, a gRPC stream's done channel
// surfaced as an eventfd, etc).
func (e *Engine) runStartHooks(ctx context.Context, c *Compartment) ([]modules.Hook, error) {
	var started []modules.Hook
	hc := c.HookContext()
	for _, h := range c.Hooks() {
		desc := h.Descriptor()
		if desc.RunsInChild {
			continue
		}
		name := desc.Name
		spanCtx, span := startPhaseSpan(ctx, name, c.UUID, name)
		res, err := h.Start(spanCtx, hc)
		if err != nil {
			span.End()
			return started, NewModuleError(KindKernelError, name, "start: %v", err)
		}
		started = append(started, h)

		if res.Pending {
			if err := e.waitPending(spanCtx, res); err != nil {
				span.End()
				return started, NewModuleError(KindCredentialError, name, "pending hook: %v", err)
			}
		}
		span.End()
	}
	return started, nil
}

// waitPending blocks until fd is readable (or ctx is done), then invokes
// the hook's continuation.
func (e *Engine) waitPending(ctx context.Context, res modules.Result) error {
	done := make(chan error, 1)
	var handle eventloop.Handle
	if res.PendingFD != 0 {
		h, err := e.Loop.AddFD(res.PendingFD, eventloop.FDReadable, func(eventloop.FDEvent) {
			done <- res.Continue(ctx)
		})
		if err != nil {
			return err
		}
		handle = h
		defer e.Loop.RemoveFD(handle)
	} else {
		go func() { done <- res.Continue(ctx) }()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rollback runs Cleanup on every hook in started, in reverse order.
func (e *Engine) rollback(ctx context.Context, c *Compartment, started []modules.Hook) {
	hc := c.HookContext()
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Cleanup(ctx, hc); err != nil {
			NewModuleError(KindInternal, started[i].Descriptor().Name, "cleanup: %v", err)
		}
	}
}

// Stop tears a running compartment down: Cleanup runs on every registered
// hook in reverse order, then the init process is killed and reaped.
func (e *Engine) Stop(ctx context.Context, c *Compartment) error {
	if err := c.State.Transition(types.StateShuttingDown); err != nil {
		return err
	}
	hooks := c.Hooks()
	e.rollback(ctx, c, hooks)
	if c.PID != 0 {
		if e.kill != nil {
			e.kill(c.PID)
		} else {
			syscall.Kill(c.PID, syscall.SIGTERM)
		}
		e.reap(c)
	}
	e.Registry.ReleaseUIDRange(ctx, c.UUID, c.HookContext().UIDBase)
	return c.State.Transition(types.StateStopped)
}

// rebootTeardown runs every teardown side effect Stop performs — hook
// rollback, killing and reaping the init process, releasing the uid
// range — without transitioning the compartment's state at all. It leaves
// the compartment sitting in REBOOTING; statemachine.go already permits
// REBOOTING->STARTING directly, so control.go's Reboot can hand the
// compartment straight back to Start afterward instead of routing it
// through SHUTTING_DOWN, an edge REBOOTING has no transition to.
func (e *Engine) rebootTeardown(ctx context.Context, c *Compartment) {
	hooks := c.Hooks()
	e.rollback(ctx, c, hooks)
	if c.PID != 0 {
		if e.kill != nil {
			e.kill(c.PID)
		} else {
			syscall.Kill(c.PID, syscall.SIGTERM)
		}
		e.reap(c)
	}
	e.Registry.ReleaseUIDRange(ctx, c.UUID, c.HookContext().UIDBase)
}

// Freeze transitions a running compartment to FREEZING. Only the state
// changes: neither the engine, the control facade nor cgroup.go writes a
// cgroup freezer file. ResolveFreeze records the outcome.
func (e *Engine) Freeze(c *Compartment) error {
	return c.State.Transition(types.StateFreezing)
}

// Freeze completion/failure resolves FREEZING to FROZEN or back to
// RUNNING; either resolution must replay a queued stop (S4).
func (e *Engine) ResolveFreeze(ctx context.Context, c *Compartment, frozen bool) error {
	target := types.StateRunning
	if frozen {
		target = types.StateFrozen
	}
	if err := c.State.Transition(target); err != nil {
		return err
	}
	e.runQueuedStop(ctx, c)
	return nil
}

// Unfreeze resolves a FROZEN compartment back to RUNNING.
func (e *Engine) Unfreeze(ctx context.Context, c *Compartment) error {
	if err := c.State.Transition(types.StateRunning); err != nil {
		return err
	}
	e.runQueuedStop(ctx, c)
	return nil
}

func (e *Engine) reap(c *Compartment) {
	if c.PID == 0 {
		return
	}
	if e.reapFunc != nil {
		e.reapFunc(c.PID)
		c.PID = 0
		return
	}
	var ws syscall.WaitStatus
	syscall.Wait4(c.PID, &ws, 0, nil)
	c.PID = 0
}

// forkCompartmentInit forks the compartment's init process into a fresh
// set of namespaces and parks it at a synchronization barrier (reading the
// sync pipe to EOF and decoding the JSON written there) until the engine
// has finished its host-side Start hooks, uid/gid map included,
// matching the well-known "unprivileged user namespace" ordering
// requirement: a process cannot touch most of its new namespaces'
// privileged surface until its uid_map is written from the parent.
func (e *Engine) forkCompartmentInit(c *Compartment) (int, error) {
	syncR, syncW, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer syncR.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		syncW.Close()
		return 0, err
	}
	defer readyW.Close()

	cmd := exec.Command("/proc/self/exe", "__compartment_init", c.UUID)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(namespaceCloneFlags),
	}
	// fd 3: sync barrier (read end in the child). fd 4: readiness pipe
	// (write end in the child) — compartment_init.go opens both at these
	// fixed descriptor numbers via os.NewFile.
	cmd.ExtraFiles = []*os.File{syncR, readyW}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		syncW.Close()
		readyR.Close()
		return 0, fmt.Errorf("engine: start compartment init: %w", err)
	}

	c.Register(syncW)
	c.RegisterReady(readyR)
	return cmd.Process.Pid, nil
}
