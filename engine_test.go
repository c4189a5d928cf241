package cmld

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
)

// fakeHook is a modules.Hook whose Start/Cleanup behavior is configured
// per test; cleaned records that Cleanup ran so rollback order can be
// asserted.
type fakeHook struct {
	name      string
	startErr  error
	result    modules.Result
	cleanupFn func()
}

func (h *fakeHook) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: h.name}
}

func (h *fakeHook) Start(ctx context.Context, c *modules.Context) (modules.Result, error) {
	if h.startErr != nil {
		return modules.Result{}, h.startErr
	}
	return h.result, nil
}

func (h *fakeHook) Cleanup(ctx context.Context, c *modules.Context) error {
	if h.cleanupFn != nil {
		h.cleanupFn()
	}
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := NewRegistry(100000, 10000, 10)
	e := &Engine{Registry: reg, pending: make(map[string]chan error)}
	e.fork = func(c *Compartment) (int, error) { return 42, nil }
	e.reapFunc = func(pid int) {}
	e.kill = func(pid int) {}
	return e
}

// TestEngine_StartRollsBackOnFailure covers spec.md §8 scenario S3: a
// third hook fails after two have already started, and both of their
// Cleanups must run, in reverse order.
func TestEngine_StartRollsBackOnFailure(t *testing.T) {
	e := newTestEngine(t)
	var cleaned []string

	h1 := &fakeHook{name: "h1", cleanupFn: func() { cleaned = append(cleaned, "h1") }}
	h2 := &fakeHook{name: "h2", cleanupFn: func() { cleaned = append(cleaned, "h2") }}
	h3 := &fakeHook{name: "h3", startErr: errors.New("boom")}

	c := NewCompartment(types.ContainerConfig{UUID: "c3"}, []modules.Hook{h1, h2, h3})

	err := e.Start(context.Background(), c)
	if err == nil {
		t.Fatal("Start: want error from failing hook, got nil")
	}
	if c.State.State() != types.StateStopped {
		t.Fatalf("state after failed start = %v, want StateStopped", c.State.State())
	}
	want := []string{"h2", "h1"}
	if len(cleaned) != len(want) || cleaned[0] != want[0] || cleaned[1] != want[1] {
		t.Fatalf("cleanup order = %v, want %v", cleaned, want)
	}
}

func TestEngine_StartSucceeds(t *testing.T) {
	e := newTestEngine(t)
	h1 := &fakeHook{name: "h1"}
	c := NewCompartment(types.ContainerConfig{UUID: "c1"}, []modules.Hook{h1})

	if err := e.Start(context.Background(), c); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State.State() != types.StateRunning {
		t.Fatalf("state = %v, want StateRunning", c.State.State())
	}
}

// TestEngine_RequestStopDuringFreezeIsQueued covers spec.md §9 scenario
// S4: a stop issued while FREEZING must not cancel the freeze in flight.
// It only runs once the freeze resolves.
func TestEngine_RequestStopDuringFreezeIsQueued(t *testing.T) {
	e := newTestEngine(t)
	c := NewCompartment(types.ContainerConfig{UUID: "c4"}, nil)
	if err := e.Start(context.Background(), c); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Freeze(c); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if err := e.RequestStop(context.Background(), c); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if c.State.State() != types.StateFreezing {
		t.Fatalf("state after queued stop request = %v, want StateFreezing (unchanged)", c.State.State())
	}

	if err := e.ResolveFreeze(context.Background(), c, true); err != nil {
		t.Fatalf("ResolveFreeze: %v", err)
	}
	if c.State.State() != types.StateStopped {
		t.Fatalf("state after resolved freeze = %v, want StateStopped (queued stop ran)", c.State.State())
	}
}

// TestEngine_PendingHookResumesOnFDReadable exercises the async
// continuation path: a hook returns Pending with a real pipe fd, and the
// engine must wait for it to become readable before the next hook runs.
func TestEngine_PendingHookResumesOnFDReadable(t *testing.T) {
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer loop.Close()
	e := newTestEngine(t)
	e.Loop = loop

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	continued := make(chan struct{}, 1)
	pendingHook := &fakeHook{
		name: "pending",
		result: modules.Result{
			Pending:   true,
			PendingFD: int(r.Fd()),
			Continue: func(ctx context.Context) error {
				continued <- struct{}{}
				return nil
			},
		},
	}
	after := &fakeHook{name: "after"}
	c := NewCompartment(types.ContainerConfig{UUID: "c5"}, []modules.Hook{pendingHook, after})

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background(), c) }()

	go func() {
		loop.Run(context.Background())
	}()

	w.Write([]byte{1})
	defer w.Close()

	select {
	case <-continued:
	case <-done:
		t.Fatal("Start returned before pending hook's continuation ran")
	}

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop.Stop()
}
