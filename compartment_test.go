package cmld

import (
	"os"
	"testing"

	"github.com/cmld/cmld/types"
)

func TestNewCompartment_InitialState(t *testing.T) {
	cfg := types.ContainerConfig{UUID: "c1", Name: "alpha"}
	c := NewCompartment(cfg, nil)

	if c.UUID != "c1" || c.Name != "alpha" {
		t.Fatalf("NewCompartment: got UUID=%q Name=%q", c.UUID, c.Name)
	}
	if c.State.State() != types.StateStopped {
		t.Fatalf("initial state = %s, want STOPPED", c.State.State())
	}
}

func TestCompartment_HookContextTracksPIDAndNetns(t *testing.T) {
	cfg := types.ContainerConfig{UUID: "c1"}
	c := NewCompartment(cfg, nil)
	c.PID = 4242
	c.NetnsPath = "/proc/4242/ns/net"

	ctx := c.HookContext()
	if ctx.PID != 4242 || ctx.NetnsPath != "/proc/4242/ns/net" {
		t.Fatalf("HookContext() = %+v, want PID=4242 NetnsPath set", ctx)
	}
}

func TestCompartment_SyncBarrier(t *testing.T) {
	cfg := types.ContainerConfig{UUID: "c1"}
	c := NewCompartment(cfg, nil)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	c.Register(w)

	c.ReleaseSyncBarrier()

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("read after ReleaseSyncBarrier: want EOF-like error, got data")
	}
}

func TestCompartment_QueueAndTakeStop(t *testing.T) {
	cfg := types.ContainerConfig{UUID: "c1"}
	c := NewCompartment(cfg, nil)

	if run := c.TakeQueuedStop(); run != nil {
		t.Fatal("TakeQueuedStop: want nil before any QueueStop")
	}

	ran := false
	c.QueueStop(func() { ran = true })

	run := c.TakeQueuedStop()
	if run == nil {
		t.Fatal("TakeQueuedStop: want non-nil after QueueStop")
	}
	run()
	if !ran {
		t.Fatal("queued stop function did not run")
	}

	if run := c.TakeQueuedStop(); run != nil {
		t.Fatal("TakeQueuedStop: want nil after being taken once")
	}
}
