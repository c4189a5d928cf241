package cmld

import (
	"context"
	"testing"

	"github.com/cmld/cmld/types"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry(100000, 10000, 10)
	c := NewCompartment(types.ContainerConfig{UUID: "c1", Name: "alpha"}, nil)
	r.Add(c)

	got, ok := r.Get("c1")
	if !ok || got.Name != "alpha" {
		t.Fatalf("Get(c1) = %+v, %v", got, ok)
	}

	r.Remove("c1")
	if _, ok := r.Get("c1"); ok {
		t.Fatal("Get after Remove: want not found")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(100000, 10000, 10)
	r.Add(NewCompartment(types.ContainerConfig{UUID: "c1"}, nil))
	r.Add(NewCompartment(types.ContainerConfig{UUID: "c2"}, nil))

	if got := len(r.List()); got != 2 {
		t.Fatalf("len(List()) = %d, want 2", got)
	}
}

func TestRegistry_UIDRangeAcquireRelease(t *testing.T) {
	r := NewRegistry(100000, 100, 10)
	ctx := context.Background()

	base, length, err := r.AcquireUIDRange(ctx, "c1")
	if err != nil {
		t.Fatalf("AcquireUIDRange: %v", err)
	}
	if length != 10 {
		t.Fatalf("length = %d, want 10", length)
	}
	r.ReleaseUIDRange(ctx, "c1", base)

	// The range should be reusable once released.
	if _, _, err := r.AcquireUIDRange(ctx, "c2"); err != nil {
		t.Fatalf("AcquireUIDRange after release: %v", err)
	}
}

func TestRegistry_ReplayRestarts_SkipsRestartNever(t *testing.T) {
	r := NewRegistry(100000, 10000, 10)
	r.Add(NewCompartment(types.ContainerConfig{UUID: "c1", RestartPolicy: types.RestartNever}, nil))
	r.Add(NewCompartment(types.ContainerConfig{UUID: "c2", RestartPolicy: types.RestartAlways}, nil))

	var started []string
	r.ReplayRestarts(context.Background(), func(ctx context.Context, c *Compartment) error {
		started = append(started, c.UUID)
		return nil
	})

	if len(started) != 1 || started[0] != "c2" {
		t.Fatalf("started = %v, want only [c2]", started)
	}
}
