package pool

import (
	"context"
	"errors"
	"testing"
)

func TestUIDRangePool_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	p := NewUIDRangePool(100000, 65536, 2)

	base1, len1, err := p.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("Acquire c1: %v", err)
	}
	if base1 != 100000 || len1 != 65536 {
		t.Fatalf("Acquire c1 = (%d, %d), want (100000, 65536)", base1, len1)
	}

	base2, _, err := p.Acquire(ctx, "c2")
	if err != nil {
		t.Fatalf("Acquire c2: %v", err)
	}
	if base2 != 165536 {
		t.Fatalf("Acquire c2 base = %d, want 165536", base2)
	}

	if _, _, err := p.Acquire(ctx, "c3"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire c3 err = %v, want ErrExhausted", err)
	}

	p.Release(ctx, "c1", base1)
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse())
	}

	base3, _, err := p.Acquire(ctx, "c3")
	if err != nil {
		t.Fatalf("Acquire c3 after release: %v", err)
	}
	if base3 != base1 {
		t.Fatalf("Acquire c3 base = %d, want reused %d", base3, base1)
	}
}

func TestUIDRangePool_ReleaseWrongOwnerIsNoop(t *testing.T) {
	ctx := context.Background()
	p := NewUIDRangePool(0, 1000, 1)
	base, _, err := p.Acquire(ctx, "owner")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(ctx, "not-the-owner", base)
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 (release from wrong owner must be a no-op)", p.InUse())
	}
}

func TestUIDRangePool_ShutdownRejectsAcquire(t *testing.T) {
	ctx := context.Background()
	p := NewUIDRangePool(0, 1000, 4)
	p.Shutdown()
	if _, _, err := p.Acquire(ctx, "c1"); !errors.Is(err, ErrPoolClosing) {
		t.Fatalf("Acquire after Shutdown = %v, want ErrPoolClosing", err)
	}
}
