// Package pool manages allocation of host-wide resources that must be
// handed out exclusively to one compartment at a time. The acquire/release/
// shutdown shape here is ported from a generic resource pool: instead of
// pooling warm connections, UIDRangePool hands out disjoint uid/gid ranges
// for the user-namespace mapping module (spec.md §4.3).
package pool

import (
	"context"
	"fmt"
	"sync"
)

// UIDRangePool allocates contiguous, non-overlapping uid/gid ranges of a
// fixed size out of a bounded address space starting at Base.
type UIDRangePool struct {
	base     uint32
	rangeLen uint32
	count    uint32

	mu       sync.Mutex
	closing  bool
	assigned map[uint32]string // slot index -> owning compartment UUID
}

// NewUIDRangePool creates a pool of `count` disjoint ranges of `rangeLen`
// uids each, starting at `base`.
func NewUIDRangePool(base, rangeLen, count uint32) *UIDRangePool {
	return &UIDRangePool{
		base:     base,
		rangeLen: rangeLen,
		count:    count,
		assigned: make(map[uint32]string),
	}
}

// ErrPoolClosing is returned by Acquire once Shutdown has been called.
var ErrPoolClosing = fmt.Errorf("uid range pool is shutting down")

// ErrExhausted is returned when every range slot is already assigned — the
// caller should surface this as a ResourceBusy error.
var ErrExhausted = fmt.Errorf("uid range pool exhausted")

// Acquire reserves the next free range for the given compartment and returns
// its (base uid, range length).
func (p *UIDRangePool) Acquire(_ context.Context, compartmentUUID string) (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return 0, 0, ErrPoolClosing
	}
	for slot := uint32(0); slot < p.count; slot++ {
		if _, taken := p.assigned[slot]; taken {
			continue
		}
		p.assigned[slot] = compartmentUUID
		return p.base + slot*p.rangeLen, p.rangeLen, nil
	}
	return 0, 0, ErrExhausted
}

// Release frees the range previously returned for compartmentUUID at
// rangeBase. It is a no-op if the range was never assigned to that owner.
func (p *UIDRangePool) Release(_ context.Context, compartmentUUID string, rangeBase uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := (rangeBase - p.base) / p.rangeLen
	if owner, ok := p.assigned[slot]; ok && owner == compartmentUUID {
		delete(p.assigned, slot)
	}
}

// InUse reports how many range slots are currently assigned.
func (p *UIDRangePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assigned)
}

// Shutdown marks the pool closed; subsequent Acquire calls fail with
// ErrPoolClosing. Already-assigned ranges are left untouched — it is the
// caller's responsibility to have stopped every compartment first.
func (p *UIDRangePool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closing = true
}
