package hotplug

import "github.com/cmld/cmld/types"

// debounce schedules retry to run again after the configured interval, up
// to the configured retry budget, keyed by key so repeated events for the
// same device coalesce onto a single pending timer rather than stacking
// up one per uevent (spec.md §4.1 timer coalescing applies at the
// eventloop level; this is the hotplug-specific policy layered on top:
// the kernel may report a USB device node a few frames after the device's
// own add event, and each of those intermediate frames would otherwise
// restart a fresh wait from scratch).
func (c *Coordinator) debounce(key string, ev types.Uevent, retry func(types.Uevent, bool)) {
	c.mu.Lock()
	existing, ok := c.pending[key]
	if ok {
		c.mu.Unlock()
		existing.ev = ev
		return
	}
	pm := &pendingMatch{ev: ev}
	c.pending[key] = pm
	interval := c.debounceInterval
	retries := c.debounceRetries
	c.mu.Unlock()

	var tick func()
	tick = func() {
		c.mu.Lock()
		pm, ok := c.pending[key]
		if !ok {
			c.mu.Unlock()
			return
		}
		pm.attempts++
		final := pm.attempts >= retries
		current := pm.ev
		if final {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		retry(current, final)

		if !final {
			c.mu.Lock()
			if pm, ok := c.pending[key]; ok {
				pm.handle = c.loop.AddTimer(interval, 0, tick)
			}
			c.mu.Unlock()
		}
	}
	c.loop.AddTimer(interval, 0, tick)
}

// cancelDebounce stops a pending retry sequence, used once a match
// resolves successfully before its retry budget is exhausted.
func (c *Coordinator) cancelDebounce(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pm, ok := c.pending[key]; ok {
		c.loop.RemoveTimer(pm.handle)
		delete(c.pending, key)
	}
}
