// Package hotplug owns the USB and network device mapping tables and the
// debounce logic that turns noisy kernel uevent traffic into a small
// number of high-level "device arrived for compartment X" decisions
// (spec.md §4.4). It is driven by uevent.Source through an
// eventloop.Loop and calls back into the engine to deliver devices once
// debounce settles.
package hotplug

import (
	"sync"
	"time"

	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/types"
)

// DefaultDebounceInterval and DefaultDebounceRetries resolve spec.md §9's
// open question on the hotplug retry budget: SPEC_FULL.md makes both
// configurable per coordinator instance rather than fixed constants, since
// the right value depends on how slowly a given USB controller reports
// device-ready, but these remain the shipped defaults.
const (
	DefaultDebounceInterval = 100 * time.Millisecond
	DefaultDebounceRetries  = 10
)

// AssignFunc is called once a device's mapping is fully resolved — the
// matching physical device exists and its compartment is determined.
type AssignFunc func(mapping any, ev types.Uevent)

// DeviceCgroupFunc allows or denies a USB mapping's device node on its
// owning compartment's device cgroup (spec.md §4.4 rule 1/2). It applies
// uniformly to every matched USB mapping, generic or token.
type DeviceCgroupFunc func(mapping types.USBMapping) error

// TokenFunc invokes the smartcard collaborator's attach or detach entry
// point for a token-kind USB mapping, on top of (not instead of) the
// device-cgroup allow/deny every mapping gets.
type TokenFunc func(mapping types.USBMapping) error

// StateLookup reports a compartment's current lifecycle state, used to
// enforce spec.md §4.4 rule 4: a hotplug move is refused when the target
// compartment isn't STARTING, BOOTING, or RUNNING. ok is false for an
// unknown compartment UUID.
type StateLookup func(compartmentUUID string) (state types.State, ok bool)

// Coordinator holds the mapping tables and pending debounce timers for one
// daemon instance.
type Coordinator struct {
	mu sync.Mutex

	usbMappings []types.USBMapping
	netMappings []types.NetMapping

	debounceInterval time.Duration
	debounceRetries  int

	loop *eventloop.Loop

	onUSBAssign AssignFunc
	onNetAssign AssignFunc

	onDeviceAllow DeviceCgroupFunc
	onDeviceDeny  DeviceCgroupFunc
	onTokenAttach TokenFunc
	onTokenDetach TokenFunc

	stateLookup StateLookup

	pending map[string]*pendingMatch

	nextEthIdx  int
	nextWlanIdx int
}

type pendingMatch struct {
	ev       types.Uevent
	attempts int
	handle   eventloop.Handle
}

// New constructs a Coordinator bound to loop for its debounce timers.
func New(loop *eventloop.Loop) *Coordinator {
	return &Coordinator{
		loop:             loop,
		debounceInterval: DefaultDebounceInterval,
		debounceRetries:  DefaultDebounceRetries,
		pending:          make(map[string]*pendingMatch),
	}
}

// SetDebounce overrides the retry budget; must be called before any
// uevent is processed.
func (c *Coordinator) SetDebounce(interval time.Duration, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debounceInterval = interval
	c.debounceRetries = retries
}

// OnUSBAssign registers the callback invoked when a USB mapping resolves.
func (c *Coordinator) OnUSBAssign(fn AssignFunc) { c.onUSBAssign = fn }

// OnNetAssign registers the callback invoked when a net mapping resolves.
func (c *Coordinator) OnNetAssign(fn AssignFunc) { c.onNetAssign = fn }

// OnDeviceCgroupAllow registers the callback invoked to allow a matched
// USB mapping's device node on its compartment's device cgroup.
func (c *Coordinator) OnDeviceCgroupAllow(fn DeviceCgroupFunc) { c.onDeviceAllow = fn }

// OnDeviceCgroupDeny registers the callback invoked on USB device removal.
func (c *Coordinator) OnDeviceCgroupDeny(fn DeviceCgroupFunc) { c.onDeviceDeny = fn }

// OnTokenAttach registers the callback invoked once a token-kind USB
// mapping's device node has settled, on top of the device-cgroup allow.
func (c *Coordinator) OnTokenAttach(fn TokenFunc) { c.onTokenAttach = fn }

// OnTokenDetach registers the callback invoked on removal of a token-kind
// USB mapping's device node, on top of the device-cgroup deny.
func (c *Coordinator) OnTokenDetach(fn TokenFunc) { c.onTokenDetach = fn }

// SetStateLookup registers the callback HandleNetUevent consults to refuse
// moves into a compartment that isn't STARTING, BOOTING, or RUNNING.
func (c *Coordinator) SetStateLookup(fn StateLookup) { c.stateLookup = fn }

// RegisterUSB adds a USB mapping the coordinator should watch for.
// Preconditions (spec.md §4.4): the compartment must exist and not
// already hold a mapping for the same (vendor, product, serial) tuple.
func (c *Coordinator) RegisterUSB(m types.USBMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.usbMappings {
		if existing.CompartmentUUID == m.CompartmentUUID && existing.Matches(m.VendorID, m.ProductID, m.Serial) {
			return ErrAlreadyRegistered
		}
	}
	c.usbMappings = append(c.usbMappings, m)
	return nil
}

// UnregisterUSB removes a previously registered USB mapping.
func (c *Coordinator) UnregisterUSB(compartmentUUID string, vendor, product uint16, serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.usbMappings[:0]
	for _, m := range c.usbMappings {
		if m.CompartmentUUID == compartmentUUID && m.Matches(vendor, product, serial) {
			continue
		}
		out = append(out, m)
	}
	c.usbMappings = out
}

// RegisterNet adds a net mapping the coordinator should watch for.
func (c *Coordinator) RegisterNet(m types.NetMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.netMappings {
		if existing.MAC == m.MAC {
			return ErrAlreadyRegistered
		}
	}
	c.netMappings = append(c.netMappings, m)
	return nil
}

// UnregisterNet removes a previously registered net mapping.
func (c *Coordinator) UnregisterNet(mac [6]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.netMappings[:0]
	for _, m := range c.netMappings {
		if m.MAC == mac {
			continue
		}
		out = append(out, m)
	}
	c.netMappings = out
}
