package hotplug

import (
	"log/slog"

	"github.com/cmld/cmld/types"
)

// HandleUSBUevent processes one usb_device uevent. On "add" it tries to
// match the enriched vendor/product IDs and sysfs-read serial against
// registered mappings; the kernel sometimes reports the device node
// (major/minor) a few milliseconds after the initial add event, so a first
// pass with no devnum yet is debounced rather than treated as a non-match
// (spec.md §4.4 rule 1).
func (c *Coordinator) HandleUSBUevent(ev types.Uevent) {
	if ev.Subsystem != "usb" || ev.Devtype != "usb_device" {
		return
	}
	switch ev.Action {
	case types.ActionAdd:
		c.handleUSBAdd(ev)
	case types.ActionRemove:
		c.handleUSBRemove(ev)
	}
}

func (c *Coordinator) handleUSBAdd(ev types.Uevent) {
	if !ev.HaveUSBIDs {
		return
	}
	c.mu.Lock()
	var matched []types.USBMapping
	for i := range c.usbMappings {
		if c.usbMappings[i].Matches(ev.USBVendor, ev.USBProduct, ev.USBSerial) {
			matched = append(matched, c.usbMappings[i])
		}
	}
	c.mu.Unlock()
	if len(matched) == 0 {
		return
	}

	if !ev.HaveDevNum {
		c.debounce("usb-devnum:"+ev.Devpath, ev, func(retryEv types.Uevent, final bool) {
			c.handleUSBAdd(retryEv)
		})
		return
	}
	c.cancelDebounce("usb-devnum:" + ev.Devpath)

	c.mu.Lock()
	for i := range c.usbMappings {
		if c.usbMappings[i].Matches(ev.USBVendor, ev.USBProduct, ev.USBSerial) {
			c.usbMappings[i].SetDevNum(ev.Major, ev.Minor)
		}
	}
	allow := c.onDeviceAllow
	assign := c.onUSBAssign
	c.mu.Unlock()

	for i := range matched {
		matched[i].SetDevNum(ev.Major, ev.Minor)
		mapping := matched[i]

		// Rule 1: device-cgroup allow applies to every matched mapping,
		// generic or token.
		if allow != nil {
			if err := allow(mapping); err != nil {
				slog.Error("hotplug: device-cgroup allow failed", "compartment", mapping.CompartmentUUID, "vendor", mapping.VendorID, "product", mapping.ProductID, "error", err)
			}
		}
		if assign != nil {
			assign(mapping, ev)
		}
		if mapping.Kind == types.USBToken {
			c.scheduleTokenAttach(ev.Devpath, mapping)
		}
	}
}

func (c *Coordinator) handleUSBRemove(ev types.Uevent) {
	c.mu.Lock()
	var removed []types.USBMapping
	for i := range c.usbMappings {
		m := &c.usbMappings[i]
		if m.HasDevNum() && m.Major == ev.Major && m.Minor == ev.Minor {
			removed = append(removed, *m)
			m.ClearDevNum()
		}
	}
	deny := c.onDeviceDeny
	detach := c.onTokenDetach
	c.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	c.cancelDebounce("usb-token:" + ev.Devpath)

	for _, mapping := range removed {
		if mapping.Kind == types.USBToken && detach != nil {
			if err := detach(mapping); err != nil {
				slog.Error("hotplug: token detach failed", "compartment", mapping.CompartmentUUID, "error", err)
			}
		}
		if deny != nil {
			if err := deny(mapping); err != nil {
				slog.Error("hotplug: device-cgroup deny failed", "compartment", mapping.CompartmentUUID, "vendor", mapping.VendorID, "product", mapping.ProductID, "error", err)
			}
		}
	}
}

// scheduleTokenAttach waits up to the configured debounce budget (spec.md
// §4.4 rule 1: 100ms, up to 10 attempts — ≤1s total, matching scenario
// S1) for the token collaborator to accept the attach, retrying on
// failure since the device node under /dev may not have settled yet.
func (c *Coordinator) scheduleTokenAttach(devpath string, mapping types.USBMapping) {
	c.mu.Lock()
	attach := c.onTokenAttach
	c.mu.Unlock()
	if attach == nil {
		return
	}
	c.debounce("usb-token:"+devpath, types.Uevent{Devpath: devpath}, func(_ types.Uevent, final bool) {
		if err := attach(mapping); err != nil {
			if final {
				slog.Error("hotplug: token attach gave up", "compartment", mapping.CompartmentUUID, "error", err)
			}
			return
		}
		c.cancelDebounce("usb-token:" + devpath)
	})
}
