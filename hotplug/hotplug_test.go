package hotplug

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/types"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *eventloop.Loop) {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(loop.Close)
	c := New(loop)
	c.SetDebounce(time.Millisecond, 3)
	return c, loop
}

// runLoop starts loop.Run in the background and returns a stop func that
// stops the loop and waits for Run to return.
func runLoop(t *testing.T, loop *eventloop.Loop) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	return func() {
		loop.Stop()
		<-done
	}
}

func TestRegisterUSB_DuplicateRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	m := types.USBMapping{CompartmentUUID: "c1", VendorID: 1, ProductID: 2, Serial: "S"}
	if err := c.RegisterUSB(m); err != nil {
		t.Fatalf("RegisterUSB: %v", err)
	}
	if err := c.RegisterUSB(m); err != ErrAlreadyRegistered {
		t.Fatalf("RegisterUSB duplicate = %v, want ErrAlreadyRegistered", err)
	}
}

// TestUSBAdd_ImmediateDevNum: the add event already carries major/minor,
// so a generic mapping resolves synchronously with a device-cgroup allow
// and no token-attach call.
func TestUSBAdd_ImmediateDevNum(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.RegisterUSB(types.USBMapping{CompartmentUUID: "c1", VendorID: 0x1234, ProductID: 0x5678, Kind: types.USBGeneric})

	var assigned types.USBMapping
	called := make(chan struct{}, 1)
	c.OnUSBAssign(func(m any, ev types.Uevent) {
		assigned = m.(types.USBMapping)
		called <- struct{}{}
	})
	allowed := make(chan types.USBMapping, 1)
	c.OnDeviceCgroupAllow(func(m types.USBMapping) error { allowed <- m; return nil })
	tokenCalled := make(chan struct{}, 1)
	c.OnTokenAttach(func(m types.USBMapping) error { tokenCalled <- struct{}{}; return nil })

	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
		USBVendor: 0x1234, USBProduct: 0x5678, HaveUSBIDs: true,
		Major: 189, Minor: 4, HaveDevNum: true, Devpath: "/devices/usb1",
	})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onUSBAssign never called")
	}
	if assigned.Major != 189 || assigned.Minor != 4 {
		t.Fatalf("assigned = %+v", assigned)
	}
	select {
	case m := <-allowed:
		if m.Major != 189 || m.Minor != 4 {
			t.Fatalf("device-cgroup allow mapping = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("device-cgroup allow never called for generic device")
	}
	select {
	case <-tokenCalled:
		t.Fatal("token attach called for a generic (non-token) device")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestUSBAdd_DebouncedDevNum covers the delayed-devnum path: the add event initially
// has no devnum, and a later retry (driven by the debounce timer) carries
// it.
func TestUSBAdd_DebouncedDevNum(t *testing.T) {
	c, loop := newTestCoordinator(t)
	c.RegisterUSB(types.USBMapping{CompartmentUUID: "c1", VendorID: 0xaaaa, ProductID: 0xbbbb})

	called := make(chan types.USBMapping, 1)
	c.OnUSBAssign(func(m any, ev types.Uevent) {
		called <- m.(types.USBMapping)
	})

	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
		USBVendor: 0xaaaa, USBProduct: 0xbbbb, HaveUSBIDs: true,
		Devpath: "/devices/usb2",
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.HandleUSBUevent(types.Uevent{
			Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
			USBVendor: 0xaaaa, USBProduct: 0xbbbb, HaveUSBIDs: true,
			Major: 189, Minor: 7, HaveDevNum: true, Devpath: "/devices/usb2",
		})
	}()

	stop := runLoop(t, loop)
	defer stop()

	select {
	case m := <-called:
		if m.Minor != 7 {
			t.Fatalf("assigned minor = %d, want 7", m.Minor)
		}
	case <-time.After(time.Second):
		t.Fatal("onUSBAssign never called after debounced devnum arrival")
	}
}

func TestUSBRemove_ClearsDevNum(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.RegisterUSB(types.USBMapping{CompartmentUUID: "c1", VendorID: 1, ProductID: 2})
	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
		USBVendor: 1, USBProduct: 2, HaveUSBIDs: true, Major: 5, Minor: 6, HaveDevNum: true,
	})
	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionRemove, Subsystem: "usb", Devtype: "usb_device",
		Major: 5, Minor: 6,
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usbMappings[0].HasDevNum() {
		t.Fatal("HasDevNum still true after remove")
	}
}

// TestUSBTokenLifecycle covers scenario S1 end to end: a token-kind
// mapping gets BOTH a device-cgroup allow and, within the debounce budget,
// a token-attach call on add; both a token-detach and a device-cgroup deny
// on remove.
func TestUSBTokenLifecycle(t *testing.T) {
	c, loop := newTestCoordinator(t)
	c.RegisterUSB(types.USBMapping{
		CompartmentUUID: "c1", VendorID: 0x1050, ProductID: 0x0407, Serial: "0001", Kind: types.USBToken,
	})

	allowed := make(chan types.USBMapping, 1)
	denied := make(chan types.USBMapping, 1)
	attached := make(chan types.USBMapping, 1)
	detached := make(chan types.USBMapping, 1)
	c.OnDeviceCgroupAllow(func(m types.USBMapping) error { allowed <- m; return nil })
	c.OnDeviceCgroupDeny(func(m types.USBMapping) error { denied <- m; return nil })
	c.OnTokenAttach(func(m types.USBMapping) error { attached <- m; return nil })
	c.OnTokenDetach(func(m types.USBMapping) error { detached <- m; return nil })

	stop := runLoop(t, loop)
	defer stop()

	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
		USBVendor: 0x1050, USBProduct: 0x0407, USBSerial: "0001", HaveUSBIDs: true,
		Major: 189, Minor: 3, HaveDevNum: true, Devpath: "/devices/pci0/usb1/1-2",
	})

	select {
	case m := <-allowed:
		if m.Major != 189 || m.Minor != 3 {
			t.Fatalf("allow mapping = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("device-cgroup allow never called")
	}
	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("token attach never called within debounce budget")
	}

	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionRemove, Subsystem: "usb", Devtype: "usb_device",
		Major: 189, Minor: 3, Devpath: "/devices/pci0/usb1/1-2",
	})

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("token detach never called")
	}
	select {
	case <-denied:
	case <-time.After(time.Second):
		t.Fatal("device-cgroup deny never called")
	}
}

// TestUSBTokenAttach_RetriesUntilSuccess: token attach fails on its first
// attempt (device node not yet under /dev) and succeeds on a later
// debounce tick.
func TestUSBTokenAttach_RetriesUntilSuccess(t *testing.T) {
	c, loop := newTestCoordinator(t)
	c.RegisterUSB(types.USBMapping{CompartmentUUID: "c1", VendorID: 1, ProductID: 2, Kind: types.USBToken})
	c.OnDeviceCgroupAllow(func(types.USBMapping) error { return nil })

	var attempts int
	attached := make(chan struct{}, 1)
	c.OnTokenAttach(func(m types.USBMapping) error {
		attempts++
		if attempts < 2 {
			return errors.New("device node not ready")
		}
		attached <- struct{}{}
		return nil
	})

	stop := runLoop(t, loop)
	defer stop()

	c.HandleUSBUevent(types.Uevent{
		Action: types.ActionAdd, Subsystem: "usb", Devtype: "usb_device",
		USBVendor: 1, USBProduct: 2, HaveUSBIDs: true,
		Major: 1, Minor: 1, HaveDevNum: true, Devpath: "/devices/usb9",
	})

	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("token attach never succeeded after retry")
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", attempts)
	}
}

func TestHandleNetUevent_RenamesAndAssigns(t *testing.T) {
	c, loop := newTestCoordinator(t)
	mac := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	c.RegisterNet(types.NetMapping{CompartmentUUID: "c1", MAC: mac})
	c.SetStateLookup(func(uuid string) (types.State, bool) { return types.StateRunning, uuid == "c1" })

	gotName := make(chan string, 1)
	c.OnNetAssign(func(m any, ev types.Uevent) { gotName <- ev.Interface })

	stop := runLoop(t, loop)
	defer stop()

	c.HandleNetUevent(
		types.Uevent{Action: types.ActionAdd, Subsystem: "net", Interface: "eth3"},
		func(ifname string) ([6]byte, bool) { return mac, true },
		func(ifname string) bool { return false },
	)

	select {
	case name := <-gotName:
		if name != "cmleth0" {
			t.Fatalf("renamed interface = %q, want cmleth0", name)
		}
	case <-time.After(time.Second):
		t.Fatal("onNetAssign never called")
	}
}

func TestHandleNetUevent_WirelessUsesWlanPrefix(t *testing.T) {
	c, loop := newTestCoordinator(t)
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	c.RegisterNet(types.NetMapping{CompartmentUUID: "c1", MAC: mac})
	c.SetStateLookup(func(uuid string) (types.State, bool) { return types.StateBooting, true })

	gotName := make(chan string, 1)
	c.OnNetAssign(func(m any, ev types.Uevent) { gotName <- ev.Interface })

	stop := runLoop(t, loop)
	defer stop()

	c.HandleNetUevent(
		types.Uevent{Action: types.ActionAdd, Subsystem: "net", Interface: "wlan0"},
		func(ifname string) ([6]byte, bool) { return mac, true },
		func(ifname string) bool { return true },
	)

	select {
	case name := <-gotName:
		if name != "cmlwlan0" {
			t.Fatalf("renamed interface = %q, want cmlwlan0", name)
		}
	case <-time.After(time.Second):
		t.Fatal("onNetAssign never called")
	}
}

// TestHandleNetUevent_FallsBackToDefaultCompartment covers spec.md §4.4
// rule 3(e): an unmatched MAC still moves, to the default compartment,
// with an ephemeral mapping rather than being dropped.
func TestHandleNetUevent_FallsBackToDefaultCompartment(t *testing.T) {
	c, loop := newTestCoordinator(t)
	c.SetStateLookup(func(uuid string) (types.State, bool) { return types.StateRunning, uuid == defaultCompartmentUUID })

	gotMapping := make(chan types.NetMapping, 1)
	c.OnNetAssign(func(m any, ev types.Uevent) { gotMapping <- m.(NetAssignment).Mapping })

	stop := runLoop(t, loop)
	defer stop()

	mac := [6]byte{9, 9, 9, 9, 9, 9}
	c.HandleNetUevent(
		types.Uevent{Action: types.ActionAdd, Subsystem: "net", Interface: "eth9"},
		func(ifname string) ([6]byte, bool) { return mac, true },
		func(ifname string) bool { return false },
	)

	select {
	case m := <-gotMapping:
		if m.CompartmentUUID != defaultCompartmentUUID {
			t.Fatalf("fallback mapping compartment = %q, want %q", m.CompartmentUUID, defaultCompartmentUUID)
		}
	case <-time.After(time.Second):
		t.Fatal("onNetAssign never called for unmatched MAC")
	}
}

// TestHandleNetUevent_RefusedWhenCompartmentNotReady covers rule 4: a
// matching mapping whose target compartment isn't STARTING/BOOTING/RUNNING
// never triggers a move.
func TestHandleNetUevent_RefusedWhenCompartmentNotReady(t *testing.T) {
	c, loop := newTestCoordinator(t)
	mac := [6]byte{2, 2, 2, 2, 2, 2}
	c.RegisterNet(types.NetMapping{CompartmentUUID: "c1", MAC: mac})
	c.SetStateLookup(func(uuid string) (types.State, bool) { return types.StateStopped, true })

	called := make(chan struct{}, 1)
	c.OnNetAssign(func(m any, ev types.Uevent) { called <- struct{}{} })

	stop := runLoop(t, loop)
	defer stop()

	c.HandleNetUevent(
		types.Uevent{Action: types.ActionAdd, Subsystem: "net", Interface: "eth4"},
		func(ifname string) ([6]byte, bool) { return mac, true },
		func(ifname string) bool { return false },
	)

	select {
	case <-called:
		t.Fatal("onNetAssign called for a compartment that cannot receive a device")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestHandleNetUevent_MACFilterSkipsReinjection covers rule 4's second
// clause: a MAC-filter-bridged mapping never triggers re-injection.
func TestHandleNetUevent_MACFilterSkipsReinjection(t *testing.T) {
	c, loop := newTestCoordinator(t)
	mac := [6]byte{3, 3, 3, 3, 3, 3}
	c.RegisterNet(types.NetMapping{CompartmentUUID: "c1", MAC: mac, Config: types.PhysicalNetConfig{MACFilter: true}})
	c.SetStateLookup(func(uuid string) (types.State, bool) { return types.StateRunning, true })

	called := make(chan struct{}, 1)
	c.OnNetAssign(func(m any, ev types.Uevent) { called <- struct{}{} })

	stop := runLoop(t, loop)
	defer stop()

	c.HandleNetUevent(
		types.Uevent{Action: types.ActionAdd, Subsystem: "net", Interface: "eth5"},
		func(ifname string) ([6]byte, bool) { return mac, true },
		func(ifname string) bool { return false },
	)

	select {
	case <-called:
		t.Fatal("onNetAssign called for a MAC-filter-bridged mapping")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestNextInterfaceName_PerFamilyCounters covers spec.md §4.4 rule 3(b):
// eth and wlan interfaces interleaving must not share a counter.
func TestNextInterfaceName_PerFamilyCounters(t *testing.T) {
	c, _ := newTestCoordinator(t)

	names := []string{
		c.nextInterfaceName(false), // cmleth0
		c.nextInterfaceName(true),  // cmlwlan0
		c.nextInterfaceName(false), // cmleth1
		c.nextInterfaceName(true),  // cmlwlan1
	}
	want := []string{"cmleth0", "cmlwlan0", "cmleth1", "cmlwlan1"}
	for i, n := range names {
		if n != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, n, want[i])
		}
	}
}
