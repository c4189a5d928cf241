// Package uevent reads kernel device hotplug notifications from the
// NETLINK_KOBJECT_UEVENT socket and turns each raw frame into a
// types.Uevent, enriching USB and wireless events from sysfs along the
// way. It is the sole entry point the hotplug coordinator uses to learn
// about device arrival and departure; nothing else in the daemon talks to
// netlink directly.
package uevent

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/types"
)

const kernelBroadcastGroup = 1

// sysfsRoot is the mount point enrich and IsWireless read under; tests
// override it to point at a fabricated tree instead of the host's real
// /sys.
var sysfsRoot = "/sys"

// Source owns the netlink socket and hands parsed events to a callback
// registered on an eventloop.Loop.
type Source struct {
	fd   int
	loop *eventloop.Loop
	h    eventloop.Handle
	buf  []byte
}

// Open creates and binds the netlink socket. Binding to group 1 subscribes
// to the kernel's kobject broadcast group; no multicast join call is needed
// beyond the bind address, per the netlink uevent convention.
func Open() (*Source, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent: socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: kernelBroadcastGroup,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent: bind: %w", err)
	}
	// 256KiB matches the kernel's default uevent socket buffer sizing
	// headroom; under a USB enumeration storm a smaller buffer drops frames.
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, 256*1024)
	return &Source{fd: fd, buf: make([]byte, 8192)}, nil
}

// Close releases the socket and deregisters from the loop if attached.
func (s *Source) Close() error {
	if s.loop != nil {
		s.loop.RemoveFD(s.h)
	}
	return unix.Close(s.fd)
}

// Attach registers the socket for readability on loop; handler is invoked
// once per parsed frame, enriched with sysfs detail where applicable.
// Malformed or unparseable frames are silently dropped, matching kernel
// uevent consumers elsewhere in the ecosystem — a frame it cannot parse is
// not actionable and must not wedge the loop.
func (s *Source) Attach(loop *eventloop.Loop, handler func(types.Uevent)) error {
	h, err := loop.AddFD(s.fd, eventloop.FDReadable, func(eventloop.FDEvent) {
		for {
			n, _, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_DONTWAIT)
			if err != nil {
				return
			}
			if n <= 0 {
				return
			}
			ev, ok := Parse(s.buf[:n])
			if !ok {
				continue
			}
			enrich(&ev)
			handler(ev)
		}
	})
	if err != nil {
		return err
	}
	s.loop = loop
	s.h = h
	return nil
}

// Parse decodes one raw netlink uevent payload. The wire format is
// "ACTION@DEVPATH\0KEY=VALUE\0KEY=VALUE\0...\0", null-separated with no
// trailing delimiter guaranteed. udevd prefixes a "libudev" binary header
// on its own rebroadcasts; kernel-sourced frames (the only ones this
// socket receives, since we bind the kernel group, not udev's) never carry
// it, so no header-skipping is needed here.
func Parse(data []byte) (types.Uevent, bool) {
	var ev types.Uevent
	if len(data) == 0 {
		return ev, false
	}
	fields := bytes.Split(data, []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return ev, false
	}
	header := string(fields[0])
	at := strings.IndexByte(header, '@')
	if at < 1 {
		return ev, false
	}
	action, ok := types.ParseUeventAction(header[:at])
	if !ok {
		return ev, false
	}
	ev.Action = action
	ev.Devpath = header[at+1:]
	ev.Raw = make(map[string]string, len(fields)-1)

	for _, f := range fields[1:] {
		if len(f) == 0 {
			continue
		}
		kv := string(f)
		eq := strings.IndexByte(kv, '=')
		if eq < 1 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		ev.Raw[key] = val
		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = val
		case "DEVTYPE":
			ev.Devtype = val
		case "DEVNAME":
			ev.Devname = val
		case "INTERFACE":
			ev.Interface = val
		case "MAJOR":
			if m, err := strconv.Atoi(val); err == nil {
				ev.Major = m
				ev.HaveDevNum = true
			}
		case "MINOR":
			if m, err := strconv.Atoi(val); err == nil {
				ev.Minor = m
			}
		}
	}
	return ev, true
}

// enrich fills in USB vendor/product IDs and serial for usb-subsystem
// device events by reading the corresponding sysfs device attributes
// (spec.md §6: "/sys/bus/usb/devices/*/{idProduct,idVendor,serial,dev}"),
// matching the table hotplug.Coordinator's USB mappings match against.
// Serial is optional — plenty of real devices don't expose one — so its
// absence never blocks enrichment of the vendor/product pair.
func enrich(ev *types.Uevent) {
	if ev.Subsystem != "usb" || ev.Devtype != "usb_device" {
		return
	}
	sysPath := filepath.Join(sysfsRoot, ev.Devpath)
	vendor, ok1 := readSysAttrHex16(sysPath, "idVendor")
	product, ok2 := readSysAttrHex16(sysPath, "idProduct")
	if ok1 && ok2 {
		ev.USBVendor = vendor
		ev.USBProduct = product
		ev.HaveUSBIDs = true
	}
	if serial, ok := readSysAttr(sysPath, "serial"); ok {
		ev.USBSerial = serial
	}
}

func readSysAttrHex16(devPath, attr string) (uint16, bool) {
	s, ok := readSysAttr(devPath, attr)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func readSysAttr(devPath, attr string) (string, bool) {
	f, err := os.Open(filepath.Join(devPath, attr))
	if err != nil {
		return "", false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), true
	}
	return "", false
}

// IsWireless reports whether the named network interface is a wireless
// device, used by the hotplug rename policy to pick the cmlwlan<n> vs
// cmleth<n> scheme.
func IsWireless(ifname string) bool {
	_, err := os.Stat(filepath.Join(sysfsRoot, "class/net", ifname, "wireless"))
	return err == nil
}
