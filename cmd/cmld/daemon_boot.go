package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	cmld "github.com/cmld/cmld"
	"github.com/cmld/cmld/credential"
	"github.com/cmld/cmld/db"
	"github.com/cmld/cmld/eventloop"
	"github.com/cmld/cmld/hotplug"
	"github.com/cmld/cmld/modules"
	"github.com/cmld/cmld/types"
	"github.com/cmld/cmld/uevent"
)

// macOfInterface looks up a host network interface's hardware address by
// name, the shape hotplug.Coordinator.HandleNetUevent needs to resolve a
// renamed interface back to a registered NetMapping.
func macOfInterface(ifname string) ([6]byte, bool) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil || len(iface.HardwareAddr) != 6 {
		return [6]byte{}, false
	}
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)
	return mac, true
}

// uidRangeBase/uidRangeTotal/uidRangeLen size the daemon's uid-shifting
// pool; spec.md §4.2 leaves the exact range up to the implementation, so
// these mirror the block a single host typically reserves for
// unprivileged container users.
const (
	uidRangeBase  = 100000
	uidRangeTotal = 6553600
	uidRangeLen   = 65536
)

// daemon bundles every long-lived collaborator the cmld process wires
// together at startup: the event loop, the compartment registry and
// lifecycle engine, the hotplug coordinator and uevent source, the
// sqlite metadata index, the credential collaborator client, and the
// control facade the mux server dispatches onto.
type daemon struct {
	loop      *eventloop.Loop
	registry  *cmld.Registry
	engine    *cmld.Engine
	hotplug   *hotplug.Coordinator
	uevents   *uevent.Source
	index     *db.DB
	cred      *credential.Client
	ctl       *cmld.Control
	mux       *cmld.MuxServer
	shutdown  func(context.Context) error
}

// newHooks assembles one compartment's module chain in the lifecycle
// order spec.md §4.2 fixes: user namespace first (everything else runs
// inside it), then resource/isolation setup, then the guest's own
// process. devices is populated from the decoded device configuration
// blobs associated with cfg, which this package doesn't itself decode.
func newHooks(cfg types.ContainerConfig, devices []types.DeviceConfig, physicalIfaces []string, cred *credential.Client, sink func(types.Uevent) error) []modules.Hook {
	return []modules.Hook{
		&modules.UsernsModule{},
		&modules.CgroupModule{},
		&modules.SmartcardModule{Client: cred},
		&modules.VolumesModule{},
		&modules.DeviceCgroupModule{Devices: devices},
		&modules.NetworkModule{PhysicalIfaces: physicalIfaces},
		&modules.CapabilitiesModule{},
		&modules.SeccompModule{},
		&modules.ServiceModule{},
		&modules.RunModule{},
		&modules.AuditTimeModule{},
		&modules.UeventForwardModule{Sink: sink},
	}
}

// bootDaemon assembles and starts every collaborator but does not block;
// the caller still has to run d.loop.Run and d.mux.ServeUnix.
func bootDaemon(ctx context.Context, appBaseDir, credentialSocket, otlpEndpoint string) (*daemon, error) {
	shutdownTracing, err := cmld.InitTracing(ctx, otlpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("eventloop.New: %w", err)
	}

	registry := cmld.NewRegistry(uidRangeBase, uidRangeTotal, uidRangeLen)
	engine := cmld.NewEngine(loop, registry)
	coordinator := hotplug.New(loop)

	// The uevent netlink socket and the sqlite index are independent of
	// each other and of everything set up so far; opening them
	// concurrently shaves their combined setup latency off daemon start.
	indexDir := filepath.Join(appBaseDir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", indexDir, err)
	}

	var src *uevent.Source
	var index *db.DB
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src, err = uevent.Open()
		if err != nil {
			return fmt.Errorf("uevent.Open: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		index, err = db.Open(indexDir)
		if err != nil {
			return fmt.Errorf("db.Open: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		loop.Close()
		return nil, err
	}

	var credClient *credential.Client
	if credentialSocket != "" {
		credClient, err = credential.Dial(ctx, credentialSocket)
		if err != nil {
			slog.WarnContext(ctx, "bootDaemon: credential collaborator unreachable, smartcard hooks will fail", "error", err)
		}
	}

	ueventSink := func(ev types.Uevent) error {
		slog.DebugContext(ctx, "daemon: forwarding uevent", "action", ev.Action, "devpath", ev.Devpath)
		return nil
	}

	ctl := &cmld.Control{
		Registry: registry,
		Engine:   engine,
		Hotplug:  coordinator,
		NewHooks: func(cfg types.ContainerConfig) []modules.Hook {
			return newHooks(cfg, nil, nil, credClient, ueventSink)
		},
	}

	coordinator.OnUSBAssign(func(mapping any, ev types.Uevent) {
		m, ok := mapping.(types.USBMapping)
		if !ok {
			return
		}
		if c, ok := registry.Get(m.CompartmentUUID); ok {
			slog.InfoContext(ctx, "daemon: usb device assigned", "compartment", c.UUID, "devpath", ev.Devpath)
		}
	})
	// The net callback only logs the assignment; it does not rename the
	// interface or move it into the compartment's network namespace.
	coordinator.OnNetAssign(func(assignment any, ev types.Uevent) {
		a, ok := assignment.(hotplug.NetAssignment)
		if !ok {
			return
		}
		if c, ok := registry.Get(a.Mapping.CompartmentUUID); ok {
			slog.InfoContext(ctx, "daemon: net device assigned", "compartment", c.UUID, "old_name", a.OldName, "new_name", a.NewName, "devpath", ev.Devpath)
		}
	})
	coordinator.SetStateLookup(func(uuid string) (types.State, bool) {
		c, ok := registry.Get(uuid)
		if !ok {
			return 0, false
		}
		return c.State.State(), true
	})

	// modules/devicecgroup.go's eBPF program is built once, from the device
	// list known at compartment start; a device arriving later has no live
	// map to update into, and DeviceCgroupModule has no method to allow or
	// deny a device in place, so these callbacks only log.
	coordinator.OnDeviceCgroupAllow(func(m types.USBMapping) error {
		slog.InfoContext(ctx, "daemon: device-cgroup allow", "compartment", m.CompartmentUUID, "major", m.Major, "minor", m.Minor)
		return nil
	})
	coordinator.OnDeviceCgroupDeny(func(m types.USBMapping) error {
		slog.InfoContext(ctx, "daemon: device-cgroup deny", "compartment", m.CompartmentUUID, "major", m.Major, "minor", m.Minor)
		return nil
	})
	coordinator.OnTokenAttach(func(m types.USBMapping) error {
		return ctl.AttachToken(ctx, m.CompartmentUUID)
	})
	coordinator.OnTokenDetach(func(m types.USBMapping) error {
		// The credential collaborator protocol (spec.md §6) has no detach
		// verb; nothing to unwind beyond the device-cgroup deny this fires
		// alongside.
		slog.InfoContext(ctx, "daemon: token detach", "compartment", m.CompartmentUUID)
		return nil
	})
	if err := src.Attach(loop, func(ev types.Uevent) {
		switch ev.Subsystem {
		case "usb":
			coordinator.HandleUSBUevent(ev)
		case "net":
			coordinator.HandleNetUevent(ev, macOfInterface, uevent.IsWireless)
		}
	}); err != nil {
		return nil, fmt.Errorf("uevent.Source.Attach: %w", err)
	}

	mux := cmld.NewMuxServer(appBaseDir, ctl)

	d := &daemon{
		loop:     loop,
		registry: registry,
		engine:   engine,
		hotplug:  coordinator,
		uevents:  src,
		index:    index,
		cred:     credClient,
		ctl:      ctl,
		mux:      mux,
		shutdown: shutdownTracing,
	}

	registry.ReplayRestarts(ctx, engine.Start)

	return d, nil
}

func (d *daemon) Close(ctx context.Context) {
	if d.cred != nil {
		d.cred.Close()
	}
	if d.index != nil {
		d.index.Close()
	}
	if d.uevents != nil {
		d.uevents.Close()
	}
	if d.loop != nil {
		d.loop.Close()
	}
	if d.shutdown != nil {
		d.shutdown(ctx)
	}
}
