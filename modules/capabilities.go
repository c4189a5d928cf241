package modules

import (
	"fmt"

	"golang.org/x/sys/unix"

	"context"

	"github.com/cmld/cmld/types"
)

// capabilityByName maps the POSIX capability names used in container
// configuration blobs to their numeric values. Kept as a small explicit
// table rather than a generated one, since the compartment config surface
// only ever grants a handful of them (CAP_NET_ADMIN, CAP_SYS_ADMIN for
// nested namespace work, CAP_MKNOD for device creation in the guest).
var capabilityByName = map[string]uintptr{
	"CAP_CHOWN":            0,
	"CAP_DAC_OVERRIDE":     1,
	"CAP_FOWNER":           3,
	"CAP_FSETID":           4,
	"CAP_KILL":             5,
	"CAP_SETGID":           6,
	"CAP_SETUID":           7,
	"CAP_NET_BIND_SERVICE": 10,
	"CAP_NET_ADMIN":        12,
	"CAP_NET_RAW":          13,
	"CAP_SYS_CHROOT":       18,
	"CAP_MKNOD":            27,
	"CAP_AUDIT_WRITE":      29,
	"CAP_SETPCAP":          8,
	"CAP_SYS_ADMIN":        21,
}

// CapabilitiesModule drops every capability not named in the compartment's
// configuration from the bounding set, then applies the retained set as
// the process's permitted/effective/inheritable capabilities. It must run
// after the fork (so it affects the child, not the daemon) and before
// run.go execs the guest init.
type CapabilitiesModule struct{}

func (CapabilitiesModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "capabilities", RunsInChild: true}
}

func (CapabilitiesModule) Start(ctx context.Context, c *Context) (Result, error) {
	keep := make(map[uintptr]bool, len(c.Config.Capabilities))
	for _, name := range c.Config.Capabilities {
		bit, ok := capabilityByName[name]
		if !ok {
			return Result{}, fmt.Errorf("modules: capabilities: unknown capability %q", name)
		}
		keep[bit] = true
	}

	for bit := uintptr(0); bit <= 40; bit++ {
		if keep[bit] {
			continue
		}
		// Dropping a bit already absent from the bounding set is a no-op;
		// PR_CAPBSET_DROP only fails for bits the kernel doesn't know about.
		unix.Prctl(unix.PR_CAPBSET_DROP, bit, 0, 0, 0)
	}

	if err := applyCapSet(keep); err != nil {
		return Result{}, fmt.Errorf("modules: capabilities: capset: %w", err)
	}
	return Done, nil
}

func (CapabilitiesModule) Cleanup(ctx context.Context, c *Context) error {
	// The bounding set is per-process and dies with the compartment's init.
	return nil
}
