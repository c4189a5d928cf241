// Package modules defines the per-compartment lifecycle hook contract
// (spec.md §4.2/§4.3) and the concrete hooks that implement it: userns,
// uid-shifting, volumes, cgroups, network, capabilities, seccomp, service,
// and uevent forwarding. The engine in the root package sequences these
// hooks; this package never imports it, only the types it shares data
// through.
package modules

import (
	"context"

	"github.com/cmld/cmld/types"
)

// Result is what a hook returns after Start runs. A hook that needs
// to wait on an external round-trip (the credential collaborator unlocking
// a token, for instance) returns Pending with a file descriptor the engine
// can poll; the engine parks the compartment and resumes the hook sequence
// once that fd becomes readable.
type Result struct {
	Pending    bool
	PendingFD  int
	Continue   func(ctx context.Context) error
}

// Done is the Result value hooks return on synchronous success.
var Done = Result{}

// Hook is one lifecycle module's registered behavior. Start runs in
// declaration order during compartment startup; Cleanup runs in reverse
// order, once per hook whose Start has already completed, whenever startup
// fails partway through or the compartment is torn down (spec.md §4.3).
type Hook interface {
	Descriptor() types.ModuleDescriptor
	Start(ctx context.Context, c *Context) (Result, error)
	Cleanup(ctx context.Context, c *Context) error
}

// Context is the per-compartment state threaded through every hook
// invocation. It is the module package's view of a compartment: enough to
// do its job, without a back-reference to the engine or registry.
type Context struct {
	UUID         string
	Config       types.ContainerConfig
	PID          int
	NetnsPath    string
	UIDBase      uint32
	UIDRangeLen  uint32
	RootfsPath   string
	CgroupPath   string
	Extra        map[string]any
}

// Set stores an arbitrary value a later hook or the engine wants to read
// back (e.g. smartcard.go stashing the staged key-file paths that
// volumes.go hands to cryptsetup).
func (c *Context) Set(key string, v any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = v
}

// Get retrieves a value stored by Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Extra[key]
	return v, ok
}
