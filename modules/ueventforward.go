package modules

import (
	"context"

	"github.com/cmld/cmld/types"
)

// UeventForwardModule stores its Sink in the hook context under
// "ueventforward_sink"; Forward hands an event to that sink. The module
// does not open or enter the compartment's net namespace, and nothing in
// the hotplug coordinator calls Forward: events reach only the configured
// Sink (the daemon's sink logs them).
type UeventForwardModule struct {
	Sink func(types.Uevent) error
}

func (m *UeventForwardModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "ueventforward"}
}

func (m *UeventForwardModule) Start(ctx context.Context, c *Context) (Result, error) {
	if m.Sink != nil {
		c.Set("ueventforward_sink", m.Sink)
	}
	return Done, nil
}

func (m *UeventForwardModule) Cleanup(ctx context.Context, c *Context) error {
	return nil
}

// Forward delivers ev to the compartment's registered sink, if the MAC
// filter policy for the source interface allows it (spec.md §4.4: MAC
// filtered interfaces forward only events other than add, since the
// bridge itself already handled arrival).
func Forward(c *Context, ev types.Uevent, macFiltered bool) error {
	if macFiltered && ev.Action == types.ActionAdd {
		return nil
	}
	sinkAny, ok := c.Get("ueventforward_sink")
	if !ok {
		return nil
	}
	return sinkAny.(func(types.Uevent) error)(ev)
}
