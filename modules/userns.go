package modules

import (
	"context"
	"fmt"

	"github.com/cmld/cmld/types"
)

// UsernsModule allocates and writes the uid/gid mapping for a compartment's
// user namespace. The actual namespace is created by the fork in the
// engine (CLONE_NEWUSER is part of the clone flags passed at fork time);
// this hook only owns writing /proc/<pid>/{uid_map,gid_map,setgroups}
// once the child has stopped at its synchronization barrier.
type UsernsModule struct{}

func (UsernsModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "userns"}
}

func (UsernsModule) Start(ctx context.Context, c *Context) (Result, error) {
	if c.PID == 0 {
		return Result{}, fmt.Errorf("modules: userns: no child pid recorded")
	}
	if err := writeIDMap(c.PID, "uid_map", c.UIDBase, c.UIDRangeLen); err != nil {
		return Result{}, err
	}
	if err := writeSetgroups(c.PID); err != nil {
		return Result{}, err
	}
	if err := writeIDMap(c.PID, "gid_map", c.UIDBase, c.UIDRangeLen); err != nil {
		return Result{}, err
	}
	return Done, nil
}

func (UsernsModule) Cleanup(ctx context.Context, c *Context) error {
	// Mappings die with the namespace when the child exits; nothing to undo.
	return nil
}
