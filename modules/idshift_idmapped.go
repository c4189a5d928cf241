//go:build idmapped_mounts

package modules

import (
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const idshiftStrategyBuildTag = "idmapped"

// applyIDShift opens path with OPEN_TREE_CLONE and attaches the uid/gid map
// of the compartment's already-configured user namespace via
// mount_setattr(MOUNT_ATTR_IDMAP), so the underlying files are never
// touched — ownership is only ever translated at the VFS layer. Requires a
// 5.12+ kernel; hosts without it must be built with the chown strategy
// instead. The source namespace is the child process whose uid_map/gid_map
// userns.go has already written, referenced by /proc/<pid>/ns/user.
func applyIDShift(c *Context, path string) error {
	fd, err := unix.OpenTree(unix.AT_FDCWD, path, unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return fmt.Errorf("modules: open_tree %s: %w", path, err)
	}
	defer unix.Close(fd)

	userNSFD, err := unix.Open(filepath.Join("/proc", strconv.Itoa(c.PID), "ns/user"), unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("modules: open user ns for %s: %w", path, err)
	}
	defer unix.Close(userNSFD)

	attr := unix.MountAttr{
		Attr_set:  unix.MOUNT_ATTR_IDMAP,
		Userns_fd: uint64(userNSFD),
	}
	if err := unix.MountSetattr(fd, "", unix.AT_EMPTY_PATH, &attr); err != nil {
		return fmt.Errorf("modules: mount_setattr idmap %s: %w", path, err)
	}
	return nil
}
