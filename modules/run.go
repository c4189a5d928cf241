package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cmld/cmld/types"
)

// RunModule performs the final handoff into the guest: pivot_root into the
// assembled rootfs, mount the minimal API filesystems (/proc, /sys, /dev),
// and exec the guest's configured init. It runs last among the Start hooks
// and never returns on success — the process image becomes the guest's
// init. service.go's readiness FIFO must already be mounted into the
// target rootfs before this hook runs, since nothing can create it once
// pivot_root has happened.
type RunModule struct {
	// Exec is overridable in tests; defaults to syscall.Exec.
	Exec func(argv0 string, argv []string, envv []string) error
}

func (m *RunModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "run", RunsInChild: true}
}

func (m *RunModule) exec() func(string, []string, []string) error {
	if m.Exec != nil {
		return m.Exec
	}
	return syscall.Exec
}

func (m *RunModule) Start(ctx context.Context, c *Context) (Result, error) {
	oldRoot := filepath.Join(c.RootfsPath, ".old_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return Result{}, fmt.Errorf("modules: run: mkdir old_root: %w", err)
	}
	if err := syscall.PivotRoot(c.RootfsPath, oldRoot); err != nil {
		return Result{}, fmt.Errorf("modules: run: pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return Result{}, fmt.Errorf("modules: run: chdir /: %w", err)
	}

	type apiMount struct{ source, target, fstype string }
	mounts := []apiMount{
		{"proc", "/proc", "proc"},
		{"sysfs", "/sys", "sysfs"},
		{"tmpfs", "/dev", "tmpfs"},
	}
	for _, am := range mounts {
		os.MkdirAll(am.target, 0o755)
		if err := syscall.Mount(am.source, am.target, am.fstype, 0, ""); err != nil {
			return Result{}, fmt.Errorf("modules: run: mount %s: %w", am.target, err)
		}
	}

	if err := syscall.Unmount("/.old_root", syscall.MNT_DETACH); err != nil {
		return Result{}, fmt.Errorf("modules: run: detach old root: %w", err)
	}

	initPath, env := guestInit(c)
	if err := m.exec()(initPath, []string{initPath}, env); err != nil {
		return Result{}, fmt.Errorf("modules: run: exec %s: %w", initPath, err)
	}
	return Done, nil
}

func guestInit(c *Context) (path string, env []string) {
	path = "/sbin/init"
	if v, ok := c.Get("guest_init_path"); ok {
		path = v.(string)
	}
	env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "CMLD_COMPARTMENT=" + c.UUID}
	return path, env
}

func (m *RunModule) Cleanup(ctx context.Context, c *Context) error {
	// pivot_root/exec are irreversible within this process; teardown happens
	// at the namespace level once the child is killed, handled by the engine.
	return nil
}
