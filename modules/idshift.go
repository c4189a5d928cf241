package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// writeIDMap writes a single-entry uid_map or gid_map, mapping container
// uid 0..length to host base..base+length. /proc/<pid>/uid_map accepts
// exactly one write per process lifetime — a second write fails with
// EPERM, so callers must not retry after success.
func writeIDMap(pid int, file string, base, length uint32) error {
	path := filepath.Join("/proc", fmt.Sprint(pid), file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("modules: open %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "0 %d %d\n", base, length)
	if err != nil {
		return fmt.Errorf("modules: write %s: %w", path, err)
	}
	return nil
}

// writeSetgroups disables the setgroups restriction the kernel imposes on
// an unprivileged user namespace before gid_map may be written.
func writeSetgroups(pid int) error {
	path := filepath.Join("/proc", fmt.Sprint(pid), "setgroups")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("modules: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString("deny\n"); err != nil {
		return fmt.Errorf("modules: write %s: %w", path, err)
	}
	return nil
}

// idshiftStrategy reports which uid-remapping strategy is compiled in.
// Build-tag selectable: the idmapped_mounts tag swaps shiftfs/userns-chown
// style copy-up for the kernel's native idmapped mount feature, avoiding a
// full chown pass over the rootfs at every start (spec.md §9 Open
// Question — resolved in SPEC_FULL.md: both paths are implemented and
// chosen at compile time, since the choice depends on host kernel version
// and cannot be probed reliably at runtime across the supported fleet).
const idshiftStrategy = idshiftStrategyBuildTag

// IDShiftModule applies the chosen uid-shift strategy to rootfs and volume
// mounts before the compartment's init process execs.
type IDShiftModule struct{}

func (IDShiftModule) Apply(ctx context.Context, c *Context, path string) error {
	return applyIDShift(c, path)
}
