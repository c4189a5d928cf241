package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cmld/cmld/types"
)

const cgroupV1Root = "/sys/fs/cgroup"

// CgroupModule creates a cgroup v1 hierarchy (cpu, memory) for a
// compartment and applies the configured quota/limit. Device access
// control is handled separately by DeviceCgroupModule, since v1 device
// whitelisting and v2 eBPF filtering are different enough mechanisms to
// warrant independent hooks that the engine can still sequence together.
type CgroupModule struct{}

func (CgroupModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "cgroup"}
}

func cgroupDir(controller, uuid string) string {
	return filepath.Join(cgroupV1Root, controller, "cmld", uuid)
}

func (CgroupModule) Start(ctx context.Context, c *Context) (Result, error) {
	for _, controller := range []string{"cpu", "memory"} {
		dir := cgroupDir(controller, c.UUID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("modules: cgroup: mkdir %s: %w", dir, err)
		}
	}

	if c.Config.CPUQuota > 0 {
		if err := writeCgroupFile(cgroupDir("cpu", c.UUID), "cpu.cfs_quota_us", strconv.FormatInt(c.Config.CPUQuota, 10)); err != nil {
			return Result{}, err
		}
	}
	if c.Config.MemoryLimit > 0 {
		if err := writeCgroupFile(cgroupDir("memory", c.UUID), "memory.limit_in_bytes", strconv.FormatInt(c.Config.MemoryLimit, 10)); err != nil {
			return Result{}, err
		}
	}
	if c.PID != 0 {
		for _, controller := range []string{"cpu", "memory"} {
			if err := writeCgroupFile(cgroupDir(controller, c.UUID), "cgroup.procs", strconv.Itoa(c.PID)); err != nil {
				return Result{}, err
			}
		}
	}
	c.CgroupPath = cgroupDir("memory", c.UUID)
	return Done, nil
}

func writeCgroupFile(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("modules: cgroup: write %s: %w", path, err)
	}
	return nil
}

func openCgroupDir(path string) (*os.File, error) {
	return os.Open(path)
}

func (CgroupModule) Cleanup(ctx context.Context, c *Context) error {
	for _, controller := range []string{"cpu", "memory"} {
		os.Remove(cgroupDir(controller, c.UUID))
	}
	return nil
}
