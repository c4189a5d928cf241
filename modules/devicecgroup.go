package modules

import (
	"context"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"

	"github.com/cmld/cmld/types"
)

// DeviceCgroupModule attaches a BPF_PROG_TYPE_CGROUP_DEVICE program to the
// compartment's unified (v2) cgroup that allows exactly the device
// major/minor pairs in Config's device list and denies everything else.
// This replaces the v1 devices.allow/deny whitelist file interface, which
// cgroup v2 does not expose.
type DeviceCgroupModule struct {
	// Devices is supplied by the caller (populated from the decoded device
	// configuration blobs, which this package does not itself decode).
	Devices []types.DeviceConfig
}

func (m *DeviceCgroupModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "device_cgroup"}
}

func (m *DeviceCgroupModule) Start(ctx context.Context, c *Context) (Result, error) {
	cgroupFD, err := openCgroupDir(c.CgroupPath)
	if err != nil {
		return Result{}, fmt.Errorf("modules: device_cgroup: %w", err)
	}
	defer cgroupFD.Close()

	insns := buildDeviceProgram(m.Devices)
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.CGroupDevice,
		Instructions: insns,
		License:      "GPL",
	})
	if err != nil {
		return Result{}, fmt.Errorf("modules: device_cgroup: load program: %w", err)
	}

	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    c.CgroupPath,
		Attach:  ebpf.AttachCGroupDevice,
		Program: prog,
	})
	if err != nil {
		prog.Close()
		return Result{}, fmt.Errorf("modules: device_cgroup: attach: %w", err)
	}
	c.Set("device_cgroup_link", l)
	c.Set("device_cgroup_prog", prog)
	return Done, nil
}

// buildDeviceProgram emits a program that checks the incoming request's
// major/minor (at the bpf_cgroup_dev_ctx offsets the kernel defines for
// BPF_PROG_TYPE_CGROUP_DEVICE) against each allow-listed device in turn,
// falling through to the next check on mismatch and returning 1 as soon as
// one matches; the final instruction denies anything that matched nothing.
func buildDeviceProgram(devices []types.DeviceConfig) asm.Instructions {
	var insns asm.Instructions
	for i, d := range devices {
		mismatchMajor := fmt.Sprintf("dev%d_next", i)
		insns = append(insns,
			asm.LoadMem(asm.R2, asm.R1, 4, asm.Word),
			asm.LoadMem(asm.R3, asm.R1, 8, asm.Word),
		)
		insns = append(insns, asm.JNE.Imm(asm.R2, int32(d.Major), mismatchMajor))
		insns = append(insns, asm.JNE.Imm(asm.R3, int32(d.Minor), mismatchMajor))
		insns = append(insns,
			asm.Mov.Imm(asm.R0, 1),
			asm.Return(),
			asm.Mov.Imm(asm.R0, 0).WithSymbol(mismatchMajor),
		)
	}
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
	return insns
}

func (m *DeviceCgroupModule) Cleanup(ctx context.Context, c *Context) error {
	if l, ok := c.Get("device_cgroup_link"); ok {
		if lk, ok := l.(interface{ Close() error }); ok {
			lk.Close()
		}
	}
	if p, ok := c.Get("device_cgroup_prog"); ok {
		if pr, ok := p.(interface{ Close() error }); ok {
			pr.Close()
		}
	}
	return nil
}
