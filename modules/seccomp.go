package modules

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cmld/cmld/types"
)

// SeccompModule installs a seccomp-bpf filter in the compartment's init
// process before it execs the guest. The filter is selected by name from
// a small built-in table (config carries a profile name, not inline
// bytecode) — "default" denies the handful of syscalls known to let a
// process escape or repivot its mount namespace; "permissive" installs no
// filter at all, for guest OSes that are themselves trusted.
type SeccompModule struct{}

func (SeccompModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "seccomp", RunsInChild: true}
}

// deniedSyscalls are blocked outright under the "default" profile: namespace
// escape or re-entry primitives a guest has no legitimate use for once its
// own namespaces are already set up.
var deniedSyscalls = []uintptr{
	unix.SYS_UNSHARE,
	unix.SYS_SETNS,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_PTRACE,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_DELETE_MODULE,
}

func (SeccompModule) Start(ctx context.Context, c *Context) (Result, error) {
	switch c.Config.SeccompProfile {
	case "", "default":
		return Result{}, installFilter(deniedSyscalls)
	case "permissive":
		return Done, nil
	default:
		return Result{}, fmt.Errorf("modules: seccomp: unknown profile %q", c.Config.SeccompProfile)
	}
}

// installFilter builds a classic BPF program over the seccomp_data ABI
// (syscall number at offset 0) that returns SECCOMP_RET_ERRNO(EPERM) for
// each denied syscall and SECCOMP_RET_ALLOW otherwise, then installs it
// via prctl(PR_SET_SECCOMP). PR_SET_NO_NEW_PRIVS must be set first or the
// kernel refuses to install a filter for a process that can still gain
// privileges via a setuid exec.
func installFilter(denied []uintptr) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("modules: seccomp: set no_new_privs: %w", err)
	}

	var filter []unix.SockFilter
	// Load syscall number (seccomp_data.nr) into the accumulator.
	filter = append(filter, unix.SockFilter{Code: 0x20, K: 0}) // BPF_LD+BPF_W+BPF_ABS, offset 0

	for _, nr := range denied {
		// Jump 0 insns if equal (fall into the errno return), else skip it.
		filter = append(filter, unix.SockFilter{
			Code: 0x15, // BPF_JMP+BPF_JEQ+BPF_K
			K:    uint32(nr),
			Jt:   0,
			Jf:   1,
		})
		filter = append(filter, unix.SockFilter{
			Code: 0x06, // BPF_RET+BPF_K
			K:    0x00050000 | uint32(unix.EPERM), // SECCOMP_RET_ERRNO
		})
	}
	filter = append(filter, unix.SockFilter{Code: 0x06, K: 0x7fff0000}) // SECCOMP_RET_ALLOW

	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("modules: seccomp: install filter: %w", errno)
	}
	return nil
}

func (SeccompModule) Cleanup(ctx context.Context, c *Context) error {
	// A seccomp filter cannot be removed once installed; it dies with the process.
	return nil
}
