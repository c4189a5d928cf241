package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cmld/cmld/types"
)

// AuditTimeModule confines two small, unrelated concerns to one hook file
// since both are single syscalls gating a single piece of compartment
// configuration: whether the compartment is flagged for its own
// CLONE_NEWTIME namespace (the flag is only recorded; no time namespace is
// created or joined), and whether its audit-subsystem events should be tagged with
// its compartment's base uid so the host's audit log can attribute them.
type AuditTimeModule struct {
	// AllowTimeNamespace mirrors a per-compartment config flag; kept as a
	// field rather than read from Context.Config directly so tests can
	// exercise both paths without constructing a full ContainerConfig.
	AllowTimeNamespace bool
}

func (m *AuditTimeModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "audittime"}
}

func (m *AuditTimeModule) Start(ctx context.Context, c *Context) (Result, error) {
	if m.AllowTimeNamespace {
		// Only recorded in the hook context; the engine's clone flags do
		// not include CLONE_NEWTIME and nothing reads this entry.
		c.Set("time_namespace", true)
	}

	if err := tagAuditLoginUID(c.PID, c.UIDBase); err != nil {
		slog.WarnContext(ctx, "audittime: could not tag audit loginuid", "compartment", c.UUID, "error", err)
	}
	return Done, nil
}

// tagAuditLoginUID writes the compartment's base uid into the child's
// /proc/<pid>/loginuid so audit records it emits can be attributed back to
// the owning compartment rather than appearing as anonymous kernel
// activity. Best-effort: the kernel only accepts one write per process
// lifetime and requires CAP_AUDIT_CONTROL, so a daemon restart replaying
// an already-running compartment will find it already set and this
// returns an error the caller only logs.
func tagAuditLoginUID(pid int, baseUID uint32) error {
	if pid == 0 {
		return fmt.Errorf("modules: audittime: no pid to tag")
	}
	path := filepath.Join("/proc", strconv.Itoa(pid), "loginuid")
	return os.WriteFile(path, []byte(strconv.FormatUint(uint64(baseUID), 10)), 0)
}

func (m *AuditTimeModule) Cleanup(ctx context.Context, c *Context) error {
	return nil
}
