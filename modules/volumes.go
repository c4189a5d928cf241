package modules

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cmld/cmld/options"
	"github.com/cmld/cmld/types"
)

// VolumesModule assembles a compartment's rootfs and extra volumes: loop
// device attach for .img sources, optional dm-verity, optional dm-crypt
// (key unwrapped by the credential collaborator beforehand and staged as a
// file whose path is in Context.Extra["volume_key_<volume name>"]), then a
// mount of the resulting device at the target under RootfsPath.
type VolumesModule struct {
	// Run executes the named host tool with args; overridable in tests.
	Run func(name string, args ...string) error
}

func (m *VolumesModule) runner() func(string, ...string) error {
	if m.Run != nil {
		return m.Run
	}
	return runCommand
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("modules: %s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *VolumesModule) Descriptor() types.ModuleDescriptor {
	return types.ModuleDescriptor{Name: "volumes"}
}

func (m *VolumesModule) Start(ctx context.Context, c *Context) (Result, error) {
	run := m.runner()
	var mapped []string

	for _, v := range c.Config.Volumes {
		devicePath := v.Source

		if strings.HasSuffix(v.Source, ".img") {
			loopArgs := append([]string{"--show"}, options.ToArgs(&options.LoopSetup{Find: true, ReadOnly: v.ReadOnly})...)
			loopArgs = append(loopArgs, v.Source)
			out, err := exec.Command("losetup", loopArgs...).Output()
			if err != nil {
				return Result{}, m.rollback(mapped, fmt.Errorf("modules: volumes: losetup %s: %w", v.Name, err))
			}
			devicePath = strings.TrimSpace(string(out))
			mapped = append(mapped, "loop:"+devicePath)
		}

		if v.Verity {
			name := "verity-" + v.Name
			args := options.ToArgs(&options.VerityOpen{})
			args = append([]string{"open", devicePath, name, devicePath + ".hashtree"}, args...)
			if err := run("veritysetup", args...); err != nil {
				return Result{}, m.rollback(mapped, err)
			}
			devicePath = filepath.Join("/dev/mapper", name)
			mapped = append(mapped, "verity:"+name)
		}

		if v.Encrypted {
			name := "crypt-" + v.Name
			keyFile, ok := c.Get("volume_key_" + v.Name)
			if !ok {
				return Result{}, m.rollback(mapped, fmt.Errorf("modules: volumes: no unwrapped key staged for %s", v.Name))
			}
			args := options.ToArgs(&options.CryptsetupOpen{TypeLUKS: true, Readonly: v.ReadOnly, KeyFile: keyFile.(string)})
			args = append([]string{"open", devicePath, name}, args...)
			err := run("cryptsetup", args...)
			os.Remove(keyFile.(string))
			if err != nil {
				return Result{}, m.rollback(mapped, err)
			}
			devicePath = filepath.Join("/dev/mapper", name)
			mapped = append(mapped, "crypt:"+name)
		}

		target := filepath.Join(c.RootfsPath, v.Target)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return Result{}, m.rollback(mapped, err)
		}
		mountOpts := options.Mount{Type: v.FSType, ReadOnly: v.ReadOnly}
		args := options.ToArgs(&mountOpts)
		args = append(args, devicePath, target)
		if err := run("mount", args...); err != nil {
			return Result{}, m.rollback(mapped, err)
		}
		mapped = append(mapped, "mount:"+target)
	}

	c.Set("volumes_mapped", mapped)
	return Done, nil
}

// rollback tears down anything already mapped, in reverse order, before
// returning origErr — the engine's own rollback only reaches hooks whose
// Start fully returned, so a hook that fails partway must clean up its own
// partial state first.
func (m *VolumesModule) rollback(mapped []string, origErr error) error {
	run := m.runner()
	for i := len(mapped) - 1; i >= 0; i-- {
		entry := mapped[i]
		kind, name, _ := strings.Cut(entry, ":")
		switch kind {
		case "mount":
			run("umount", name)
		case "crypt":
			run("cryptsetup", "close", name)
		case "verity":
			run("veritysetup", "close", name)
		case "loop":
			run("losetup", "-d", name)
		}
	}
	return origErr
}

func (m *VolumesModule) Cleanup(ctx context.Context, c *Context) error {
	mappedAny, ok := c.Get("volumes_mapped")
	if !ok {
		return nil
	}
	mapped, _ := mappedAny.([]string)
	return m.rollback(mapped, nil)
}
