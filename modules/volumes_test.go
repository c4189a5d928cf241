package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cmld/cmld/types"
)

func TestVolumesModule_PlainMount(t *testing.T) {
	root := t.TempDir()
	var ranCmds [][]string

	m := &VolumesModule{
		Run: func(name string, args ...string) error {
			ranCmds = append(ranCmds, append([]string{name}, args...))
			return nil
		},
	}
	c := &Context{
		RootfsPath: root,
		Config: types.ContainerConfig{
			Volumes: []types.VolumeConfig{
				{Name: "data", Source: "/dev/sdb1", Target: "/data", FSType: "ext4"},
			},
		},
	}

	if _, err := m.Start(nil, c); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(ranCmds) != 1 || ranCmds[0][0] != "mount" {
		t.Fatalf("ranCmds = %+v, want single mount invocation", ranCmds)
	}
	if _, err := os.Stat(filepath.Join(root, "data")); err != nil {
		t.Fatalf("target dir not created: %v", err)
	}
}

func TestVolumesModule_RollbackOnFailure(t *testing.T) {
	root := t.TempDir()
	var ranCmds []string

	failNext := false
	m := &VolumesModule{
		Run: func(name string, args ...string) error {
			ranCmds = append(ranCmds, name)
			if name == "mount" && !failNext {
				failNext = true
				return assertErr{}
			}
			return nil
		},
	}
	c := &Context{
		RootfsPath: root,
		Config: types.ContainerConfig{
			Volumes: []types.VolumeConfig{
				{Name: "root", Source: "/dev/sdb1", Target: "/", FSType: "ext4"},
			},
		},
	}

	if _, err := m.Start(nil, c); err == nil {
		t.Fatal("Start = nil error, want mount failure propagated")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated failure" }
