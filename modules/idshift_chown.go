//go:build !idmapped_mounts

package modules

import (
	"io/fs"
	"os"
	"path/filepath"
)

const idshiftStrategyBuildTag = "chown"

// applyIDShift recursively chowns path so its on-disk ownership lines up
// with the compartment's uid/gid range once viewed from inside the user
// namespace. This is the portable fallback for kernels without idmapped
// mount support; it costs a full tree walk at every compartment start.
func applyIDShift(c *Context, path string) error {
	base := int(c.UIDBase)
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(p, base, base)
	})
}
