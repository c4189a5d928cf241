// Package options defines typed flag structs for the host tool invocations
// the volumes module shells out to (losetup, cryptsetup, veritysetup,
// mount), plus IPLinkSet for `ip link set`, which no module uses. ToArgs turns a struct into an argv slice via
// struct tags, so a module builds a typed options value instead of
// hand-assembling strings.
package options

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// LoopSetup are the flags for `losetup` when attaching a rootfs image file
// to a loop device during volume assembly.
type LoopSetup struct {
	// ReadOnly attaches the loop device read-only
	ReadOnly bool `flag:"--read-only"`
	// Find lets the kernel pick the first free loop device
	Find bool `flag:"--find"`
	// ShowPartitions reports the partition table after attach
	ShowPartitions bool `flag:"--partscan"`
}

// CryptsetupOpen are the flags for `cryptsetup open` when unlocking a
// dm-crypt volume with the key unwrapped by the credential collaborator.
type CryptsetupOpen struct {
	// TypeLUKS forces LUKS2 format detection
	TypeLUKS bool `flag:"--type=luks2,keepZero"`
	// Readonly opens the mapped device read-only
	Readonly bool `flag:"--readonly"`
	// KeyFile reads the passphrase from a file descriptor path instead of a tty
	KeyFile string `flag:"--key-file"`
}

// VerityOpen are the flags for `veritysetup open` when enabling dm-verity
// integrity checking on a rootfs image before it is mounted.
type VerityOpen struct {
	// HashOffset is the byte offset of the hash tree within the hash device
	HashOffset int64 `flag:"--hash-offset"`
	// FECDevice names a forward-error-correction device, if configured
	FECDevice string `flag:"--fec-device"`
}

// Mount are the flags for the `mount` invocation used by the volumes module
// for overlay and bind mounts that cannot be expressed via the syscall
// directly (e.g. when crossing into a not-yet-entered mount namespace).
type Mount struct {
	// Type is the filesystem type, e.g. "overlay"
	Type string `flag:"-t"`
	// Options is the comma-joined mount option list, e.g. "lowerdir=...,upperdir=..."
	Options string `flag:"-o"`
	// ReadOnly remounts the target read-only after mounting
	ReadOnly bool `flag:"--read-only"`
}

// IPLinkSet are the flags for the `ip link set` fallback path used when a
// physical interface must be renamed before a netlink.LinkSetName call can
// be retried (the kernel rejects renames of interfaces that are still up).
type IPLinkSet struct {
	// Down brings the interface down before renaming
	Down bool `flag:"down"`
	// Netns moves the interface into the named network namespace
	Netns string `flag:"netns"`
}

// ToArgs flattens a typed option struct into a CLI argv slice using each
// field's `flag` tag. Zero-valued fields are omitted unless the tag carries
// the `keepZero` modifier; embedded structs are flattened recursively.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := range st.NumField() {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fvi := fv.Interface()
			ret = append(ret, ToArgs(&fvi)...)
			continue
		}
		flagTag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		flagParts := strings.Split(flagTag, ",")
		flagName := flagParts[0]
		keepZero := false
		if len(flagParts) > 1 {
			if strings.ToLower(flagParts[1]) == "keepzero" {
				keepZero = true
			}
		}
		v := reflect.ValueOf(fv.Interface())

		if !keepZero && v.IsZero() {
			continue
		}
		if ret == nil {
			ret = []string{}
		}
		flagValue := ""
		fieldKind := field.Type.Kind()
		if fieldKind == reflect.Array || fieldKind == reflect.Slice {
			for i := 0; i < fv.Len(); i++ {
				av := fv.Index(i)
				ret = append(ret, flagName)
				ret = append(ret, fmt.Sprintf("%v", av))
			}
			continue
		} else if fieldKind == reflect.Map {
			mapVals := []string{}
			m := v.Interface().(map[string]string)
			keyIter := maps.Keys(m)
			keys := slices.Sorted(keyIter)
			for _, k := range keys {
				v := m[k]
				mapVals = append(mapVals, fmt.Sprintf("%v=%v", k, v))
			}
			flagValue = strings.Join(mapVals, ",")
		} else if fieldKind != reflect.Bool {
			flagValue = fmt.Sprintf("%v", fv.Interface())
		}
		ret = append(ret, flagName)
		if flagValue != "" {
			ret = append(ret, flagValue)
		}
	}
	return ret
}
