package modules

import "golang.org/x/sys/unix"

const linuxCapVersion3 = 0x20080522

// applyCapSet installs keep as the process's permitted, effective, and
// inheritable capability sets via the capset(2) syscall. x/sys/unix
// exposes the raw CapUserHeader/CapUserData structs but no helper, since
// the two-word (32 capabilities each) layout is a direct kernel ABI detail
// every caller must assemble itself.
func applyCapSet(keep map[uintptr]bool) error {
	var data [2]unix.CapUserData
	for bit := range keep {
		word, shift := bit/32, bit%32
		data[word].Effective |= 1 << shift
		data[word].Permitted |= 1 << shift
		data[word].Inheritable |= 1 << shift
	}
	hdr := unix.CapUserHeader{Version: linuxCapVersion3, Pid: 0}
	return unix.Capset(&hdr, &data[0])
}
