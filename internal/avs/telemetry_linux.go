//go:build linux

package avs

import "golang.org/x/sys/unix"

// memInfo returns total and free RAM in bytes.
func memInfo() (total, free uint64, ok bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, false
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(si.Totalram) * unit, uint64(si.Freeram) * unit, true
}

// diskInfo returns total and free bytes on the root filesystem.
func diskInfo() (total, free uint64, ok bool) {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return 0, 0, false
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Blocks) * bsize, uint64(st.Bfree) * bsize, true
}
