//go:build !linux

package avs

// Memory and disk figures come from sysinfo/statfs on the devices this agent
// actually ships to; elsewhere they are simply not reported.

func memInfo() (total, free uint64, ok bool) { return 0, 0, false }

func diskInfo() (total, free uint64, ok bool) { return 0, 0, false }
