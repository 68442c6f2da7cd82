package testutils

import (
	"testing"

	"golang.org/x/sys/unix"
)

// Capability is a Linux capability number.
type Capability int

// Mirrors of constants from x/sys/unix
const (
	CAP_SYS_ADMIN Capability = 21
	CAP_PERFMON   Capability = 38
	CAP_BPF       Capability = 39
)

// SkipIfNotPrivileged skips the test unless the process may load kprobe
// programs and create perf events.
func SkipIfNotPrivileged(tb testing.TB) {
	tb.Helper()

	effective, err := effectiveCapabilities()
	if err != nil {
		tb.Skip("Can't get capabilities:", err)
	}

	if effective&(1<<CAP_SYS_ADMIN) != 0 {
		return
	}

	if effective&(1<<CAP_BPF) != 0 && effective&(1<<CAP_PERFMON) != 0 {
		return
	}

	tb.Skip("Test requires CAP_SYS_ADMIN or CAP_BPF and CAP_PERFMON")
}

func effectiveCapabilities() (uint64, error) {
	var hdr = &unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
	}

	var data [2]unix.CapUserData
	if err := unix.Capget(hdr, &data[0]); err != nil {
		return 0, err
	}

	return uint64(data[0].Effective) | uint64(data[1].Effective)<<32, nil
}
