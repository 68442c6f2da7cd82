package testutils

import (
	"os"
	"testing"
)

// OpenFDs returns the number of file descriptors currently open in the
// process.
func OpenFDs(tb testing.TB) int {
	tb.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		tb.Skip("Can't list open file descriptors:", err)
	}
	return len(entries)
}
