package testutils

import (
	"testing"

	"github.com/cilium/opensnoop/internal"
)

// MustKernelVersion returns the version of the running kernel or panics.
func MustKernelVersion() internal.Version {
	v, err := internal.KernelVersion()
	if err != nil {
		panic(err)
	}
	return v
}

// SkipOnOldKernel skips the test if the running kernel is older than
// minVersion.
func SkipOnOldKernel(tb testing.TB, minVersion, feature string) {
	tb.Helper()

	minv, err := internal.NewVersion(minVersion)
	if err != nil {
		tb.Fatalf("Invalid version %s: %s", minVersion, err)
	}

	if MustKernelVersion().Less(minv) {
		tb.Skipf("Test requires at least kernel %s (due to missing %s)", minv, feature)
	}
}
