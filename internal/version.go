package internal

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// A Version in the form Major.Minor.Patch.
type Version [3]uint16

// NewVersion creates a version from a string like "Major.Minor.Patch".
//
// Patch is optional.
func NewVersion(ver string) (Version, error) {
	var major, minor, patch uint16
	n, _ := fmt.Sscanf(ver, "%d.%d.%d", &major, &minor, &patch)
	if n < 2 {
		return Version{}, fmt.Errorf("invalid version: %s", ver)
	}
	return Version{major, minor, patch}, nil
}

func (v Version) String() string {
	if v[2] == 0 {
		return fmt.Sprintf("v%d.%d", v[0], v[1])
	}
	return fmt.Sprintf("v%d.%d.%d", v[0], v[1], v[2])
}

// Less returns true if the version is less than another version.
func (v Version) Less(other Version) bool {
	for i, a := range v {
		if a == other[i] {
			continue
		}
		return a < other[i]
	}
	return false
}

// Unspecified returns true if the version is all zero.
func (v Version) Unspecified() bool {
	return v[0] == 0 && v[1] == 0 && v[2] == 0
}

// Kernel implements the kernel's KERNEL_VERSION macro from linux/version.h.
// It represents the kernel version and patch level as a single value.
func (v Version) Kernel() uint32 {
	// Kernels 4.4 and 4.9 have their SUBLEVEL clamped to 255 to avoid
	// overflowing into PATCHLEVEL.
	// See kernel commit 9b82f13e7ef3 ("kbuild: clamp SUBLEVEL to 255").
	s := v[2]
	if s > 255 {
		s = 255
	}

	// Truncate members to uint8 to prevent them from spilling over into
	// each other when overflowing 8 bits.
	return uint32(uint8(v[0]))<<16 | uint32(uint8(v[1]))<<8 | uint32(uint8(s))
}

// KernelVersion returns the version of the currently running kernel.
var KernelVersion = sync.OnceValues(detectKernelVersion)

// detectKernelVersion returns the version of the running kernel. It prefers
// /proc/version_signature, since Ubuntu's uname release doesn't carry the
// upstream patch level.
func detectKernelVersion() (Version, error) {
	if sig, err := os.ReadFile("/proc/version_signature"); err == nil {
		if v, err := findKernelVersion(string(sig)); err == nil {
			return v, nil
		}
	}

	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return Version{}, fmt.Errorf("uname failed: %w", err)
	}

	// Debian puts the upstream version in the version field.
	if v, err := findKernelVersion(unix.ByteSliceToString(uname.Version[:])); err == nil {
		return v, nil
	}

	return findKernelVersion(unix.ByteSliceToString(uname.Release[:]))
}

// A kernel version at the start of the string or following whitespace,
// e.g. "4.19.0-5-amd64" or "SMP Debian 4.19.37-5".
var kernelVersionRe = regexp.MustCompile(`(?:^|\s)(\d+)\.(\d+)(?:\.(\d+))?`)

// findKernelVersion extracts the last kernel version contained in s.
func findKernelVersion(s string) (Version, error) {
	matches := kernelVersionRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return Version{}, errors.New("no kernel version found")
	}

	m := matches[len(matches)-1]
	var v Version
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("parsing %q: %w", s, err)
		}
		v[i] = uint16(n)
	}
	return v, nil
}
