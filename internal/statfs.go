package internal

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// FSType returns the magic number of the filesystem mounted at path.
func FSType(path string) (int64, error) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		return 0, err
	}

	fsType := int64(statfs.Type)
	if unsafe.Sizeof(statfs.Type) == 4 {
		// We're on a 32 bit arch, where statfs.Type is int32. Magic numbers
		// above MaxInt32 need a cast via uint32 to avoid sign extension.
		fsType = int64(uint32(statfs.Type))
	}
	return fsType, nil
}
