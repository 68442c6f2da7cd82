package sys

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrClosedFd is returned when operating on a closed FD.
var ErrClosedFd = unix.EBADF

// FD is an owned file descriptor of a kernel object.
//
// It is closed by a finalizer if the owner forgets to call Close.
type FD struct {
	raw int
}

func newFD(value int) *FD {
	fd := &FD{value}
	runtime.SetFinalizer(fd, (*FD).Close)
	return fd
}

// NewFD wraps a raw fd with a finalizer.
//
// You must not use the raw fd after calling this function, since the underlying
// file descriptor number may change. This is because the BPF UAPI assumes that
// zero is not a valid fd value.
func NewFD(value int) (*FD, error) {
	if value < 0 {
		return nil, fmt.Errorf("invalid fd %d", value)
	}

	fd := newFD(value)
	if value != 0 {
		return fd, nil
	}

	dup, err := fd.Dup()
	_ = fd.Close()
	return dup, err
}

func (fd *FD) String() string {
	return strconv.FormatInt(int64(fd.raw), 10)
}

// Int returns the raw file descriptor, or -1 once closed.
func (fd *FD) Int() int {
	return fd.raw
}

// Uint returns the fd in the form the bpf(2) attributes expect.
func (fd *FD) Uint() uint32 {
	if fd.raw < 0 || int64(fd.raw) > math.MaxUint32 {
		// Best effort: this is the number most likely to be an invalid file
		// descriptor. It is equal to -1 (on two's complement arches).
		return math.MaxUint32
	}
	return uint32(fd.raw)
}

// Close the fd. It is safe to call Close multiple times.
func (fd *FD) Close() error {
	if fd.raw < 0 {
		return nil
	}

	value := fd.raw
	fd.raw = -1

	runtime.SetFinalizer(fd, nil)
	return unix.Close(value)
}

// Dup returns a copy of fd which is never zero.
func (fd *FD) Dup() (*FD, error) {
	if fd.raw < 0 {
		return nil, ErrClosedFd
	}

	// Always require the fd to be larger than zero: the BPF API treats the value
	// as "no argument provided".
	dup, err := unix.FcntlInt(uintptr(fd.raw), unix.F_DUPFD_CLOEXEC, 1)
	if err != nil {
		return nil, fmt.Errorf("can't dup fd: %v", err)
	}

	return newFD(dup), nil
}

// File takes ownership of FD and turns it into an [*os.File].
//
// You must not use the FD after the call returns.
//
// Returns nil if the FD is not valid.
func (fd *FD) File(name string) *os.File {
	if fd.raw < 0 {
		return nil
	}

	value := fd.raw
	fd.raw = -1
	runtime.SetFinalizer(fd, nil)
	return os.NewFile(uintptr(value), name)
}
