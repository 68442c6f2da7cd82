package perf

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ring is the consumer side of a per CPU buffer.
type ring interface {
	io.Reader
	// FD is registered with epoll and stored in the event array.
	FD() int
	// loadHead snapshots how much data the producer has written.
	loadHead()
	// writeTail hands consumed data back to the producer.
	writeTail()
	// discard drops everything up to the last loaded head.
	discard()
	Close() error
}

// newRing is replaced in tests.
var newRing = func(cpu, pages int) (ring, error) {
	return newPerfEventRing(cpu, pages)
}

// perfEventRing is a page of metadata followed by
// a variable number of pages which form a ring buffer.
type perfEventRing struct {
	fd   int
	cpu  int
	mmap []byte
	*ringReader
}

func newPerfEventRing(cpu, pages int) (*perfEventRing, error) {
	if pages < 1 || pages&(pages-1) != 0 {
		return nil, errors.Errorf("number of pages must be a power of two, got %d", pages)
	}

	// Allocate an extra page for meta data.
	size := (1 + pages) * os.Getpagesize()

	fd, err := createPerfEvent(cpu)
	if err != nil {
		return nil, errors.Wrap(err, "can't create perf event")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't mmap perf ring")
	}

	// This relies on the fact that we allocate an extra metadata page,
	// and that the struct is smaller than an OS page.
	// This use of unsafe.Pointer isn't explicitly sanctioned by the
	// documentation, since a byte is smaller than sampledPerfEvent.
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))

	ring := &perfEventRing{
		fd:         fd,
		cpu:        cpu,
		mmap:       mmap,
		ringReader: newRingReader(meta, mmap[meta.Data_offset:meta.Data_offset+meta.Data_size]),
	}
	runtime.SetFinalizer(ring, (*perfEventRing).Close)

	return ring, nil
}

func (ring *perfEventRing) FD() int {
	return ring.fd
}

// size returns the length of the data area in bytes.
func (ring *perfEventRing) size() int {
	return cap(ring.ring)
}

func (ring *perfEventRing) Close() error {
	if ring.fd < 0 {
		return nil
	}

	runtime.SetFinalizer(ring, nil)
	err := unix.Close(ring.fd)
	if merr := unix.Munmap(ring.mmap); err == nil {
		err = merr
	}

	ring.fd = -1
	ring.mmap = nil
	return errors.Wrapf(err, "close perf ring for CPU %d", ring.cpu)
}

// createPerfEvent opens the software event bpf_perf_event_output writes
// to on the given CPU. Readers are woken up for every sample.
func createPerfEvent(cpu int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Wakeup:      1,
	}

	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err == nil {
		return fd, nil
	}

	switch err {
	case unix.EACCES:
		return -1, errors.WithMessage(unix.EACCES, "insufficient capabilities to create this event")
	case unix.EINVAL:
		return -1, errors.WithMessage(unix.EINVAL, "the specified event is invalid, most likely because a configuration parameter is invalid")
	case unix.EMFILE:
		return -1, errors.WithMessage(unix.EMFILE, "this process has reached its limits for number of open events that it may have")
	case unix.ENODEV:
		return -1, errors.WithMessagef(unix.ENODEV, "CPU %d is offline", cpu)
	case unix.ENOENT:
		return -1, errors.WithMessage(unix.ENOENT, "the type setting is not valid")
	case unix.EPERM:
		return -1, errors.WithMessage(unix.EPERM, "insufficient capability to open perf events")
	default:
		return -1, err
	}
}

type ringReader struct {
	meta       *unix.PerfEventMmapPage
	head, tail uint64
	mask       uint64
	ring       []byte
}

func newRingReader(meta *unix.PerfEventMmapPage, ring []byte) *ringReader {
	return &ringReader{
		meta: meta,
		head: atomic.LoadUint64(&meta.Data_head),
		tail: atomic.LoadUint64(&meta.Data_tail),
		// cap is always a power of two
		mask: uint64(cap(ring) - 1),
		ring: ring,
	}
}

func (rr *ringReader) loadHead() {
	rr.head = atomic.LoadUint64(&rr.meta.Data_head)
}

func (rr *ringReader) writeTail() {
	// Commit the new tail. This lets the kernel know that
	// the ring buffer has been consumed.
	atomic.StoreUint64(&rr.meta.Data_tail, rr.tail)
}

func (rr *ringReader) discard() {
	rr.tail = rr.head
}

func (rr *ringReader) Read(p []byte) (int, error) {
	start := int(rr.tail & rr.mask)

	n := len(p)
	// Truncate if the read wraps in the ring buffer
	if remainder := cap(rr.ring) - start; n > remainder {
		n = remainder
	}

	// Truncate if there isn't enough data
	if remainder := int(rr.head - rr.tail); n > remainder {
		n = remainder
	}

	copy(p, rr.ring[start:start+n])
	rr.tail += uint64(n)

	if rr.tail == rr.head {
		return n, io.EOF
	}

	return n, nil
}
