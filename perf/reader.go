// Package perf reads records written by bpf_perf_event_output.
package perf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/internal"
	"github.com/cilium/opensnoop/internal/epoll"
)

const (
	// DefaultPerCPUPages is the number of data pages allocated per CPU.
	DefaultPerCPUPages = 64
	// DefaultMaxConsecutiveErrors is the number of failed reads after which
	// a ring is closed.
	DefaultMaxConsecutiveErrors = 8
)

var (
	ErrClosed = os.ErrClosed
	// ErrInterrupted is returned by Poll after a call to Interrupt.
	ErrInterrupted = epoll.ErrInterrupted

	errEOR = errors.New("end of ring")
)

// perfEventHeader must match 'struct perf_event_header` in <linux/perf_event.h>.
type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

var perfEventHeaderSize = binary.Size(perfEventHeader{})

// Record contains either a sample or a counter of the
// number of lost samples.
type Record struct {
	// The CPU this record was generated on.
	CPU int

	// The data submitted via bpf_perf_event_output.
	// Due to a kernel bug, this can contain between 0 and 7 bytes of trailing
	// garbage from the ring depending on the input sample's length.
	RawSample []byte

	// The number of samples which could not be output, since
	// the ring buffer was full.
	LostSamples uint64
}

// EventArray is a map of type PerfEventArray.
type EventArray interface {
	Put(key, value any) error
	Delete(key any) error
}

// ReaderOptions control the behaviour of the user
// space reader.
type ReaderOptions struct {
	// Number of data pages per CPU. Must be a power of two, defaults to
	// DefaultPerCPUPages.
	PerCPUPages int
	// A ring is closed after this many reads in a row failed. Defaults to
	// DefaultMaxConsecutiveErrors.
	MaxConsecutiveErrors int
}

type cpuRing struct {
	ring
	cpu int
	// consecutive failed reads
	errors int
}

// Reader allows reading bpf_perf_event_output
// from user space.
type Reader struct {
	poller *epoll.Poller

	// mu protects read/write access to the Reader structure. Poll holds
	// it while waiting, Close interrupts the wait before acquiring it.
	mu          sync.Mutex
	array       EventArray
	rings       []*cpuRing
	epollEvents []unix.EpollEvent
	maxErrors   int

	lost       atomic.Uint64
	readErrors atomic.Uint64
}

// NewReader opens a ring for each CPU in cpus and stores its fd in array
// under the CPU id.
//
// bpf_perf_event_output checks which CPU an event is enabled on,
// but doesn't allow using a wildcard like -1 to specify "all CPUs".
// Hence cpus must list every online CPU.
func NewReader(array EventArray, cpus []int, opts ReaderOptions) (pr *Reader, err error) {
	if len(cpus) == 0 {
		return nil, errors.New("no CPUs given")
	}

	pages := opts.PerCPUPages
	if pages == 0 {
		pages = DefaultPerCPUPages
	}

	maxErrors := opts.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}

	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}

	rings := make([]*cpuRing, 0, len(cpus))
	defer func() {
		if err != nil {
			poller.Close()
			for _, r := range rings {
				r.Close()
			}
		}
	}()

	for i, cpu := range cpus {
		r, err := newRing(cpu, pages)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create perf ring for CPU %d", cpu)
		}
		rings = append(rings, &cpuRing{ring: r, cpu: cpu})

		if err := poller.Add(r.FD(), i); err != nil {
			return nil, err
		}

		if err := array.Put(uint32(cpu), uint32(r.FD())); err != nil {
			return nil, errors.Wrapf(err, "couldn't put event fd for CPU %d", cpu)
		}
	}

	pr = &Reader{
		poller:      poller,
		array:       array,
		rings:       rings,
		epollEvents: make([]unix.EpollEvent, len(rings)),
		maxErrors:   maxErrors,
	}
	runtime.SetFinalizer(pr, (*Reader).Close)
	return pr, nil
}

// Rings returns the number of rings which are still open.
func (pr *Reader) Rings() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	n := 0
	for _, r := range pr.rings {
		if r != nil {
			n++
		}
	}
	return n
}

// LostSamples returns the number of samples the kernel dropped because a
// ring was full. It is safe to call concurrently with Poll.
func (pr *Reader) LostSamples() uint64 {
	return pr.lost.Load()
}

// ReadErrors returns the number of failed reads. It is safe to call
// concurrently with Poll.
func (pr *Reader) ReadErrors() uint64 {
	return pr.readErrors.Load()
}

// Interrupt makes the current or next call to Poll return ErrInterrupted.
func (pr *Reader) Interrupt() error {
	return pr.poller.Interrupt()
}

// Close frees resources used by the reader.
//
// It interrupts calls to Poll. The fds stored in the event array become
// invalid, the array itself is owned by the caller.
//
// It is safe to call Close multiple times and on a nil Reader.
func (pr *Reader) Close() error {
	if pr == nil {
		return nil
	}

	if pr.poller != nil {
		if err := pr.poller.Close(); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("close poller: %w", err)
		}
	}

	runtime.SetFinalizer(pr, nil)

	// Trying to poll will now fail, so Poll() can't block anymore. Acquire the
	// lock so that we can clean up.
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var result *multierror.Error
	for _, r := range pr.rings {
		if r != nil {
			result = multierror.Append(result, r.Close())
		}
	}
	pr.rings = nil

	return result.ErrorOrNil()
}

// Poll waits until at least one ring has data, the deadline passes or the
// reader is interrupted, and returns the records of every ready ring.
//
// A zero deadline waits forever. Reaching the deadline returns no records
// and no error. Records of a single CPU are in write order, there is no
// order across CPUs.
func (pr *Reader) Poll(deadline time.Time) ([]Record, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.rings == nil {
		return nil, fmt.Errorf("perf ringbuffer: %w", ErrClosed)
	}

	nEvents, waitErr := pr.poller.Wait(pr.epollEvents, deadline)
	if errors.Is(waitErr, os.ErrDeadlineExceeded) {
		return nil, nil
	}
	if waitErr != nil && !errors.Is(waitErr, ErrInterrupted) {
		return nil, waitErr
	}

	var records []Record
	for _, event := range pr.epollEvents[:nEvents] {
		idx := int(event.Pad)
		if idx < 0 || idx >= len(pr.rings) || pr.rings[idx] == nil {
			// Not one of ours, or closed after too many errors.
			continue
		}

		records = pr.drain(idx, records)
	}

	return records, waitErr
}

// drain reads all records up to the current head of a ring.
func (pr *Reader) drain(idx int, records []Record) []Record {
	r := pr.rings[idx]

	// Read the current head pointer now, not every time
	// we read a record. This prevents a single fast producer
	// from keeping the reader busy.
	r.loadHead()

	for {
		record, err := readRecord(r, r.cpu)
		if errors.Is(err, errEOR) {
			r.writeTail()
			return records
		}

		if err != nil {
			// The position of the next record is unknown.
			r.discard()
			r.writeTail()
			pr.readErrors.Inc()
			r.errors++
			if r.errors >= pr.maxErrors {
				pr.closeRing(idx)
			}
			return records
		}

		r.errors = 0
		if record.LostSamples > 0 {
			pr.lost.Add(record.LostSamples)
		}
		records = append(records, record)
	}
}

// closeRing stops reading from a single CPU. bpf_perf_event_output on that
// CPU fails from now on.
func (pr *Reader) closeRing(idx int) {
	r := pr.rings[idx]
	pr.rings[idx] = nil

	_ = pr.poller.Remove(r.FD())
	_ = pr.array.Delete(uint32(r.cpu))
	_ = r.Close()
}

func readRecord(rd io.Reader, cpu int) (Record, error) {
	var header perfEventHeader
	if err := readHeader(rd, &header); err != nil {
		return Record{}, err
	}

	switch header.Type {
	case unix.PERF_RECORD_LOST:
		lost, err := readLostRecords(rd)
		return Record{CPU: cpu, LostSamples: lost}, err

	case unix.PERF_RECORD_SAMPLE:
		// This must match 'struct perf_event_sample in kernel sources.
		var size uint32
		if err := binary.Read(rd, internal.NativeEndian, &size); err != nil {
			return Record{}, fmt.Errorf("can't read sample size: %w", err)
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return Record{}, fmt.Errorf("can't read sample: %w", err)
		}
		return Record{CPU: cpu, RawSample: buf}, nil

	default:
		return Record{}, &unknownEventError{header.Type}
	}
}

func readHeader(rd io.Reader, header *perfEventHeader) error {
	buf := make([]byte, perfEventHeaderSize)
	if _, err := io.ReadFull(rd, buf); err != nil {
		if err == io.EOF {
			return errEOR
		}
		return fmt.Errorf("can't read event header: %w", err)
	}

	header.Type = internal.NativeEndian.Uint32(buf[0:4])
	header.Misc = internal.NativeEndian.Uint16(buf[4:6])
	header.Size = internal.NativeEndian.Uint16(buf[6:8])
	return nil
}

func readLostRecords(rd io.Reader) (uint64, error) {
	// lostHeader must match 'struct perf_event_lost in kernel sources.
	var lostHeader struct {
		ID   uint64
		Lost uint64
	}

	err := binary.Read(rd, internal.NativeEndian, &lostHeader)
	if err != nil {
		return 0, fmt.Errorf("can't read lost records header: %w", err)
	}

	return lostHeader.Lost, nil
}

type unknownEventError struct {
	eventType uint32
}

func (uev *unknownEventError) Error() string {
	return fmt.Sprintf("unknown event type: %d", uev.eventType)
}

// IsUnknownEvent returns true if the error occurred
// because an unknown event was submitted to the perf event ring.
func IsUnknownEvent(err error) bool {
	var uee *unknownEventError
	return errors.As(err, &uee)
}
