// Package epoll waits for readiness of several file descriptors at once.
package epoll

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/internal"
)

// ErrInterrupted is returned by Wait if Interrupt was called.
var ErrInterrupted = errors.New("wait interrupted")

// Poller waits for readiness notifications from multiple file descriptors.
//
// The wait can be interrupted by calling Close or Interrupt.
type Poller struct {
	// mutexes protect the fields declared below them. If you need to
	// acquire both at once you must lock epollMu before closeMu.
	epollMu sync.Mutex
	file    *os.File

	closeMu        sync.RWMutex
	closeEvent     *eventFd
	interruptEvent *eventFd
}

// New creates a poller with room for the internal events.
func New() (_ *Poller, err error) {
	closeFDOnError := func(fd int) {
		if err != nil {
			unix.Close(fd)
		}
	}
	closeEventFDOnError := func(e *eventFd) {
		if err != nil {
			e.close()
		}
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create epoll fd: %w", err)
	}
	defer closeFDOnError(epollFd)

	p := &Poller{file: os.NewFile(uintptr(epollFd), "epoll")}
	p.closeEvent, err = newEventFd()
	if err != nil {
		return nil, err
	}
	defer closeEventFDOnError(p.closeEvent)

	p.interruptEvent, err = newEventFd()
	if err != nil {
		return nil, err
	}
	defer closeEventFDOnError(p.interruptEvent)

	if err := p.Add(p.closeEvent.raw, 0); err != nil {
		return nil, fmt.Errorf("add close eventfd: %w", err)
	}

	if err := p.Add(p.interruptEvent.raw, 0); err != nil {
		return nil, fmt.Errorf("add interrupt eventfd: %w", err)
	}

	runtime.SetFinalizer(p, (*Poller).Close)
	return p, nil
}

// Close the poller.
//
// Interrupts any calls to Wait. Multiple calls to Close are valid, but subsequent
// calls will return os.ErrClosed.
func (p *Poller) Close() error {
	runtime.SetFinalizer(p, nil)

	// Interrupt Wait() via the closeEvent fd if it's currently blocked.
	if err := p.wakeWait(); err != nil {
		return err
	}

	// Acquire the lock. This ensures that Wait isn't running.
	p.epollMu.Lock()
	defer p.epollMu.Unlock()

	// Prevent other calls to Close().
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.file != nil {
		err := p.file.Close()
		p.file = nil
		if err != nil {
			return fmt.Errorf("close epoll fd: %w", err)
		}
	}

	if p.closeEvent != nil {
		p.closeEvent.close()
		p.closeEvent = nil
	}

	if p.interruptEvent != nil {
		p.interruptEvent.close()
		p.interruptEvent = nil
	}

	return nil
}

func (p *Poller) wakeWait() error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.file == nil {
		return fmt.Errorf("epoll wait: %w", os.ErrClosed)
	}

	// The value is ignored.
	return p.closeEvent.add(1)
}

// Add an fd to the poller.
//
// id is returned by Wait in the unix.EpollEvent.Pad field any may be zero. It
// must not exceed math.MaxInt32.
//
// Add is blocked by Wait.
func (p *Poller) Add(fd int, id int) error {
	if int64(id) > math.MaxInt32 {
		return fmt.Errorf("unsupported id: %d", id)
	}

	p.epollMu.Lock()
	defer p.epollMu.Unlock()

	if p.file == nil {
		return fmt.Errorf("epoll add: %w", os.ErrClosed)
	}

	// The representation of EpollEvent isn't entirely accurate.
	// Pad is fully usable, not just padding. Hence we stuff the
	// id in there, which allows us to identify the event later (e.g.,
	// in case of perf events, which CPU sent it).
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
		Pad:    int32(id),
	}

	if err := unix.EpollCtl(int(p.file.Fd()), unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("add fd to epoll: %w", err)
	}

	return nil
}

// Remove an fd from the poller.
func (p *Poller) Remove(fd int) error {
	p.epollMu.Lock()
	defer p.epollMu.Unlock()

	if p.file == nil {
		return fmt.Errorf("epoll remove: %w", os.ErrClosed)
	}

	if err := unix.EpollCtl(int(p.file.Fd()), unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("remove fd from epoll: %w", err)
	}

	return nil
}

// Wait for events.
//
// Returns the number of pending events and any errors.
//
//   - [os.ErrClosed] if interrupted by [Close].
//   - [ErrInterrupted] if interrupted by [Interrupt].
//   - [os.ErrDeadlineExceeded] if deadline is reached.
func (p *Poller) Wait(events []unix.EpollEvent, deadline time.Time) (int, error) {
	p.epollMu.Lock()
	defer p.epollMu.Unlock()

	if p.file == nil {
		return 0, fmt.Errorf("epoll wait: %w", os.ErrClosed)
	}

	for {
		timeout := int(-1)
		if !deadline.IsZero() {
			msec := time.Until(deadline).Milliseconds()
			// Deadline is in the past, don't block.
			msec = max(msec, 0)
			// Deadline is too far in the future.
			msec = min(msec, math.MaxInt)

			timeout = int(msec)
		}

		n, err := unix.EpollWait(int(p.file.Fd()), events, timeout)
		if temp, ok := err.(temporaryError); ok && temp.Temporary() {
			// Retry the syscall if we were interrupted, see https://github.com/golang/go/issues/20400
			continue
		}

		if err != nil {
			return 0, err
		}

		if n == 0 {
			return 0, fmt.Errorf("epoll wait: %w", os.ErrDeadlineExceeded)
		}

		interrupted := false
		for i := 0; i < n; {
			switch int(events[i].Fd) {
			case p.closeEvent.raw:
				return 0, fmt.Errorf("epoll wait: %w", os.ErrClosed)

			case p.interruptEvent.raw:
				// Consume the event so that the next Wait blocks again.
				if _, err := p.interruptEvent.read(); err != nil {
					return 0, fmt.Errorf("epoll wait: reset interrupt: %w", err)
				}
				interrupted = true
				events = slices.Delete(events, i, i+1)
				n--

			default:
				i++
			}
		}

		if interrupted {
			return n, ErrInterrupted
		}

		return n, nil
	}
}

// Interrupt a call to Wait, or the next one if none is in progress.
func (p *Poller) Interrupt() error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.file == nil {
		return fmt.Errorf("epoll interrupt: %w", os.ErrClosed)
	}

	return p.interruptEvent.add(1)
}

type temporaryError interface {
	Temporary() bool
}

// eventFd wraps a Linux eventfd.
//
// An eventfd acts like a counter: writes add to the counter, reads retrieve
// the counter and reset it to zero. Reads also block if the counter is zero.
//
// See man 2 eventfd.
type eventFd struct {
	file *os.File
	// prefer raw over file.Fd(), since the latter puts the file into blocking
	// mode.
	raw int
}

func newEventFd() (*eventFd, error) {
	fd, err := unix.Eventfd(0, unix.O_CLOEXEC|unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(fd), "event")
	return &eventFd{file, fd}, nil
}

func (efd *eventFd) close() error {
	return efd.file.Close()
}

func (efd *eventFd) add(n uint64) error {
	var buf [8]byte
	internal.NativeEndian.PutUint64(buf[:], n)
	_, err := efd.file.Write(buf[:])
	return err
}

func (efd *eventFd) read() (uint64, error) {
	var buf [8]byte
	_, err := efd.file.Read(buf[:])
	return internal.NativeEndian.Uint64(buf[:]), err
}
