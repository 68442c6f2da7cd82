package link

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/asm"
	"github.com/cilium/opensnoop/internal/sys"
	"github.com/cilium/opensnoop/internal/tracefs"
)

// Getting the terminology right is usually the hardest part:
//
//   - trace event: Entry under <tracefs>/events. Kprobes registered through
//     <tracefs>/kprobe_events show up here with a numeric id.
//   - perf event: An object instantiated from a trace event id. Referred to
//     by fd in userspace. Exactly one eBPF program can be attached to it.
//     Closing a perf event stops any further invocations of the program.

// ErrInvalidState is returned when a Kprobe method is called out of order.
var ErrInvalidState = errors.New("invalid kprobe state")

// State is the lifecycle stage of a Kprobe.
//
// A Kprobe moves from Unregistered to Registered to Attached to Detached,
// and never backwards.
type State uint8

const (
	Unregistered State = iota
	Registered
	Attached
	Detached
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Program is a loaded program which can be attached to a Kprobe.
type Program interface {
	FD() int
	Kind() asm.ProbeKind
}

// KprobeOptions defines additional parameters used when creating a Kprobe.
type KprobeOptions struct {
	// Distinguishes the trace event from those of other processes.
	// Defaults to the pid of the calling process.
	PID int
	// Remove the trace event from kprobe_events in Close.
	Cleanup bool
}

// Kprobe is a kprobe or kretprobe on a kernel symbol.
//
// It is not safe for concurrent use.
type Kprobe struct {
	spec    tracefs.ProbeSpec
	cleanup bool

	state State
	id    uint64
	fd    *sys.FD
}

// Seams for tests.
var (
	openPerfEvent = tracefs.OpenTracepointPerfEvent
	ioctlSetInt   = unix.IoctlSetInt
)

// NewKprobe prepares a probe of type typ on symbol. Nothing is created in
// the kernel until Register is called.
func NewKprobe(typ tracefs.ProbeType, symbol string, opts *KprobeOptions) (*Kprobe, error) {
	if opts == nil {
		opts = &KprobeOptions{}
	}

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	spec, err := tracefs.NewProbeSpec(typ, symbol, pid)
	if err != nil {
		return nil, err
	}

	return &Kprobe{spec: spec, cleanup: opts.Cleanup}, nil
}

func (k *Kprobe) String() string {
	return fmt.Sprintf("%s(%s)", k.spec, k.state)
}

// Spec returns the trace event definition of the probe.
func (k *Kprobe) Spec() tracefs.ProbeSpec {
	return k.spec
}

// State returns the current lifecycle stage.
func (k *Kprobe) State() State {
	return k.state
}

// ID returns the trace event id, or zero before Register succeeded.
func (k *Kprobe) ID() uint64 {
	return k.id
}

// Register creates the trace event backing the probe.
//
// Returns an error wrapping tracefs.ErrSymbolNotFound if the kernel
// doesn't know the symbol.
func (k *Kprobe) Register() error {
	if k.state != Unregistered {
		return fmt.Errorf("register %s: %w", k, ErrInvalidState)
	}

	id, err := tracefs.Register(k.spec)
	if err != nil {
		return err
	}

	k.id = id
	k.state = Registered
	return nil
}

// Attach opens a perf event on the trace event and attaches prog to it.
//
// The probe is left Registered if attaching fails.
func (k *Kprobe) Attach(prog Program) error {
	if k.state != Registered {
		return fmt.Errorf("attach %s: %w", k, ErrInvalidState)
	}
	if prog == nil {
		return errors.New("cannot attach a nil program")
	}
	if want := kindOf(k.spec.Type); prog.Kind() != want {
		return fmt.Errorf("invalid program kind (expected %s): %s", want, prog.Kind())
	}
	if prog.FD() < 0 {
		return fmt.Errorf("invalid program: %w", sys.ErrClosedFd)
	}

	fd, err := openPerfEvent(k.id, -1)
	if err != nil {
		return fmt.Errorf("attach %s: %w", k.spec, err)
	}

	if err := ioctlSetInt(fd.Int(), unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		fd.Close()
		return fmt.Errorf("setting perf event bpf program: %w", err)
	}

	// PERF_EVENT_IOC_ENABLE and _DISABLE ignore their given values.
	if err := ioctlSetInt(fd.Int(), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		fd.Close()
		return fmt.Errorf("enable perf event: %w", err)
	}

	k.fd = fd
	k.state = Attached
	return nil
}

// Close detaches the program by closing the perf event.
//
// The trace event stays registered unless KprobeOptions.Cleanup was set.
// It is safe to call Close multiple times and on a nil Kprobe.
func (k *Kprobe) Close() error {
	if k == nil {
		return nil
	}

	var err error
	if k.fd != nil {
		err = k.fd.Close()
		k.fd = nil
	}

	if k.cleanup && (k.state == Registered || k.state == Attached) {
		if rerr := tracefs.Unregister(k.spec); rerr != nil && err == nil {
			err = rerr
		}
	}

	if k.state != Unregistered {
		k.state = Detached
	}
	return err
}

func kindOf(typ tracefs.ProbeType) asm.ProbeKind {
	if typ == tracefs.Kretprobe {
		return asm.ReturnProbe
	}
	return asm.EntryProbe
}
