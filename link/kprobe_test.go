package link

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop"
	"github.com/cilium/opensnoop/asm"
	"github.com/cilium/opensnoop/internal/kallsyms"
	"github.com/cilium/opensnoop/internal/sys"
	"github.com/cilium/opensnoop/internal/testutils"
	"github.com/cilium/opensnoop/internal/tracefs"
	"github.com/cilium/opensnoop/programs"
)

type fakeProgram struct {
	fd   int
	kind asm.ProbeKind
}

func (fp fakeProgram) FD() int             { return fp.fd }
func (fp fakeProgram) Kind() asm.ProbeKind { return fp.kind }

// fakePerfEvents replaces perf_event_open with eventfds and records the
// ioctls issued against them.
func fakePerfEvents(tb testing.TB, ioctlErr map[uint]error) *[]uint {
	tb.Helper()

	var reqs []uint
	oldOpen, oldIoctl := openPerfEvent, ioctlSetInt
	openPerfEvent = func(id uint64, pid int) (*sys.FD, error) {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			return nil, err
		}
		return sys.NewFD(fd)
	}
	ioctlSetInt = func(fd int, req uint, value int) error {
		reqs = append(reqs, req)
		return ioctlErr[req]
	}
	tb.Cleanup(func() {
		openPerfEvent, ioctlSetInt = oldOpen, oldIoctl
	})
	return &reqs
}

func registeredKprobe(tb testing.TB, typ tracefs.ProbeType) *Kprobe {
	tb.Helper()

	k, err := NewKprobe(typ, "do_sys_open", &KprobeOptions{PID: 1})
	qt.Assert(tb, qt.IsNil(err))
	k.id, k.state = 1234, Registered
	return k
}

func TestNewKprobe(t *testing.T) {
	k, err := NewKprobe(tracefs.Kretprobe, "do_sys_open", &KprobeOptions{PID: 99})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(k.State(), Unregistered))
	qt.Assert(t, qt.Equals(k.Spec().Alias, "opensnoop_r_do_sys_open_99"))
	qt.Assert(t, qt.Equals(k.ID(), uint64(0)))

	k, err = NewKprobe(tracefs.Kprobe, "do_sys_open", nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Not(qt.Equals(k.Spec().Alias, "opensnoop_p_do_sys_open_0")))

	_, err = NewKprobe(tracefs.Kprobe, "", nil)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestKprobeAttach(t *testing.T) {
	reqs := fakePerfEvents(t, nil)
	k := registeredKprobe(t, tracefs.Kprobe)

	err := k.Attach(fakeProgram{10, asm.EntryProbe})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(k.State(), Attached))
	qt.Assert(t, qt.DeepEquals(*reqs, []uint{unix.PERF_EVENT_IOC_SET_BPF, unix.PERF_EVENT_IOC_ENABLE}))

	err = k.Attach(fakeProgram{10, asm.EntryProbe})
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidState))

	qt.Assert(t, qt.IsNil(k.Close()))
	qt.Assert(t, qt.Equals(k.State(), Detached))
	qt.Assert(t, qt.IsNil(k.Close()))
	qt.Assert(t, qt.Equals(k.State(), Detached))
}

func TestKprobeAttachFailureClosesFD(t *testing.T) {
	for _, req := range []uint{unix.PERF_EVENT_IOC_SET_BPF, unix.PERF_EVENT_IOC_ENABLE} {
		fakePerfEvents(t, map[uint]error{req: unix.EINVAL})
		k := registeredKprobe(t, tracefs.Kprobe)

		before := testutils.OpenFDs(t)
		err := k.Attach(fakeProgram{10, asm.EntryProbe})
		qt.Assert(t, qt.ErrorIs(err, unix.EINVAL))
		qt.Assert(t, qt.Equals(k.State(), Registered))
		qt.Assert(t, qt.Equals(testutils.OpenFDs(t), before))
	}
}

func TestKprobeAttachValidation(t *testing.T) {
	reqs := fakePerfEvents(t, nil)

	k := registeredKprobe(t, tracefs.Kretprobe)
	qt.Assert(t, qt.IsNotNil(k.Attach(fakeProgram{10, asm.EntryProbe})))
	qt.Assert(t, qt.ErrorIs(k.Attach(fakeProgram{-1, asm.ReturnProbe}), sys.ErrClosedFd))
	qt.Assert(t, qt.IsNotNil(k.Attach(nil)))
	qt.Assert(t, qt.HasLen(*reqs, 0))
	qt.Assert(t, qt.Equals(k.State(), Registered))

	k, err := NewKprobe(tracefs.Kprobe, "do_sys_open", nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.ErrorIs(k.Attach(fakeProgram{10, asm.EntryProbe}), ErrInvalidState))
}

func TestKprobeCloseUnregistered(t *testing.T) {
	k, err := NewKprobe(tracefs.Kprobe, "do_sys_open", nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(k.Close()))
	qt.Assert(t, qt.Equals(k.State(), Unregistered))

	var nilProbe *Kprobe
	qt.Assert(t, qt.IsNil(nilProbe.Close()))
}

func TestKprobeUnknownSymbol(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)

	k, err := NewKprobe(tracefs.Kprobe, "bogus_symbol_that_does_not_exist", nil)
	qt.Assert(t, qt.IsNil(err))

	err = k.Register()
	if errors.Is(err, tracefs.ErrNotMounted) {
		t.Skip(err)
	}
	qt.Assert(t, qt.ErrorIs(err, tracefs.ErrSymbolNotFound))
	qt.Assert(t, qt.Equals(k.State(), Unregistered))
}

func TestKprobeLifecycle(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)
	testutils.SkipOnOldKernel(t, "4.17", "kprobe perf events with a BPF program")

	symbol, err := kallsyms.FirstFunction("do_sys_openat2", "do_sys_open")
	if err != nil {
		t.Skip(err)
	}

	hash, err := opensnoop.CreateHashMap(programs.CorrelationKeySize, programs.ValueSize, programs.CorrelationEntries)
	qt.Assert(t, qt.IsNil(err))
	defer hash.Close()

	p, err := programs.Entry(programs.Options{})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(p.PatchMap(programs.CorrelationMap, hash.FD())))

	prog, err := opensnoop.LoadProgram(p, opensnoop.ProgramOptions{Name: "trace_entry"})
	qt.Assert(t, qt.IsNil(err))
	defer prog.Close()

	k, err := NewKprobe(tracefs.Kprobe, symbol, &KprobeOptions{Cleanup: true})
	qt.Assert(t, qt.IsNil(err))
	defer k.Close()

	err = k.Register()
	if errors.Is(err, tracefs.ErrNotMounted) {
		t.Skip(err)
	}
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(k.State(), Registered))
	qt.Assert(t, qt.Not(qt.Equals(k.ID(), uint64(0))))
	qt.Assert(t, qt.ErrorIs(k.Register(), ErrInvalidState))

	qt.Assert(t, qt.IsNil(k.Attach(prog)))
	qt.Assert(t, qt.Equals(k.State(), Attached))

	qt.Assert(t, qt.IsNil(k.Close()))
	qt.Assert(t, qt.Equals(k.State(), Detached))

	_, err = tracefs.ResolveEventID(k.Spec().Group, k.Spec().Alias)
	qt.Assert(t, qt.IsNotNil(err), qt.Commentf("trace event should have been removed"))
}
