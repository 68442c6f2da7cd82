// Package tracer traces open calls of the whole system.
//
// It wires the resident programs to a kprobe and kretprobe pair and
// decodes the records they emit.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop"
	"github.com/cilium/opensnoop/asm"
	"github.com/cilium/opensnoop/event"
	"github.com/cilium/opensnoop/internal"
	"github.com/cilium/opensnoop/internal/kallsyms"
	"github.com/cilium/opensnoop/internal/metrics"
	"github.com/cilium/opensnoop/internal/tracefs"
	"github.com/cilium/opensnoop/link"
	"github.com/cilium/opensnoop/perf"
	"github.com/cilium/opensnoop/programs"
)

// DefaultSymbols are probed in order if Options.Symbol is empty. Both take
// the path as their second argument.
var DefaultSymbols = []string{"do_sys_open", "do_sys_openat2"}

// ErrClosed is returned when using a closed Tracer.
var ErrClosed = os.ErrClosed

// Options configure a Tracer. The zero value traces every open call.
type Options struct {
	// Kernel function to probe. Defaults to the first of DefaultSymbols
	// the kernel knows.
	Symbol string
	// Criteria select the events passed to the callback of Run. PID and
	// TID are also checked by the resident program, so other threads
	// don't consume ring space.
	Criteria event.Criteria
	// CPUs to read events from. Defaults to the online CPUs.
	CPUs []int
	// Number of data pages per CPU. See perf.ReaderOptions.
	PerCPUPages int
	// See perf.ReaderOptions.
	MaxConsecutiveErrors int
	// Stamped into the programs. Defaults to the running kernel.
	KernelVersion uint32
	// Remove the probes from kprobe_events on Close. By default they are
	// left behind, like bcc does.
	Cleanup bool
	// Defaults to a logger which discards everything.
	Logger logrus.FieldLogger
	// Defaults to unregistered counters.
	Metrics *metrics.Metrics
}

// eventSource is implemented by *perf.Reader.
type eventSource interface {
	Poll(deadline time.Time) ([]perf.Record, error)
	Interrupt() error
	LostSamples() uint64
	ReadErrors() uint64
	Rings() int
	Close() error
}

// Seams for tests.
var (
	createHashMap       = opensnoop.CreateHashMap
	createEventArrayMap = opensnoop.CreateEventArrayMap
)

// Tracer owns every kernel resource needed to trace open calls.
//
// It is not safe for concurrent use. Cancel the context passed to Run
// before calling Close.
type Tracer struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	symbol   string
	criteria event.Criteria
	// CLOCK_MONOTONIC when the probes were attached, in ns.
	start uint64

	restoreMemlock func() error
	hash           *opensnoop.Map
	events         *opensnoop.Map
	entry          *opensnoop.Program
	ret            *opensnoop.Program
	reader         eventSource
	kprobe         *link.Kprobe
	kretprobe      *link.Kprobe

	// Last values copied from reader to metrics.
	lost, readErrors uint64
}

// New acquires all resources and attaches the probes. On failure,
// everything acquired so far is released.
func New(opts Options) (_ *Tracer, err error) {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	t := &Tracer{
		log:      log,
		metrics:  m,
		criteria: opts.Criteria,
	}
	defer func() {
		if err != nil {
			if cerr := t.Close(); cerr != nil {
				log.WithError(cerr).Warn("Teardown after failed setup")
			}
		}
	}()

	cpus := opts.CPUs
	if len(cpus) == 0 {
		cpus, err = internal.OnlineCPUs()
		if err != nil {
			return nil, fmt.Errorf("online CPUs: %w", err)
		}
	}

	t.symbol = opts.Symbol
	if t.symbol == "" {
		t.symbol, err = kallsyms.FirstFunction(DefaultSymbols...)
		if err != nil {
			return nil, err
		}
	}
	log.WithField("symbol", t.symbol).Debug("Probing kernel function")

	// Kernels since 5.11 account memory to cgroups and ignore the limit.
	t.restoreMemlock, err = internal.RemoveMemlockRlimit()
	if err != nil {
		log.WithError(err).Debug("Keeping memlock rlimit")
		err = nil
	}

	if err := t.createMaps(cpus); err != nil {
		return nil, err
	}

	if err := t.loadPrograms(opts); err != nil {
		return nil, err
	}

	reader, err := perf.NewReader(t.events, cpus, perf.ReaderOptions{
		PerCPUPages:          opts.PerCPUPages,
		MaxConsecutiveErrors: opts.MaxConsecutiveErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("open perf readers: %w", err)
	}
	t.reader = reader
	t.metrics.Rings.Set(float64(reader.Rings()))
	log.WithField("cpus", len(cpus)).Debug("Opened perf readers")

	if err := t.attach(opts); err != nil {
		return nil, err
	}

	t.start = monotonicNow()
	return t, nil
}

func (t *Tracer) createMaps(cpus []int) error {
	hash, err := createHashMap(programs.CorrelationKeySize, programs.ValueSize, programs.CorrelationEntries)
	if err != nil {
		return err
	}
	t.hash = hash

	// The array is indexed by CPU id, which need not be contiguous.
	events, err := createEventArrayMap(uint32(slices.Max(cpus) + 1))
	if err != nil {
		return err
	}
	t.events = events

	t.log.WithFields(logrus.Fields{
		"hash":   hash.FD(),
		"events": events.FD(),
	}).Debug("Created maps")
	return nil
}

func (t *Tracer) loadPrograms(opts Options) error {
	popts := programs.Options{
		PID:        opts.Criteria.PID,
		TID:        opts.Criteria.TID,
		PathHelper: pathHelper(),
	}

	entry, err := programs.Entry(popts)
	if err != nil {
		return err
	}
	if err := entry.PatchMap(programs.CorrelationMap, t.hash.FD()); err != nil {
		return err
	}

	ret, err := programs.Return(popts)
	if err != nil {
		return err
	}
	if err := ret.PatchMap(programs.CorrelationMap, t.hash.FD()); err != nil {
		return err
	}
	if err := ret.PatchMap(programs.EventsMap, t.events.FD()); err != nil {
		return err
	}

	t.entry, err = opensnoop.LoadProgram(entry, opensnoop.ProgramOptions{
		Name:          "trace_entry",
		KernelVersion: opts.KernelVersion,
	})
	if err != nil {
		return err
	}

	t.ret, err = opensnoop.LoadProgram(ret, opensnoop.ProgramOptions{
		Name:          "trace_return",
		KernelVersion: opts.KernelVersion,
	})
	if err != nil {
		return err
	}

	t.log.Debug("Loaded programs")
	return nil
}

// pathHelper picks the helper copying the path from user memory.
// bpf_probe_read can't read user memory on architectures with
// overlapping address spaces, its user variant exists since 5.5.
func pathHelper() asm.BuiltinFunc {
	v, err := internal.KernelVersion()
	if err != nil || v.Less(internal.Version{5, 5, 0}) {
		return asm.FnProbeRead
	}
	return asm.FnProbeReadUserStr
}

// attach registers and attaches the return probe before the entry probe,
// so that no entry is recorded without a consumer.
func (t *Tracer) attach(opts Options) error {
	kopts := &link.KprobeOptions{Cleanup: opts.Cleanup}

	var err error
	t.kretprobe, err = link.NewKprobe(tracefs.Kretprobe, t.symbol, kopts)
	if err != nil {
		return err
	}
	if err := t.kretprobe.Register(); err != nil {
		return err
	}
	if err := t.kretprobe.Attach(t.ret); err != nil {
		return err
	}

	t.kprobe, err = link.NewKprobe(tracefs.Kprobe, t.symbol, kopts)
	if err != nil {
		return err
	}
	if err := t.kprobe.Register(); err != nil {
		return err
	}
	if err := t.kprobe.Attach(t.entry); err != nil {
		return err
	}

	t.log.WithFields(logrus.Fields{
		"kprobe":    t.kprobe.Spec().Alias,
		"kretprobe": t.kretprobe.Spec().Alias,
	}).Debug("Attached probes")
	return nil
}

// Symbol returns the probed kernel function.
func (t *Tracer) Symbol() string {
	return t.symbol
}

// Since returns the time between attaching the probes and ev.
func (t *Tracer) Since(ev event.TraceEvent) time.Duration {
	if ev.Timestamp <= t.start {
		return 0
	}
	return time.Duration(ev.Timestamp - t.start)
}

// Run passes matching events to fn until ctx is cancelled.
//
// Cancelling ctx interrupts the wait for events, Run then returns nil.
// Records which can't be decoded are skipped.
func (t *Tracer) Run(ctx context.Context, fn func(event.TraceEvent)) error {
	reader := t.reader
	if reader == nil {
		return fmt.Errorf("run: %w", ErrClosed)
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		if err := reader.Interrupt(); err != nil && !errors.Is(err, os.ErrClosed) {
			t.log.WithError(err).Warn("Interrupting perf reader")
		}
	})
	defer func() {
		// The interrupt may be in flight, the caller is free to Close
		// once Run returns.
		if !stop() {
			<-interrupted
		}
	}()

	for ctx.Err() == nil {
		records, err := reader.Poll(time.Time{})
		if ctx.Err() != nil {
			break
		}
		if err != nil && !errors.Is(err, perf.ErrInterrupted) {
			return err
		}

		t.handle(records, fn)
		t.syncCounters(reader)
	}

	return nil
}

func (t *Tracer) handle(records []perf.Record, fn func(event.TraceEvent)) {
	for _, rec := range records {
		if rec.LostSamples > 0 {
			t.log.WithFields(logrus.Fields{
				"cpu":  rec.CPU,
				"lost": rec.LostSamples,
			}).Warn("Perf ring full, samples lost")
			continue
		}

		ev, err := event.Decode(rec.RawSample)
		if err != nil {
			t.metrics.DecodeErrors.Inc()
			t.log.WithError(err).WithField("cpu", rec.CPU).Warn("Skipping record")
			continue
		}

		if !t.criteria.Match(ev, t.Since(ev)) {
			t.metrics.Filtered.Inc()
			continue
		}

		t.metrics.Emitted(ev.Success())
		fn(ev)
	}
}

// syncCounters copies the counters of the reader into metrics.
func (t *Tracer) syncCounters(reader eventSource) {
	if lost := reader.LostSamples(); lost > t.lost {
		t.metrics.LostSamples.Add(float64(lost - t.lost))
		t.lost = lost
	}

	if readErrors := reader.ReadErrors(); readErrors > t.readErrors {
		t.log.WithField("total", readErrors).Warn("Failed to read from perf ring")
		t.metrics.ReadErrors.Add(float64(readErrors - t.readErrors))
		t.readErrors = readErrors
	}

	t.metrics.Rings.Set(float64(reader.Rings()))
}

// Close releases all resources in reverse order of acquisition: probes,
// programs, readers, the event map and the correlation map.
//
// Resources which were never acquired are skipped. It is safe to call
// Close multiple times and on a nil Tracer.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}

	var result *multierror.Error
	closeAll := func(what string, c io.Closer) {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", what, err))
		}
	}

	if t.kprobe != nil {
		closeAll("kprobe", t.kprobe)
		t.kprobe = nil
	}
	if t.kretprobe != nil {
		closeAll("kretprobe", t.kretprobe)
		t.kretprobe = nil
	}
	if t.entry != nil {
		closeAll("entry program", t.entry)
		t.entry = nil
	}
	if t.ret != nil {
		closeAll("return program", t.ret)
		t.ret = nil
	}
	if t.reader != nil {
		closeAll("perf reader", t.reader)
		t.reader = nil
	}
	if t.events != nil {
		closeAll("event map", t.events)
		t.events = nil
	}
	if t.hash != nil {
		closeAll("correlation map", t.hash)
		t.hash = nil
	}
	if t.restoreMemlock != nil {
		if err := t.restoreMemlock(); err != nil {
			result = multierror.Append(result, err)
		}
		t.restoreMemlock = nil
	}

	return result.ErrorOrNil()
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
