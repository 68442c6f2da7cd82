package tracer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop"
	"github.com/cilium/opensnoop/event"
	"github.com/cilium/opensnoop/internal"
	"github.com/cilium/opensnoop/internal/metrics"
	"github.com/cilium/opensnoop/internal/testutils"
	"github.com/cilium/opensnoop/perf"
	"github.com/cilium/opensnoop/programs"
)

func TestCloseUnacquired(t *testing.T) {
	var tr *Tracer
	qt.Assert(t, qt.IsNil(tr.Close()))

	tr = &Tracer{}
	qt.Assert(t, qt.IsNil(tr.Close()))
	qt.Assert(t, qt.IsNil(tr.Close()))
}

func TestNewMapCreateFailure(t *testing.T) {
	oldHash, oldEvents := createHashMap, createEventArrayMap
	t.Cleanup(func() { createHashMap, createEventArrayMap = oldHash, oldEvents })

	createHashMap = func(keySize, valueSize, maxEntries uint32) (*opensnoop.Map, error) {
		return nil, &opensnoop.MapCreateError{Type: opensnoop.Hash, Errno: unix.EPERM}
	}
	eventsCreated := false
	createEventArrayMap = func(maxEntries uint32) (*opensnoop.Map, error) {
		eventsCreated = true
		return nil, errors.New("unreachable")
	}

	logger, hook := test.NewNullLogger()
	tr, err := New(Options{Symbol: "do_sys_open", CPUs: []int{0, 1}, Logger: logger})
	qt.Assert(t, qt.IsNil(tr))

	var mce *opensnoop.MapCreateError
	qt.Assert(t, qt.ErrorAs(err, &mce))
	qt.Assert(t, qt.ErrorIs(err, unix.EPERM))
	qt.Assert(t, qt.IsFalse(eventsCreated))

	// Teardown had nothing to close and didn't complain.
	for _, entry := range hook.AllEntries() {
		qt.Assert(t, qt.Not(qt.Equals(entry.Level, logrus.WarnLevel)), qt.Commentf("%s", entry.Message))
	}
}

type fakeSource struct {
	batches   chan []perf.Record
	interrupt chan struct{}

	lost, readErrors uint64
	closed           bool
	lateInterrupt    bool
}

func newFakeSource(batches ...[]perf.Record) *fakeSource {
	fs := &fakeSource{
		batches:   make(chan []perf.Record, len(batches)),
		interrupt: make(chan struct{}, 1),
	}
	for _, b := range batches {
		fs.batches <- b
	}
	return fs
}

func (fs *fakeSource) Poll(time.Time) ([]perf.Record, error) {
	select {
	case b := <-fs.batches:
		return b, nil
	case <-fs.interrupt:
		return nil, perf.ErrInterrupted
	}
}

func (fs *fakeSource) Interrupt() error {
	if fs.closed {
		fs.lateInterrupt = true
	}
	select {
	case fs.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (fs *fakeSource) LostSamples() uint64 { return fs.lost }
func (fs *fakeSource) ReadErrors() uint64  { return fs.readErrors }
func (fs *fakeSource) Rings() int          { return 2 }

func (fs *fakeSource) Close() error {
	fs.closed = true
	return nil
}

func rawRecord(pid, tid uint32, ts uint64, ret int32, comm, path string) []byte {
	raw := make([]byte, programs.RecordSize)
	internal.NativeEndian.PutUint64(raw[programs.RecordIDOff:], uint64(pid)<<32|uint64(tid))
	internal.NativeEndian.PutUint64(raw[programs.RecordTSOff:], ts)
	internal.NativeEndian.PutUint32(raw[programs.RecordRetOff:], uint32(ret))
	copy(raw[programs.RecordCommOff:programs.RecordCommOff+programs.CommLen], comm)
	copy(raw[programs.RecordPathOff:], path)
	return raw
}

func counterValue(tb testing.TB, c prometheus.Collector) float64 {
	tb.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	qt.Assert(tb, qt.IsNil((<-ch).Write(&m)))
	if m.Gauge != nil {
		return m.GetGauge().GetValue()
	}
	return m.GetCounter().GetValue()
}

func TestRun(t *testing.T) {
	source := newFakeSource(
		[]perf.Record{
			{CPU: 0, RawSample: rawRecord(4242, 7, 100, 3, "cat", "/etc/hosts")},
			{CPU: 1, LostSamples: 5},
			{CPU: 1, RawSample: []byte{1, 2, 3}},
		},
		[]perf.Record{
			{CPU: 0, RawSample: rawRecord(4242, 7, 200, -2, "cat", "/nope")},
			{CPU: 1, RawSample: rawRecord(1, 1, 300, 4, "bash", "/etc/passwd")},
		},
	)
	source.lost = 5
	source.readErrors = 1

	m := metrics.New(nil)
	logger, hook := test.NewNullLogger()
	tr := &Tracer{
		log:      logger,
		metrics:  m,
		criteria: event.Criteria{PID: 4242},
		reader:   source,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []event.TraceEvent
	err := tr.Run(ctx, func(ev event.TraceEvent) {
		got = append(got, ev)
		if len(got) == 2 {
			cancel()
		}
	})
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.HasLen(got, 2))
	qt.Assert(t, qt.Equals(got[0].Path, "/etc/hosts"))
	qt.Assert(t, qt.IsTrue(got[0].Success()))
	qt.Assert(t, qt.Equals(got[1].Errno(), unix.ENOENT))

	qt.Assert(t, qt.Equals(counterValue(t, m.Events.WithLabelValues(metrics.ResultSuccess)), 1))
	qt.Assert(t, qt.Equals(counterValue(t, m.Events.WithLabelValues(metrics.ResultFailure)), 1))
	qt.Assert(t, qt.Equals(counterValue(t, m.DecodeErrors), 1))
	qt.Assert(t, qt.Equals(counterValue(t, m.Filtered), 1))
	qt.Assert(t, qt.Equals(counterValue(t, m.LostSamples), 5))
	qt.Assert(t, qt.Equals(counterValue(t, m.ReadErrors), 1))
	qt.Assert(t, qt.Equals(counterValue(t, m.Rings), 2))

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Perf ring full, samples lost" {
			warned = true
			qt.Assert(t, qt.Equals(entry.Data["lost"], any(uint64(5))))
		}
	}
	qt.Assert(t, qt.IsTrue(warned))

	qt.Assert(t, qt.IsNil(tr.Close()))
	qt.Assert(t, qt.IsTrue(source.closed))
	qt.Assert(t, qt.ErrorIs(tr.Run(ctx, nil), ErrClosed))
}

func TestRunCancelledByCallbackThenClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		source := newFakeSource([]perf.Record{
			{CPU: 0, RawSample: rawRecord(1, 1, 100, 3, "cat", "/etc/hosts")},
		})
		tr := &Tracer{
			log:     logrus.New(),
			metrics: metrics.New(nil),
			reader:  source,
		}

		ctx, cancel := context.WithCancel(context.Background())
		err := tr.Run(ctx, func(event.TraceEvent) { cancel() })
		qt.Assert(t, qt.IsNil(err))

		// Run must not return while the interrupt still uses the reader.
		qt.Assert(t, qt.IsNil(tr.Close()))
		qt.Assert(t, qt.IsTrue(source.closed))
		qt.Assert(t, qt.IsFalse(source.lateInterrupt))
		cancel()
	}
}

func TestRunCancelled(t *testing.T) {
	tr := &Tracer{
		log:     logrus.New(),
		metrics: metrics.New(nil),
		reader:  newFakeSource(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Run(ctx, func(event.TraceEvent) { t.Fatal("Unexpected event") })
	qt.Assert(t, qt.IsNil(err))
}

func TestRunInterruptedByContext(t *testing.T) {
	tr := &Tracer{
		log:     logrus.New(),
		metrics: metrics.New(nil),
		reader:  newFakeSource(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error)
	go func() { done <- tr.Run(ctx, func(event.TraceEvent) {}) }()

	select {
	case err := <-done:
		qt.Assert(t, qt.IsNil(err))
	case <-time.After(5 * time.Second):
		t.Fatal("Run wasn't interrupted by the context")
	}
}

func TestSince(t *testing.T) {
	tr := &Tracer{start: 1000}
	qt.Assert(t, qt.Equals(tr.Since(event.TraceEvent{Timestamp: 1500}), 500*time.Nanosecond))
	qt.Assert(t, qt.Equals(tr.Since(event.TraceEvent{Timestamp: 10}), 0))
}

func TestTracer(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)
	testutils.SkipOnOldKernel(t, "4.17", "kprobe perf events with a BPF program")

	tr, err := New(Options{
		Criteria: event.Criteria{PID: uint32(os.Getpid())},
		Cleanup:  true,
	})
	qt.Assert(t, qt.IsNil(err))
	defer tr.Close()

	missing := filepath.Join(t.TempDir(), "missing")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := make(chan event.TraceEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, func(ev event.TraceEvent) {
			select {
			case events <- ev:
			default:
			}
		})
	}()

	var sawSuccess, sawFailure bool
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !sawSuccess || !sawFailure {
		select {
		case ev := <-events:
			qt.Assert(t, qt.Equals(ev.PID, uint32(os.Getpid())))
			switch ev.Path {
			case "/etc/hosts":
				sawSuccess = sawSuccess || ev.Success()
			case missing:
				qt.Assert(t, qt.Equals(ev.Errno(), unix.ENOENT))
				sawFailure = true
			}

		case <-ticker.C:
			if f, err := os.Open("/etc/hosts"); err == nil {
				f.Close()
			}
			_, _ = os.Open(missing)

		case <-ctx.Done():
			t.Fatal("Didn't observe own open calls")
		}
	}

	cancel()
	qt.Assert(t, qt.IsNil(<-done))
	qt.Assert(t, qt.IsNil(tr.Close()))
}
