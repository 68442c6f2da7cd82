package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/spf13/pflag"

	"github.com/cilium/opensnoop/event"
	"github.com/cilium/opensnoop/programs"
	"github.com/cilium/opensnoop/tracer"
)

func parse(tb testing.TB, args ...string) (config, error) {
	tb.Helper()

	var cfg config
	flags := pflag.NewFlagSet("opensnoop", pflag.ContinueOnError)
	flags.SetOutput(&bytes.Buffer{})
	bindFlags(flags, &cfg)
	return cfg, flags.Parse(args)
}

func TestFlagsAreIndependent(t *testing.T) {
	for _, tt := range []struct {
		args []string
		want tracer.Options
	}{
		{nil, tracer.Options{PerCPUPages: 64}},
		{[]string{"-p", "42"}, tracer.Options{PerCPUPages: 64, Criteria: event.Criteria{PID: 42}}},
		{[]string{"-t", "7"}, tracer.Options{PerCPUPages: 64, Criteria: event.Criteria{TID: 7}}},
		{[]string{"-x"}, tracer.Options{PerCPUPages: 64, Criteria: event.Criteria{FailedOnly: true}}},
		{[]string{"--name", "cat", "--symbol", "do_sys_openat2"}, tracer.Options{
			PerCPUPages: 64,
			Symbol:      "do_sys_openat2",
			Criteria:    event.Criteria{Name: "cat"},
		}},
		{[]string{"--pages", "8", "--cleanup"}, tracer.Options{PerCPUPages: 8, Cleanup: true}},
	} {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cfg, err := parse(t, tt.args...)
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.DeepEquals(cfg.options(), tt.want))
		})
	}
}

func TestFlagsDuration(t *testing.T) {
	cfg, err := parse(t, "-p", "1", "-d", "10")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(cfg.duration, uint(10)))
	qt.Assert(t, qt.Equals(cfg.tid, uint32(0)))
	qt.Assert(t, qt.IsFalse(cfg.timestamps))
}

func TestFlagsRejectNegative(t *testing.T) {
	for _, flag := range []string{"-p", "-t", "-d"} {
		_, err := parse(t, flag, "-1")
		qt.Assert(t, qt.IsNotNil(err), qt.Commentf("%s", flag))

		_, err = parse(t, flag, "abc")
		qt.Assert(t, qt.IsNotNil(err), qt.Commentf("%s", flag))
	}
}

func TestRootCommandRejectsArgs(t *testing.T) {
	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"extra"})
	cmd.SetErr(&bytes.Buffer{})
	qt.Assert(t, qt.IsNotNil(cmd.Execute()))
}

func TestPrinter(t *testing.T) {
	success := event.TraceEvent{PID: 4242, TID: 7, Timestamp: 1_500_000_000, Ret: 3, Comm: "cat", Path: "/etc/hosts"}
	failure := event.TraceEvent{PID: 4242, TID: 7, Timestamp: 2_000_000_000, Ret: -2, Comm: "cat", Path: "/nope"}
	since := func(ev event.TraceEvent) time.Duration { return time.Duration(ev.Timestamp) }

	var buf bytes.Buffer
	p := newPrinter(&buf, false, since)
	qt.Assert(t, qt.IsNil(p.header()))
	qt.Assert(t, qt.IsNil(p.print(success)))
	qt.Assert(t, qt.IsNil(p.print(failure)))
	qt.Assert(t, qt.Equals(buf.String(), ""+
		"PID    COMM               FD ERR PATH\n"+
		"4242   cat                 3   0 /etc/hosts\n"+
		"4242   cat                -1   2 /nope\n"))

	buf.Reset()
	p = newPrinter(&buf, true, since)
	qt.Assert(t, qt.IsNil(p.header()))
	qt.Assert(t, qt.IsNil(p.print(success)))
	qt.Assert(t, qt.Equals(buf.String(), ""+
		"TIME(s)        PID    COMM               FD ERR PATH\n"+
		"1.500000000    4242   cat                 3   0 /etc/hosts\n"))
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(dump(&buf, programs.Options{Arch: "amd64"}, true)))

	out := buf.String()
	qt.Assert(t, qt.StringContains(out, "trace_entry:\n"))
	qt.Assert(t, qt.StringContains(out, "trace_return:\n"))
	qt.Assert(t, qt.StringContains(out, "Kind:         return"))
	qt.Assert(t, qt.StringContains(out, "Call FnPerfEventOutput"))
	qt.Assert(t, qt.StringContains(out, "License:      GPL"))
	qt.Assert(t, qt.StringContains(out, "Encoded:"))

	err := dump(&buf, programs.Options{Arch: "mips"}, false)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestDumpCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCommand(&buf)
	cmd.SetArgs([]string{"dump", "--arch", "arm64", "--pid", "42"})
	qt.Assert(t, qt.IsNil(cmd.Execute()))
	qt.Assert(t, qt.StringContains(buf.String(), "JNE"))
}
