// Program opensnoop traces open calls of the whole system.
//
// It needs CAP_SYS_ADMIN, or CAP_BPF and CAP_PERFMON, and a mounted
// tracefs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cilium/opensnoop"
	"github.com/cilium/opensnoop/event"
	"github.com/cilium/opensnoop/internal/metrics"
	"github.com/cilium/opensnoop/tracer"
)

type config struct {
	timestamps  bool
	failedOnly  bool
	pid         uint32
	tid         uint32
	duration    uint
	name        string
	symbol      string
	pages       int
	metricsAddr string
	cleanup     bool
	verbose     bool
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var cfg config

	cmd := &cobra.Command{
		Use:   "opensnoop",
		Short: "Trace open calls system-wide",
		Long: `opensnoop prints a line for every file opened on the system, showing the
process, the returned file descriptor or error, and the path.

Events are collected by eBPF programs attached to a kprobe and kretprobe
on the kernel function implementing open.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, stdout)
		},
	}

	bindFlags(cmd.Flags(), &cfg)
	cmd.AddCommand(newDumpCommand(stdout))
	return cmd
}

func bindFlags(flags *pflag.FlagSet, cfg *config) {
	flags.BoolVarP(&cfg.timestamps, "timestamp", "T", false, "include a timestamp column")
	flags.BoolVarP(&cfg.failedOnly, "failed", "x", false, "only show failed opens")
	flags.Uint32VarP(&cfg.pid, "pid", "p", 0, "trace this process only")
	flags.Uint32VarP(&cfg.tid, "tid", "t", 0, "trace this thread only")
	flags.UintVarP(&cfg.duration, "duration", "d", 0, "total duration of the trace in seconds, 0 traces until interrupted")
	flags.StringVarP(&cfg.name, "name", "n", "", "only show processes whose name contains this string")
	flags.StringVar(&cfg.symbol, "symbol", "", "kernel function to probe (default: first of "+fmt.Sprint(tracer.DefaultSymbols)+")")
	flags.IntVar(&cfg.pages, "pages", 64, "number of perf ring pages per CPU, a power of two")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&cfg.cleanup, "cleanup", false, "remove the probes from kprobe_events on exit")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "log setup steps")
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// options maps flags onto tracer options. Each flag sets exactly one field.
func (cfg config) options() tracer.Options {
	return tracer.Options{
		Symbol: cfg.symbol,
		Criteria: event.Criteria{
			PID:        cfg.pid,
			TID:        cfg.tid,
			Name:       cfg.name,
			FailedOnly: cfg.failedOnly,
		},
		PerCPUPages: cfg.pages,
		Cleanup:     cfg.cleanup,
	}
}

func run(ctx context.Context, cfg config, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(cfg.verbose)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.duration)*time.Second)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	opts := cfg.options()
	opts.Logger = log
	opts.Metrics = metrics.New(reg)

	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer srv.Close()
		log.WithField("addr", cfg.metricsAddr).Info("Serving metrics")
	}

	t, err := tracer.New(opts)
	if err != nil {
		var verr *opensnoop.VerifierError
		if errors.As(err, &verr) {
			log.Errorf("Verifier log:\n%+v", verr)
		}
		return err
	}
	defer func() {
		if err := t.Close(); err != nil {
			log.WithError(err).Warn("Teardown")
		}
	}()

	p := newPrinter(stdout, cfg.timestamps, t.Since)
	if err := p.header(); err != nil {
		return err
	}

	return t.Run(ctx, func(ev event.TraceEvent) {
		if err := p.print(ev); err != nil {
			log.WithError(err).Error("Writing event")
		}
	})
}
