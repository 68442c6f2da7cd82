package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cilium/opensnoop/event"
)

type printer struct {
	w          io.Writer
	timestamps bool
	since      func(event.TraceEvent) time.Duration
}

func newPrinter(w io.Writer, timestamps bool, since func(event.TraceEvent) time.Duration) *printer {
	return &printer{w, timestamps, since}
}

func (p *printer) header() error {
	if p.timestamps {
		if _, err := fmt.Fprintf(p.w, "%-14s ", "TIME(s)"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(p.w, "%-6s %-16s %4s %3s %s\n", "PID", "COMM", "FD", "ERR", "PATH")
	return err
}

// print writes a line per event. Failed calls show an fd of -1 and the
// errno in the ERR column.
func (p *printer) print(ev event.TraceEvent) error {
	if p.timestamps {
		if _, err := fmt.Fprintf(p.w, "%-14.9f ", p.since(ev).Seconds()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(p.w, "%-6d %-16s %4d %3d %s\n", ev.PID, ev.Comm, ev.FD(), int(ev.Errno()), ev.Path)
	return err
}
