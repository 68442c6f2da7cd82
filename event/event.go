// Package event decodes the records submitted by the return program.
package event

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/opensnoop/internal"
	"github.com/cilium/opensnoop/programs"
)

// ErrShortRecord is returned when a record is smaller than the layout
// written by the return program.
var ErrShortRecord = errors.New("short record")

// TraceEvent is a single completed open call.
type TraceEvent struct {
	// pid in the upper, tid in the lower 32 bits.
	ID  uint64
	PID uint32
	TID uint32
	// Nanoseconds since boot, not counting suspend.
	Timestamp uint64
	// The file descriptor or a negative errno.
	Ret  int32
	Comm string
	Path string
}

// Decode extracts an event from a raw perf sample.
//
// Samples may be followed by trailing garbage, only the first
// programs.RecordLen bytes are considered.
func Decode(raw []byte) (TraceEvent, error) {
	if len(raw) < programs.RecordLen {
		return TraceEvent{}, fmt.Errorf("%d bytes, need %d: %w", len(raw), programs.RecordLen, ErrShortRecord)
	}

	id := internal.NativeEndian.Uint64(raw[programs.RecordIDOff:])
	return TraceEvent{
		ID:        id,
		PID:       uint32(id >> 32),
		TID:       uint32(id),
		Timestamp: internal.NativeEndian.Uint64(raw[programs.RecordTSOff:]),
		Ret:       int32(internal.NativeEndian.Uint32(raw[programs.RecordRetOff:])),
		Comm:      internal.CString(raw[programs.RecordCommOff : programs.RecordCommOff+programs.CommLen]),
		Path:      internal.CString(raw[programs.RecordPathOff : programs.RecordPathOff+programs.PathLen]),
	}, nil
}

// Success is true if the call returned a file descriptor.
func (ev TraceEvent) Success() bool {
	return ev.Ret >= 0
}

// FD returns the file descriptor, or -1 if the call failed.
func (ev TraceEvent) FD() int {
	if !ev.Success() {
		return -1
	}
	return int(ev.Ret)
}

// Errno returns the error of a failed call, or zero.
func (ev TraceEvent) Errno() syscall.Errno {
	if ev.Success() {
		return 0
	}
	return syscall.Errno(-int64(ev.Ret))
}

func (ev TraceEvent) String() string {
	if ev.Success() {
		return fmt.Sprintf("%s(%d/%d) %s = %d", ev.Comm, ev.PID, ev.TID, ev.Path, ev.Ret)
	}
	return fmt.Sprintf("%s(%d/%d) %s: %s", ev.Comm, ev.PID, ev.TID, ev.Path, ev.Errno())
}

// Criteria select events. The zero value matches everything.
type Criteria struct {
	// Only match this process if non-zero.
	PID uint32
	// Only match this thread if non-zero.
	TID uint32
	// Only match commands containing Name.
	Name string
	// Only match failed calls.
	FailedOnly bool
	// Drop events observed before this much time has elapsed.
	MinDuration time.Duration
}

// Match reports whether ev passes every active predicate. elapsed is the
// time between the start of tracing and ev.
func (c Criteria) Match(ev TraceEvent, elapsed time.Duration) bool {
	if c.PID != 0 && ev.PID != c.PID {
		return false
	}
	if c.TID != 0 && ev.TID != c.TID {
		return false
	}
	if c.Name != "" && !strings.Contains(ev.Comm, c.Name) {
		return false
	}
	if c.FailedOnly && ev.Success() {
		return false
	}
	if elapsed < c.MinDuration {
		return false
	}
	return true
}
