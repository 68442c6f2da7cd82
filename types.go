package opensnoop

import (
	"fmt"

	"github.com/cilium/opensnoop/internal/sys"
)

// MapType indicates the type map structure
// that will be initialized in the kernel.
type MapType uint32

// The map types used by the tracer.
const (
	UnspecifiedMap MapType = MapType(sys.BPF_MAP_TYPE_UNSPEC)
	// Hash is a hash map, used to correlate a syscall entry with its return.
	Hash MapType = MapType(sys.BPF_MAP_TYPE_HASH)
	// PerfEventArray - A perf event array is used in conjunction with
	// PerfEventOutput calls. Its values are the fds of perf ring buffers,
	// keyed by CPU id.
	PerfEventArray MapType = MapType(sys.BPF_MAP_TYPE_PERF_EVENT_ARRAY)
)

func (mt MapType) String() string {
	switch mt {
	case UnspecifiedMap:
		return "UnspecifiedMap"
	case Hash:
		return "Hash"
	case PerfEventArray:
		return "PerfEventArray"
	default:
		return fmt.Sprintf("MapType(%d)", uint32(mt))
	}
}

// ProgramType of the eBPF program
type ProgramType uint32

// The program types used by the tracer.
const (
	UnspecifiedProgram ProgramType = ProgramType(sys.BPF_PROG_TYPE_UNSPEC)
	// Kprobe programs are attached to kprobes and kretprobes.
	Kprobe ProgramType = ProgramType(sys.BPF_PROG_TYPE_KPROBE)
)

func (pt ProgramType) String() string {
	switch pt {
	case UnspecifiedProgram:
		return "UnspecifiedProgram"
	case Kprobe:
		return "Kprobe"
	default:
		return fmt.Sprintf("ProgramType(%d)", uint32(pt))
	}
}
