package opensnoop

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/asm"
	"github.com/cilium/opensnoop/internal"
	"github.com/cilium/opensnoop/internal/sys"
)

// DefaultVerifierLogSize is the default size of the verifier log buffer
// allocated for each load attempt.
const DefaultVerifierLogSize = 64 * 1024

var (
	// ErrKernelVersionMismatch is returned when the kernel most likely
	// rejected a kprobe program because of the kernel version stamped into
	// the load request.
	ErrKernelVersionMismatch = errors.New("kernel version mismatch")
	// ErrProgramSealed is returned when loading a program a second time.
	ErrProgramSealed = asm.ErrSealed
)

// VerifierError is returned by LoadProgram if the kernel rejects a
// program. It carries the verifier log.
type VerifierError = internal.VerifierError

var kernelVersion = internal.KernelVersion

// ProgramOptions control loading a program into the kernel.
type ProgramOptions struct {
	// Name of the program as shown by bpftool. Truncated to 15 bytes.
	Name string
	// Controls the detail emitted by the kernel verifier. Defaults to 1,
	// which logs the instructions of rejected programs.
	LogLevel uint32
	// Size of the buffer the verifier writes its log into. Defaults to
	// DefaultVerifierLogSize.
	LogSize int
	// The kernel version code stamped into the load request. Defaults to
	// the version of the running kernel.
	KernelVersion uint32
}

// Program is a program loaded into the kernel.
type Program struct {
	name string
	kind asm.ProbeKind
	fd   *sys.FD
}

// LoadProgram submits p to the kernel.
//
// p is sealed once it is submitted to the kernel, whether loading succeeds
// or not: a program is loaded at most once. The map references of p must have been resolved
// beforehand, the verifier rejects unresolved ones.
func LoadProgram(p *asm.Program, opts ProgramOptions) (*Program, error) {
	if p == nil {
		return nil, errors.New("can't load a nil program")
	}
	if len(p.Instructions) == 0 {
		return nil, errors.New("instructions cannot be empty")
	}

	insns, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s program: %w", p.Kind, err)
	}

	if p.Sealed() {
		return nil, fmt.Errorf("load %s program: %w", p.Kind, ErrProgramSealed)
	}

	kv := opts.KernelVersion
	if kv == 0 {
		v, err := kernelVersion()
		if err != nil {
			return nil, fmt.Errorf("detect kernel version: %w", err)
		}
		kv = v.Kernel()
	}

	logLevel := opts.LogLevel
	if logLevel == 0 {
		logLevel = 1
	}

	logSize := opts.LogSize
	if logSize <= 0 {
		logSize = DefaultVerifierLogSize
	}

	// The log buffer belongs to this attempt only.
	logBuf := make([]byte, logSize)

	attr := sys.ProgLoadAttr{
		ProgType:    sys.BPF_PROG_TYPE_KPROBE,
		InsnCnt:     uint32(len(insns) / asm.InstructionSize),
		Insns:       sys.NewSlicePointer(insns),
		License:     sys.NewStringPointer(p.License),
		LogLevel:    logLevel,
		LogSize:     uint32(len(logBuf)),
		LogBuf:      sys.NewSlicePointer(logBuf),
		KernVersion: kv,
		ProgName:    sys.NewObjName(opts.Name),
	}

	if err := p.Seal(); err != nil {
		return nil, fmt.Errorf("load %s program: %w", p.Kind, err)
	}

	fd, err := sys.ProgLoad(&attr)
	if err == nil {
		return &Program{opts.Name, p.Kind, fd}, nil
	}

	running, _ := kernelVersion()
	if isKernelVersionMismatch(running, err, logBuf, os.Geteuid()) {
		return nil, fmt.Errorf("load %s program: %w (requested version code %#x): %w", p.Kind, ErrKernelVersionMismatch, kv, err)
	}

	truncated := errors.Is(err, unix.ENOSPC)
	return nil, internal.ErrorWithLog(fmt.Sprintf("load %s program", p.Kind), err, logBuf, truncated)
}

// isKernelVersionMismatch guesses whether a failed load was caused by a
// wrong kernel version code rather than by the verifier or by missing
// privileges.
//
// Kernels before 5.0 check the version of kprobe programs, and fail
// with EPERM or EINVAL before the verifier runs, so the log stays empty.
// Only a privileged process can tell this apart from a permission problem.
func isKernelVersionMismatch(running internal.Version, err error, log []byte, euid int) bool {
	if running.Unspecified() || !running.Less(internal.Version{5, 0, 0}) {
		return false
	}

	if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EINVAL) {
		return false
	}

	if internal.CString(log) != "" {
		return false
	}

	return euid == 0
}

func (p *Program) String() string {
	if p.name != "" {
		return fmt.Sprintf("%s(%s)#%v", p.kind, p.name, p.fd)
	}
	return fmt.Sprintf("%s#%v", p.kind, p.fd)
}

// Kind returns the attachment point the program was assembled for.
func (p *Program) Kind() asm.ProbeKind {
	return p.kind
}

// FD gets the file descriptor of the Program.
//
// It is invalid to call this function after Close has been called.
func (p *Program) FD() int {
	return p.fd.Int()
}

// Close the Program's underlying file descriptor, which could unload
// the program from the kernel if it is not attached.
//
// It is safe to call Close on a nil Program and to call it multiple times.
func (p *Program) Close() error {
	if p == nil || p.fd == nil {
		return nil
	}

	return p.fd.Close()
}
