package programs

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedArch is returned for architectures whose pt_regs layout is
// unknown.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// ptRegs contains the offsets into struct pt_regs of the registers holding
// the second argument and the return value of a kernel function.
type ptRegs struct {
	parm1, parm2, rc int16
}

var regsByArch = map[string]ptRegs{
	// struct pt_regs from arch/x86/include/uapi/asm/ptrace.h.
	"amd64": {parm1: 112, parm2: 104, rc: 80},
	// struct user_pt_regs from arch/arm64/include/uapi/asm/ptrace.h.
	"arm64": {parm1: 0, parm2: 8, rc: 0},
}

func regsFor(arch string) (ptRegs, error) {
	if arch == "" {
		arch = runtime.GOARCH
	}

	regs, ok := regsByArch[arch]
	if !ok {
		return ptRegs{}, fmt.Errorf("pt_regs of %s: %w", arch, ErrUnsupportedArch)
	}
	return regs, nil
}
