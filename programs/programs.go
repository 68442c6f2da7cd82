// Package programs assembles the kprobe programs which trace the open
// syscall.
//
// The entry program stores the command name and the path argument of the
// calling thread in the correlation map. The return program looks them up,
// adds the result of the syscall and submits a record to the perf event
// array.
package programs

import (
	"fmt"

	"github.com/cilium/opensnoop/asm"
)

// License of the programs. The helpers used require a GPL compatible
// license.
const License = "GPL"

const exitLabel = "exit"

// Options change the programs emitted.
type Options struct {
	// Arch selects the layout of struct pt_regs. Defaults to the
	// architecture of the running binary.
	Arch string
	// PID only traces threads of the given process if not zero.
	PID uint32
	// TID only traces the given thread if not zero.
	TID uint32
	// PathHelper is the helper used to copy the path argument.
	// Defaults to asm.FnProbeRead.
	PathHelper asm.BuiltinFunc
}

// Entry returns the program attached to the entry of the open syscall.
//
// Equivalent to:
//
//	u64 id = bpf_get_current_pid_tgid();
//	if (pid && id >> 32 != pid) return 0;
//	if (tid && (u32)id != tid) return 0;
//	struct val_t val = {};
//	if (bpf_get_current_comm(&val.comm, sizeof(val.comm)) == 0) {
//		val.id = id;
//		val.fname = PT_REGS_PARM2(ctx);
//		hash.update(&id, &val);
//	}
//	return 0;
func Entry(opts Options) (*asm.Program, error) {
	regs, err := regsFor(opts.Arch)
	if err != nil {
		return nil, err
	}

	const (
		keyOff = -8
		valOff = keyOff - ValueSize
	)

	p := asm.NewProgram(asm.EntryProbe, License)
	emit := func(insns ...asm.Instruction) {
		if err == nil {
			err = p.Append(insns...)
		}
	}

	emit(
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.StoreMem(asm.RFP, keyOff, asm.R7, asm.DWord),
	)

	if opts.PID != 0 {
		emit(
			asm.Mov.Reg(asm.R1, asm.R7),
			asm.RSh.Imm(asm.R1, 32),
			asm.JNE.Imm(asm.R1, int32(opts.PID), exitLabel),
		)
	}

	if opts.TID != 0 {
		emit(
			// The 32-bit move truncates the id to the thread id.
			asm.Mov.Reg32(asm.R1, asm.R7),
			asm.JNE.Imm(asm.R1, int32(opts.TID), exitLabel),
		)
	}

	emit(asm.Mov.Imm(asm.R1, 0))
	for off := int16(valOff); off < keyOff; off += 8 {
		emit(asm.StoreMem(asm.RFP, off, asm.R1, asm.DWord))
	}

	emit(
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, valOff+valueCommOff),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.FnGetCurrentComm.Call(),
		asm.JNE.Imm(asm.R0, 0, exitLabel),

		asm.StoreMem(asm.RFP, valOff+valueIDOff, asm.R7, asm.DWord),
		asm.LoadMem(asm.R1, asm.R6, regs.parm2, asm.DWord),
		asm.StoreMem(asm.RFP, valOff+valueFnameOff, asm.R1, asm.DWord),

		asm.LoadMapRef(asm.R1, CorrelationMap),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOff),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, valOff),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, 0).Sym(exitLabel),
		asm.Return(),
	)
	if err != nil {
		return nil, fmt.Errorf("entry program: %w", err)
	}

	return p, nil
}

// Return returns the program attached to the return of the open syscall.
//
// Equivalent to:
//
//	u64 id = bpf_get_current_pid_tgid();
//	u64 ts = bpf_ktime_get_ns();
//	struct val_t *valp = hash.lookup(&id);
//	if (valp == 0) return 0;
//	struct data_t data = {};
//	bpf_probe_read(&data.comm, sizeof(data.comm), valp->comm);
//	bpf_probe_read(&data.fname, sizeof(data.fname), valp->fname);
//	data.id = valp->id;
//	data.ts = ts;
//	data.ret = PT_REGS_RC(ctx);
//	bpf_perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &data, sizeof(data));
//	hash.delete(&id);
//	return 0;
func Return(opts Options) (*asm.Program, error) {
	regs, err := regsFor(opts.Arch)
	if err != nil {
		return nil, err
	}

	pathHelper := opts.PathHelper
	if pathHelper == 0 {
		pathHelper = asm.FnProbeRead
	}

	const (
		recordOff = -RecordSize
		keyOff    = recordOff - CorrelationKeySize
		// BPF_F_CURRENT_CPU selects the ring of the CPU the program runs on.
		currentCPU = 0xffffffff
	)

	p := asm.NewProgram(asm.ReturnProbe, License)
	emit := func(insns ...asm.Instruction) {
		if err == nil {
			err = p.Append(insns...)
		}
	}

	emit(
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, keyOff, asm.R0, asm.DWord),
		asm.FnKtimeGetNs.Call(),
		asm.Mov.Reg(asm.R8, asm.R0),

		asm.LoadMapRef(asm.R1, CorrelationMap),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOff),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, exitLabel),
		asm.Mov.Reg(asm.R7, asm.R0),
	)

	emit(asm.Mov.Imm(asm.R1, 0))
	for off := int16(recordOff); off < 0; off += 8 {
		emit(asm.StoreMem(asm.RFP, off, asm.R1, asm.DWord))
	}

	emit(
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, recordOff+RecordCommOff),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.Mov.Reg(asm.R3, asm.R7),
		asm.Add.Imm(asm.R3, valueCommOff),
		asm.FnProbeRead.Call(),

		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, recordOff+RecordPathOff),
		asm.Mov.Imm(asm.R2, PathLen),
		asm.LoadMem(asm.R3, asm.R7, valueFnameOff, asm.DWord),
		pathHelper.Call(),

		asm.LoadMem(asm.R1, asm.R7, valueIDOff, asm.DWord),
		asm.StoreMem(asm.RFP, recordOff+RecordIDOff, asm.R1, asm.DWord),
		asm.StoreMem(asm.RFP, recordOff+RecordTSOff, asm.R8, asm.DWord),
		asm.LoadMem(asm.R1, asm.R6, regs.rc, asm.DWord),
		asm.StoreMem(asm.RFP, recordOff+RecordRetOff, asm.R1, asm.Word),

		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapRef(asm.R2, EventsMap),
		asm.LoadImm(asm.R3, currentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, recordOff),
		asm.Mov.Imm(asm.R5, RecordSize),
		asm.FnPerfEventOutput.Call(),

		asm.LoadMapRef(asm.R1, CorrelationMap),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOff),
		asm.FnMapDeleteElem.Call(),

		asm.Mov.Imm(asm.R0, 0).Sym(exitLabel),
		asm.Return(),
	)
	if err != nil {
		return nil, fmt.Errorf("return program: %w", err)
	}

	return p, nil
}
