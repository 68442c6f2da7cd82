package asm

import "fmt"

// BuiltinFunc is a built-in eBPF function.
type BuiltinFunc int32

// eBPF built-in functions, numbered as in the kernel's helper table.
//
// Only the helpers available to tracing programs are listed.
const (
	// FnMapLookupElem - void *map_lookup_elem(&map, &key)
	// Return: Map value or NULL
	FnMapLookupElem BuiltinFunc = iota + 1
	// FnMapUpdateElem - int map_update_elem(&map, &key, &value, flags)
	// Return: 0 on success or negative error
	FnMapUpdateElem
	// FnMapDeleteElem - int map_delete_elem(&map, &key)
	// Return: 0 on success or negative error
	FnMapDeleteElem
	// FnProbeRead - int bpf_probe_read(void *dst, int size, void *src)
	// Return: 0 on success or negative error
	FnProbeRead
	// FnKtimeGetNs - u64 bpf_ktime_get_ns(void)
	// Return: current ktime
	FnKtimeGetNs
	// FnTracePrintk - int bpf_trace_printk(const char *fmt, int fmt_size, ...)
	// Return: length of buffer written or negative error
	FnTracePrintk
	// FnGetPrandomU32 - u32 prandom_u32(void)
	FnGetPrandomU32
	// FnGetSmpProcessorId - u32 raw_smp_processor_id(void)
	FnGetSmpProcessorId
)

const (
	// FnGetCurrentPidTgid - u64 bpf_get_current_pid_tgid(void)
	// Return: current->tgid << 32 | current->pid
	FnGetCurrentPidTgid BuiltinFunc = 14
	// FnGetCurrentUidGid - u64 bpf_get_current_uid_gid(void)
	FnGetCurrentUidGid BuiltinFunc = 15
	// FnGetCurrentComm - int bpf_get_current_comm(char *buf, int size_of_buf)
	// Stores current->comm into buf.
	// Return: 0 on success or negative error
	FnGetCurrentComm BuiltinFunc = 16
	// FnPerfEventOutput - int bpf_perf_event_output(ctx, map, flags, data, size)
	// Output data into a perf ring buffer, the ring is selected by flags
	// which is usually BPF_F_CURRENT_CPU.
	// Return: 0 on success or negative error
	FnPerfEventOutput BuiltinFunc = 25
	// FnGetCurrentTask - struct task_struct *bpf_get_current_task(void)
	FnGetCurrentTask BuiltinFunc = 35
	// FnProbeReadStr - int bpf_probe_read_str(void *dst, int size, const void *unsafe_ptr)
	// Return: length of the string including the trailing NUL, or negative error
	FnProbeReadStr BuiltinFunc = 45
	// FnProbeReadUser - int bpf_probe_read_user(void *dst, u32 size, const void *unsafe_ptr)
	FnProbeReadUser BuiltinFunc = 112
	// FnProbeReadKernel - int bpf_probe_read_kernel(void *dst, u32 size, const void *unsafe_ptr)
	FnProbeReadKernel BuiltinFunc = 113
	// FnProbeReadUserStr - int bpf_probe_read_user_str(void *dst, u32 size, const void *unsafe_ptr)
	FnProbeReadUserStr BuiltinFunc = 114
)

var funcNames = map[BuiltinFunc]string{
	FnMapLookupElem:     "FnMapLookupElem",
	FnMapUpdateElem:     "FnMapUpdateElem",
	FnMapDeleteElem:     "FnMapDeleteElem",
	FnProbeRead:         "FnProbeRead",
	FnKtimeGetNs:        "FnKtimeGetNs",
	FnTracePrintk:       "FnTracePrintk",
	FnGetPrandomU32:     "FnGetPrandomU32",
	FnGetSmpProcessorId: "FnGetSmpProcessorId",
	FnGetCurrentPidTgid: "FnGetCurrentPidTgid",
	FnGetCurrentUidGid:  "FnGetCurrentUidGid",
	FnGetCurrentComm:    "FnGetCurrentComm",
	FnPerfEventOutput:   "FnPerfEventOutput",
	FnGetCurrentTask:    "FnGetCurrentTask",
	FnProbeReadStr:      "FnProbeReadStr",
	FnProbeReadUser:     "FnProbeReadUser",
	FnProbeReadKernel:   "FnProbeReadKernel",
	FnProbeReadUserStr:  "FnProbeReadUserStr",
}

func (fn BuiltinFunc) String() string {
	if name, ok := funcNames[fn]; ok {
		return name
	}
	return fmt.Sprintf("BuiltinFunc(%d)", int32(fn))
}

// Call emits a function call.
func (fn BuiltinFunc) Call() Instruction {
	return Instruction{
		OpCode:   OpCode(JumpClass).SetJumpOp(Call),
		Constant: int64(fn),
	}
}
