package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Cmd is a bpf(2) command.
type Cmd uint32

const (
	BPF_MAP_CREATE      Cmd = 0
	BPF_MAP_LOOKUP_ELEM Cmd = 1
	BPF_MAP_UPDATE_ELEM Cmd = 2
	BPF_MAP_DELETE_ELEM Cmd = 3
	BPF_PROG_LOAD       Cmd = 5
)

// MapType is the kind of a map.
type MapType uint32

const (
	BPF_MAP_TYPE_UNSPEC           MapType = 0
	BPF_MAP_TYPE_HASH             MapType = 1
	BPF_MAP_TYPE_PERF_EVENT_ARRAY MapType = 4
)

// ProgType is the kind of a program.
type ProgType uint32

const (
	BPF_PROG_TYPE_UNSPEC ProgType = 0
	BPF_PROG_TYPE_KPROBE ProgType = 2
)

// BPF_ANY creates a new element or updates an existing one.
const BPF_ANY = 0

// BPF_OBJ_NAME_LEN is the size of a kernel object name, including the NUL.
const BPF_OBJ_NAME_LEN = unix.BPF_OBJ_NAME_LEN

// ObjName is a null-terminated string made up of 'A-Za-z0-9_' characters.
type ObjName [BPF_OBJ_NAME_LEN]byte

// NewObjName truncates the result if it is too long.
func NewObjName(name string) ObjName {
	var result ObjName
	copy(result[:BPF_OBJ_NAME_LEN-1], name)
	return result
}

// MapCreateAttr is the prefix of union bpf_attr used by BPF_MAP_CREATE.
type MapCreateAttr struct {
	MapType    MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	InnerMapFd uint32
	NumaNode   uint32
	MapName    ObjName
}

// MapElemAttr is used by the BPF_MAP_*_ELEM commands.
type MapElemAttr struct {
	MapFd uint32
	_     [4]byte
	Key   Pointer
	Value Pointer
	Flags uint64
}

// ProgLoadAttr is the prefix of union bpf_attr used by BPF_PROG_LOAD.
type ProgLoadAttr struct {
	ProgType    ProgType
	InsnCnt     uint32
	Insns       Pointer
	License     Pointer
	LogLevel    uint32
	LogSize     uint32
	LogBuf      Pointer
	KernVersion uint32
	ProgFlags   uint32
	ProgName    ObjName
}

var (
	_ = [1]struct{}{}[unsafe.Sizeof(MapElemAttr{})-32]
	_ = [1]struct{}{}[unsafe.Sizeof(ProgLoadAttr{})-64]
)
