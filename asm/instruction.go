package asm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// InstructionSize is the size of a BPF instruction in bytes
const InstructionSize = 8

// ErrUnreferencedSymbol is returned when a jump refers to a label which
// doesn't exist in the instruction stream.
var ErrUnreferencedSymbol = errors.New("unreferenced symbol")

// Instruction is a single eBPF instruction.
type Instruction struct {
	OpCode   OpCode
	Dst      Register
	Src      Register
	Offset   int16
	Constant int64

	// Reference names the jump target of a branch, or the map a LoadMapRef
	// slot refers to.
	Reference string
	// Symbol labels this instruction so that branches can refer to it.
	Symbol string
}

// Sym creates a symbol.
func (ins Instruction) Sym(name string) Instruction {
	ins.Symbol = name
	return ins
}

// WithReference sets the reference of an instruction.
func (ins Instruction) WithReference(ref string) Instruction {
	ins.Reference = ref
	return ins
}

// IsLoadFromMap returns true if the instruction loads a map pointer.
func (ins Instruction) IsLoadFromMap() bool {
	return ins.OpCode.IsDWordLoad() && ins.Src == PseudoMapFD
}

// IsMapReference returns true if the instruction is a slot reserved by
// LoadMapRef, whether it has been resolved or not.
func (ins Instruction) IsMapReference() bool {
	return ins.OpCode.IsDWordLoad() && ins.Reference != ""
}

// isBranch returns true for jumps whose offset is resolved from a label.
func (ins Instruction) isBranch() bool {
	if !ins.OpCode.Class().IsJump() {
		return false
	}
	jop := ins.OpCode.JumpOp()
	return jop != Call && jop != Exit
}

// Validate checks that every field of the instruction fits its encoded
// width.
func (ins Instruction) Validate() error {
	if ins.OpCode == InvalidOpCode {
		return errors.New("invalid opcode")
	}
	if ins.Dst > maxRegister {
		return fmt.Errorf("dst register %d doesn't fit in four bits", ins.Dst)
	}
	if ins.Src > maxRegister {
		return fmt.Errorf("src register %d doesn't fit in four bits", ins.Src)
	}
	if !ins.OpCode.IsDWordLoad() && (ins.Constant < math.MinInt32 || ins.Constant > math.MaxUint32) {
		return fmt.Errorf("constant %d doesn't fit in 32 bits", ins.Constant)
	}
	return nil
}

// Format implements fmt.Formatter.
func (ins Instruction) Format(f fmt.State, c rune) {
	if c != 'v' {
		fmt.Fprintf(f, "{UNRECOGNIZED: %c}", c)
		return
	}

	op := ins.OpCode

	if op == InvalidOpCode {
		fmt.Fprint(f, "INVALID")
		return
	}

	// Omit trailing space for Exit
	if op.JumpOp() == Exit {
		fmt.Fprint(f, op)
		return
	}

	if ins.IsLoadFromMap() {
		fmt.Fprintf(f, "LoadMapPtr dst: %s fd: %d", ins.Dst, ins.Constant)
		if ins.Reference != "" {
			fmt.Fprintf(f, " <%s>", ins.Reference)
		}
		return
	}

	fmt.Fprintf(f, "%v ", op)
	switch cls := op.Class(); {
	case cls.IsLoadOrStore():
		switch op.Mode() {
		case ImmMode:
			fmt.Fprintf(f, "dst: %s imm: %d", ins.Dst, ins.Constant)
		case AbsMode:
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		case IndMode:
			fmt.Fprintf(f, "dst: %s src: %s imm: %d", ins.Dst, ins.Src, ins.Constant)
		case MemMode:
			if cls == StClass {
				fmt.Fprintf(f, "dst: %s off: %d imm: %d", ins.Dst, ins.Offset, ins.Constant)
			} else {
				fmt.Fprintf(f, "dst: %s src: %s off: %d", ins.Dst, ins.Src, ins.Offset)
			}
		case XAddMode:
			fmt.Fprintf(f, "dst: %s src: %s", ins.Dst, ins.Src)
		}

	case cls.IsALU():
		fmt.Fprintf(f, "dst: %s ", ins.Dst)
		if op.ALUOp() == Swap || op.Source() == ImmSource {
			fmt.Fprintf(f, "imm: %d", ins.Constant)
		} else {
			fmt.Fprintf(f, "src: %s", ins.Src)
		}

	case cls.IsJump():
		switch jop := op.JumpOp(); jop {
		case Call:
			fmt.Fprint(f, BuiltinFunc(ins.Constant))

		default:
			fmt.Fprintf(f, "dst: %s off: %d ", ins.Dst, ins.Offset)
			if op.Source() == ImmSource {
				fmt.Fprintf(f, "imm: %d", ins.Constant)
			} else {
				fmt.Fprintf(f, "src: %s", ins.Src)
			}
		}
	}

	if ins.Reference != "" {
		fmt.Fprintf(f, " <%s>", ins.Reference)
	}
}

// Instructions is an eBPF program.
type Instructions []Instruction

func (insns Instructions) String() string {
	return fmt.Sprint(insns)
}

// Size returns the amount of bytes insns would occupy in binary form.
func (insns Instructions) Size() int {
	var n int
	for _, ins := range insns {
		n += ins.OpCode.rawInstructions()
	}
	return n * InstructionSize
}

// rawOffsets returns the position of every symbol, counted in wire slots.
func (insns Instructions) rawOffsets() (map[string]int, error) {
	symbols := make(map[string]int)

	pos := 0
	for _, ins := range insns {
		current := pos
		pos += ins.OpCode.rawInstructions()

		if ins.Symbol == "" {
			continue
		}

		if _, ok := symbols[ins.Symbol]; ok {
			return nil, fmt.Errorf("duplicate symbol %s", ins.Symbol)
		}

		symbols[ins.Symbol] = current
	}

	return symbols, nil
}

// Format implements fmt.Formatter.
//
// You can control indentation of symbols by
// specifying a width. Setting a precision controls the indentation of
// instructions.
// The default character is a tab, which can be overridden by specifying
// the ' ' space flag.
func (insns Instructions) Format(f fmt.State, c rune) {
	if c != 's' && c != 'v' {
		fmt.Fprintf(f, "{UNKNOWN FORMAT '%c'}", c)
		return
	}

	// Precision is better in this case, because it allows
	// specifying 0 padding easily.
	padding, ok := f.Precision()
	if !ok {
		padding = 1
	}

	indent := strings.Repeat("\t", padding)
	if f.Flag(' ') {
		indent = strings.Repeat(" ", padding)
	}

	symPadding, ok := f.Width()
	if !ok {
		symPadding = padding - 1
	}
	if symPadding < 0 {
		symPadding = 0
	}

	symIndent := strings.Repeat("\t", symPadding)
	if f.Flag(' ') {
		symIndent = strings.Repeat(" ", symPadding)
	}

	// Guess how many digits we need at most, by assuming that all instructions
	// are double wide.
	highestOffset := len(insns) * 2
	offsetWidth := int(math.Ceil(math.Log10(float64(highestOffset))))

	offset := 0
	for _, ins := range insns {
		if ins.Symbol != "" {
			fmt.Fprintf(f, "%s%s:\n", symIndent, ins.Symbol)
		}
		fmt.Fprintf(f, "%s%*d: %v\n", indent, offsetWidth, offset, ins)
		offset += ins.OpCode.rawInstructions()
	}
}

// Marshal encodes a BPF program into the kernel format.
//
// Branches carrying a Reference have their offset computed from the
// position of the matching Symbol.
func (insns Instructions) Marshal(w io.Writer, bo binary.ByteOrder) error {
	offsets, err := insns.rawOffsets()
	if err != nil {
		return err
	}

	num := 0
	for i, ins := range insns {
		if err := ins.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}

		if ins.isBranch() && ins.Reference != "" {
			target, ok := offsets[ins.Reference]
			if !ok {
				return fmt.Errorf("instruction %d: reference to missing symbol %q: %w", i, ins.Reference, ErrUnreferencedSymbol)
			}

			rel := target - num - 1
			if rel < math.MinInt16 || rel > math.MaxInt16 {
				return fmt.Errorf("instruction %d: jump to %q out of range", i, ins.Reference)
			}
			ins.Offset = int16(rel)
		}

		if err := ins.marshal(w, bo); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		num += ins.OpCode.rawInstructions()
	}
	return nil
}

func (ins Instruction) marshal(w io.Writer, bo binary.ByteOrder) error {
	cons := int32(ins.Constant)
	if ins.OpCode.IsDWordLoad() {
		// Encode least significant 32bit first for 64bit operations.
		cons = int32(uint32(ins.Constant))
	}

	var raw [InstructionSize]byte
	raw[0] = byte(ins.OpCode)
	raw[1] = byte(newBPFRegisters(ins.Dst, ins.Src, bo))
	bo.PutUint16(raw[2:4], uint16(ins.Offset))
	bo.PutUint32(raw[4:8], uint32(cons))

	if _, err := w.Write(raw[:]); err != nil {
		return err
	}

	if !ins.OpCode.IsDWordLoad() {
		return nil
	}

	// The second slot of a 64-bit load only carries the upper half.
	clear(raw[:])
	bo.PutUint32(raw[4:8], uint32(ins.Constant>>32))
	_, err := w.Write(raw[:])
	return err
}

// Unmarshal decodes a BPF program from the kernel format.
//
// The two slots of a 64-bit immediate load are merged into a single
// Instruction.
func (insns *Instructions) Unmarshal(r io.Reader, bo binary.ByteOrder) error {
	*insns = nil

	var (
		raw    [InstructionSize]byte
		offset int
	)
	for {
		_, err := io.ReadFull(r, raw[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid instruction at offset %x: %w", offset, err)
		}

		ins := Instruction{
			OpCode:   OpCode(raw[0]),
			Dst:      bpfRegisters(raw[1]).Dst(bo),
			Src:      bpfRegisters(raw[1]).Src(bo),
			Offset:   int16(bo.Uint16(raw[2:4])),
			Constant: int64(int32(bo.Uint32(raw[4:8]))),
		}

		if ins.OpCode.IsDWordLoad() {
			lo := bo.Uint32(raw[4:8])
			if _, err := io.ReadFull(r, raw[:]); err != nil {
				return fmt.Errorf("instruction at offset %x: 64bit immediate is missing second half", offset)
			}
			if raw[0] != 0 || raw[1] != 0 || bo.Uint16(raw[2:4]) != 0 {
				return fmt.Errorf("instruction at offset %x: 64bit immediate has non-zero fields", offset)
			}
			hi := bo.Uint32(raw[4:8])
			ins.Constant = int64(uint64(hi)<<32 | uint64(lo))
		}

		*insns = append(*insns, ins)
		offset += ins.OpCode.rawInstructions() * InstructionSize
	}
}

// Decode is the inverse of [Instructions.Marshal] for a byte slice.
func Decode(buf []byte, bo binary.ByteOrder) (Instructions, error) {
	if len(buf)%InstructionSize != 0 {
		return nil, fmt.Errorf("length %d is not a multiple of %d", len(buf), InstructionSize)
	}

	var insns Instructions
	if err := insns.Unmarshal(bytes.NewReader(buf), bo); err != nil {
		return nil, err
	}
	return insns, nil
}

// bpfRegisters packs dst and src into one byte. On little endian hosts dst
// occupies the low nibble, on big endian hosts the high nibble, matching the
// bitfield layout of struct bpf_insn.
type bpfRegisters uint8

func newBPFRegisters(dst, src Register, bo binary.ByteOrder) bpfRegisters {
	if isBigEndian(bo) {
		return bpfRegisters((dst << 4) | (src & 0xF))
	}
	return bpfRegisters((src << 4) | (dst & 0xF))
}

func (r bpfRegisters) Dst(bo binary.ByteOrder) Register {
	if isBigEndian(bo) {
		return Register(r >> 4)
	}
	return Register(r & 0xF)
}

func (r bpfRegisters) Src(bo binary.ByteOrder) Register {
	if isBigEndian(bo) {
		return Register(r & 0xF)
	}
	return Register(r >> 4)
}

func isBigEndian(bo binary.ByteOrder) bool {
	return bo.Uint16([]byte{0, 1}) == 1
}
