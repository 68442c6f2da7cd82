package asm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ProbeKind is the attachment point a program is assembled for.
type ProbeKind uint8

const (
	// EntryProbe programs run when the probed function is called.
	EntryProbe ProbeKind = iota
	// ReturnProbe programs run when the probed function returns.
	ReturnProbe
)

func (k ProbeKind) String() string {
	switch k {
	case EntryProbe:
		return "entry"
	case ReturnProbe:
		return "return"
	default:
		return fmt.Sprintf("ProbeKind(%d)", uint8(k))
	}
}

// ErrSealed is returned when modifying a Program that was handed to the
// kernel.
var ErrSealed = errors.New("program is sealed")

// Program is a sequence of instructions together with the metadata the
// kernel needs to load it.
//
// The zero value is an empty program with no license.
type Program struct {
	Instructions Instructions
	License      string
	Kind         ProbeKind

	sealed bool
}

// NewProgram returns an empty program.
func NewProgram(kind ProbeKind, license string) *Program {
	return &Program{Kind: kind, License: license}
}

// Append adds ins to the end of the program.
//
// Only the shape of the instruction is checked: every field must fit its
// width in the wire format.
func (p *Program) Append(insns ...Instruction) error {
	if p.sealed {
		return ErrSealed
	}
	for i, ins := range insns {
		if err := ins.Validate(); err != nil {
			return fmt.Errorf("instruction %d (%v): %w", len(p.Instructions)+i, ins, err)
		}
	}
	p.Instructions = append(p.Instructions, insns...)
	return nil
}

// MapReferences returns the indices of the slots reserved for the map
// called name.
func (p *Program) MapReferences(name string) []int {
	var slots []int
	for i, ins := range p.Instructions {
		if ins.IsMapReference() && ins.Reference == name {
			slots = append(slots, i)
		}
	}
	return slots
}

// PatchMapReference stores the file descriptor of a map into the 64-bit
// load at index slot, and marks the load as a map reference.
//
// fd isn't checked, the verifier rejects a handle that doesn't refer to a
// live map.
func (p *Program) PatchMapReference(slot int, fd int) error {
	if p.sealed {
		return ErrSealed
	}
	if slot < 0 || slot >= len(p.Instructions) {
		return fmt.Errorf("slot %d out of range", slot)
	}

	ins := &p.Instructions[slot]
	if !ins.OpCode.IsDWordLoad() {
		return fmt.Errorf("slot %d: %v is not a 64-bit load", slot, ins.OpCode)
	}

	ins.Src = PseudoMapFD
	ins.Constant = int64(fd)
	return nil
}

// PatchMap patches every slot reserved for the map called name. It
// returns an error if there is no such slot.
func (p *Program) PatchMap(name string, fd int) error {
	slots := p.MapReferences(name)
	if len(slots) == 0 {
		return fmt.Errorf("map %s: %w", name, ErrUnreferencedSymbol)
	}
	for _, slot := range slots {
		if err := p.PatchMapReference(slot, fd); err != nil {
			return fmt.Errorf("map %s: %w", name, err)
		}
	}
	return nil
}

// Encode returns the wire form of the program in native byte order.
func (p *Program) Encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, p.Instructions.Size()))
	if err := p.Instructions.Marshal(buf, nativeEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Seal prevents further modification. It returns ErrSealed if the program
// was already sealed.
func (p *Program) Seal() error {
	if p.sealed {
		return ErrSealed
	}
	p.sealed = true
	return nil
}

// Sealed returns true once Seal has been called.
func (p *Program) Sealed() bool {
	return p.sealed
}

var nativeEndian binary.ByteOrder = binary.NativeEndian
