package asm

import (
	"fmt"
)

// Symbol is anything a relocation can point at.
type Symbol interface {
	MangledName() string
}

type RelocKind int

const (
	RelocInvalid RelocKind = iota
	// RelocDir64 stores the absolute 64-bit address of the target.
	RelocDir64
	// RelocDir32 stores the absolute address truncated to 32 bits.
	RelocDir32
	// RelocRel32 stores target - (site + 4), the x86 rel32 form.
	RelocRel32
	// RelocArm64Branch26 patches the imm26 field of an arm64 b/bl.
	RelocArm64Branch26
)

func (k RelocKind) String() string {
	switch k {
	case RelocDir64:
		return "dir64"
	case RelocDir32:
		return "dir32"
	case RelocRel32:
		return "rel32"
	case RelocArm64Branch26:
		return "arm64_branch26"
	default:
		return fmt.Sprintf("RelocKind(%d)", int(k))
	}
}

func ParseRelocKind(s string) (RelocKind, error) {
	switch s {
	case "dir64":
		return RelocDir64, nil
	case "dir32":
		return RelocDir32, nil
	case "rel32":
		return RelocRel32, nil
	case "arm64_branch26":
		return RelocArm64Branch26, nil
	default:
		return RelocInvalid, fmt.Errorf("unknown relocation kind %q", s)
	}
}

// Size returns the number of bytes the relocation patches.
func (k RelocKind) Size() int {
	switch k {
	case RelocDir64:
		return 8
	case RelocDir32, RelocRel32, RelocArm64Branch26:
		return 4
	default:
		return 0
	}
}

type Reloc struct {
	Target            Symbol
	Kind              RelocKind
	Offset            int
	InstructionLength int
}

// ObjectData is an immutable block of bytes with the relocations that still
// need binding and the symbols it defines.
type ObjectData struct {
	Data           []byte
	Relocs         []Reloc
	Alignment      int
	DefinedSymbols []Symbol
}

func (d ObjectData) Size() int {
	return len(d.Data)
}

// Builder accumulates an ObjectData. It is not safe for concurrent use.
type Builder struct {
	data    []byte
	relocs  []Reloc
	align   int
	defined []Symbol
}

func NewBuilder(alignment int) *Builder {
	if alignment <= 0 {
		alignment = 1
	}
	return &Builder{align: alignment}
}

func (b *Builder) Alignment() int {
	return b.align
}

func (b *Builder) SetAlignment(alignment int) {
	if alignment > b.align {
		b.align = alignment
	}
}

func (b *Builder) Len() int {
	return len(b.data)
}

func (b *Builder) EmitBytes(data []byte) {
	b.data = append(b.data, data...)
}

func (b *Builder) EmitZeros(n int) {
	b.data = append(b.data, make([]byte, n)...)
}

// EmitPointerReloc reserves a pointer-sized slot bound to target.
func (b *Builder) EmitPointerReloc(target Symbol) {
	b.relocs = append(b.relocs, Reloc{
		Target:            target,
		Kind:              RelocDir64,
		Offset:            len(b.data),
		InstructionLength: 0,
	})
	b.EmitZeros(8)
}

// PadTo pads the data with zeros up to the next multiple of boundary.
func (b *Builder) PadTo(boundary int) {
	if pad := Align(len(b.data), boundary) - len(b.data); pad > 0 {
		b.EmitZeros(pad)
	}
}

// AddRelocAtOffset records a relocation inside bytes that were already
// emitted.
func (b *Builder) AddRelocAtOffset(target Symbol, kind RelocKind, offset int, instructionLength int) error {
	if offset < 0 || offset+kind.Size() > len(b.data) {
		return fmt.Errorf("asm: %s relocation at offset %d out of range (data len %d)", kind, offset, len(b.data))
	}
	b.relocs = append(b.relocs, Reloc{
		Target:            target,
		Kind:              kind,
		Offset:            offset,
		InstructionLength: instructionLength,
	})
	return nil
}

func (b *Builder) AddDefinedSymbol(sym Symbol) {
	b.defined = append(b.defined, sym)
}

func (b *Builder) ObjectData() ObjectData {
	return ObjectData{
		Data:           append([]byte(nil), b.data...),
		Relocs:         append([]Reloc(nil), b.relocs...),
		Alignment:      b.align,
		DefinedSymbols: append([]Symbol(nil), b.defined...),
	}
}

func Align(value, boundary int) int {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}
