package asm

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

type testSymbol string

func (s testSymbol) MangledName() string { return string(s) }

func TestBuilderRelocations(t *testing.T) {
	b := NewBuilder(16)
	b.EmitBytes([]byte{0xe8, 0, 0, 0, 0, 0xc3})
	if err := b.AddRelocAtOffset(testSymbol("callee"), RelocRel32, 1, 1); err != nil {
		t.Fatalf("AddRelocAtOffset: %v", err)
	}
	b.AddDefinedSymbol(testSymbol("caller"))

	data := b.ObjectData()
	if data.Alignment != 16 {
		t.Fatalf("alignment = %d, want 16", data.Alignment)
	}
	want := []Reloc{{Target: testSymbol("callee"), Kind: RelocRel32, Offset: 1, InstructionLength: 1}}
	if !reflect.DeepEqual(data.Relocs, want) {
		t.Fatalf("relocs = %#v, want %#v", data.Relocs, want)
	}
	if len(data.DefinedSymbols) != 1 || data.DefinedSymbols[0].MangledName() != "caller" {
		t.Fatalf("defined symbols = %#v", data.DefinedSymbols)
	}
}

func TestBuilderRejectsOutOfRangeReloc(t *testing.T) {
	b := NewBuilder(1)
	b.EmitBytes([]byte{0x90, 0x90})
	if err := b.AddRelocAtOffset(testSymbol("x"), RelocDir64, 0, 1); err == nil {
		t.Fatalf("expected error for dir64 relocation past the end of data")
	}
}

func TestBuilderPointerReloc(t *testing.T) {
	b := NewBuilder(8)
	b.EmitBytes([]byte{1, 2, 3})
	b.PadTo(8)
	b.EmitPointerReloc(testSymbol("target"))

	data := b.ObjectData()
	if data.Size() != 16 {
		t.Fatalf("size = %d, want 16", data.Size())
	}
	if data.Relocs[0].Offset != 8 || data.Relocs[0].Kind != RelocDir64 {
		t.Fatalf("unexpected reloc %#v", data.Relocs[0])
	}
}

func TestProgramRebase(t *testing.T) {
	code := make([]byte, 16)
	binary.LittleEndian.PutUint64(code[8:], 0x20)
	prog := NewProgram(code, []int{8})

	out, err := prog.Rebase(0x400000)
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if got := binary.LittleEndian.Uint64(out[8:]); got != 0x400020 {
		t.Fatalf("rebased value = %#x, want %#x", got, 0x400020)
	}
	if !bytes.Equal(prog.Bytes(), code) {
		t.Fatalf("Rebase modified the program")
	}
	if got := prog.PointerSites(); len(got) != 1 || got[0] != 8 {
		t.Fatalf("PointerSites = %v, want [8]", got)
	}

	if _, err := NewProgram(code, []int{12}).Rebase(0x400000); err == nil {
		t.Fatalf("Rebase accepted a pointer site past the end of the image")
	}
}

func TestParseRelocKind(t *testing.T) {
	for _, kind := range []RelocKind{RelocDir64, RelocDir32, RelocRel32, RelocArm64Branch26} {
		got, err := ParseRelocKind(kind.String())
		if err != nil {
			t.Fatalf("ParseRelocKind(%q): %v", kind, err)
		}
		if got != kind {
			t.Fatalf("ParseRelocKind(%q) = %v", kind, got)
		}
	}
	if _, err := ParseRelocKind("bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
