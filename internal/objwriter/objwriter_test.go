package objwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/nodes"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

type fixture struct {
	factory *nodes.Factory
	il      *il.Table

	main, callee *nodes.MethodCodeNode
	blob         *nodes.ReadOnlyDataBlobNode
	ext          *nodes.ExternSymbolNode
}

func newFixture(t *testing.T, arch target.Architecture) *fixture {
	t.Helper()
	u := typesys.NewUniverse(target.Target{Arch: arch})
	object := u.DefineType("System.Object", nil)
	str := u.DefineType("System.String", object)
	u.SetWellKnownType(typesys.WellKnownObject, object)
	u.SetWellKnownType(typesys.WellKnownString, str)
	prog := u.DefineType("App.Program", object)
	mainMethod := u.DefineMethod(prog, "Main", typesys.Signature{Static: true}, false)
	calleeMethod := u.DefineMethod(prog, "Callee", typesys.Signature{Static: true}, false)

	f, err := nodes.NewFactory(u, mangling.New())
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	table := il.NewTable()
	table.Set(&il.MethodIL{Method: mainMethod, Source: "main.cs:1"})
	return &fixture{
		factory: f,
		il:      table,
		main:    f.MethodEntrypoint(mainMethod),
		callee:  f.MethodEntrypoint(calleeMethod),
		blob:    f.ReadOnlyDataBlob("table", []byte{1, 2, 3, 4}, 8),
		ext:     f.ExternSymbol("RhpThrowEx"),
	}
}

func setCode(t *testing.T, n *nodes.MethodCodeNode, alignment int, code []byte, relocs ...asm.Reloc) {
	t.Helper()
	b := asm.NewBuilder(alignment)
	b.EmitBytes(code)
	b.AddDefinedSymbol(n)
	for _, r := range relocs {
		if err := b.AddRelocAtOffset(r.Target, r.Kind, r.Offset, 0); err != nil {
			t.Fatalf("AddRelocAtOffset: %v", err)
		}
	}
	n.SetCode(b.ObjectData())
}

// x86 builds main as two rel32 calls followed by a pointer to the blob.
func (fx *fixture) x86(t *testing.T) []nodes.Node {
	t.Helper()
	code := []byte{0xe8, 0, 0, 0, 0, 0xe8, 0, 0, 0, 0}
	code = append(code, make([]byte, 8)...)
	setCode(t, fx.main, 16, code,
		asm.Reloc{Target: fx.callee, Kind: asm.RelocRel32, Offset: 1},
		asm.Reloc{Target: fx.ext, Kind: asm.RelocRel32, Offset: 6},
		asm.Reloc{Target: fx.blob, Kind: asm.RelocDir64, Offset: 10},
	)
	setCode(t, fx.callee, 16, []byte{0xc3})
	return []nodes.Node{fx.main, fx.blob, fx.callee, fx.ext}
}

func TestLinkLayoutAndRelocations(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	layout, err := Link(fx.x86(t), fx.main, fx.factory, 0x401000)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	want := map[asm.Symbol]int{fx.main: 0, fx.callee: 32, fx.ext: 48, fx.blob: 56}
	for sym, off := range want {
		got, ok := layout.Address(sym)
		if !ok || got != off {
			t.Fatalf("%s at %d (%v), want %d", sym.MangledName(), got, ok, off)
		}
	}
	if layout.Entry != 0 {
		t.Fatalf("entry = %d, want 0", layout.Entry)
	}

	img := layout.Image
	if got := int32(binary.LittleEndian.Uint32(img[1:])); got != 27 {
		t.Fatalf("rel32 to callee = %d, want 27", got)
	}
	if got := int32(binary.LittleEndian.Uint32(img[6:])); got != 38 {
		t.Fatalf("rel32 to extern = %d, want 38", got)
	}
	if img[48] != 0xcc {
		t.Fatalf("extern stub = %#x, want int3", img[48])
	}
	if !bytes.Equal(img[56:60], []byte{1, 2, 3, 4}) {
		t.Fatalf("blob bytes = %v", img[56:60])
	}

	rebased, err := layout.Program().Rebase(0x401000)
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if got := binary.LittleEndian.Uint64(rebased[10:]); got != 0x401000+56 {
		t.Fatalf("dir64 after rebase = %#x, want %#x", got, 0x401000+56)
	}

	var sections []string
	for _, p := range layout.Placements {
		sections = append(sections, p.Section.String())
	}
	if got, want := strings.Join(sections, " "), ".text .text .text .rodata"; got != want {
		t.Fatalf("sections = %q, want %q", got, want)
	}
}

func TestLinkUndefinedSymbol(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	marked := fx.x86(t)
	_, err := Link(marked[:2], fx.main, fx.factory, 0x401000)
	if !errors.Is(err, ErrUndefinedSymbol) {
		t.Fatalf("Link = %v, want ErrUndefinedSymbol", err)
	}
}

func TestLinkDir32(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	setCode(t, fx.main, 16, make([]byte, 4), asm.Reloc{Target: fx.blob, Kind: asm.RelocDir32})
	marked := []nodes.Node{fx.main, fx.blob}

	layout, err := Link(marked, fx.main, fx.factory, 0x401000)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	blob, _ := layout.Address(fx.blob)
	if got := binary.LittleEndian.Uint32(layout.Image); got != uint32(0x401000+blob) {
		t.Fatalf("dir32 = %#x, want %#x", got, 0x401000+blob)
	}

	if _, err := Link(marked, fx.main, fx.factory, 1<<32); err == nil {
		t.Fatalf("dir32 above 4GiB linked")
	}
}

func TestLinkMissingBodyTraps(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	setCode(t, fx.main, 16, []byte{0xe8, 0, 0, 0, 0, 0xe8, 0, 0, 0, 0},
		asm.Reloc{Target: fx.callee, Kind: asm.RelocRel32, Offset: 1},
		asm.Reloc{Target: fx.ext, Kind: asm.RelocRel32, Offset: 6},
	)
	setCode(t, fx.callee, 16, nil)

	layout, err := Link([]nodes.Node{fx.main, fx.callee, fx.ext}, fx.main, fx.factory, 0x401000)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	callee, _ := layout.Address(fx.callee)
	ext, _ := layout.Address(fx.ext)
	if callee == ext {
		t.Fatalf("bodyless method shares address %d with the next symbol", callee)
	}
	if layout.Image[callee] != 0xcc {
		t.Fatalf("bodyless method code = %#x, want int3", layout.Image[callee])
	}
	var missing []string
	for _, p := range layout.Placements {
		if p.Missing {
			missing = append(missing, p.Node.MangledName())
		}
	}
	if len(missing) != 1 || missing[0] != fx.callee.MangledName() {
		t.Fatalf("missing placements = %v, want [%s]", missing, fx.callee.MangledName())
	}
}

func TestLinkArm64Branch(t *testing.T) {
	fx := newFixture(t, target.ArchitectureARM64)
	// bl #0
	setCode(t, fx.main, 4, []byte{0x00, 0x00, 0x00, 0x94}, asm.Reloc{Target: fx.callee, Kind: asm.RelocArm64Branch26})
	setCode(t, fx.callee, 4, []byte{0xc0, 0x03, 0x5f, 0xd6})

	layout, err := Link([]nodes.Node{fx.main, fx.callee}, fx.main, fx.factory, 0x401000)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if got := binary.LittleEndian.Uint32(layout.Image); got != 0x94000001 {
		t.Fatalf("bl = %#x, want 0x94000001", got)
	}
}

func TestEmitObjectWritesELF(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	marked := fx.x86(t)
	path := filepath.Join(t.TempDir(), "a.out")

	w := &Writer{Log: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), IL: fx.il}
	if err := w.EmitObject(path, marked, fx.main, fx.factory); err != nil {
		t.Fatalf("EmitObject: %v", err)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatalf("elf.Open: %v", err)
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		t.Fatalf("machine=%v type=%v", f.Machine, f.Type)
	}
	if f.Entry != DefaultImageConfig().BaseAddress {
		t.Fatalf("entry = %#x, want %#x", f.Entry, DefaultImageConfig().BaseAddress)
	}
	if len(f.Progs) != 1 || f.Progs[0].Type != elf.PT_LOAD || f.Progs[0].Filesz != 60 {
		t.Fatalf("unexpected program headers %+v", f.Progs)
	}

	lines, err := os.ReadFile(path + ".lines")
	if err != nil {
		t.Fatalf("read line table: %v", err)
	}
	for _, want := range []string{"App_Program__Main main.cs:1", "RhpThrowEx extern", "table"} {
		if !strings.Contains(string(lines), want) {
			t.Fatalf("line table lacks %q:\n%s", want, lines)
		}
	}
}

func TestEmitObjectNoLineNumbers(t *testing.T) {
	fx := newFixture(t, target.ArchitectureX86_64)
	marked := fx.x86(t)
	path := filepath.Join(t.TempDir(), "a.out")

	w := &Writer{Log: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), NoLineNumbers: true}
	if err := w.EmitObject(path, marked, fx.main, fx.factory); err != nil {
		t.Fatalf("EmitObject: %v", err)
	}
	if _, err := os.Stat(path + ".lines"); !os.IsNotExist(err) {
		t.Fatalf("line table written with line numbers disabled (stat err %v)", err)
	}
}

func TestImageConfigValidation(t *testing.T) {
	img := Image{Program: asm.NewProgram([]byte{0xc3}, nil), Machine: elf.EM_X86_64}
	for _, cfg := range []ImageConfig{
		{SegmentAlignment: 3},
		{SegmentOffset: 0x10},
		{BaseAddress: 0x401800},
	} {
		if _, err := img.ELF(cfg); err == nil {
			t.Fatalf("ELF(%+v) succeeded", cfg)
		}
	}
	if _, err := img.ELF(ImageConfig{}); err != nil {
		t.Fatalf("ELF(defaults): %v", err)
	}
}
