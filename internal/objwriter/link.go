package objwriter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/nodes"
)

var ErrUndefinedSymbol = errors.New("undefined symbol")

// Placement records where a node landed in the image.
type Placement struct {
	Node    nodes.SymbolNode
	Section nodes.Section
	Offset  int
	Size    int
	// Extern is set for trap stubs standing in for runtime exports.
	Extern bool
	// Missing is set for methods without a body, placed as a trap.
	Missing bool
}

// Layout is the result of placing and relocating every marked node.
type Layout struct {
	Image      []byte
	Placements []Placement
	Entry      int

	symbols      map[asm.Symbol]int
	pointerSites []int
}

// Address returns the image offset of sym.
func (l *Layout) Address(sym asm.Symbol) (int, bool) {
	off, ok := l.symbols[sym]
	return off, ok
}

func (l *Layout) Program() asm.Program {
	return asm.NewProgram(l.Image, l.pointerSites)
}

type placedObject struct {
	offset int
	data   asm.ObjectData
}

var sectionOrder = []nodes.Section{nodes.SectionText, nodes.SectionReadOnlyData, nodes.SectionData}

// Link lays out marked in section order, then binds every relocation.
// Externs become trap stubs at the end of .text so a call into a missing
// runtime export faults. Methods that produced no code are placed as a trap
// too, so they never share an address with the next function. base is the load address used for dir32
// relocations; dir64 relocations are left for Program to rebase.
func Link(marked []nodes.Node, root nodes.Node, factory *nodes.Factory, base uint64) (*Layout, error) {
	l := &Layout{symbols: make(map[asm.Symbol]int)}

	bySection := make(map[nodes.Section][]nodes.ObjectNode)
	var externs []*nodes.ExternSymbolNode
	for _, n := range marked {
		switch n := n.(type) {
		case nodes.ObjectNode:
			bySection[n.Section()] = append(bySection[n.Section()], n)
		case *nodes.ExternSymbolNode:
			externs = append(externs, n)
		}
	}

	trap := factory.Target.TrapInstruction()
	var objects []placedObject
	for _, section := range sectionOrder {
		for _, n := range bySection[section] {
			data := n.ObjectData(factory)
			code := data.Data
			_, isMethod := n.(*nodes.MethodCodeNode)
			missing := isMethod && data.Size() == 0
			if missing {
				code = trap
			}
			off := l.place(n, section, code, data.Alignment, false)
			l.Placements[len(l.Placements)-1].Missing = missing
			for _, sym := range data.DefinedSymbols {
				l.symbols[sym] = off
			}
			objects = append(objects, placedObject{offset: off, data: data})
		}
		if section == nodes.SectionText {
			for _, n := range externs {
				l.place(n, section, trap, factory.Target.MinimumFunctionAlignment(), true)
			}
		}
	}

	for _, obj := range objects {
		for _, r := range obj.data.Relocs {
			if err := l.apply(obj.offset, r, base); err != nil {
				return nil, err
			}
		}
	}

	sym, ok := root.(asm.Symbol)
	if !ok {
		return nil, fmt.Errorf("root %s is not a symbol", root)
	}
	entry, ok := l.symbols[sym]
	if !ok {
		return nil, fmt.Errorf("%w: entry point %s", ErrUndefinedSymbol, sym.MangledName())
	}
	l.Entry = entry
	return l, nil
}

func (l *Layout) place(n nodes.SymbolNode, section nodes.Section, data []byte, alignment int, extern bool) int {
	off := asm.Align(len(l.Image), alignment)
	l.Image = append(l.Image, make([]byte, off-len(l.Image))...)
	l.Image = append(l.Image, data...)
	l.symbols[n] = off
	l.Placements = append(l.Placements, Placement{
		Node:    n,
		Section: section,
		Offset:  off,
		Size:    len(data),
		Extern:  extern,
	})
	return off
}

func (l *Layout) apply(objOffset int, r asm.Reloc, base uint64) error {
	target, ok := l.symbols[r.Target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedSymbol, r.Target.MangledName())
	}
	site := objOffset + r.Offset
	if site < 0 || site+r.Kind.Size() > len(l.Image) {
		return fmt.Errorf("%s relocation at %#x out of range", r.Kind, site)
	}
	buf := l.Image[site:]

	switch r.Kind {
	case asm.RelocDir64:
		binary.LittleEndian.PutUint64(buf, uint64(target))
		l.pointerSites = append(l.pointerSites, site)
	case asm.RelocDir32:
		addr := base + uint64(target)
		if addr > 0xffffffff {
			return fmt.Errorf("dir32 relocation to %s: address %#x does not fit", r.Target.MangledName(), addr)
		}
		binary.LittleEndian.PutUint32(buf, uint32(addr))
	case asm.RelocRel32:
		delta := int64(target) - int64(site+4)
		if delta < -1<<31 || delta > 1<<31-1 {
			return fmt.Errorf("rel32 relocation to %s: displacement %d out of range", r.Target.MangledName(), delta)
		}
		binary.LittleEndian.PutUint32(buf, uint32(int32(delta)))
	case asm.RelocArm64Branch26:
		delta := int64(target) - int64(site)
		if delta%4 != 0 || delta < -1<<27 || delta >= 1<<27 {
			return fmt.Errorf("branch26 relocation to %s: displacement %d out of range", r.Target.MangledName(), delta)
		}
		insn := binary.LittleEndian.Uint32(buf)
		insn = insn&^0x03ffffff | uint32(delta>>2)&0x03ffffff
		binary.LittleEndian.PutUint32(buf, insn)
	default:
		return fmt.Errorf("unsupported relocation kind %s", r.Kind)
	}
	return nil
}
