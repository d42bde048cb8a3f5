package nodes

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/depgraph"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/typesys"
)

// MethodCodeNode is a method's entry point. Its dependencies are unknown
// until the method has been compiled and SetCode has been called.
type MethodCodeNode struct {
	method      typesys.MethodDesc
	mangledName string
	code        *asm.ObjectData
}

var _ ObjectNode = (*MethodCodeNode)(nil)

func (n *MethodCodeNode) Method() typesys.MethodDesc { return n.method }
func (n *MethodCodeNode) MangledName() string { return n.mangledName }
func (n *MethodCodeNode) String() string { return n.method.String() }
func (n *MethodCodeNode) Section() Section { return SectionText }

// SetCode stores the method's final code block. It may only be called once.
func (n *MethodCodeNode) SetCode(data asm.ObjectData) {
	if n.code != nil {
		panic(fmt.Sprintf("nodes: code for %s set twice", n.method))
	}
	n.code = &data
}

func (n *MethodCodeNode) StaticDependenciesAreComputed() bool {
	return n.code != nil
}

func (n *MethodCodeNode) StaticDependencies(f *Factory) DependencyList {
	if n.code == nil {
		return nil
	}
	var deps DependencyList
	for _, reloc := range n.code.Relocs {
		if target, ok := reloc.Target.(Node); ok {
			deps = append(deps, entry(target, "Reloc"))
		}
	}
	return deps
}

func (n *MethodCodeNode) ObjectData(f *Factory) asm.ObjectData {
	if n.code == nil {
		return asm.ObjectData{}
	}
	return *n.code
}

// NecessaryTypeNode is the minimal runtime type handle: enough to compare
// and cast against, without a vtable.
type NecessaryTypeNode struct {
	typ         typesys.TypeDesc
	mangledName string
}

var _ ObjectNode = (*NecessaryTypeNode)(nil)

func (n *NecessaryTypeNode) Type() typesys.TypeDesc { return n.typ }
func (n *NecessaryTypeNode) MangledName() string { return n.mangledName }
func (n *NecessaryTypeNode) String() string { return "Necessary type " + n.typ.Name() }
func (n *NecessaryTypeNode) Section() Section { return SectionReadOnlyData }
func (n *NecessaryTypeNode) StaticDependenciesAreComputed() bool { return true }

func (n *NecessaryTypeNode) StaticDependencies(f *Factory) DependencyList {
	var deps DependencyList
	if base := n.typ.BaseType(); base != nil {
		deps = append(deps, entry(f.NecessaryTypeSymbol(base), "Base type"))
	}
	if elem := n.typ.ElementType(); elem != nil {
		deps = append(deps, entry(f.NecessaryTypeSymbol(elem), "Element type"))
	}
	return deps
}

// ObjectData lays out the handle as: base type handle, element type handle,
// name length, name bytes.
func (n *NecessaryTypeNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(f.Target.PointerSize())
	b.AddDefinedSymbol(n)
	emitOptionalPointer(b, f, n.typ.BaseType())
	emitOptionalPointer(b, f, n.typ.ElementType())
	name := n.typ.Name()
	b.EmitBytes(binary.LittleEndian.AppendUint32(nil, uint32(len(name))))
	b.EmitBytes([]byte(name))
	b.PadTo(f.Target.PointerSize())
	return b.ObjectData()
}

func emitOptionalPointer(b *asm.Builder, f *Factory, t typesys.TypeDesc) {
	if t == nil {
		b.EmitZeros(f.Target.PointerSize())
		return
	}
	b.EmitPointerReloc(f.NecessaryTypeSymbol(t))
}

// ConstructedTypeNode is the vtable of a type that is instantiated. Marking
// it pulls in the most-derived implementation of every virtual slot.
type ConstructedTypeNode struct {
	typ         typesys.TypeDesc
	mangledName string
}

var _ ObjectNode = (*ConstructedTypeNode)(nil)

func (n *ConstructedTypeNode) Type() typesys.TypeDesc { return n.typ }
func (n *ConstructedTypeNode) MangledName() string { return n.mangledName }
func (n *ConstructedTypeNode) String() string { return "Constructed type " + n.typ.Name() }
func (n *ConstructedTypeNode) Section() Section { return SectionReadOnlyData }
func (n *ConstructedTypeNode) StaticDependenciesAreComputed() bool { return true }

func (n *ConstructedTypeNode) StaticDependencies(f *Factory) DependencyList {
	deps := DependencyList{entry(f.NecessaryTypeSymbol(n.typ), "Type handle")}
	if base := n.typ.BaseType(); base != nil {
		deps = append(deps, entry(f.ConstructedTypeSymbol(base), "Base type"))
	}
	for _, slot := range VirtualSlots(n.typ) {
		impl := typesys.FindVirtualTarget(slot, n.typ)
		deps = append(deps, entry(f.MethodEntrypoint(impl), "Virtual slot "+slot.Name()))
	}
	return deps
}

// ObjectData lays out the vtable as: type handle, base vtable, one entry
// point per slot.
func (n *ConstructedTypeNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(f.Target.PointerSize())
	b.AddDefinedSymbol(n)
	b.EmitPointerReloc(f.NecessaryTypeSymbol(n.typ))
	if base := n.typ.BaseType(); base != nil {
		b.EmitPointerReloc(f.ConstructedTypeSymbol(base))
	} else {
		b.EmitZeros(f.Target.PointerSize())
	}
	for _, slot := range VirtualSlots(n.typ) {
		b.EmitPointerReloc(f.MethodEntrypoint(typesys.FindVirtualTarget(slot, n.typ)))
	}
	return b.ObjectData()
}

// ReadyToRunHelperNode is a data cell describing a helper call: the
// specialised target, the runtime routine that services it and one integer
// argument.
type ReadyToRunHelperNode struct {
	helper *helpers.ReadyToRunHelper
}

var _ ObjectNode = (*ReadyToRunHelperNode)(nil)

func (n *ReadyToRunHelperNode) Helper() *helpers.ReadyToRunHelper { return n.helper }
func (n *ReadyToRunHelperNode) MangledName() string { return n.helper.MangledName() }
func (n *ReadyToRunHelperNode) String() string { return "ReadyToRun helper " + n.helper.String() }
func (n *ReadyToRunHelperNode) Section() Section { return SectionData }
func (n *ReadyToRunHelperNode) StaticDependenciesAreComputed() bool { return true }

func (n *ReadyToRunHelperNode) target(f *Factory) (SymbolNode, int64) {
	switch n.helper.ID {
	case helpers.HelperNewObject, helpers.HelperNewArray:
		if t, ok := n.helper.Target.(typesys.TypeDesc); ok {
			return f.ConstructedTypeSymbol(t), 0
		}
	case helpers.HelperVirtualCall:
		if m, ok := n.helper.Target.(typesys.MethodDesc); ok {
			slots := VirtualSlots(m.OwningType())
			for i, slot := range slots {
				if slot.Name() == m.Name() && slot.Signature().Equal(m.Signature()) {
					return f.NecessaryTypeSymbol(m.OwningType()), int64(i)
				}
			}
			return f.NecessaryTypeSymbol(m.OwningType()), -1
		}
	case helpers.HelperDelegateCtor:
		if info, ok := n.helper.Target.(*helpers.DelegateInfo); ok {
			return f.MethodEntrypoint(info.Target), 0
		}
	}
	switch v := n.helper.Target.(type) {
	case typesys.TypeDesc:
		return f.NecessaryTypeSymbol(v), 0
	case typesys.MethodDesc:
		return f.MethodEntrypoint(v), 0
	}
	return nil, 0
}

func (n *ReadyToRunHelperNode) routine(f *Factory) *ExternSymbolNode {
	if name := n.helper.ID.RuntimeRoutine(); name != "" {
		return f.ExternSymbol(name)
	}
	return nil
}

func (n *ReadyToRunHelperNode) StaticDependencies(f *Factory) DependencyList {
	var deps DependencyList
	if target, _ := n.target(f); target != nil {
		deps = append(deps, entry(target, "Helper target"))
	}
	if routine := n.routine(f); routine != nil {
		deps = append(deps, entry(routine, "Helper routine"))
	}
	return deps
}

func (n *ReadyToRunHelperNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(f.Target.PointerSize())
	b.AddDefinedSymbol(n)
	target, arg := n.target(f)
	if target != nil {
		b.EmitPointerReloc(target)
	} else {
		b.EmitZeros(f.Target.PointerSize())
	}
	if routine := n.routine(f); routine != nil {
		b.EmitPointerReloc(routine)
	} else {
		b.EmitZeros(f.Target.PointerSize())
	}
	b.EmitBytes(binary.LittleEndian.AppendUint64(nil, uint64(arg)))
	return b.ObjectData()
}

// ExternSymbolNode names a symbol provided by the runtime. It has no data of
// its own.
type ExternSymbolNode struct {
	name string
}

var _ SymbolNode = (*ExternSymbolNode)(nil)

func (n *ExternSymbolNode) MangledName() string { return n.name }
func (n *ExternSymbolNode) String() string { return "Extern " + n.name }
func (n *ExternSymbolNode) StaticDependenciesAreComputed() bool { return true }

func (n *ExternSymbolNode) StaticDependencies(f *Factory) DependencyList {
	return nil
}

// StringIndirectionNode is the pointer cell generated code loads a string
// literal through.
type StringIndirectionNode struct {
	value       string
	mangledName string
}

var _ ObjectNode = (*StringIndirectionNode)(nil)

func (n *StringIndirectionNode) Value() string { return n.value }
func (n *StringIndirectionNode) MangledName() string { return n.mangledName }
func (n *StringIndirectionNode) String() string { return fmt.Sprintf("String indirection %q", n.value) }
func (n *StringIndirectionNode) Section() Section { return SectionData }
func (n *StringIndirectionNode) StaticDependenciesAreComputed() bool { return true }

func (n *StringIndirectionNode) StaticDependencies(f *Factory) DependencyList {
	return DependencyList{entry(f.StringData(n.value), "String literal")}
}

func (n *StringIndirectionNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(f.Target.PointerSize())
	b.AddDefinedSymbol(n)
	b.EmitPointerReloc(f.StringData(n.value))
	return b.ObjectData()
}

// StringDataNode is a frozen string object: vtable pointer, UTF-16 length,
// UTF-16 characters.
type StringDataNode struct {
	value       string
	mangledName string
}

var _ ObjectNode = (*StringDataNode)(nil)

func (n *StringDataNode) Value() string { return n.value }
func (n *StringDataNode) MangledName() string { return n.mangledName }
func (n *StringDataNode) String() string { return fmt.Sprintf("String %q", n.value) }
func (n *StringDataNode) Section() Section { return SectionReadOnlyData }
func (n *StringDataNode) StaticDependenciesAreComputed() bool { return true }

func (n *StringDataNode) StaticDependencies(f *Factory) DependencyList {
	return DependencyList{entry(f.ConstructedTypeSymbol(f.stringType), "String object type")}
}

func (n *StringDataNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(f.Target.PointerSize())
	b.AddDefinedSymbol(n)
	b.EmitPointerReloc(f.ConstructedTypeSymbol(f.stringType))
	chars := utf16.Encode([]rune(n.value))
	b.EmitBytes(binary.LittleEndian.AppendUint32(nil, uint32(len(chars))))
	for _, c := range chars {
		b.EmitBytes(binary.LittleEndian.AppendUint16(nil, c))
	}
	// Terminator.
	b.EmitZeros(2)
	b.PadTo(f.Target.PointerSize())
	return b.ObjectData()
}

// ReadOnlyDataBlobNode is a named block of constant bytes.
type ReadOnlyDataBlobNode struct {
	name      string
	data      []byte
	alignment int
}

var _ ObjectNode = (*ReadOnlyDataBlobNode)(nil)

func (n *ReadOnlyDataBlobNode) Data() []byte { return n.data }
func (n *ReadOnlyDataBlobNode) Alignment() int { return n.alignment }
func (n *ReadOnlyDataBlobNode) MangledName() string { return n.name }
func (n *ReadOnlyDataBlobNode) String() string { return "Read-only data " + n.name }
func (n *ReadOnlyDataBlobNode) Section() Section { return SectionReadOnlyData }
func (n *ReadOnlyDataBlobNode) StaticDependenciesAreComputed() bool { return true }

func (n *ReadOnlyDataBlobNode) StaticDependencies(f *Factory) DependencyList {
	return nil
}

func (n *ReadOnlyDataBlobNode) ObjectData(f *Factory) asm.ObjectData {
	b := asm.NewBuilder(n.alignment)
	b.AddDefinedSymbol(n)
	b.EmitBytes(n.data)
	return b.ObjectData()
}

func entry(node Node, reason string) depgraph.DependencyListEntry[*Factory] {
	return depgraph.DependencyListEntry[*Factory]{Node: node, Reason: reason}
}
