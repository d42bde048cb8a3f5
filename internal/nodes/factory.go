// Package nodes defines the graph nodes a symbol-backend compilation marks
// and the factory that interns them. Every node is also an asm.Symbol so that
// relocations can point at it directly.
package nodes

import (
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/depgraph"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

type Node = depgraph.Node[*Factory]

type DependencyList = []depgraph.DependencyListEntry[*Factory]

// SymbolNode is a node that can be the target of a relocation.
type SymbolNode interface {
	Node
	asm.Symbol
}

// ObjectNode is a symbol node that contributes bytes to the image.
type ObjectNode interface {
	SymbolNode
	Section() Section
	ObjectData(f *Factory) asm.ObjectData
}

type Section int

const (
	SectionText Section = iota
	SectionData
	SectionReadOnlyData
)

func (s Section) String() string {
	switch s {
	case SectionText:
		return ".text"
	case SectionData:
		return ".data"
	case SectionReadOnlyData:
		return ".rodata"
	default:
		return fmt.Sprintf("Section(%d)", int(s))
	}
}

// Factory interns nodes: asking twice for the same key returns the same
// node.
type Factory struct {
	TypeSystem typesys.Context
	Target     target.Target
	Mangler    *mangling.NameMangler

	stringType typesys.TypeDesc

	methodEntrypoints  map[typesys.MethodDesc]*MethodCodeNode
	constructedTypes   map[typesys.TypeDesc]*ConstructedTypeNode
	necessaryTypes     map[typesys.TypeDesc]*NecessaryTypeNode
	readyToRunHelpers  map[*helpers.ReadyToRunHelper]*ReadyToRunHelperNode
	externSymbols      map[string]*ExternSymbolNode
	stringIndirections map[string]*StringIndirectionNode
	stringData         map[string]*StringDataNode
	readOnlyDataBlobs  map[string]*ReadOnlyDataBlobNode
}

func NewFactory(ts typesys.Context, mangler *mangling.NameMangler) (*Factory, error) {
	stringType, err := ts.WellKnownType(typesys.WellKnownString)
	if err != nil {
		return nil, fmt.Errorf("node factory: %w", err)
	}
	return &Factory{
		TypeSystem: ts,
		Target:     ts.Target(),
		Mangler:    mangler,
		stringType: stringType,

		methodEntrypoints:  make(map[typesys.MethodDesc]*MethodCodeNode),
		constructedTypes:   make(map[typesys.TypeDesc]*ConstructedTypeNode),
		necessaryTypes:     make(map[typesys.TypeDesc]*NecessaryTypeNode),
		readyToRunHelpers:  make(map[*helpers.ReadyToRunHelper]*ReadyToRunHelperNode),
		externSymbols:      make(map[string]*ExternSymbolNode),
		stringIndirections: make(map[string]*StringIndirectionNode),
		stringData:         make(map[string]*StringDataNode),
		readOnlyDataBlobs:  make(map[string]*ReadOnlyDataBlobNode),
	}, nil
}

func (f *Factory) MethodEntrypoint(method typesys.MethodDesc) *MethodCodeNode {
	if n, ok := f.methodEntrypoints[method]; ok {
		return n
	}
	n := &MethodCodeNode{method: method, mangledName: f.Mangler.MethodName(method)}
	f.methodEntrypoints[method] = n
	return n
}

func (f *Factory) ConstructedTypeSymbol(t typesys.TypeDesc) *ConstructedTypeNode {
	if n, ok := f.constructedTypes[t]; ok {
		return n
	}
	n := &ConstructedTypeNode{typ: t, mangledName: "__VTable_" + f.Mangler.TypeName(t)}
	f.constructedTypes[t] = n
	return n
}

func (f *Factory) NecessaryTypeSymbol(t typesys.TypeDesc) *NecessaryTypeNode {
	if n, ok := f.necessaryTypes[t]; ok {
		return n
	}
	n := &NecessaryTypeNode{typ: t, mangledName: "__EEType_" + f.Mangler.TypeName(t)}
	f.necessaryTypes[t] = n
	return n
}

func (f *Factory) ReadyToRunHelper(helper *helpers.ReadyToRunHelper) *ReadyToRunHelperNode {
	if n, ok := f.readyToRunHelpers[helper]; ok {
		return n
	}
	n := &ReadyToRunHelperNode{helper: helper}
	f.readyToRunHelpers[helper] = n
	return n
}

func (f *Factory) ExternSymbol(name string) *ExternSymbolNode {
	if n, ok := f.externSymbols[name]; ok {
		return n
	}
	n := &ExternSymbolNode{name: name}
	f.externSymbols[name] = n
	return n
}

func (f *Factory) StringIndirection(value string) *StringIndirectionNode {
	if n, ok := f.stringIndirections[value]; ok {
		return n
	}
	n := &StringIndirectionNode{value: value, mangledName: mangling.StringLiteral(value) + "_Indirection"}
	f.stringIndirections[value] = n
	return n
}

func (f *Factory) StringData(value string) *StringDataNode {
	if n, ok := f.stringData[value]; ok {
		return n
	}
	n := &StringDataNode{value: value, mangledName: mangling.StringLiteral(value)}
	f.stringData[value] = n
	return n
}

// ReadOnlyDataBlob is keyed by name alone. A second request with the same
// name returns the first blob regardless of data.
func (f *Factory) ReadOnlyDataBlob(name string, data []byte, alignment int) *ReadOnlyDataBlobNode {
	if n, ok := f.readOnlyDataBlobs[name]; ok {
		return n
	}
	n := &ReadOnlyDataBlobNode{name: name, data: append([]byte(nil), data...), alignment: alignment}
	f.readOnlyDataBlobs[name] = n
	return n
}

// VirtualSlots lists the slot-introducing virtual methods of t, base type
// slots first. An override does not introduce a new slot.
func VirtualSlots(t typesys.TypeDesc) []typesys.MethodDesc {
	var chain []typesys.TypeDesc
	for cur := t; cur != nil; cur = cur.BaseType() {
		chain = append(chain, cur)
	}

	var slots []typesys.MethodDesc
	for i := len(chain) - 1; i >= 0; i-- {
		for _, m := range chain[i].VirtualMethods() {
			if !overridesSlot(slots, m) {
				slots = append(slots, m)
			}
		}
	}
	return slots
}

func overridesSlot(slots []typesys.MethodDesc, m typesys.MethodDesc) bool {
	for _, s := range slots {
		if s.Name() == m.Name() && s.Signature().Equal(m.Signature()) {
			return true
		}
	}
	return false
}
