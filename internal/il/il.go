package il

import (
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/typesys"
)

type Opcode int

const (
	OpInvalid Opcode = iota
	// OpCall is a direct call to Method.
	OpCall
	// OpCallVirt is a virtual call through the slot declared by Method.
	OpCallVirt
	// OpNewObj allocates an instance of Type.
	OpNewObj
	// OpLdStr loads the literal String.
	OpLdStr
	// OpLdToken loads the runtime handle of Type.
	OpLdToken
	// OpLdsFld reads the static Field.
	OpLdsFld
	// OpLdFld reads the instance Field.
	OpLdFld
	// OpNewDelegate constructs a delegate bound to Method.
	OpNewDelegate
	// OpJitHelper calls the runtime helper named Helper.
	OpJitHelper
	// OpLdROData addresses the method's own read-only data block.
	OpLdROData
)

var opcodeNames = map[Opcode]string{
	OpCall:        "call",
	OpCallVirt:    "callvirt",
	OpNewObj:      "newobj",
	OpLdStr:       "ldstr",
	OpLdToken:     "ldtoken",
	OpLdsFld:      "ldsfld",
	OpLdFld:       "ldfld",
	OpNewDelegate: "newdelegate",
	OpJitHelper:   "jithelper",
	OpLdROData:    "ldrodata",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

func ParseOpcode(s string) (Opcode, error) {
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown opcode %q", s)
}

// Ref is one symbolic reference made by a method body. Offset and Reloc
// describe where the reference is encoded in Code.
type Ref struct {
	Op     Opcode
	Offset int
	Reloc  asm.RelocKind
	Delta  int

	Method typesys.MethodDesc
	Type   typesys.TypeDesc
	Field  typesys.FieldDesc
	String string
	Helper string
}

// MethodIL is a decoded method body. Code holds the pre-encoded machine code
// the body lowers to; Refs lists the references in instruction order.
type MethodIL struct {
	Method typesys.MethodDesc
	Code   []byte
	Refs   []Ref
	// ColdCode and ROData are only populated by bodies that exercise
	// extensions the linker does not model.
	ColdCode []byte
	ROData   []byte
	// Source is a "file:line" position, empty when unknown.
	Source string
}

type Provider interface {
	MethodIL(method typesys.MethodDesc) (*MethodIL, bool)
}

// Table is a Provider backed by a map.
type Table struct {
	bodies map[typesys.MethodDesc]*MethodIL
}

var _ Provider = (*Table)(nil)

func NewTable() *Table {
	return &Table{bodies: make(map[typesys.MethodDesc]*MethodIL)}
}

func (t *Table) Set(body *MethodIL) {
	t.bodies[body.Method] = body
}

func (t *Table) MethodIL(method typesys.MethodDesc) (*MethodIL, bool) {
	body, ok := t.bodies[method]
	return body, ok
}

func (t *Table) Len() int {
	return len(t.bodies)
}
