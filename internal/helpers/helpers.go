package helpers

import (
	"fmt"

	"github.com/tinyrange/aot/internal/typesys"
)

type ReadyToRunHelperID int

const (
	HelperInvalid ReadyToRunHelperID = iota
	HelperNewObject
	HelperNewArray
	HelperVirtualCall
	HelperIsInstanceOf
	HelperCastClass
	HelperGetNonGCStaticBase
	HelperGetGCStaticBase
	HelperDelegateCtor
)

func (id ReadyToRunHelperID) String() string {
	switch id {
	case HelperNewObject:
		return "NewHelper"
	case HelperNewArray:
		return "NewArr1"
	case HelperVirtualCall:
		return "VirtualCall"
	case HelperIsInstanceOf:
		return "IsInstanceOf"
	case HelperCastClass:
		return "CastClass"
	case HelperGetNonGCStaticBase:
		return "GetNonGCStaticBase"
	case HelperGetGCStaticBase:
		return "GetGCStaticBase"
	case HelperDelegateCtor:
		return "DelegateCtor"
	default:
		return fmt.Sprintf("ReadyToRunHelperID(%d)", int(id))
	}
}

// RuntimeRoutine is the runtime export a helper stub tail-calls into.
func (id ReadyToRunHelperID) RuntimeRoutine() string {
	switch id {
	case HelperNewObject:
		return "RhpNewFast"
	case HelperNewArray:
		return "RhpNewArray"
	case HelperVirtualCall:
		return "RhpResolveVirtual"
	case HelperIsInstanceOf:
		return "RhTypeCast_IsInstanceOf"
	case HelperCastClass:
		return "RhTypeCast_CheckCast"
	case HelperDelegateCtor:
		return "RhpDelegateCtor"
	default:
		return ""
	}
}

// ReadyToRunHelper is a compiler-synthesized stub specialised for one
// target: a type for allocation and casting helpers, a method for virtual
// calls, a *DelegateInfo for delegate construction.
type ReadyToRunHelper struct {
	ID          ReadyToRunHelperID
	Target      any
	mangledName string
}

func (h *ReadyToRunHelper) MangledName() string {
	return h.mangledName
}

func (h *ReadyToRunHelper) String() string {
	return fmt.Sprintf("%s(%v)", h.ID, h.Target)
}

type JitHelperID int

const (
	JitHelperInvalid JitHelperID = iota
	JitHelperRngChkFail
	JitHelperWriteBarrier
	JitHelperCheckedWriteBarrier
	JitHelperThrow
	JitHelperMemSet
	JitHelperMemCpy
	JitHelperOverflow
)

var jitHelperNames = map[JitHelperID]string{
	JitHelperRngChkFail:          "RngChkFail",
	JitHelperWriteBarrier:        "WriteBarrier",
	JitHelperCheckedWriteBarrier: "CheckedWriteBarrier",
	JitHelperThrow:               "Throw",
	JitHelperMemSet:              "MemSet",
	JitHelperMemCpy:              "MemCpy",
	JitHelperOverflow:            "Overflow",
}

var jitHelperSymbols = map[JitHelperID]string{
	JitHelperRngChkFail:          "__range_check_fail",
	JitHelperWriteBarrier:        "RhpAssignRef",
	JitHelperCheckedWriteBarrier: "RhpCheckedAssignRef",
	JitHelperThrow:               "RhpThrowEx",
	JitHelperMemSet:              "memset",
	JitHelperMemCpy:              "memcpy",
	JitHelperOverflow:            "__overflow",
}

func (id JitHelperID) String() string {
	if name, ok := jitHelperNames[id]; ok {
		return name
	}
	return fmt.Sprintf("JitHelperID(%d)", int(id))
}

func ParseJitHelperID(name string) (JitHelperID, error) {
	for id, n := range jitHelperNames {
		if n == name {
			return id, nil
		}
	}
	return JitHelperInvalid, fmt.Errorf("unknown JIT helper %q", name)
}

// JitHelper is a runtime routine referenced by generated code. It is never
// compiled; its mangled name is bound as an external symbol.
type JitHelper struct {
	ID JitHelperID
}

func (h *JitHelper) MangledName() string {
	return jitHelperSymbols[h.ID]
}

// DelegateInfo describes how to construct a delegate bound to Target.
type DelegateInfo struct {
	Target typesys.MethodDesc
	// Ctor is the helper that initialises the delegate instance.
	Ctor *ReadyToRunHelper
}

// RvaFieldData is the image-mapped initial value of an RVA static field.
type RvaFieldData struct {
	Field       typesys.FieldDesc
	MangledName string
	Data        []byte
}
