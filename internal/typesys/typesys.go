package typesys

import (
	"fmt"

	"github.com/tinyrange/aot/internal/target"
)

// TypeDesc describes a type. Descriptors are compared by identity: two
// distinct descriptors with the same name are different types.
type TypeDesc interface {
	Name() string
	// BaseType returns nil for types without a base (System.Object,
	// interfaces, primitives declared without one).
	BaseType() TypeDesc
	IsArray() bool
	// ElementType returns nil unless IsArray reports true.
	ElementType() TypeDesc
	// VirtualMethods lists the virtual methods introduced or overridden by
	// this type, excluding inherited ones.
	VirtualMethods() []MethodDesc
}

type MethodDesc interface {
	Name() string
	OwningType() TypeDesc
	Signature() Signature
	IsVirtual() bool
	String() string
}

type FieldDesc interface {
	Name() string
	OwningType() TypeDesc
	FieldType() TypeDesc
	IsStatic() bool
	// HasRVA reports whether the field's initial value is mapped from the
	// image rather than produced by code.
	HasRVA() bool
	RVAData() []byte
}

type Signature struct {
	Static     bool
	ReturnType TypeDesc
	Params     []TypeDesc
}

func (s Signature) Length() int {
	return len(s.Params)
}

func (s Signature) Param(i int) TypeDesc {
	return s.Params[i]
}

// Equal compares two signatures by parameter and return type identity.
func (s Signature) Equal(other Signature) bool {
	if s.Static != other.Static || s.ReturnType != other.ReturnType {
		return false
	}
	if len(s.Params) != len(other.Params) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != other.Params[i] {
			return false
		}
	}
	return true
}

type WellKnownType int

const (
	WellKnownInvalid WellKnownType = iota
	WellKnownObject
	WellKnownString
	WellKnownVoid
	WellKnownArray
)

func (w WellKnownType) String() string {
	switch w {
	case WellKnownObject:
		return "Object"
	case WellKnownString:
		return "String"
	case WellKnownVoid:
		return "Void"
	case WellKnownArray:
		return "Array"
	default:
		return fmt.Sprintf("WellKnownType(%d)", int(w))
	}
}

// ParseWellKnownType maps the names used in program manifests.
func ParseWellKnownType(name string) (WellKnownType, error) {
	switch name {
	case "Object":
		return WellKnownObject, nil
	case "String":
		return WellKnownString, nil
	case "Void":
		return WellKnownVoid, nil
	case "Array":
		return WellKnownArray, nil
	default:
		return WellKnownInvalid, fmt.Errorf("unknown well-known type %q", name)
	}
}

// Context is the type system a compilation runs against.
type Context interface {
	WellKnownType(kind WellKnownType) (TypeDesc, error)
	Target() target.Target
}

// FindVirtualTarget resolves the most-derived override of decl that applies
// to instances of objType. When no override is found decl itself is
// returned.
func FindVirtualTarget(decl MethodDesc, objType TypeDesc) MethodDesc {
	sig := decl.Signature()
	for cur := objType; cur != nil; cur = cur.BaseType() {
		if cur == decl.OwningType() {
			return decl
		}
		for _, m := range cur.VirtualMethods() {
			if m.Name() == decl.Name() && m.Signature().Equal(sig) {
				return m
			}
		}
	}
	return decl
}
