package typesys

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/aot/internal/target"
)

// Universe is an in-memory type system. Every Define call allocates a fresh
// descriptor; lookups by name return the descriptor defined first.
type Universe struct {
	target    target.Target
	types     []*Type
	byName    map[string]*Type
	wellKnown map[WellKnownType]*Type
}

var _ Context = (*Universe)(nil)

func NewUniverse(t target.Target) *Universe {
	return &Universe{
		target:    t,
		byName:    make(map[string]*Type),
		wellKnown: make(map[WellKnownType]*Type),
	}
}

func (u *Universe) Target() target.Target {
	return u.target
}

func (u *Universe) WellKnownType(kind WellKnownType) (TypeDesc, error) {
	t, ok := u.wellKnown[kind]
	if !ok {
		return nil, fmt.Errorf("typesys: well-known type %s is not defined", kind)
	}
	return t, nil
}

func (u *Universe) SetWellKnownType(kind WellKnownType, t *Type) {
	u.wellKnown[kind] = t
}

// DefineType adds a class type. base may be nil.
func (u *Universe) DefineType(name string, base *Type) *Type {
	t := &Type{name: name, base: base}
	u.add(t)
	return t
}

// DefineArrayType adds an array type over elem. base is usually the
// well-known System.Array type.
func (u *Universe) DefineArrayType(elem *Type, base *Type) *Type {
	t := &Type{name: elem.name + "[]", base: base, elem: elem}
	u.add(t)
	return t
}

func (u *Universe) add(t *Type) {
	u.types = append(u.types, t)
	if _, exists := u.byName[t.name]; !exists {
		u.byName[t.name] = t
	}
}

func (u *Universe) LookupType(name string) (*Type, bool) {
	t, ok := u.byName[name]
	return t, ok
}

func (u *Universe) Types() []*Type {
	return append([]*Type(nil), u.types...)
}

// DefineMethod adds a method to owner.
func (u *Universe) DefineMethod(owner *Type, name string, sig Signature, virtual bool) *Method {
	m := &Method{owner: owner, name: name, sig: sig, virtual: virtual}
	owner.methods = append(owner.methods, m)
	return m
}

// DefineField adds a field to owner. A non-nil rva marks the field as
// RVA-mapped static data.
func (u *Universe) DefineField(owner *Type, name string, fieldType *Type, static bool, rva []byte) *Field {
	f := &Field{owner: owner, name: name, fieldType: fieldType, static: static}
	if rva != nil {
		f.hasRVA = true
		f.rva = bytes.Clone(rva)
		f.static = true
	}
	owner.fields = append(owner.fields, f)
	return f
}

type Type struct {
	name    string
	base    *Type
	elem    *Type
	methods []*Method
	fields  []*Field
}

var _ TypeDesc = (*Type)(nil)

func (t *Type) Name() string { return t.name }

func (t *Type) String() string { return t.name }

func (t *Type) BaseType() TypeDesc {
	if t.base == nil {
		return nil
	}
	return t.base
}

func (t *Type) IsArray() bool { return t.elem != nil }

func (t *Type) ElementType() TypeDesc {
	if t.elem == nil {
		return nil
	}
	return t.elem
}

func (t *Type) VirtualMethods() []MethodDesc {
	var out []MethodDesc
	for _, m := range t.methods {
		if m.virtual {
			out = append(out, m)
		}
	}
	return out
}

func (t *Type) Methods() []*Method {
	return append([]*Method(nil), t.methods...)
}

func (t *Type) Fields() []*Field {
	return append([]*Field(nil), t.fields...)
}

// LookupMethod returns the first method named name declared on t.
func (t *Type) LookupMethod(name string) (*Method, bool) {
	for _, m := range t.methods {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

func (t *Type) LookupField(name string) (*Field, bool) {
	for _, f := range t.fields {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}

type Method struct {
	owner   *Type
	name    string
	sig     Signature
	virtual bool
}

var _ MethodDesc = (*Method)(nil)

func (m *Method) Name() string { return m.name }
func (m *Method) OwningType() TypeDesc { return m.owner }
func (m *Method) Signature() Signature { return m.sig }
func (m *Method) IsVirtual() bool { return m.virtual }
func (m *Method) String() string { return m.owner.name + "." + m.name }

type Field struct {
	owner     *Type
	name      string
	fieldType *Type
	static    bool
	rva       []byte
	hasRVA    bool
}

var _ FieldDesc = (*Field)(nil)

func (f *Field) Name() string { return f.name }
func (f *Field) OwningType() TypeDesc { return f.owner }
func (f *Field) IsStatic() bool { return f.static }
func (f *Field) HasRVA() bool { return f.hasRVA }
func (f *Field) String() string { return f.owner.name + "::" + f.name }

func (f *Field) FieldType() TypeDesc {
	if f.fieldType == nil {
		return nil
	}
	return f.fieldType
}

func (f *Field) RVAData() []byte {
	return bytes.Clone(f.rva)
}
