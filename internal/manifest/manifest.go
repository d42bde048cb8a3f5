// Package manifest loads a program description from YAML: its types,
// methods and fields, and for each method the pre-encoded machine code with
// the symbolic references the code makes.
package manifest

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

// CurrentFormat is the newest manifest format this package reads. Any
// format with the same major version is accepted.
const CurrentFormat = "v1.0.0"

type Manifest struct {
	Format string `yaml:"format"`
	Arch   string `yaml:"arch,omitempty"`
	// Entry names the entry point as "Type::Method".
	Entry string `yaml:"entry"`
	Types []Type `yaml:"types"`
}

type Type struct {
	Name      string   `yaml:"name"`
	Base      string   `yaml:"base,omitempty"`
	Element   string   `yaml:"element,omitempty"`
	WellKnown string   `yaml:"wellKnown,omitempty"`
	Methods   []Method `yaml:"methods,omitempty"`
	Fields    []Field  `yaml:"fields,omitempty"`
}

type Method struct {
	Name    string   `yaml:"name"`
	Static  bool     `yaml:"static,omitempty"`
	Virtual bool     `yaml:"virtual,omitempty"`
	Returns string   `yaml:"returns,omitempty"`
	Params  []string `yaml:"params,omitempty"`
	// Body is nil for methods provided by the runtime.
	Body *Body `yaml:"body,omitempty"`
}

type Body struct {
	// Code, ColdCode and ROData are hex encoded.
	Code     string `yaml:"code"`
	ColdCode string `yaml:"coldCode,omitempty"`
	ROData   string `yaml:"rodata,omitempty"`
	Source   string `yaml:"source,omitempty"`
	Refs     []Ref  `yaml:"refs,omitempty"`
}

type Ref struct {
	Op     string `yaml:"op"`
	Offset int    `yaml:"offset"`
	Reloc  string `yaml:"reloc,omitempty"`
	Delta  int    `yaml:"delta,omitempty"`

	Method string `yaml:"method,omitempty"`
	Type   string `yaml:"type,omitempty"`
	Field  string `yaml:"field,omitempty"`
	String string `yaml:"string,omitempty"`
	Helper string `yaml:"helper,omitempty"`
}

type Field struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type,omitempty"`
	Static bool   `yaml:"static,omitempty"`
	// RVA is the hex-encoded image-mapped initial value.
	RVA string `yaml:"rva,omitempty"`
}

// Program is a built manifest.
type Program struct {
	Universe *typesys.Universe
	IL       *il.Table
	Entry    *typesys.Method
	Target   target.Target
}

func (m *Manifest) normalize() {
	if m.Format == "" {
		m.Format = CurrentFormat
	}
	if !strings.HasPrefix(m.Format, "v") {
		m.Format = "v" + m.Format
	}
	if m.Arch == "" {
		m.Arch = string(target.Host().Arch)
	}
}

func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.normalize()
	if !semver.IsValid(m.Format) {
		return nil, fmt.Errorf("manifest format %q is not a semantic version", m.Format)
	}
	if semver.Major(m.Format) != semver.Major(CurrentFormat) {
		return nil, fmt.Errorf("unsupported manifest format %s (want %s.x)", m.Format, semver.Major(CurrentFormat))
	}
	return &m, nil
}

// Load reads and builds the manifest at path.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return m.Build()
}

// Build validates the manifest and materialises it. Every validation error
// is reported, not only the first.
func (m *Manifest) Build() (*Program, error) {
	arch, err := target.ParseArchitecture(m.Arch)
	if err != nil {
		return nil, err
	}
	b := &builder{
		m:       m,
		u:       typesys.NewUniverse(target.Target{Arch: arch}),
		table:   il.NewTable(),
		decls:   make(map[string]*Type),
		defined: make(map[string]*typesys.Type),
		visit:   make(map[string]bool),
	}
	b.build()
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Program{Universe: b.u, IL: b.table, Entry: b.entry, Target: b.u.Target()}, nil
}

type builder struct {
	m     *Manifest
	u     *typesys.Universe
	table *il.Table
	entry *typesys.Method
	errs  *multierror.Error

	decls   map[string]*Type
	defined map[string]*typesys.Type
	// visit is set while a type's ancestors are being defined.
	visit map[string]bool
}

func (b *builder) errorf(format string, args ...any) {
	b.errs = multierror.Append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) build() {
	for i := range b.m.Types {
		decl := &b.m.Types[i]
		if decl.Name == "" {
			b.errorf("types[%d]: missing name", i)
			continue
		}
		if _, dup := b.decls[decl.Name]; dup {
			b.errorf("type %s: declared twice", decl.Name)
			continue
		}
		b.decls[decl.Name] = decl
	}
	for i := range b.m.Types {
		b.defineType(b.m.Types[i].Name)
	}

	// Methods and fields are declared before any body so bodies can refer
	// to members of types declared later in the file.
	for i := range b.m.Types {
		b.defineMembers(&b.m.Types[i])
	}
	for i := range b.m.Types {
		b.defineBodies(&b.m.Types[i])
	}

	if b.m.Entry == "" {
		b.errorf("missing entry point")
	} else if method, err := b.lookupMethod(b.m.Entry); err != nil {
		b.errorf("entry point: %v", err)
	} else {
		b.entry = method
	}
}

func (b *builder) defineType(name string) *typesys.Type {
	if t, ok := b.defined[name]; ok {
		return t
	}
	decl, ok := b.decls[name]
	if !ok {
		return nil
	}
	if b.visit[name] {
		b.errorf("type %s: inheritance cycle", name)
		return nil
	}
	b.visit[name] = true
	defer delete(b.visit, name)

	base := b.ancestor(decl, "base", decl.Base)
	var t *typesys.Type
	if decl.Element != "" {
		elem := b.ancestor(decl, "element", decl.Element)
		if elem == nil {
			return nil
		}
		if want := elem.Name() + "[]"; name != want {
			b.errorf("type %s: array of %s must be named %s", name, elem.Name(), want)
			return nil
		}
		t = b.u.DefineArrayType(elem, base)
	} else {
		t = b.u.DefineType(name, base)
	}
	b.defined[name] = t

	if decl.WellKnown != "" {
		kind, err := typesys.ParseWellKnownType(decl.WellKnown)
		if err != nil {
			b.errorf("type %s: %v", name, err)
		} else {
			b.u.SetWellKnownType(kind, t)
		}
	}
	return t
}

func (b *builder) ancestor(decl *Type, role, name string) *typesys.Type {
	if name == "" {
		return nil
	}
	if _, ok := b.decls[name]; !ok {
		b.errorf("type %s: unknown %s type %s", decl.Name, role, name)
		return nil
	}
	return b.defineType(name)
}

func (b *builder) lookupType(name string) (*typesys.Type, error) {
	t, ok := b.defined[name]
	if !ok {
		return nil, fmt.Errorf("unknown type %s", name)
	}
	return t, nil
}

func splitMember(ref string) (string, string, error) {
	typeName, member, ok := strings.Cut(ref, "::")
	if !ok || typeName == "" || member == "" {
		return "", "", fmt.Errorf("malformed member reference %q (want Type::Member)", ref)
	}
	return typeName, member, nil
}

func (b *builder) lookupMethod(ref string) (*typesys.Method, error) {
	typeName, name, err := splitMember(ref)
	if err != nil {
		return nil, err
	}
	t, err := b.lookupType(typeName)
	if err != nil {
		return nil, err
	}
	m, ok := t.LookupMethod(name)
	if !ok {
		return nil, fmt.Errorf("unknown method %s", ref)
	}
	return m, nil
}

func (b *builder) lookupField(ref string) (*typesys.Field, error) {
	typeName, name, err := splitMember(ref)
	if err != nil {
		return nil, err
	}
	t, err := b.lookupType(typeName)
	if err != nil {
		return nil, err
	}
	f, ok := t.LookupField(name)
	if !ok {
		return nil, fmt.Errorf("unknown field %s", ref)
	}
	return f, nil
}

func (b *builder) defineMembers(decl *Type) {
	owner, ok := b.defined[decl.Name]
	if !ok {
		return
	}
	for _, f := range decl.Fields {
		var fieldType *typesys.Type
		if f.Type != "" {
			t, err := b.lookupType(f.Type)
			if err != nil {
				b.errorf("field %s::%s: %v", decl.Name, f.Name, err)
				continue
			}
			fieldType = t
		}
		var rva []byte
		if f.RVA != "" {
			data, err := hex.DecodeString(f.RVA)
			if err != nil {
				b.errorf("field %s::%s: rva: %v", decl.Name, f.Name, err)
				continue
			}
			rva = data
		}
		b.u.DefineField(owner, f.Name, fieldType, f.Static, rva)
	}

	for _, m := range decl.Methods {
		sig := typesys.Signature{Static: m.Static}
		if m.Returns != "" {
			t, err := b.lookupType(m.Returns)
			if err != nil {
				b.errorf("method %s::%s: return: %v", decl.Name, m.Name, err)
				continue
			}
			sig.ReturnType = t
		}
		valid := true
		for _, p := range m.Params {
			t, err := b.lookupType(p)
			if err != nil {
				b.errorf("method %s::%s: param: %v", decl.Name, m.Name, err)
				valid = false
				continue
			}
			sig.Params = append(sig.Params, t)
		}
		if !valid {
			continue
		}
		if m.Virtual && m.Static {
			b.errorf("method %s::%s: static methods cannot be virtual", decl.Name, m.Name)
			continue
		}
		b.u.DefineMethod(owner, m.Name, sig, m.Virtual)
	}
}

func (b *builder) defineBodies(decl *Type) {
	owner, ok := b.defined[decl.Name]
	if !ok {
		return
	}
	for _, m := range decl.Methods {
		if m.Body == nil {
			continue
		}
		method, ok := owner.LookupMethod(m.Name)
		if !ok {
			continue
		}
		name := decl.Name + "::" + m.Name
		body, err := b.decodeBody(method, m.Body)
		if err != nil {
			b.errorf("method %s: %v", name, err)
			continue
		}
		b.table.Set(body)
	}
}

func decodeHex(what, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return data, nil
}

func (b *builder) decodeBody(method *typesys.Method, body *Body) (*il.MethodIL, error) {
	var errs *multierror.Error
	out := &il.MethodIL{Method: method, Source: body.Source}

	var err error
	if out.Code, err = decodeHex("code", body.Code); err != nil {
		errs = multierror.Append(errs, err)
	}
	if out.ColdCode, err = decodeHex("coldCode", body.ColdCode); err != nil {
		errs = multierror.Append(errs, err)
	}
	if out.ROData, err = decodeHex("rodata", body.ROData); err != nil {
		errs = multierror.Append(errs, err)
	}

	for i, r := range body.Refs {
		ref, err := b.decodeRef(r)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("refs[%d]: %w", i, err))
			continue
		}
		if ref.Reloc != asm.RelocInvalid && ref.Offset+ref.Reloc.Size() > len(out.Code) {
			errs = multierror.Append(errs, fmt.Errorf("refs[%d]: %s at offset %d overruns %d bytes of code", i, ref.Reloc, ref.Offset, len(out.Code)))
			continue
		}
		out.Refs = append(out.Refs, ref)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *builder) decodeRef(r Ref) (il.Ref, error) {
	op, err := il.ParseOpcode(r.Op)
	if err != nil {
		return il.Ref{}, err
	}
	ref := il.Ref{Op: op, Offset: r.Offset, Delta: r.Delta, String: r.String, Helper: r.Helper}

	switch {
	case r.Reloc != "":
		if ref.Reloc, err = asm.ParseRelocKind(r.Reloc); err != nil {
			return il.Ref{}, err
		}
	case op != il.OpLdFld:
		// Most references are call or rip-relative operands.
		ref.Reloc = asm.RelocRel32
	}

	switch op {
	case il.OpCall, il.OpCallVirt, il.OpNewDelegate:
		if ref.Method, err = b.requireMethod(r.Method); err != nil {
			return il.Ref{}, err
		}
	case il.OpNewObj, il.OpLdToken:
		if r.Type == "" {
			return il.Ref{}, fmt.Errorf("%s needs a type", op)
		}
		if ref.Type, err = b.lookupType(r.Type); err != nil {
			return il.Ref{}, err
		}
	case il.OpLdsFld, il.OpLdFld:
		if r.Field == "" {
			return il.Ref{}, fmt.Errorf("%s needs a field", op)
		}
		field, err := b.lookupField(r.Field)
		if err != nil {
			return il.Ref{}, err
		}
		if field.IsStatic() != (op == il.OpLdsFld) {
			return il.Ref{}, fmt.Errorf("%s used with field %s (static=%v)", op, r.Field, field.IsStatic())
		}
		ref.Field = field
	}
	return ref, nil
}

func (b *builder) requireMethod(name string) (*typesys.Method, error) {
	if name == "" {
		return nil, fmt.Errorf("missing method")
	}
	return b.lookupMethod(name)
}
