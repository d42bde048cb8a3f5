package mangling

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/tinyrange/aot/internal/typesys"
)

// NameMangler turns descriptors into linker-safe symbol names. Names are
// cached so repeated lookups for the same descriptor return the same string
// and two distinct descriptors never share a name.
type NameMangler struct {
	types   map[typesys.TypeDesc]string
	methods map[typesys.MethodDesc]string
	fields  map[typesys.FieldDesc]string
	used    map[string]struct{}
}

func New() *NameMangler {
	return &NameMangler{
		types:   make(map[typesys.TypeDesc]string),
		methods: make(map[typesys.MethodDesc]string),
		fields:  make(map[typesys.FieldDesc]string),
		used:    make(map[string]struct{}),
	}
}

// SanitizeName replaces every byte that is not valid in a C identifier.
func SanitizeName(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			sb.WriteByte(c)
		case c == '.':
			sb.WriteByte('_')
		case c == '[':
			sb.WriteString("__Array")
		case c == ']':
		default:
			fmt.Fprintf(&sb, "_%02X", c)
		}
	}
	out := sb.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "_" + out
	}
	return out
}

func (m *NameMangler) unique(name string) string {
	candidate := name
	for i := 1; ; i++ {
		if _, taken := m.used[candidate]; !taken {
			m.used[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
}

func (m *NameMangler) TypeName(t typesys.TypeDesc) string {
	if name, ok := m.types[t]; ok {
		return name
	}
	name := m.unique(SanitizeName(t.Name()))
	m.types[t] = name
	return name
}

func (m *NameMangler) MethodName(method typesys.MethodDesc) string {
	if name, ok := m.methods[method]; ok {
		return name
	}
	owner := m.TypeName(method.OwningType())
	name := m.unique(owner + "__" + SanitizeName(method.Name()))
	m.methods[method] = name
	return name
}

func (m *NameMangler) FieldName(field typesys.FieldDesc) string {
	if name, ok := m.fields[field]; ok {
		return name
	}
	owner := m.TypeName(field.OwningType())
	name := m.unique(owner + "__" + SanitizeName(field.Name()))
	m.fields[field] = name
	return name
}

// StringLiteral names the string object for a literal. Literals are keyed by
// content so the name is derived from a hash rather than the descriptor
// cache.
func StringLiteral(s string) string {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(s))
	return fmt.Sprintf("__Str_%016x", hash.Sum64())
}
