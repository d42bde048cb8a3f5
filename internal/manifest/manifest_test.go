package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

const helloManifest = `format: v1.0.0
arch: x86_64
entry: App.Program::Main
types:
  - name: System.Object
    wellKnown: Object
  - name: System.String
    base: System.Object
    wellKnown: String
  - name: App.Derived
    base: App.Base
    methods:
      - name: Describe
        virtual: true
        returns: System.String
        body:
          code: "488d0500000000c3"
          refs:
            - op: ldstr
              offset: 3
              string: derived
  - name: App.Base
    base: System.Object
    methods:
      - name: Describe
        virtual: true
        returns: System.String
  - name: App.Derived[]
    base: System.Object
    element: App.Derived
  - name: App.Program
    base: System.Object
    fields:
      - name: Table
        type: System.Object
        static: true
        rva: "01020304"
    methods:
      - name: Main
        static: true
        body:
          code: "e800000000 e800000000 c3"
          source: "hello.cs:3"
          refs:
            - op: newobj
              offset: 1
              type: App.Derived
            - op: callvirt
              offset: 6
              method: App.Base::Describe
`

func TestBuildProgram(t *testing.T) {
	m, err := Decode([]byte(helloManifest))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	prog, err := m.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if prog.Target.Arch != target.ArchitectureX86_64 {
		t.Fatalf("arch = %s, want x86_64", prog.Target.Arch)
	}
	if got := prog.Entry.String(); got != "App.Program.Main" {
		t.Fatalf("entry = %s, want App.Program.Main", got)
	}
	str, err := prog.Universe.WellKnownType(typesys.WellKnownString)
	if err != nil || str.Name() != "System.String" {
		t.Fatalf("string type = %v (%v)", str, err)
	}

	derived, _ := prog.Universe.LookupType("App.Derived")
	base, _ := prog.Universe.LookupType("App.Base")
	if derived.BaseType() != typesys.TypeDesc(base) {
		t.Fatalf("Derived base = %v, want App.Base", derived.BaseType())
	}
	array, ok := prog.Universe.LookupType("App.Derived[]")
	if !ok || !array.IsArray() || array.ElementType() != typesys.TypeDesc(derived) {
		t.Fatalf("array type not built: %v", array)
	}

	body, ok := prog.IL.MethodIL(prog.Entry)
	if !ok {
		t.Fatalf("entry has no body")
	}
	if got, want := len(body.Code), 11; got != want {
		t.Fatalf("code length = %d, want %d", got, want)
	}
	if body.Source != "hello.cs:3" {
		t.Fatalf("source = %q", body.Source)
	}
	var ops []il.Opcode
	for _, r := range body.Refs {
		ops = append(ops, r.Op)
		if r.Reloc != asm.RelocRel32 {
			t.Fatalf("ref %s reloc = %s, want rel32 by default", r.Op, r.Reloc)
		}
	}
	if want := []il.Opcode{il.OpNewObj, il.OpCallVirt}; !reflect.DeepEqual(ops, want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	baseDescribe, _ := base.LookupMethod("Describe")
	if body.Refs[1].Method != typesys.MethodDesc(baseDescribe) {
		t.Fatalf("callvirt target = %v, want App.Base.Describe", body.Refs[1].Method)
	}

	prog2, _ := prog.Universe.LookupType("App.Program")
	table, _ := prog2.LookupField("Table")
	if !table.HasRVA() || !reflect.DeepEqual(table.RVAData(), []byte{1, 2, 3, 4}) {
		t.Fatalf("rva data = %v", table.RVAData())
	}
	if _, ok := prog.IL.MethodIL(baseDescribe); ok {
		t.Fatalf("bodiless method has IL")
	}
}

func TestDecodeFormat(t *testing.T) {
	for _, tc := range []struct {
		format string
		ok     bool
	}{
		{"", true},
		{"1.2.0", true},
		{"v1.9.3", true},
		{"v2.0.0", false},
		{"latest", false},
	} {
		_, err := Decode([]byte("format: \"" + tc.format + "\"\nentry: A::B\n"))
		if (err == nil) != tc.ok {
			t.Fatalf("Decode(format %q) err = %v, want ok=%v", tc.format, err, tc.ok)
		}
	}
}

func TestBuildAggregatesErrors(t *testing.T) {
	src := `entry: App.Program::Missing
arch: x86_64
types:
  - name: System.Object
  - name: App.Program
    base: App.Nowhere
    methods:
      - name: Main
        static: true
        body:
          code: "zz"
          refs:
            - op: teleport
            - op: call
              method: App.Program::Other
`
	m, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	_, err = m.Build()
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Build error = %v, want a multierror", err)
	}
	for _, want := range []string{"unknown base type App.Nowhere", "code:", "teleport", "unknown method App.Program::Other", "entry point"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error lacks %q:\n%v", want, err)
		}
	}
}

func TestBuildRejectsCycles(t *testing.T) {
	src := `entry: A::Main
arch: x86_64
types:
  - name: A
    base: B
    methods:
      - name: Main
        static: true
  - name: B
    base: A
`
	m, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := m.Build(); err == nil || !strings.Contains(err.Error(), "inheritance cycle") {
		t.Fatalf("Build = %v, want inheritance cycle", err)
	}
}

func TestBuildRejectsOverrun(t *testing.T) {
	src := `entry: A::Main
arch: x86_64
types:
  - name: A
    methods:
      - name: Main
        static: true
        body:
          code: "e8000000"
          refs:
            - op: call
              offset: 1
              method: A::Main
`
	m, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := m.Build(); err == nil || !strings.Contains(err.Error(), "overruns") {
		t.Fatalf("Build = %v, want overrun error", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.yaml")
	if err := os.WriteFile(path, []byte(helloManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	prog, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if prog.IL.Len() != 2 {
		t.Fatalf("bodies = %d, want 2", prog.IL.Len())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load of a missing file succeeded")
	}
}
