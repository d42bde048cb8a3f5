package il

import (
	"testing"

	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

func TestParseOpcode(t *testing.T) {
	for op := OpCall; op <= OpLdROData; op++ {
		got, err := ParseOpcode(op.String())
		if err != nil {
			t.Fatalf("ParseOpcode(%q): %v", op, err)
		}
		if got != op {
			t.Fatalf("ParseOpcode(%q) = %v, want %v", op, got, op)
		}
	}
	if _, err := ParseOpcode("jmp"); err == nil {
		t.Fatalf("ParseOpcode accepted an unknown opcode")
	}
	if got := Opcode(99).String(); got != "Opcode(99)" {
		t.Fatalf("String = %q, want %q", got, "Opcode(99)")
	}
}

func TestTable(t *testing.T) {
	u := typesys.NewUniverse(target.Target{Arch: target.ArchitectureX86_64})
	object := u.DefineType("System.Object", nil)
	main := u.DefineMethod(object, "Main", typesys.Signature{}, false)
	other := u.DefineMethod(object, "Other", typesys.Signature{}, false)

	table := NewTable()
	body := &MethodIL{Method: main, Code: []byte{0xc3}}
	table.Set(body)

	if got, ok := table.MethodIL(main); !ok || got != body {
		t.Fatalf("MethodIL(Main) = %v, %v, want the stored body", got, ok)
	}
	if _, ok := table.MethodIL(other); ok {
		t.Fatalf("MethodIL(Other) found a body")
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
}
