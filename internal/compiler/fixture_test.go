package compiler

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/codegen"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/nodes"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

// testProgram is a small class hierarchy:
//
//	System.Object
//	  System.String
//	  System.SR        GetResourceString
//	  App.Base         Describe (virtual)
//	    App.Derived    Describe (override)
//	    App.Other      Describe (override)
//	  App.Program      Main, Helper, Broken
type testProgram struct {
	u  *typesys.Universe
	il *il.Table

	object, str, sr, base, derived, other, prog *typesys.Type

	main, helper, broken, getResourceString *typesys.Method
	baseDescribe, derivedDescribe           *typesys.Method
	otherDescribe                           *typesys.Method
}

func newTestProgram() *testProgram {
	u := typesys.NewUniverse(target.Target{Arch: target.ArchitectureX86_64})
	p := &testProgram{u: u, il: il.NewTable()}

	p.object = u.DefineType("System.Object", nil)
	p.str = u.DefineType("System.String", p.object)
	u.SetWellKnownType(typesys.WellKnownObject, p.object)
	u.SetWellKnownType(typesys.WellKnownString, p.str)

	p.sr = u.DefineType("System.SR", p.object)
	p.base = u.DefineType("App.Base", p.object)
	p.derived = u.DefineType("App.Derived", p.base)
	p.other = u.DefineType("App.Other", p.base)
	p.prog = u.DefineType("App.Program", p.object)

	static := typesys.Signature{Static: true}
	p.main = u.DefineMethod(p.prog, "Main", static, false)
	p.helper = u.DefineMethod(p.prog, "Helper", static, false)
	p.broken = u.DefineMethod(p.prog, "Broken", static, false)
	p.getResourceString = u.DefineMethod(p.sr, "GetResourceString", typesys.Signature{Static: true, ReturnType: p.str}, false)
	p.baseDescribe = u.DefineMethod(p.base, "Describe", typesys.Signature{ReturnType: p.str}, true)
	p.derivedDescribe = u.DefineMethod(p.derived, "Describe", typesys.Signature{ReturnType: p.str}, true)
	p.otherDescribe = u.DefineMethod(p.other, "Describe", typesys.Signature{ReturnType: p.str}, true)
	return p
}

// body gives m a body of one 5-byte instruction per reference, each with a
// rel32 relocation unless the reference names another kind.
func (p *testProgram) body(m *typesys.Method, refs ...il.Ref) {
	for i := range refs {
		refs[i].Offset = 1 + 5*i
		if refs[i].Reloc == asm.RelocInvalid {
			refs[i].Reloc = asm.RelocRel32
		}
	}
	p.il.Set(&il.MethodIL{
		Method: m,
		Code:   make([]byte, 5*len(refs)+1),
		Refs:   refs,
	})
}

func call(m typesys.MethodDesc) il.Ref { return il.Ref{Op: il.OpCall, Method: m} }

func readyToRun(t *testing.T, c *Compilation, id helpers.ReadyToRunHelperID, target any) *helpers.ReadyToRunHelper {
	t.Helper()
	helper, err := c.GetReadyToRunHelper(id, target)
	if err != nil {
		t.Fatalf("GetReadyToRunHelper: %v", err)
	}
	return helper
}

func (p *testProgram) compilation(t *testing.T, options Options) (*Compilation, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	c := New(p.u, p.il, options)
	c.Log = slog.New(slog.NewTextHandler(&logs, nil))
	return c, &logs
}

// countingGenerator records how often each method is compiled and can be
// told to fail or panic for particular methods.
type countingGenerator struct {
	inner  codegen.Generator
	calls  map[typesys.MethodDesc]int
	fail   map[typesys.MethodDesc]error
	panics map[typesys.MethodDesc]bool
	// rewrite, if set, may replace the generated code.
	rewrite func(method typesys.MethodDesc, code codegen.MethodCode) codegen.MethodCode
}

func newCountingGenerator(inner codegen.Generator) *countingGenerator {
	return &countingGenerator{
		inner:  inner,
		calls:  make(map[typesys.MethodDesc]int),
		fail:   make(map[typesys.MethodDesc]error),
		panics: make(map[typesys.MethodDesc]bool),
	}
}

func (g *countingGenerator) CompileMethod(method typesys.MethodDesc) (codegen.MethodCode, error) {
	g.calls[method]++
	if err := g.fail[method]; err != nil {
		return codegen.MethodCode{}, err
	}
	if g.panics[method] {
		panic("register allocator exploded")
	}
	code, err := g.inner.CompileMethod(method)
	if err != nil {
		return code, err
	}
	if g.rewrite != nil {
		code = g.rewrite(method, code)
	}
	return code, nil
}

type captureEmitter struct {
	path    string
	marked  []nodes.Node
	root    nodes.Node
	factory *nodes.Factory
}

func (e *captureEmitter) EmitObject(path string, marked []nodes.Node, root nodes.Node, factory *nodes.Factory) error {
	e.path = path
	e.marked = marked
	e.root = root
	e.factory = factory
	return nil
}

func (e *captureEmitter) contains(node nodes.Node) bool {
	for _, n := range e.marked {
		if n == node {
			return true
		}
	}
	return false
}
