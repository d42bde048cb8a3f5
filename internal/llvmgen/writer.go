// Package llvmgen is a whole-program textual backend that emits LLVM IR.
//
// While the compilation runs, CompileMethod only records what each body
// needs. The module is built in OutputCode, once every reachable type and
// method is known, so that vtables can refer to functions defined later.
package llvmgen

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/tinyrange/aot/internal/compiler"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/nodes"
	"github.com/tinyrange/aot/internal/typesys"
)

var ErrReadOnlyData = errors.New("read-only data blocks are not supported by the LLVM backend")

// Writer implements compiler.TextualBackend.
type Writer struct {
	c *compiler.Compilation

	order  []typesys.MethodDesc
	failed map[typesys.MethodDesc]error

	module      *ir.Module
	funcs       map[typesys.MethodDesc]*ir.Func
	externs     map[string]*ir.Func
	vtables     map[typesys.TypeDesc]*ir.Global
	typeHandles map[typesys.TypeDesc]*ir.Global
	strings     map[string]*ir.Global
	statics     map[typesys.FieldDesc]*ir.Global
}

var _ compiler.TextualBackend = (*Writer)(nil)

// NewWriter creates a writer and installs it as c's textual backend.
func NewWriter(c *compiler.Compilation) *Writer {
	w := &Writer{
		c:      c,
		failed: make(map[typesys.MethodDesc]error),
	}
	c.TextualBackend = w
	return w
}

// CompileMethod reports the dependencies of method's body to the
// compilation. A body the writer cannot lower is still emitted, as a trap.
func (w *Writer) CompileMethod(method typesys.MethodDesc) error {
	w.order = append(w.order, method)

	body, ok := w.c.MethodIL(method)
	if !ok {
		return nil
	}
	if err := w.registerDependencies(body); err != nil {
		w.failed[method] = err
		return err
	}
	return nil
}

func (w *Writer) registerDependencies(body *il.MethodIL) error {
	c := w.c
	for i, ref := range body.Refs {
		if err := checkOperands(ref); err != nil {
			return fmt.Errorf("ref %d (%s): %w", i, ref.Op, err)
		}
		switch ref.Op {
		case il.OpCall:
			c.AddMethod(ref.Method)
		case il.OpCallVirt:
			if ref.Method.IsVirtual() {
				c.AddVirtualSlot(ref.Method)
			} else {
				c.AddMethod(ref.Method)
			}
		case il.OpNewObj:
			c.AddType(ref.Type)
			c.MarkAsConstructed(ref.Type)
		case il.OpLdStr:
		case il.OpLdToken:
			c.AddType(ref.Type)
		case il.OpLdsFld:
			c.AddType(ref.Field.OwningType())
			c.AddField(ref.Field)
		case il.OpLdFld:
			c.AddField(ref.Field)
		case il.OpNewDelegate:
			c.AddMethod(ref.Method)
			c.GetDelegateCtor(ref.Method)
		case il.OpJitHelper:
			id, err := helpers.ParseJitHelperID(ref.Helper)
			if err != nil {
				return err
			}
			c.GetJitHelper(id)
		case il.OpLdROData:
			return ErrReadOnlyData
		default:
			return fmt.Errorf("unsupported opcode %s", ref.Op)
		}
	}
	return nil
}

func checkOperands(ref il.Ref) error {
	switch ref.Op {
	case il.OpCall, il.OpCallVirt, il.OpNewDelegate:
		if ref.Method == nil {
			return errors.New("missing method operand")
		}
	case il.OpNewObj, il.OpLdToken:
		if ref.Type == nil {
			return errors.New("missing type operand")
		}
	case il.OpLdsFld, il.OpLdFld:
		if ref.Field == nil {
			return errors.New("missing field operand")
		}
	}
	return nil
}

// OutputCode builds the module and writes it to the compilation's Out.
func (w *Writer) OutputCode() error {
	if w.c.Out == nil {
		return errors.New("llvmgen: compilation has no output writer")
	}
	w.buildModule()
	if _, err := w.module.WriteTo(w.c.Out); err != nil {
		return fmt.Errorf("llvmgen: write module: %w", err)
	}
	return nil
}

// Module builds and returns the module without writing it.
func (w *Writer) Module() *ir.Module {
	w.buildModule()
	return w.module
}

func (w *Writer) buildModule() {
	w.module = ir.NewModule()
	w.funcs = make(map[typesys.MethodDesc]*ir.Func)
	w.externs = make(map[string]*ir.Func)
	w.vtables = make(map[typesys.TypeDesc]*ir.Global)
	w.typeHandles = make(map[typesys.TypeDesc]*ir.Global)
	w.strings = make(map[string]*ir.Global)
	w.statics = make(map[typesys.FieldDesc]*ir.Global)

	if !w.c.Options.NoLineNumbers {
		if body, ok := w.c.MethodIL(w.c.MainMethod()); ok && body.Source != "" {
			file, _, _ := strings.Cut(body.Source, ":")
			w.module.SourceFilename = filepath.Base(file)
		}
	}

	for _, m := range w.order {
		w.function(m)
	}
	for _, reg := range w.c.RegisteredTypes() {
		if reg.Constructed {
			w.vtable(reg.Type)
		}
	}
	for _, m := range w.order {
		w.defineFunction(m)
	}
}

func (w *Writer) function(m typesys.MethodDesc) *ir.Func {
	if f, ok := w.funcs[m]; ok {
		return f
	}
	sig := m.Signature()
	var params []*ir.Param
	if !sig.Static {
		params = append(params, ir.NewParam("this", types.I8Ptr))
	}
	for i := 0; i < sig.Length(); i++ {
		params = append(params, ir.NewParam(fmt.Sprintf("arg%d", i), types.I8Ptr))
	}
	f := w.module.NewFunc(w.c.NameMangler.MethodName(m), returnType(sig), params...)
	w.funcs[m] = f
	return f
}

// funcType is the LLVM type of m. Every reference is lowered to an i8*.
func funcType(m typesys.MethodDesc) *types.FuncType {
	sig := m.Signature()
	var params []types.Type
	if !sig.Static {
		params = append(params, types.I8Ptr)
	}
	for i := 0; i < sig.Length(); i++ {
		params = append(params, types.I8Ptr)
	}
	return types.NewFunc(returnType(sig), params...)
}

func returnType(sig typesys.Signature) types.Type {
	if sig.ReturnType == nil {
		return types.Void
	}
	return types.I8Ptr
}

func (w *Writer) extern(name string, ret types.Type, params ...types.Type) *ir.Func {
	if f, ok := w.externs[name]; ok {
		return f
	}
	var irParams []*ir.Param
	for i, p := range params {
		irParams = append(irParams, ir.NewParam(fmt.Sprintf("p%d", i), p))
	}
	f := w.module.NewFunc(name, ret, irParams...)
	w.externs[name] = f
	return f
}

// vtable emits one function pointer per slot. Slots whose implementation is
// not part of the compilation are null.
func (w *Writer) vtable(t typesys.TypeDesc) *ir.Global {
	if g, ok := w.vtables[t]; ok {
		return g
	}
	slots := nodes.VirtualSlots(t)
	arrayType := types.NewArray(uint64(len(slots)), types.I8Ptr)
	var elems []constant.Constant
	for _, slot := range slots {
		impl := typesys.FindVirtualTarget(slot, t)
		if reg, ok := w.c.LookupRegisteredMethod(impl); ok && reg.IncludedInCompilation {
			elems = append(elems, constant.NewBitCast(w.function(impl), types.I8Ptr))
		} else {
			elems = append(elems, constant.NewNull(types.I8Ptr))
		}
	}
	var init constant.Constant = constant.NewZeroInitializer(arrayType)
	if len(elems) > 0 {
		init = constant.NewArray(arrayType, elems...)
	}
	g := w.module.NewGlobalDef("__VTable_"+w.c.NameMangler.TypeName(t), init)
	w.vtables[t] = g
	return g
}

func (w *Writer) typeHandle(t typesys.TypeDesc) *ir.Global {
	if g, ok := w.typeHandles[t]; ok {
		return g
	}
	g := w.module.NewGlobalDef("__EEType_"+w.c.NameMangler.TypeName(t), constant.NewCharArrayFromString(t.Name()+"\x00"))
	g.Immutable = true
	w.typeHandles[t] = g
	return g
}

func (w *Writer) stringLiteral(s string) *ir.Global {
	if g, ok := w.strings[s]; ok {
		return g
	}
	g := w.module.NewGlobalDef(mangling.StringLiteral(s), constant.NewCharArrayFromString(s+"\x00"))
	g.Immutable = true
	w.strings[s] = g
	return g
}

func (w *Writer) static(f typesys.FieldDesc) *ir.Global {
	if g, ok := w.statics[f]; ok {
		return g
	}
	name := "__Static_" + w.c.NameMangler.FieldName(f)
	var g *ir.Global
	if f.HasRVA() {
		g = w.module.NewGlobalDef(name, constant.NewCharArray(f.RVAData()))
		g.Immutable = true
	} else {
		g = w.module.NewGlobalDef(name, constant.NewNull(types.I8Ptr))
	}
	w.statics[f] = g
	return g
}

func (w *Writer) defineFunction(m typesys.MethodDesc) {
	f := w.function(m)
	body, ok := w.c.MethodIL(m)
	if !ok {
		// Declaration only; the symbol is provided elsewhere.
		return
	}
	entry := f.NewBlock("entry")
	if _, failed := w.failed[m]; failed {
		entry.NewUnreachable()
		return
	}

	l := &lowering{w: w, block: entry}
	for _, ref := range body.Refs {
		l.lower(ref)
	}
	if f.Sig.RetType.Equal(types.Void) {
		entry.NewRet(nil)
		return
	}
	entry.NewRet(l.pop())
}

// lowering turns a body's references into straight-line calls. Values
// produced by one reference become the arguments of the next call.
type lowering struct {
	w        *Writer
	block    *ir.Block
	operands []value.Value
}

func (l *lowering) push(v value.Value) {
	l.operands = append(l.operands, v)
}

func (l *lowering) pop() value.Value {
	if len(l.operands) == 0 {
		return constant.NewNull(types.I8Ptr)
	}
	v := l.operands[len(l.operands)-1]
	l.operands = l.operands[:len(l.operands)-1]
	return v
}

func (l *lowering) args(n int) []value.Value {
	args := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = l.pop()
	}
	return args
}

func (l *lowering) call(callee value.Value, sig *types.FuncType) {
	call := l.block.NewCall(callee, l.args(len(sig.Params))...)
	if !sig.RetType.Equal(types.Void) {
		l.push(call)
	}
}

func (l *lowering) lower(ref il.Ref) {
	w := l.w
	switch ref.Op {
	case il.OpCall:
		fn := w.function(ref.Method)
		l.call(fn, fn.Sig)

	case il.OpCallVirt:
		if !ref.Method.IsVirtual() {
			fn := w.function(ref.Method)
			l.call(fn, fn.Sig)
			return
		}
		sig := funcType(ref.Method)
		slot := int64(-1)
		for i, s := range nodes.VirtualSlots(ref.Method.OwningType()) {
			if s.Name() == ref.Method.Name() && s.Signature().Equal(ref.Method.Signature()) {
				slot = int64(i)
			}
		}
		resolve := w.extern(helpers.HelperVirtualCall.RuntimeRoutine(), types.I8Ptr, types.I8Ptr, types.I64)
		target := l.block.NewCall(resolve, constant.NewNull(types.I8Ptr), constant.NewInt(types.I64, slot))
		fnPtr := l.block.NewBitCast(target, types.NewPointer(sig))
		l.call(fnPtr, sig)

	case il.OpNewObj:
		alloc := w.extern(helpers.HelperNewObject.RuntimeRoutine(), types.I8Ptr, types.I8Ptr)
		l.push(l.block.NewCall(alloc, constant.NewBitCast(w.vtable(ref.Type), types.I8Ptr)))

	case il.OpLdStr:
		l.push(constant.NewBitCast(w.stringLiteral(ref.String), types.I8Ptr))

	case il.OpLdToken:
		l.push(constant.NewBitCast(w.typeHandle(ref.Type), types.I8Ptr))

	case il.OpLdsFld:
		g := w.static(ref.Field)
		if ref.Field.HasRVA() {
			l.push(constant.NewBitCast(g, types.I8Ptr))
			return
		}
		l.push(l.block.NewLoad(types.I8Ptr, g))

	case il.OpLdFld:
		// Instance layout is not modelled; the field is only registered.

	case il.OpNewDelegate:
		ctor := w.extern(helpers.HelperDelegateCtor.RuntimeRoutine(), types.I8Ptr, types.I8Ptr)
		l.push(l.block.NewCall(ctor, constant.NewBitCast(w.function(ref.Method), types.I8Ptr)))

	case il.OpJitHelper:
		id, err := helpers.ParseJitHelperID(ref.Helper)
		if err != nil {
			return
		}
		fn := w.extern(w.c.GetJitHelper(id).MangledName(), types.Void)
		l.call(fn, fn.Sig)
	}
}
