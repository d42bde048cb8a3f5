package compiler

import (
	"context"
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/codegen"
	"github.com/tinyrange/aot/internal/depgraph"
	"github.com/tinyrange/aot/internal/nodes"
	"github.com/tinyrange/aot/internal/typesys"
)

// compileOutcome is the result of handing one method to the code generator.
// err is set when generation failed; code is then unset.
type compileOutcome struct {
	code codegen.MethodCode
	err  error
}

func (c *Compilation) computeDependencyNodeDependencies(ctx context.Context, batch []depgraph.Node[*nodes.Factory]) error {
	for _, n := range batch {
		node, ok := n.(*nodes.MethodCodeNode)
		if !ok {
			return fmt.Errorf("%w: computing dependencies of %s", ErrNotImplemented, n)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.resolveMethodCode(node); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compilation) isSkipped(method typesys.MethodDesc) bool {
	_, ok := c.skipJitList[TypeAndMethod{
		TypeName:   method.OwningType().Name(),
		MethodName: method.Name(),
	}]
	return ok
}

func (c *Compilation) trapCode() codegen.MethodCode {
	return codegen.MethodCode{Code: c.TypeSystemContext.Target().TrapInstruction()}
}

// generate runs the code generator, turning a returned error or a panic into
// a failed outcome.
func (c *Compilation) generate(method typesys.MethodDesc) (outcome compileOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = compileOutcome{err: fmt.Errorf("code generator panic: %v", r)}
		}
	}()
	code, err := c.CodeGenerator.CompileMethod(method)
	if err != nil {
		return compileOutcome{err: err}
	}
	return compileOutcome{code: code}
}

// resolveMethodCode compiles one reachable method and stores the linked
// result on its node.
func (c *Compilation) resolveMethodCode(node *nodes.MethodCodeNode) error {
	method := node.Method()
	name := method.String()
	c.Log.Info("Compiling " + name)

	if _, ok := c.ilProvider.MethodIL(method); !ok {
		c.Log.Warn("No method body (" + name + ")")
		data, err := c.buildMethodObjectData(node, codegen.MethodCode{})
		if err != nil {
			return err
		}
		node.SetCode(data)
		c.recordResult(method, MethodMissing)
		return nil
	}

	var code codegen.MethodCode
	result := MethodCompiled
	if c.isSkipped(method) {
		c.Log.Info("SkipJIT: " + name)
		code = c.trapCode()
		result = MethodSkipped
	} else {
		outcome := c.generate(method)
		if outcome.err != nil {
			c.Log.Info(outcome.err.Error() + " (" + name + ")")
			code = c.trapCode()
			result = MethodFailed
		} else {
			code = outcome.code
		}
	}

	// Read-only data blocks cannot be relocation targets yet.
	if referencesBlock(code.Relocs) {
		c.Log.Info("Reloc to ROData block (" + name + ")")
		code = c.trapCode()
		result = MethodTrapped
	}

	data, err := c.buildMethodObjectData(node, code)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	node.SetCode(data)
	c.recordResult(method, result)
	return nil
}

func referencesBlock(relocs []codegen.Reloc) bool {
	for _, r := range relocs {
		if _, ok := r.Target.(codegen.BlockRelativeTarget); ok {
			return true
		}
	}
	return false
}

func (c *Compilation) buildMethodObjectData(node *nodes.MethodCodeNode, code codegen.MethodCode) (asm.ObjectData, error) {
	b := asm.NewBuilder(c.TypeSystemContext.Target().MinimumFunctionAlignment())
	b.EmitBytes(code.Code)
	b.AddDefinedSymbol(node)

	for i, reloc := range code.Relocs {
		if reloc.Delta != 0 {
			return asm.ObjectData{}, fmt.Errorf("%w: relocation %d has delta %d", ErrNotImplemented, i, reloc.Delta)
		}
		target, err := c.bindRelocTarget(reloc.Target)
		if err != nil {
			return asm.ObjectData{}, fmt.Errorf("relocation %d: %w", i, err)
		}
		if err := b.AddRelocAtOffset(target, reloc.Kind, reloc.Offset, 0); err != nil {
			return asm.ObjectData{}, err
		}
	}

	if code.ColdCode != nil {
		return asm.ObjectData{}, fmt.Errorf("%w: cold code", ErrNotImplemented)
	}
	if code.ROData != nil {
		return asm.ObjectData{}, fmt.Errorf("%w: read-only data", ErrNotImplemented)
	}
	return b.ObjectData(), nil
}

// bindRelocTarget maps a relocation target to the node it resolves to.
func (c *Compilation) bindRelocTarget(target codegen.RelocTarget) (nodes.SymbolNode, error) {
	f := c.nodeFactory
	switch t := target.(type) {
	case codegen.MethodTarget:
		return f.MethodEntrypoint(t.Method), nil
	case codegen.ReadyToRunHelperTarget:
		return f.ReadyToRunHelper(t.Helper), nil
	case codegen.JitHelperTarget:
		return f.ExternSymbol(t.Helper.MangledName()), nil
	case codegen.StringTarget:
		return f.StringIndirection(t.Value), nil
	case codegen.TypeTarget:
		return f.NecessaryTypeSymbol(t.Type), nil
	case codegen.RvaFieldTarget:
		return f.ReadOnlyDataBlob(t.Field.MangledName, t.Field.Data, c.TypeSystemContext.Target().PointerSize()), nil
	default:
		return nil, fmt.Errorf("%w: relocation target %T", ErrNotImplemented, target)
	}
}
