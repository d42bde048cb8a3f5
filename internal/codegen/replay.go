package codegen

import (
	"fmt"

	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/typesys"
)

// Replay is a Generator for bodies whose machine code is already encoded.
// It copies the code and turns each IL reference into the relocation a real
// instruction selector would have produced for it.
type Replay struct {
	IL      il.Provider
	Helpers HelperSource
}

var _ Generator = (*Replay)(nil)

func (r *Replay) CompileMethod(method typesys.MethodDesc) (MethodCode, error) {
	body, ok := r.IL.MethodIL(method)
	if !ok {
		return MethodCode{}, fmt.Errorf("%s: %w", method, ErrNoBody)
	}

	code := MethodCode{Code: append([]byte(nil), body.Code...)}
	if body.ColdCode != nil {
		code.ColdCode = append([]byte(nil), body.ColdCode...)
	}
	if body.ROData != nil {
		code.ROData = append([]byte(nil), body.ROData...)
	}

	for i, ref := range body.Refs {
		target, err := r.lower(ref)
		if err != nil {
			return MethodCode{}, fmt.Errorf("ref %d (%s): %w", i, ref.Op, err)
		}
		if target == nil {
			continue
		}
		code.Relocs = append(code.Relocs, Reloc{
			Offset: ref.Offset,
			Kind:   ref.Reloc,
			Delta:  ref.Delta,
			Target: target,
		})
	}
	return code, nil
}

// lower returns nil for references that do not need a relocation.
func (r *Replay) lower(ref il.Ref) (RelocTarget, error) {
	switch ref.Op {
	case il.OpCall:
		if ref.Method == nil {
			return nil, fmt.Errorf("missing method operand")
		}
		return MethodTarget{Method: ref.Method}, nil

	case il.OpCallVirt:
		if ref.Method == nil {
			return nil, fmt.Errorf("missing method operand")
		}
		if !ref.Method.IsVirtual() {
			return MethodTarget{Method: ref.Method}, nil
		}
		return r.helperTarget(helpers.HelperVirtualCall, ref.Method)

	case il.OpNewObj:
		if ref.Type == nil {
			return nil, fmt.Errorf("missing type operand")
		}
		id := helpers.HelperNewObject
		if ref.Type.IsArray() {
			id = helpers.HelperNewArray
		}
		return r.helperTarget(id, ref.Type)

	case il.OpLdStr:
		return StringTarget{Value: ref.String}, nil

	case il.OpLdToken:
		if ref.Type == nil {
			return nil, fmt.Errorf("missing type operand")
		}
		return TypeTarget{Type: ref.Type}, nil

	case il.OpLdsFld:
		if ref.Field == nil {
			return nil, fmt.Errorf("missing field operand")
		}
		if ref.Field.HasRVA() {
			return RvaFieldTarget{Field: r.Helpers.GetFieldRvaData(ref.Field)}, nil
		}
		return r.helperTarget(helpers.HelperGetNonGCStaticBase, ref.Field.OwningType())

	case il.OpLdFld:
		// Instance field offsets are encoded in the instruction.
		return nil, nil

	case il.OpNewDelegate:
		if ref.Method == nil {
			return nil, fmt.Errorf("missing method operand")
		}
		info := r.Helpers.GetDelegateCtor(ref.Method)
		return ReadyToRunHelperTarget{Helper: info.Ctor}, nil

	case il.OpJitHelper:
		id, err := helpers.ParseJitHelperID(ref.Helper)
		if err != nil {
			return nil, err
		}
		return JitHelperTarget{Helper: r.Helpers.GetJitHelper(id)}, nil

	case il.OpLdROData:
		return BlockRelativeTarget{Offset: ref.Delta}, nil

	default:
		return nil, fmt.Errorf("unsupported opcode %s", ref.Op)
	}
}

func (r *Replay) helperTarget(id helpers.ReadyToRunHelperID, target any) (RelocTarget, error) {
	helper, err := r.Helpers.GetReadyToRunHelper(id, target)
	if err != nil {
		return nil, err
	}
	return ReadyToRunHelperTarget{Helper: helper}, nil
}
