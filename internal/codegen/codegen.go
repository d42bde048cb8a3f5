// Package codegen describes what a code generator hands back for one method
// and provides Replay, a generator that lowers pre-encoded IL bodies.
package codegen

import (
	"errors"
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/typesys"
)

var ErrNoBody = errors.New("method has no body")

// RelocTarget is what a relocation refers to. The set of implementations is
// closed; consumers switch over it exhaustively.
type RelocTarget interface {
	relocTarget()
}

type MethodTarget struct {
	Method typesys.MethodDesc
}

type ReadyToRunHelperTarget struct {
	Helper *helpers.ReadyToRunHelper
}

type JitHelperTarget struct {
	Helper *helpers.JitHelper
}

type StringTarget struct {
	Value string
}

type TypeTarget struct {
	Type typesys.TypeDesc
}

type RvaFieldTarget struct {
	Field *helpers.RvaFieldData
}

// BlockRelativeTarget addresses the method's own read-only data block.
type BlockRelativeTarget struct {
	Offset int
}

func (MethodTarget) relocTarget() {}
func (ReadyToRunHelperTarget) relocTarget() {}
func (JitHelperTarget) relocTarget() {}
func (StringTarget) relocTarget() {}
func (TypeTarget) relocTarget() {}
func (RvaFieldTarget) relocTarget() {}
func (BlockRelativeTarget) relocTarget() {}

type Reloc struct {
	Offset int
	Kind   asm.RelocKind
	Delta  int
	Target RelocTarget
}

// MethodCode is the raw result of compiling one method. ColdCode and ROData
// are nil unless the generator split the body.
type MethodCode struct {
	Code     []byte
	Relocs   []Reloc
	ColdCode []byte
	ROData   []byte
}

type Generator interface {
	CompileMethod(method typesys.MethodDesc) (MethodCode, error)
}

// HelperSource hands out the deduplicated helper records a generator
// refers to.
type HelperSource interface {
	GetReadyToRunHelper(id helpers.ReadyToRunHelperID, target any) (*helpers.ReadyToRunHelper, error)
	GetJitHelper(id helpers.JitHelperID) *helpers.JitHelper
	GetDelegateCtor(method typesys.MethodDesc) *helpers.DelegateInfo
	GetFieldRvaData(field typesys.FieldDesc) *helpers.RvaFieldData
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(method typesys.MethodDesc) (MethodCode, error)

func (f GeneratorFunc) CompileMethod(method typesys.MethodDesc) (MethodCode, error) {
	return f(method)
}

func (r Reloc) String() string {
	return fmt.Sprintf("%s@%d -> %v", r.Kind, r.Offset, r.Target)
}
