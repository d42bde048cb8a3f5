package compiler

import (
	"errors"

	"github.com/tinyrange/aot/internal/codegen"
)

var (
	// ErrNotImplemented reports input that exercises a code shape the
	// linker does not model yet. It aborts the compilation.
	ErrNotImplemented = errors.New("not implemented")

	// ErrDuplicateRegistration reports a second record for an identity the
	// registration store already holds.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	ErrNoBody = codegen.ErrNoBody
)

// TypeAndMethod names a method by its owning type's name and its own name.
type TypeAndMethod struct {
	TypeName   string `yaml:"type" toml:"type"`
	MethodName string `yaml:"method" toml:"method"`
}

// Options selects how a compilation runs.
type Options struct {
	// TextualBackend emits a whole-program textual module instead of an
	// object image.
	TextualBackend bool
	// NoLineNumbers omits source positions from the output.
	NoLineNumbers bool
	// DgmlLog, when set, is where the dependency graph is written.
	DgmlLog string
	// FullLog records every dependency edge instead of only the first one
	// that marked each node. Only meaningful with DgmlLog.
	FullLog bool
	// SkipMethods are compiled to a trap instead of being handed to the
	// code generator, in addition to the built-in list.
	SkipMethods []TypeAndMethod
}

// defaultSkipJitList holds methods known to crash the code generator.
var defaultSkipJitList = []TypeAndMethod{
	{TypeName: "System.SR", MethodName: "GetResourceString"},
}
