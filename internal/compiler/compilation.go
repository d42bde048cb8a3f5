// Package compiler decides which types, methods and fields a program needs
// and drives their compilation into a linked image or a textual module.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gofrs/uuid"

	"github.com/tinyrange/aot/internal/codegen"
	"github.com/tinyrange/aot/internal/depgraph"
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/nodes"
	"github.com/tinyrange/aot/internal/typesys"
)

// TextualBackend emits whole method bodies as source text. While compiling a
// method it reports what the body needs back through the Compilation
// (AddMethod, AddType, AddField, MarkAsConstructed, AddVirtualSlot).
type TextualBackend interface {
	CompileMethod(method typesys.MethodDesc) error
	OutputCode() error
}

// ObjectEmitter writes the marked nodes of a symbol-backend compilation to an
// image at path.
type ObjectEmitter interface {
	EmitObject(path string, marked []nodes.Node, root nodes.Node, factory *nodes.Factory) error
}

// MethodResult is what happened to one method body.
type MethodResult int

const (
	MethodCompiled MethodResult = iota
	// MethodSkipped is a method on the skip list.
	MethodSkipped
	// MethodFailed is a method whose code generation failed.
	MethodFailed
	// MethodTrapped is a method whose code referenced its read-only data.
	MethodTrapped
	// MethodMissing is a method without a body.
	MethodMissing
)

func (r MethodResult) String() string {
	switch r {
	case MethodCompiled:
		return "compiled"
	case MethodSkipped:
		return "skipped"
	case MethodFailed:
		return "failed"
	case MethodTrapped:
		return "trapped"
	case MethodMissing:
		return "missing"
	default:
		return fmt.Sprintf("MethodResult(%d)", int(r))
	}
}

type Stats struct {
	Compiled int
	Skipped  int
	Failed   int
	Trapped  int
	Missing  int
	// Nodes is the size of the marked node list. It stays zero for the
	// textual backend.
	Nodes int
}

func (s Stats) Methods() int {
	return s.Compiled + s.Skipped + s.Failed + s.Trapped + s.Missing
}

// Compilation is one compiler run. It owns every registration record and
// helper cache for that run and is not safe for concurrent use.
type Compilation struct {
	TypeSystemContext typesys.Context
	NameMangler       *mangling.NameMangler
	Options           Options

	Log        *slog.Logger
	OutputPath string
	// Out receives the textual backend's output.
	Out io.Writer

	// CodeGenerator compiles method bodies for the object backend.
	CodeGenerator codegen.Generator
	// TextualBackend is required when Options.TextualBackend is set.
	TextualBackend TextualBackend
	// Emitter is required when Options.TextualBackend is not set.
	Emitter ObjectEmitter
	// OnMethod, if set, is called after each method body is produced.
	OnMethod func(method typesys.MethodDesc, result MethodResult)

	ilProvider il.Provider
	mainMethod typesys.MethodDesc
	runID      uuid.UUID

	registeredTypes   map[typesys.TypeDesc]*RegisteredType
	typeOrder         []*RegisteredType
	registeredMethods map[typesys.MethodDesc]*RegisteredMethod
	registeredFields  map[typesys.FieldDesc]*RegisteredField
	// methodsThatNeedCompilation is nil whenever it is empty.
	methodsThatNeedCompilation []typesys.MethodDesc

	helpers     *helpers.Cache
	skipJitList map[TypeAndMethod]struct{}

	nodeFactory     *nodes.Factory
	dependencyGraph *depgraph.Analyzer[*nodes.Factory]

	stats Stats
}

// New creates a compilation against ts. Method bodies are read from
// ilProvider; the default code generator replays them.
func New(ts typesys.Context, ilProvider il.Provider, options Options) *Compilation {
	runID, err := uuid.NewV4()
	if err != nil {
		runID = uuid.Nil
	}

	mangler := mangling.New()
	c := &Compilation{
		TypeSystemContext: ts,
		NameMangler:       mangler,
		Options:           options,
		Log:               slog.Default().With("run", runID.String()),

		ilProvider: ilProvider,
		runID:      runID,

		registeredTypes:   make(map[typesys.TypeDesc]*RegisteredType),
		registeredMethods: make(map[typesys.MethodDesc]*RegisteredMethod),
		registeredFields:  make(map[typesys.FieldDesc]*RegisteredField),

		helpers:     helpers.NewCache(mangler),
		skipJitList: make(map[TypeAndMethod]struct{}),
	}
	for _, entry := range defaultSkipJitList {
		c.skipJitList[entry] = struct{}{}
	}
	for _, entry := range options.SkipMethods {
		c.skipJitList[entry] = struct{}{}
	}
	c.CodeGenerator = &codegen.Replay{IL: ilProvider, Helpers: c}
	return c
}

func (c *Compilation) RunID() uuid.UUID {
	return c.runID
}

func (c *Compilation) MainMethod() typesys.MethodDesc {
	return c.mainMethod
}

func (c *Compilation) Stats() Stats {
	return c.stats
}

// MethodIL returns the body of method, if it has one.
func (c *Compilation) MethodIL(method typesys.MethodDesc) (*il.MethodIL, bool) {
	return c.ilProvider.MethodIL(method)
}

// NodeFactory is nil until an object-backend compilation has started.
func (c *Compilation) NodeFactory() *nodes.Factory {
	return c.nodeFactory
}

// CompileSingleFile compiles everything reachable from mainMethod.
func (c *Compilation) CompileSingleFile(ctx context.Context, mainMethod typesys.MethodDesc) error {
	if c.mainMethod != nil {
		return errors.New("compilation already ran")
	}
	c.mainMethod = mainMethod

	if c.Options.TextualBackend {
		return c.compileTextual(ctx)
	}
	return c.compileObject(ctx)
}

func (c *Compilation) compileTextual(ctx context.Context) error {
	if c.TextualBackend == nil {
		return errors.New("textual backend requested but none is configured")
	}

	c.AddMethod(c.mainMethod)
	if err := c.addWellKnownTypes(); err != nil {
		return err
	}

	for c.methodsThatNeedCompilation != nil {
		if err := c.compileMethods(ctx); err != nil {
			return err
		}
		c.expandVirtualMethods()
	}

	if err := c.TextualBackend.OutputCode(); err != nil {
		return fmt.Errorf("output code: %w", err)
	}
	return nil
}

// compileMethods drains the queue as it was on entry. Methods queued while
// draining are left for the next call.
func (c *Compilation) compileMethods(ctx context.Context) error {
	pending := c.methodsThatNeedCompilation
	c.methodsThatNeedCompilation = nil

	for _, method := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Log.Info("Compiling " + method.String())
		result := MethodCompiled
		if err := c.TextualBackend.CompileMethod(method); err != nil {
			if errors.Is(err, ErrNotImplemented) {
				return fmt.Errorf("compile %s: %w", method, err)
			}
			c.Log.Info(err.Error() + " (" + method.String() + ")")
			result = MethodFailed
		}
		c.recordResult(method, result)
	}
	return nil
}

// expandVirtualMethods queues the override of every recorded virtual slot
// for every constructed type. Types registered during the pass are picked up
// by the next pass.
func (c *Compilation) expandVirtualMethods() {
	snapshot := c.RegisteredTypes()
	for _, reg := range snapshot {
		if !reg.Constructed {
			continue
		}
		for declType := reg.Type; declType != nil; declType = declType.BaseType() {
			declReg := c.GetRegisteredType(declType)
			for i := 0; i < len(declReg.VirtualSlots); i++ {
				decl := declReg.VirtualSlots[i]
				c.AddMethod(typesys.FindVirtualTarget(decl, reg.Type))
			}
		}
	}
}

func (c *Compilation) addWellKnownTypes() error {
	stringType, err := c.TypeSystemContext.WellKnownType(typesys.WellKnownString)
	if err != nil {
		return fmt.Errorf("add well-known types: %w", err)
	}
	c.AddType(stringType)
	c.MarkAsConstructed(stringType)
	return nil
}

func (c *Compilation) newLogStrategy() depgraph.LogStrategy[*nodes.Factory] {
	switch {
	case c.Options.DgmlLog == "":
		return depgraph.NewNoLogStrategy[*nodes.Factory]()
	case c.Options.FullLog:
		return depgraph.NewFullGraphLogStrategy[*nodes.Factory]()
	default:
		return depgraph.NewFirstMarkLogStrategy[*nodes.Factory]()
	}
}

func (c *Compilation) compileObject(ctx context.Context) error {
	if c.Emitter == nil {
		return errors.New("object backend requested but no emitter is configured")
	}

	factory, err := nodes.NewFactory(c.TypeSystemContext, c.NameMangler)
	if err != nil {
		return err
	}
	c.nodeFactory = factory

	rootNode := factory.MethodEntrypoint(c.mainMethod)
	analyzer := depgraph.NewAnalyzer(factory, c.newLogStrategy())
	c.dependencyGraph = analyzer

	if err := analyzer.AddRoot(rootNode, "Main method"); err != nil {
		return err
	}
	stringType, err := c.TypeSystemContext.WellKnownType(typesys.WellKnownString)
	if err != nil {
		return fmt.Errorf("add well-known types: %w", err)
	}
	if err := analyzer.AddRoot(factory.ConstructedTypeSymbol(stringType), "String type is always generated"); err != nil {
		return err
	}

	analyzer.ComputeDependencyRoutine = func(batch []depgraph.Node[*nodes.Factory]) error {
		return c.computeDependencyNodeDependencies(ctx, batch)
	}
	marked, err := analyzer.MarkedNodeList()
	if err != nil {
		return err
	}
	c.stats.Nodes = len(marked)

	if err := c.Emitter.EmitObject(c.OutputPath, marked, rootNode, factory); err != nil {
		return fmt.Errorf("emit object: %w", err)
	}

	if c.Options.DgmlLog != "" {
		if err := c.writeDgml(c.Options.DgmlLog); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compilation) writeDgml(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dgml log: %w", err)
	}
	defer f.Close()

	if err := depgraph.WriteDGML(f, c.dependencyGraph); err != nil {
		return err
	}
	return f.Close()
}

func (c *Compilation) recordResult(method typesys.MethodDesc, result MethodResult) {
	switch result {
	case MethodCompiled:
		c.stats.Compiled++
	case MethodSkipped:
		c.stats.Skipped++
	case MethodFailed:
		c.stats.Failed++
	case MethodTrapped:
		c.stats.Trapped++
	case MethodMissing:
		c.stats.Missing++
	}
	if c.OnMethod != nil {
		c.OnMethod(method, result)
	}
}
