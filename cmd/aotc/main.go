// Command aotc compiles a program manifest ahead of time, either to a
// standalone ELF image or to an LLVM IR module.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/tinyrange/aot/internal/compiler"
	"github.com/tinyrange/aot/internal/config"
	"github.com/tinyrange/aot/internal/llvmgen"
	"github.com/tinyrange/aot/internal/manifest"
	"github.com/tinyrange/aot/internal/objwriter"
	"github.com/tinyrange/aot/internal/timeslice"
	"github.com/tinyrange/aot/internal/typesys"
)

var red = color.New(color.FgRed).SprintFunc()

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			color.NoColor = true
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", red("aotc:"), err)
		os.Exit(1)
	}
}

// skipFlag collects repeated -skip Type::Method values.
type skipFlag []compiler.TypeAndMethod

func (s *skipFlag) String() string {
	var parts []string
	for _, e := range *s {
		parts = append(parts, e.TypeName+"::"+e.MethodName)
	}
	return strings.Join(parts, ",")
}

func (s *skipFlag) Set(v string) error {
	typeName, method, ok := strings.Cut(v, "::")
	if !ok || typeName == "" || method == "" {
		return fmt.Errorf("want Type::Method, got %q", v)
	}
	*s = append(*s, compiler.TypeAndMethod{TypeName: typeName, MethodName: method})
	return nil
}

func run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("aotc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "Output path (default a.out, or a.ll with -llvm)")
	configPath := fs.String("config", "", "Options file (.yaml, .yml or .toml)")
	arch := fs.String("arch", "", "Target architecture (x86_64, arm64, riscv64); overrides the manifest")
	llvm := fs.Bool("llvm", false, "Emit an LLVM IR module instead of an ELF image")
	noLines := fs.Bool("no-lines", false, "Do not emit source positions")
	dgml := fs.String("dgml", "", "Write the dependency graph to this DGML file")
	fullLog := fs.Bool("full-log", false, "Record every dependency edge in the DGML log")
	debug := fs.Bool("debug", false, "Enable debug logging")
	quiet := fs.Bool("q", false, "Suppress progress and summary output")
	tracePath := fs.String("trace", "", "Write a timing trace of the compilation to this file")
	var skip skipFlag
	fs.Var(&skip, "skip", "Compile Type::Method to a trap (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: aotc [flags] <manifest.yaml>\n\n")
		fmt.Fprintf(stderr, "Compile a program manifest ahead of time.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		opts = loaded
	}

	// Flags override the options file.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["llvm"] {
		opts.Backend = config.BackendObject
		if *llvm {
			opts.Backend = config.BackendLLVM
		}
		if *llvm && !set["o"] && opts.Output == config.DefaultObjectOutput {
			opts.Output = config.DefaultLLVMOutput
		}
	}
	if set["o"] {
		opts.Output = *output
	}
	if set["arch"] {
		opts.Arch = *arch
	}
	if set["no-lines"] {
		opts.NoLineNumbers = *noLines
	}
	if set["dgml"] {
		opts.DgmlLog = *dgml
	}
	if set["full-log"] {
		opts.FullLog = *fullLog
	}
	opts.Skip = append(opts.Skip, skip...)
	if fs.NArg() > 0 {
		opts.Manifest = fs.Arg(0)
	}
	if opts.Output == "" {
		return fmt.Errorf("empty output path")
	}
	if opts.Manifest == "" {
		fs.Usage()
		return fmt.Errorf("manifest required")
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var trace *timeslice.Trace
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return err
		}
		defer f.Close()
		if trace, err = timeslice.Open(f, traceKinds()...); err != nil {
			return err
		}
	}

	err := compile(ctx, opts, logger, stderr, trace, !*quiet)
	if trace != nil {
		// Records gathered before a failure are still worth keeping.
		if cerr := trace.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// traceKinds are the slices recorded by -trace: loading the manifest, one
// slice per method named by its result, and the final link.
func traceKinds() []string {
	kinds := []string{"manifest"}
	for r := compiler.MethodCompiled; r <= compiler.MethodMissing; r++ {
		kinds = append(kinds, r.String())
	}
	return append(kinds, "link")
}

func compile(ctx context.Context, opts config.File, logger *slog.Logger, stderr io.Writer, trace *timeslice.Trace, interactive bool) error {
	mark := func(kind string) {
		if trace != nil {
			if err := trace.Mark(kind); err != nil {
				logger.Warn("trace", "err", err)
			}
		}
	}

	m, err := loadManifest(opts.Manifest)
	if err != nil {
		return err
	}
	if opts.Arch != "" {
		m.Arch = opts.Arch
	}
	prog, err := m.Build()
	if err != nil {
		return fmt.Errorf("%s: %w", opts.Manifest, err)
	}

	c := compiler.New(prog.Universe, prog.IL, opts.Options())
	c.Log = logger.With("run", c.RunID().String())
	c.OutputPath = opts.Output
	mark("manifest")

	var progress *progressReporter
	if interactive && isTerminal(stderr) {
		progress = newProgressReporter(stderr, prog.IL.Len())
	}
	c.OnMethod = func(method typesys.MethodDesc, result compiler.MethodResult) {
		mark(result.String())
		if progress != nil {
			progress.OnMethod(method, result)
		}
	}

	var out *os.File
	written := false
	if opts.Backend == config.BackendLLVM {
		out, err = os.Create(opts.Output)
		if err != nil {
			return err
		}
		defer func() {
			out.Close()
			if !written {
				os.Remove(opts.Output)
			}
		}()
		c.Out = out
		llvmgen.NewWriter(c)
	} else {
		c.Emitter = &objwriter.Writer{
			Log:           c.Log,
			NoLineNumbers: opts.NoLineNumbers,
			IL:            prog.IL,
		}
	}

	c.Log.Debug("Compiling program", "manifest", opts.Manifest, "arch", prog.Target.Arch, "backend", opts.Backend)
	err = c.CompileSingleFile(ctx, prog.Entry)
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return err
	}
	mark("link")
	if out != nil {
		if err := out.Close(); err != nil {
			return err
		}
		written = true
	}

	if interactive {
		return printSummary(stderr, opts, c.Stats())
	}
	return nil
}

func loadManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
