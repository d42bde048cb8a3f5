// Package objwriter links the nodes marked by a compilation into a
// standalone ELF executable.
package objwriter

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/aot/internal/compiler"
	"github.com/tinyrange/aot/internal/il"
	"github.com/tinyrange/aot/internal/nodes"
)

// Writer implements compiler.ObjectEmitter.
type Writer struct {
	Config ImageConfig
	Log    *slog.Logger
	// NoLineNumbers suppresses the ".lines" symbol table written next to
	// the image.
	NoLineNumbers bool
	// IL, if set, supplies source positions for the symbol table.
	IL il.Provider
}

var _ compiler.ObjectEmitter = (*Writer)(nil)

func (w *Writer) EmitObject(path string, marked []nodes.Node, root nodes.Node, factory *nodes.Factory) error {
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := w.Config.withDefaults()

	layout, err := Link(marked, root, factory, cfg.BaseAddress)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	img := Image{
		Program: layout.Program(),
		Entry:   layout.Entry,
		Machine: factory.Target.ELFMachine(),
	}
	out, err := img.ELF(cfg)
	if err != nil {
		return fmt.Errorf("emit ELF: %w", err)
	}
	if err := os.WriteFile(path, out, 0o755); err != nil {
		return err
	}
	log.Info("Wrote image", "path", path, "size", len(out), "symbols", len(layout.Placements))

	if w.NoLineNumbers {
		return nil
	}
	return w.writeLines(path+".lines", layout, cfg.BaseAddress)
}

// writeLines writes one line per placed symbol: address, section, size,
// name and, for methods with a known position, the source location.
func (w *Writer) writeLines(path string, layout *Layout, base uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, p := range layout.Placements {
		fmt.Fprintf(bw, "%#010x %-7s %6d %s", base+uint64(p.Offset), p.Section, p.Size, p.Node.MangledName())
		if p.Extern {
			fmt.Fprint(bw, " extern")
		}
		if p.Missing {
			fmt.Fprint(bw, " missing")
		}
		if src := w.source(p.Node); src != "" {
			fmt.Fprintf(bw, " %s", src)
		}
		fmt.Fprintln(bw)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func (w *Writer) source(n nodes.SymbolNode) string {
	if w.IL == nil {
		return ""
	}
	code, ok := n.(*nodes.MethodCodeNode)
	if !ok {
		return ""
	}
	body, ok := w.IL.MethodIL(code.Method())
	if !ok {
		return ""
	}
	return body.Source
}
