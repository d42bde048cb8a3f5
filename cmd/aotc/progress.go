package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/x/ansi"
	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/aot/internal/compiler"
	"github.com/tinyrange/aot/internal/config"
	"github.com/tinyrange/aot/internal/typesys"
)

const progressLabelWidth = 32

// progressReporter drives a progress bar from Compilation.OnMethod. The
// number of reachable methods is not known up front, so the bar starts at
// the number of bodies in the manifest and grows if needed.
type progressReporter struct {
	bar  *progressbar.ProgressBar
	done int
}

func newProgressReporter(w io.Writer, estimate int) *progressReporter {
	if estimate < 1 {
		estimate = 1
	}
	bar := progressbar.NewOptions(estimate,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(24),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	return &progressReporter{bar: bar}
}

func (p *progressReporter) OnMethod(method typesys.MethodDesc, result compiler.MethodResult) {
	p.done++
	if p.done > p.bar.GetMax() {
		p.bar.ChangeMax(p.done)
	}
	p.bar.Describe(progressLabel(method))
	_ = p.bar.Add(1)
}

func (p *progressReporter) Finish() {
	_ = p.bar.Finish()
}

func progressLabel(method typesys.MethodDesc) string {
	label := ansi.Truncate(method.String(), progressLabelWidth, "…")
	if pad := progressLabelWidth - ansi.StringWidth(label); pad > 0 {
		label += fmt.Sprintf("%*s", pad, "")
	}
	return label
}

func printSummary(w io.Writer, opts config.File, stats compiler.Stats) error {
	data := pterm.TableData{
		{"Result", "Methods"},
		{"compiled", strconv.Itoa(stats.Compiled)},
		{"skipped", strconv.Itoa(stats.Skipped)},
		{"failed", strconv.Itoa(stats.Failed)},
		{"trapped", strconv.Itoa(stats.Trapped)},
		{"missing", strconv.Itoa(stats.Missing)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)

	summary := fmt.Sprintf("%s: %d methods", opts.Output, stats.Methods())
	if stats.Nodes > 0 {
		summary += fmt.Sprintf(", %d nodes", stats.Nodes)
	}
	fmt.Fprintln(w, summary)
	return nil
}
