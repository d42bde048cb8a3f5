// Command timeslice prints the records of a trace written by aotc -trace.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/tinyrange/aot/internal/timeslice"
)

type sliceSummary struct {
	Kind  string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *sliceSummary) Add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func (s *sliceSummary) row() []string {
	return []string{
		s.Kind,
		strconv.Itoa(s.Count),
		s.Sum.String(),
		s.Min.String(),
		s.Max.String(),
		(s.Sum / time.Duration(s.Count)).String(),
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("timeslice", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one trace file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	if !*sums {
		return timeslice.ReadAll(f, func(kind string, d time.Duration) error {
			_, err := fmt.Fprintf(stdout, "%s %s\n", kind, d)
			return err
		})
	}

	summaries := map[string]*sliceSummary{}
	var order []string
	if err := timeslice.ReadAll(f, func(kind string, d time.Duration) error {
		s, ok := summaries[kind]
		if !ok {
			order = append(order, kind)
			s = &sliceSummary{Kind: kind}
			summaries[kind] = s
		}
		s.Add(d)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	data := pterm.TableData{{"Kind", "Count", "Sum", "Min", "Max", "Avg"}}
	for _, kind := range order {
		data = append(data, summaries[kind].row())
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, table)
	return err
}
