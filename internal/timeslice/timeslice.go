// Package timeslice writes a compact binary trace of how long each step of a
// compilation took. A trace is a header, a JSON list of kind names padded
// to a page, and fixed-size (kind, nanoseconds) records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	pageSize = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a kind of slice. Zero is never a valid kind.
type Kind uint64

type record struct {
	Kind     Kind
	Duration int64
}

var ErrClosed = errors.New("timeslice: trace closed")

// Trace is an open trace. It is not safe for concurrent use.
type Trace struct {
	w     *bufio.Writer
	kinds map[string]Kind
	last  time.Time
	err   error
}

// Open writes the trace header for kinds to w. Only the listed kinds can be
// recorded.
func Open(w io.Writer, kinds ...string) (*Trace, error) {
	byName := make(map[string]Kind, len(kinds))
	for i, name := range kinds {
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("timeslice: kind %q registered twice", name)
		}
		byName[name] = Kind(i + 1)
	}

	names, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	bw := bufio.NewWriterSize(w, pageSize)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := bw.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if off := binary.Size(header{}) + len(names); off%pageSize != 0 {
		if _, err := bw.Write(make([]byte, pageSize-off%pageSize)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	return &Trace{w: bw, kinds: byName, last: time.Now()}, nil
}

// Record appends one slice of kind name lasting d.
func (t *Trace) Record(name string, d time.Duration) error {
	if t.err != nil {
		return t.err
	}
	kind, ok := t.kinds[name]
	if !ok {
		return fmt.Errorf("timeslice: unknown kind %q", name)
	}
	if err := binary.Write(t.w, binary.LittleEndian, record{Kind: kind, Duration: d.Nanoseconds()}); err != nil {
		t.err = fmt.Errorf("timeslice: write record: %w", err)
		return t.err
	}
	return nil
}

// Mark records the time since the previous Mark (or Open) as kind name.
func (t *Trace) Mark(name string) error {
	now := time.Now()
	d := now.Sub(t.last)
	t.last = now
	return t.Record(name, d)
}

// Close flushes buffered records. The underlying writer is not closed.
func (t *Trace) Close() error {
	if errors.Is(t.err, ErrClosed) {
		return ErrClosed
	}
	if t.err != nil {
		return t.err
	}
	t.err = ErrClosed
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	return nil
}

// ReadAll calls fn for every record in the trace read from r.
func ReadAll(r io.Reader, fn func(kind string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	names := make([]byte, h.KindsLength)
	if _, err := io.ReadFull(buf, names); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	var kinds []string
	if err := json.Unmarshal(names, &kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if off := binary.Size(h) + len(names); off%pageSize != 0 {
		if _, err := buf.Discard(pageSize - off%pageSize); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if rec.Kind == 0 || int(rec.Kind) > len(kinds) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kinds[rec.Kind-1], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Totals sums the durations recorded per kind.
func Totals(r io.Reader) (map[string]time.Duration, error) {
	totals := make(map[string]time.Duration)
	err := ReadAll(r, func(kind string, d time.Duration) error {
		totals[kind] += d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}
