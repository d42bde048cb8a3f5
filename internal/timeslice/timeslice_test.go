package timeslice

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestTraceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	trace, err := Open(&buf, "load", "compile")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := trace.Record("load", 100*time.Millisecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := trace.Record("compile", 200*time.Millisecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := trace.Record("compile", 50*time.Millisecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := trace.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if buf.Len() != pageSize+3*16 {
		t.Fatalf("trace is %d bytes, want %d", buf.Len(), pageSize+3*16)
	}

	var seen []string
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(kind string, d time.Duration) error {
		seen = append(seen, kind)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if want := []string{"load", "compile", "compile"}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("kinds = %v, want %v", seen, want)
	}

	totals, err := Totals(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := map[string]time.Duration{"load": 100 * time.Millisecond, "compile": 250 * time.Millisecond}
	if !reflect.DeepEqual(totals, want) {
		t.Fatalf("totals = %v, want %v", totals, want)
	}
}

func TestTraceRejectsMisuse(t *testing.T) {
	if _, err := Open(&bytes.Buffer{}, "a", "a"); err == nil {
		t.Fatalf("Open with duplicate kinds succeeded")
	}

	trace, err := Open(&bytes.Buffer{}, "a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := trace.Record("b", time.Second); err == nil {
		t.Fatalf("Record of an unregistered kind succeeded")
	}
	if err := trace.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := trace.Mark("a"); err != ErrClosed {
		t.Fatalf("Mark after Close = %v, want ErrClosed", err)
	}
	if err := trace.Close(); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestReadAllRejectsBadHeader(t *testing.T) {
	if err := ReadAll(bytes.NewReader(make([]byte, 64)), func(string, time.Duration) error { return nil }); err == nil {
		t.Fatalf("ReadAll of a zeroed header succeeded")
	}
}

func BenchmarkTraceTempFile(b *testing.B) {
	path := filepath.Join(b.TempDir(), "trace.tsl")
	f, err := os.Create(path)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	trace, err := Open(f, "a", "b")
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	var count int
	for b.Loop() {
		_ = trace.Mark("a")
		_ = trace.Mark("b")
		count += 2
	}
	if err := trace.Close(); err != nil {
		b.Fatalf("Close: %v", err)
	}
	b.StopTimer()

	r, err := os.Open(path)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var seen int
	if err := ReadAll(r, func(string, time.Duration) error {
		seen++
		return nil
	}); err != nil {
		b.Fatalf("ReadAll: %v", err)
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}
