package helpers

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/target"
	"github.com/tinyrange/aot/internal/typesys"
)

func readyToRun(t *testing.T, c *Cache, id ReadyToRunHelperID, target any) *ReadyToRunHelper {
	t.Helper()
	helper, err := c.ReadyToRunHelper(id, target)
	if err != nil {
		t.Fatalf("ReadyToRunHelper: %v", err)
	}
	return helper
}

func newTestCache() (*Cache, *typesys.Universe, *typesys.Type) {
	u := typesys.NewUniverse(target.Host())
	object := u.DefineType("System.Object", nil)
	return NewCache(mangling.New()), u, object
}

func TestReadyToRunHelperDeduplicates(t *testing.T) {
	c, u, object := newTestCache()
	other := u.DefineType("Other", object)

	first := readyToRun(t, c, HelperNewObject, object)
	second := readyToRun(t, c, HelperNewObject, object)
	if first != second {
		t.Fatalf("same key returned different records")
	}
	if readyToRun(t, c, HelperCastClass, object) == first {
		t.Fatalf("different helper id must produce a different record")
	}
	if readyToRun(t, c, HelperNewObject, other) == first {
		t.Fatalf("different target must produce a different record")
	}
	if got := first.MangledName(); got != "__NewHelper_System_Object" {
		t.Fatalf("MangledName = %q", got)
	}
}

func TestReadyToRunHelperTargetIdentity(t *testing.T) {
	c, u, object := newTestCache()
	// Same name, different descriptor: must not be merged.
	a := u.DefineType("Twin", object)
	b := u.DefineType("Twin", object)

	if readyToRun(t, c, HelperNewObject, a) == readyToRun(t, c, HelperNewObject, b) {
		t.Fatalf("helpers for distinct descriptors were merged")
	}
}

// unhashableType is a TypeDesc whose dynamic type cannot key a map.
type unhashableType struct {
	typesys.TypeDesc
	tags []string
}

func TestReadyToRunHelperRejectsUnsupportedTargets(t *testing.T) {
	c, _, object := newTestCache()
	for _, target := range []any{
		nil,
		"System.Object",
		[]byte{1, 2},
		unhashableType{TypeDesc: object},
	} {
		if _, err := c.ReadyToRunHelper(HelperNewObject, target); !errors.Is(err, ErrUnsupportedTarget) {
			t.Fatalf("ReadyToRunHelper(%T) = %v, want ErrUnsupportedTarget", target, err)
		}
	}
	if count, _, _, _ := c.Counts(); count != 0 {
		t.Fatalf("rejected targets created %d records", count)
	}
}

func TestJitHelperDeduplicates(t *testing.T) {
	c, _, _ := newTestCache()
	first := c.JitHelper(JitHelperWriteBarrier)
	if c.JitHelper(JitHelperWriteBarrier) != first {
		t.Fatalf("same id returned different records")
	}
	if first.MangledName() != "RhpAssignRef" {
		t.Fatalf("MangledName = %q", first.MangledName())
	}
}

func TestDelegateCtorDeduplicates(t *testing.T) {
	c, u, object := newTestCache()
	m := u.DefineMethod(object, "Invoke", typesys.Signature{}, false)

	first := c.DelegateCtor(m)
	if c.DelegateCtor(m) != first {
		t.Fatalf("same method returned different records")
	}
	if first.Ctor == nil || first.Ctor.ID != HelperDelegateCtor {
		t.Fatalf("delegate ctor helper not initialised: %#v", first.Ctor)
	}
	if readyToRun(t, c, HelperDelegateCtor, first) != first.Ctor {
		t.Fatalf("delegate ctor helper must be shared with the helper cache")
	}
}

func TestFieldRvaDataDeduplicates(t *testing.T) {
	c, u, object := newTestCache()
	f := u.DefineField(object, "Table", object, true, []byte{1, 2, 3, 4})

	first := c.FieldRvaData(f)
	if c.FieldRvaData(f) != first {
		t.Fatalf("same field returned different records")
	}
	if !bytes.Equal(first.Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("Data = %x", first.Data)
	}
	if first.MangledName != "__RVA_System_Object__Table" {
		t.Fatalf("MangledName = %q", first.MangledName)
	}

	r2r, jit, delegates, rva := c.Counts()
	if r2r != 0 || jit != 0 || delegates != 0 || rva != 1 {
		t.Fatalf("Counts = %d %d %d %d", r2r, jit, delegates, rva)
	}
}

func TestParseJitHelperID(t *testing.T) {
	id, err := ParseJitHelperID("Throw")
	if err != nil {
		t.Fatalf("ParseJitHelperID: %v", err)
	}
	if id != JitHelperThrow {
		t.Fatalf("id = %v", id)
	}
	if _, err := ParseJitHelperID("Nope"); err == nil {
		t.Fatalf("expected error")
	}
}
