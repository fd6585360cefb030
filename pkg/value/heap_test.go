package value

import (
	"testing"

	"github.com/jepugs/fn/pkg/symbol"
)

func TestTableGetSet(t *testing.T) {
	tbl := NewTable(true)

	if _, ok := tbl.Get(Num(1)); ok {
		t.Fatalf("Get on an empty table reported a hit")
	}

	tbl.Set(Num(1), FromString(NewString("one", true)))
	tbl.Set(Num(1), FromString(NewString("uno", true))) // overwrite

	v, ok := tbl.Get(Num(1))
	if !ok {
		t.Fatalf("Get missed a key that was Set")
	}
	if v.UString().Value != "uno" {
		t.Fatalf("Get returned %q, want %q (overwrite did not take)", v.UString().Value, "uno")
	}
	if tbl.Len() != 1 {
		t.Fatalf("table has %d entries, want 1 after overwriting the same key", tbl.Len())
	}
}

func TestTableHasAndKeys(t *testing.T) {
	tbl := NewTable(true)
	tbl.Set(Num(1), True)
	tbl.Set(Num(2), False)

	if !tbl.Has(Num(1)) || !tbl.Has(Num(2)) {
		t.Fatalf("Has false negative")
	}
	if tbl.Has(Num(3)) {
		t.Fatalf("Has false positive")
	}
	if len(tbl.Keys()) != 2 {
		t.Fatalf("Keys() returned %d keys, want 2", len(tbl.Keys()))
	}
}

// Distinct tables used as keys in an outer table must not collide just
// because Table's String() renders the same placeholder for every instance.
func TestTableKeyedByDistinctTablesDoNotCollide(t *testing.T) {
	outer := NewTable(true)
	t1 := NewTable(true)
	t2 := NewTable(true)

	outer.Set(FromTable(t1), Num(1))
	outer.Set(FromTable(t2), Num(2))

	v1, ok := outer.Get(FromTable(t1))
	if !ok || v1.UNum() != 1 {
		t.Fatalf("Get(t1) = %v, %v, want 1, true", v1, ok)
	}
	v2, ok := outer.Get(FromTable(t2))
	if !ok || v2.UNum() != 2 {
		t.Fatalf("Get(t2) = %v, %v, want 2, true", v2, ok)
	}
	if outer.Len() != 2 {
		t.Fatalf("outer.Len() = %d, want 2", outer.Len())
	}
}

func TestNamespaceGetSet(t *testing.T) {
	ns := NewNamespace(false)
	syms := symbol.New()
	x := syms.Intern("x").ID

	if _, ok := ns.Get(x); ok {
		t.Fatalf("Get on an empty namespace reported a hit")
	}
	ns.Set(x, Num(42))
	v, ok := ns.Get(x)
	if !ok || v.UNum() != 42 {
		t.Fatalf("Get(%d) = %v, %v, want 42, true", x, v, ok)
	}
}

func TestFuncStubGetUpvalueIsIdempotent(t *testing.T) {
	stub := &FuncStub{}

	a := stub.GetUpvalue(3, true)
	b := stub.GetUpvalue(3, true)
	if a != b {
		t.Fatalf("GetUpvalue(3, true) returned different ids on repeat calls: %d, %d", a, b)
	}
	if stub.NumUpvals() != 1 {
		t.Fatalf("NumUpvals() = %d, want 1", stub.NumUpvals())
	}

	c := stub.GetUpvalue(3, false)
	if c == a {
		t.Fatalf("GetUpvalue(3, false) collided with GetUpvalue(3, true)'s id")
	}
	if stub.NumUpvals() != 2 {
		t.Fatalf("NumUpvals() = %d, want 2", stub.NumUpvals())
	}
}

func TestFuncStubRequired(t *testing.T) {
	stub := &FuncStub{Positional: []symbol.ID{0, 1, 2}, OptionalIndex: 2}
	if stub.Required() != 2 {
		t.Fatalf("Required() = %d, want 2", stub.Required())
	}
}

func TestUpvalueSlotOpenAndClose(t *testing.T) {
	stack := []Value{Num(1), Num(2), Num(3)}

	u := NewOpenUpvalue(&stack[1])
	if !u.Open {
		t.Fatalf("new upvalue is not Open")
	}
	if got := u.Get(); got.UNum() != 2 {
		t.Fatalf("Get() = %v, want 2", got)
	}

	u.Set(Num(20))
	if stack[1].UNum() != 20 {
		t.Fatalf("Set did not write through to the stack slot while open: %v", stack[1])
	}

	u.Close()
	if u.Open {
		t.Fatalf("Close left Open = true")
	}
	if got := u.Get(); got.UNum() != 20 {
		t.Fatalf("Get() after Close = %v, want 20", got)
	}

	// Once closed, writes to the old stack slot must not leak through.
	stack[1] = Num(999)
	if got := u.Get(); got.UNum() != 20 {
		t.Fatalf("closed upvalue observed a write to its old stack slot: %v", got)
	}

	u.Set(Num(21))
	if got := u.Get(); got.UNum() != 21 {
		t.Fatalf("Set after Close = %v, want 21", got)
	}
}

func TestNewFunctionAllocatesUpvalSlots(t *testing.T) {
	stub := &FuncStub{}
	stub.GetUpvalue(0, true)
	stub.GetUpvalue(1, true)

	fn := NewFunction(stub, true)
	if len(fn.Upvals) != 2 {
		t.Fatalf("len(fn.Upvals) = %d, want 2", len(fn.Upvals))
	}
}
