package bytecode

import (
	"testing"

	"github.com/jepugs/fn/pkg/opcode"
	"github.com/jepugs/fn/pkg/value"
)

func TestWriteReturnsStartAddress(t *testing.T) {
	m := New()
	m.WriteByte(0xff) // pad so the block under test doesn't start at 0

	addr := m.Write([]byte{1, 2, 3})
	if addr != 1 {
		t.Fatalf("Write returned start address %d, want 1", addr)
	}
	if m.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", m.Size())
	}
	if m.ReadByte(1) != 1 || m.ReadByte(2) != 2 || m.ReadByte(3) != 3 {
		t.Fatalf("Write did not append the given bytes in order")
	}
}

func TestWriteShortAndReadShort(t *testing.T) {
	m := New()
	addr := m.WriteShort(0xabcd)
	if got := m.ReadShort(addr); got != 0xabcd {
		t.Fatalf("ReadShort(%d) = %#x, want %#x", addr, got, 0xabcd)
	}
}

func TestPatchShort(t *testing.T) {
	m := New()
	addr := m.WriteShort(0)
	m.PatchShort(addr, 0x1234)
	if got := m.ReadShort(addr); got != 0x1234 {
		t.Fatalf("ReadShort after PatchShort = %#x, want %#x", got, 0x1234)
	}
}

func TestAddConstantDoesNotDeduplicate(t *testing.T) {
	m := New()
	id1 := m.AddConstant(value.Num(1))
	id2 := m.AddConstant(value.Num(1))
	if id1 == id2 {
		t.Fatalf("AddConstant deduplicated two equal constants; the spec permits but does not require this")
	}
	if m.NumConstants() != 2 {
		t.Fatalf("NumConstants() = %d, want 2", m.NumConstants())
	}
	if m.GetConstant(id1).UNum() != 1 || m.GetConstant(id2).UNum() != 1 {
		t.Fatalf("GetConstant did not round-trip the stored value")
	}
}

func TestAddFunctionRoundTrips(t *testing.T) {
	m := New()
	stub := &value.FuncStub{CodeAddress: 42}
	id := m.AddFunction(stub)
	if m.GetFunction(id) != stub {
		t.Fatalf("GetFunction did not return the stub that was added")
	}
}

func TestInternSymbolDelegatesToSharedTable(t *testing.T) {
	m := New()
	a := m.InternSymbol("x")
	b := m.InternSymbol("x")
	if a != b {
		t.Fatalf("InternSymbol(%q) returned different ids on repeat calls: %d, %d", "x", a, b)
	}
}

func TestLocationOfTracksWriteRanges(t *testing.T) {
	m := New()

	m.SetLoc(SourceLoc{Filename: "f", Line: 1})
	m.Write(opcode.Make(opcode.NOP))
	m.Write(opcode.Make(opcode.NOP))

	m.SetLoc(SourceLoc{Filename: "f", Line: 2})
	thirdAddr := m.Size()
	m.Write(opcode.Make(opcode.NOP))

	if got := m.LocationOf(0); got.Line != 1 {
		t.Errorf("LocationOf(0).Line = %d, want 1", got.Line)
	}
	if got := m.LocationOf(1); got.Line != 1 {
		t.Errorf("LocationOf(1).Line = %d, want 1", got.Line)
	}
	if got := m.LocationOf(thirdAddr); got.Line != 2 {
		t.Errorf("LocationOf(%d).Line = %d, want 2", thirdAddr, got.Line)
	}
	// past the last write, the open-ended tail entry still applies
	if got := m.LocationOf(thirdAddr + 100); got.Line != 2 {
		t.Errorf("LocationOf(past end).Line = %d, want 2 (open-ended tail)", got.Line)
	}
}

func TestLocationOfWithNoEntriesIsZeroValue(t *testing.T) {
	m := New()
	got := m.LocationOf(0)
	if got != (SourceLoc{}) {
		t.Fatalf("LocationOf on a module with no SetLoc calls = %+v, want zero value", got)
	}
}
