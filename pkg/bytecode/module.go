// Package bytecode implements the compiled artifact that mediates between
// the compiler front end and the virtual machine: the instruction stream
// plus its side tables (constants, function stubs, source locations).
package bytecode

import (
	"github.com/jepugs/fn/pkg/opcode"
	"github.com/jepugs/fn/pkg/symbol"
	"github.com/jepugs/fn/pkg/value"
)

// SourceLoc is a single (filename, line, column) record, lines and columns
// 1-based.
type SourceLoc struct {
	Filename string
	Line     int
	Column   int
}

// locEntry is one link in the source-location map. UpperBound is the
// exclusive end of the address range it covers. The tail entry (next == nil)
// is the open-ended one still being written to; its upperBound stays 0. An
// entry closed before any byte was written also has upperBound 0 and simply
// covers no addresses.
type locEntry struct {
	upperBound uint32
	loc        SourceLoc
	next       *locEntry
}

// Module is the compiled artifact the compiler writes into and the VM reads
// from: a growable instruction stream, a constant pool, a function-stub
// table, a shared symbol table, and a source-location map keyed by address.
//
// Go's append already doubles a slice's backing array on growth, exactly
// the capacity-doubling the source hand-rolls over malloc/realloc, so the
// byte array below is a plain slice rather than a reimplementation of that
// growth policy.
type Module struct {
	Code      opcode.Instructions
	Constants []value.Value
	Functions []*value.FuncStub
	Symbols   *symbol.Table

	locHead *locEntry
	locTail *locEntry
}

// New returns an empty bytecode module with its own symbol table.
func New() *Module {
	return &Module{Symbols: symbol.New()}
}

// Size is the current length of the instruction stream; it is also the
// address the next append will land at.
func (m *Module) Size() uint32 { return uint32(len(m.Code)) }

// Write appends a block of bytes (e.g. a whole encoded instruction) and
// returns the address the block starts at.
func (m *Module) Write(bs []byte) uint32 {
	addr := m.Size()
	m.Code = append(m.Code, bs...)
	return addr
}

func (m *Module) WriteByte(b byte) uint32 {
	addr := m.Size()
	m.Code = append(m.Code, b)
	return addr
}

// WriteShort appends a little-endian u16 and returns the address the short
// starts at - the address ReadShort and PatchShort take to read or
// overwrite it.
func (m *Module) WriteShort(s uint16) uint32 {
	addr := m.Size()
	m.Code = append(m.Code, byte(s), byte(s>>8))
	return addr
}

func (m *Module) ReadByte(addr uint32) byte {
	return m.Code[addr]
}

func (m *Module) ReadShort(addr uint32) uint16 {
	return opcode.ReadUint16(m.Code[addr:])
}

// PatchShort overwrites the little-endian u16 at addr, used to backfill
// jump displacements and similar forward references once their target
// address is known.
func (m *Module) PatchShort(addr uint32, s uint16) {
	m.Code[addr] = byte(s)
	m.Code[addr+1] = byte(s >> 8)
}

// AddConstant registers a constant and returns its id. The spec permits but
// does not require de-duplicating structurally equal constants; like the
// source, we don't.
func (m *Module) AddConstant(v value.Value) uint16 {
	m.Constants = append(m.Constants, v)
	return uint16(len(m.Constants) - 1)
}

func (m *Module) GetConstant(id uint16) value.Value {
	return m.Constants[id]
}

func (m *Module) NumConstants() int { return len(m.Constants) }

// AddFunction registers a function stub and returns its id.
func (m *Module) AddFunction(stub *value.FuncStub) uint16 {
	m.Functions = append(m.Functions, stub)
	return uint16(len(m.Functions) - 1)
}

func (m *Module) GetFunction(id uint16) *value.FuncStub {
	return m.Functions[id]
}

// InternSymbol delegates to the shared symbol table and returns the
// resulting id.
func (m *Module) InternSymbol(name string) symbol.ID {
	return m.Symbols.Intern(name).ID
}

// SetLoc attaches a source location valid from the current write position
// forward, closing out whatever entry was previously open.
func (m *Module) SetLoc(loc SourceLoc) {
	entry := &locEntry{loc: loc}
	if m.locTail == nil {
		m.locHead = entry
	} else {
		m.locTail.upperBound = m.Size()
		m.locTail.next = entry
	}
	m.locTail = entry
}

// LocationOf walks the source map and returns the first entry whose
// upperBound exceeds addr, or the open-ended tail entry if addr falls past
// every closed range. It returns the zero SourceLoc if no location has ever
// been set.
func (m *Module) LocationOf(addr uint32) SourceLoc {
	e := m.locHead
	for e != nil {
		if e.next == nil || e.upperBound > addr {
			return e.loc
		}
		e = e.next
	}
	return SourceLoc{}
}
