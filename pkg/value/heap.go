package value

import (
	"fmt"
	"strconv"

	"github.com/jepugs/fn/pkg/symbol"
)

// Header is the common prefix every heap-allocated value carries: a tagged
// value pointing back at the object, whether the collector manages it, and
// a mark bit the (not-yet-written) tracing collector would flip during a
// scan. Go's own collector reclaims the backing memory regardless of Mark;
// the field exists so the object-header contract from the spec has a home,
// not because anything here sweeps on it.
type Header struct {
	Self Value
	GC   bool
	Mark bool
}

// Cons is an immutable pair.
type Cons struct {
	Header
	Head Value
	Tail Value
}

func NewCons(head, tail Value, gc bool) *Cons {
	c := &Cons{Head: head, Tail: tail}
	c.Header = Header{GC: gc}
	c.Self = FromCons(c)
	return c
}

// String is an immutable byte string, equal by length and content.
type String struct {
	Header
	Value string
}

func NewString(s string, gc bool) *String {
	str := &String{Value: s}
	str.Header = Header{GC: gc}
	str.Self = FromString(str)
	return str
}

// Table is a mutable value->value mapping keyed by structural equality.
// Go maps require comparable keys, so we key by a canonical string derived
// from the value and keep the original key alongside its value to recover
// it on iteration.
type Table struct {
	Header
	contents map[string]tableEntry
}

type tableEntry struct {
	key Value
	val Value
}

func NewTable(gc bool) *Table {
	t := &Table{contents: make(map[string]tableEntry)}
	t.Header = Header{GC: gc}
	t.Self = FromTable(t)
	return t
}

// tableKey derives a comparable Go map key from v. Num/Sym key by their
// value; String keys by its quoted content and Cons by the keys of its head
// and tail, so the key is unambiguous and matches Equal's structural
// comparison. Table/Func/Foreign/Namespace have no
// content-derived String() (it's a constant placeholder per tag), so they
// key by the heap pointer itself, matching Same's pointer-identity
// comparison for those tags.
func tableKey(v Value) string {
	switch v.tag {
	case TagTable, TagFunc, TagForeign, TagNamespace:
		return fmt.Sprintf("%s:%p", v.tag, v.obj)
	case TagString:
		return "string:" + strconv.Quote(v.UString().Value)
	case TagCons:
		c := v.UCons()
		return "cons:(" + tableKey(c.Head) + " . " + tableKey(c.Tail) + ")"
	default:
		return v.Tag().String() + ":" + v.String()
	}
}

func (t *Table) Get(key Value) (Value, bool) {
	e, ok := t.contents[tableKey(key)]
	if !ok {
		return Value{}, false
	}
	return e.val, true
}

func (t *Table) Set(key, val Value) {
	t.contents[tableKey(key)] = tableEntry{key: key, val: val}
}

func (t *Table) Has(key Value) bool {
	_, ok := t.contents[tableKey(key)]
	return ok
}

func (t *Table) Keys() []Value {
	keys := make([]Value, 0, len(t.contents))
	for _, e := range t.contents {
		keys = append(keys, e.key)
	}
	return keys
}

func (t *Table) Len() int { return len(t.contents) }

// Namespace is a mutable symbol-id -> value store used for globals and
// imports.
type Namespace struct {
	Header
	contents map[symbol.ID]Value
}

func NewNamespace(gc bool) *Namespace {
	n := &Namespace{contents: make(map[symbol.ID]Value)}
	n.Header = Header{GC: gc}
	n.Self = FromNamespace(n)
	return n
}

func (n *Namespace) Get(id symbol.ID) (Value, bool) {
	v, ok := n.contents[id]
	return v, ok
}

func (n *Namespace) Set(id symbol.ID, v Value) {
	n.contents[id] = v
}

// UpvalueDesc describes where a closure instantiated from a FuncStub should
// source one of its captured variables: the enclosing stack frame
// (Direct) or the enclosing closure's own upvalue array (indirect).
type UpvalueDesc struct {
	Slot   uint8
	Direct bool
}

// FuncStub is the compile-time description of a function, shared by every
// closure instantiated from the same source function.
type FuncStub struct {
	Positional    []symbol.ID
	OptionalIndex uint8
	VarList       bool
	VarTable      bool
	Upvals        []UpvalueDesc
	DefiningNS    *Namespace
	CodeAddress   uint32
}

// GetUpvalue returns the id of the upvalue described by (slot, direct),
// registering a new one if this is the first reference to it. Registration
// is idempotent per (slot, direct) pair.
func (s *FuncStub) GetUpvalue(slot uint8, direct bool) uint8 {
	for i, u := range s.Upvals {
		if u.Slot == slot && u.Direct == direct {
			return uint8(i)
		}
	}
	s.Upvals = append(s.Upvals, UpvalueDesc{Slot: slot, Direct: direct})
	return uint8(len(s.Upvals) - 1)
}

func (s *FuncStub) NumUpvals() uint8 { return uint8(len(s.Upvals)) }

// Required is the smallest legal argument count: every positional parameter
// before the first optional one.
func (s *FuncStub) Required() int { return int(s.OptionalIndex) }

// UpvalueSlot is a shared cell an upvalue reads and writes through. While
// Open, Cell points at a live stack position; Close copies the current
// value onto the heap and clears Open so the binding survives its defining
// frame. Go's garbage collector reclaims the slot once nothing references
// it, so unlike the source's hand-rolled refcount the struct carries no
// count of its own - every closure and open frame simply holds a *UpvalueSlot.
type UpvalueSlot struct {
	Open   bool
	cell   *Value // points into a stack slice while Open; nil once closed, when Closed holds the value
	Closed Value
}

// NewOpenUpvalue creates an upvalue whose cell aliases a live stack slot.
func NewOpenUpvalue(stackSlot *Value) *UpvalueSlot {
	return &UpvalueSlot{Open: true, cell: stackSlot}
}

func (u *UpvalueSlot) Get() Value {
	if u.Open {
		return *u.cell
	}
	return u.Closed
}

func (u *UpvalueSlot) Set(v Value) {
	if u.Open {
		*u.cell = v
		return
	}
	u.Closed = v
}

// Close materializes the upvalue's current value onto the heap-owned Closed
// field and detaches it from the stack.
func (u *UpvalueSlot) Close() {
	u.Closed = *u.cell
	u.Open = false
	u.cell = nil
}

// Function is a closure: a stub plus the upvalue bindings and optional-
// parameter defaults for this particular instantiation. Multiple closures
// may share a stub but never share upvalue bindings except where capture
// makes them alias the same UpvalueSlot.
type Function struct {
	Header
	Stub     *FuncStub
	Upvals   []*UpvalueSlot
	InitVals []Value
}

func NewFunction(stub *FuncStub, gc bool) *Function {
	f := &Function{Stub: stub, Upvals: make([]*UpvalueSlot, stub.NumUpvals())}
	f.Header = Header{GC: gc}
	f.Self = FromFunction(f)
	return f
}

// ForeignFn is the signature a host-provided function must implement: it
// receives a pointer to the first of argc arguments on the VM's stack (read
// past argc is undefined) and a handle back into the running VM.
type ForeignFn func(argc int, args []Value, vm interface{}) (Value, error)

// Foreign wraps a host-provided function as a callable heap value.
type Foreign struct {
	Header
	Name    string
	MinArgs int
	VarArgs bool
	Fn      ForeignFn
}

func NewForeign(name string, minArgs int, varArgs bool, fn ForeignFn) *Foreign {
	f := &Foreign{Name: name, MinArgs: minArgs, VarArgs: varArgs, Fn: fn}
	f.Header = Header{GC: false}
	f.Self = FromForeign(f)
	return f
}
