// Package vm implements the stack machine that executes a compiled
// bytecode.Module: a single instruction pointer, a linked chain of call
// frames, one value stack, and a globals namespace.
package vm

import (
	"github.com/jepugs/fn/pkg/bytecode"
	"github.com/jepugs/fn/pkg/fnerr"
	"github.com/jepugs/fn/pkg/opcode"
	"github.com/jepugs/fn/pkg/symbol"
	"github.com/jepugs/fn/pkg/value"
)

// DefaultStackSize matches the spec's suggested default of 2^14 value slots.
const DefaultStackSize = 1 << 14

type openUpval struct {
	pos  int
	slot *value.UpvalueSlot
}

// Frame is one activation record. Frames link via Prev rather than living
// in a fixed array: the only real bound on call depth is the shared value
// stack running out, which a deep-enough chain will hit on its own.
type Frame struct {
	Prev        *Frame
	Closure     *value.Function // nil at the root frame and while running top-level code
	ReturnAddr  uint32
	BasePointer int
	NumArgs     int
	SP          int
	openUpvals  []openUpval
}

// openUpvalueAt returns the open upvalue slot for absolute stack position
// pos, creating one the first time it's requested - idempotent per
// position, as required when two different closures in the same frame
// capture the same local.
func (f *Frame) openUpvalueAt(stack []value.Value, pos int) *value.UpvalueSlot {
	for _, u := range f.openUpvals {
		if u.pos == pos {
			return u.slot
		}
	}
	slot := value.NewOpenUpvalue(&stack[pos])
	f.openUpvals = append(f.openUpvals, openUpval{pos: pos, slot: slot})
	return slot
}

// close materializes every open upvalue at or above the frame-relative
// newSP and drops it from tracking; remaining (lower) ones are kept open.
func (f *Frame) close(newSP int) {
	newAbs := f.BasePointer + newSP
	kept := f.openUpvals[:0]
	for _, u := range f.openUpvals {
		if u.pos >= newAbs {
			u.slot.Close()
		} else {
			kept = append(kept, u)
		}
	}
	f.openUpvals = kept
}

// VM is single-threaded and non-reentrant: one ip, one frame chain, one
// stack, matching the synchronous execution model the spec requires.
type VM struct {
	module  *bytecode.Module
	stack   []value.Value
	frame   *Frame
	globals *value.Namespace
	lastPop value.Value
	ip      uint32
}

// New creates a VM over m with an empty globals namespace. stackSize <= 0
// selects DefaultStackSize.
func New(m *bytecode.Module, stackSize int) *VM {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &VM{
		module:  m,
		stack:   make([]value.Value, stackSize),
		frame:   &Frame{},
		globals: value.NewNamespace(false),
	}
}

func (vm *VM) Module() *bytecode.Module  { return vm.module }
func (vm *VM) Globals() *value.Namespace { return vm.globals }
func (vm *VM) LastPopped() value.Value   { return vm.lastPop }

// Define binds name in globals directly, the mechanism host setup code
// (e.g. registering foreign functions) uses instead of going through
// OP_SET_GLOBAL.
func (vm *VM) Define(name string, v value.Value) {
	vm.globals.Set(vm.module.InternSymbol(name), v)
}

func (vm *VM) errorf(format string, args ...interface{}) error {
	return vm.errorfKind(fnerr.Runtime, format, args...)
}

// typeErrorf reports a type error (e.g. calling a non-callable, a non-symbol
// OP_GLOBAL/OP_SET_GLOBAL name or namespace key) - spec.md §7's "Type
// errors" category, tagged interpreter rather than runtime.
func (vm *VM) typeErrorf(format string, args ...interface{}) error {
	return vm.errorfKind(fnerr.Interpreter, format, args...)
}

func (vm *VM) errorfKind(sub fnerr.Subsystem, format string, args ...interface{}) error {
	loc := vm.module.LocationOf(vm.ip)
	return fnerr.New(sub, fnerr.Loc{Filename: loc.Filename, Line: loc.Line, Column: loc.Column}, format, args...)
}

func (vm *VM) push(v value.Value) error {
	idx := vm.frame.BasePointer + vm.frame.SP
	if idx >= len(vm.stack) {
		return vm.errorf("stack exhausted (capacity %d)", len(vm.stack))
	}
	vm.stack[idx] = v
	vm.frame.SP++
	return nil
}

func (vm *VM) pop() value.Value {
	vm.frame.SP--
	return vm.stack[vm.frame.BasePointer+vm.frame.SP]
}

// peek returns the value `depth` slots below the current top (0 = top)
// without removing it.
func (vm *VM) peek(depth int) value.Value {
	return vm.stack[vm.frame.BasePointer+vm.frame.SP-1-depth]
}

// Run executes from address 0 to the end of the module's instruction
// stream, running every top-level form compiled into it in sequence.
func (vm *VM) Run() error {
	return vm.RunFrom(0)
}

// RunFrom executes starting at addr instead of the beginning, so a caller
// that keeps appending top-level forms to the same module (a REPL) can run
// only the newly compiled region instead of re-executing everything from
// the start.
func (vm *VM) RunFrom(addr uint32) error {
	vm.ip = addr
	for vm.ip < vm.module.Size() {
		op := opcode.Opcode(vm.module.ReadByte(vm.ip))
		switch op {
		case opcode.NOP:
			vm.ip++

		case opcode.POP:
			vm.lastPop = vm.pop()
			vm.ip++

		case opcode.LOCAL:
			slot := vm.module.ReadByte(vm.ip + 1)
			if err := vm.push(vm.stack[vm.frame.BasePointer+int(slot)]); err != nil {
				return err
			}
			vm.ip += 2

		case opcode.SET_LOCAL:
			slot := vm.module.ReadByte(vm.ip + 1)
			vm.stack[vm.frame.BasePointer+int(slot)] = vm.pop()
			vm.ip += 2

		case opcode.COPY:
			depth := vm.module.ReadByte(vm.ip + 1)
			if err := vm.push(vm.peek(int(depth))); err != nil {
				return err
			}
			vm.ip += 2

		case opcode.UPVALUE:
			id := vm.module.ReadByte(vm.ip + 1)
			u, err := vm.upvalueAt(id)
			if err != nil {
				return err
			}
			if err := vm.push(u.Get()); err != nil {
				return err
			}
			vm.ip += 2

		case opcode.SET_UPVALUE:
			id := vm.module.ReadByte(vm.ip + 1)
			u, err := vm.upvalueAt(id)
			if err != nil {
				return err
			}
			u.Set(vm.pop())
			vm.ip += 2

		case opcode.CLOSURE:
			id := vm.module.ReadShort(vm.ip + 1)
			if err := vm.execClosure(id); err != nil {
				return err
			}
			vm.ip += 3

		case opcode.CLOSE:
			n := vm.module.ReadByte(vm.ip + 1)
			vm.frame.SP -= int(n)
			vm.frame.close(vm.frame.SP)
			vm.ip += 2

		case opcode.GLOBAL:
			name := vm.pop()
			v, err := vm.lookupGlobal(name)
			if err != nil {
				return err
			}
			if err := vm.push(v); err != nil {
				return err
			}
			vm.ip++

		case opcode.SET_GLOBAL:
			val := vm.pop()
			name := vm.pop()
			sym, err := vm.globalSymbol(name)
			if err != nil {
				return err
			}
			vm.globals.Set(sym, val)
			if err := vm.push(name); err != nil {
				return err
			}
			vm.ip++

		case opcode.CONST:
			id := vm.module.ReadShort(vm.ip + 1)
			if err := vm.push(vm.module.GetConstant(id)); err != nil {
				return err
			}
			vm.ip += 3

		case opcode.NULL:
			if err := vm.push(value.Null); err != nil {
				return err
			}
			vm.ip++

		case opcode.FALSE:
			if err := vm.push(value.False); err != nil {
				return err
			}
			vm.ip++

		case opcode.TRUE:
			if err := vm.push(value.True); err != nil {
				return err
			}
			vm.ip++

		case opcode.OBJ_GET:
			key := vm.pop()
			obj := vm.pop()
			v, err := vm.objGet(obj, key)
			if err != nil {
				return err
			}
			if err := vm.push(v); err != nil {
				return err
			}
			vm.ip++

		case opcode.OBJ_SET:
			newVal := vm.pop()
			key := vm.pop()
			obj := vm.pop()
			if err := vm.objSet(obj, key, newVal); err != nil {
				return err
			}
			if err := vm.push(newVal); err != nil {
				return err
			}
			vm.ip++

		case opcode.JUMP:
			off := int16(vm.module.ReadShort(vm.ip + 1))
			vm.ip = uint32(int64(vm.ip) + 3 + int64(off))

		case opcode.CJUMP:
			off := int16(vm.module.ReadShort(vm.ip + 1))
			v := vm.pop()
			if !value.Truthy(v) {
				vm.ip = uint32(int64(vm.ip) + 3 + int64(off))
			} else {
				vm.ip += 3
			}

		case opcode.CALL:
			argc := vm.module.ReadByte(vm.ip + 1)
			if err := vm.execCall(int(argc), vm.ip+2); err != nil {
				return err
			}

		case opcode.RETURN:
			if err := vm.execReturn(); err != nil {
				return err
			}

		default:
			return vm.errorf("unimplemented or reserved opcode %s", op)
		}
	}
	return nil
}

func (vm *VM) upvalueAt(id uint8) (*value.UpvalueSlot, error) {
	if vm.frame.Closure == nil || int(id) >= len(vm.frame.Closure.Upvals) {
		return nil, vm.errorf("unknown upvalue id %d", id)
	}
	return vm.frame.Closure.Upvals[id], nil
}

func (vm *VM) execClosure(stubID uint16) error {
	stub := vm.module.GetFunction(stubID)
	fn := value.NewFunction(stub, true)
	for i, d := range stub.Upvals {
		if d.Direct {
			pos := vm.frame.BasePointer + int(d.Slot)
			fn.Upvals[i] = vm.frame.openUpvalueAt(vm.stack, pos)
			continue
		}
		u, err := vm.upvalueAt(d.Slot)
		if err != nil {
			return err
		}
		fn.Upvals[i] = u
	}
	return vm.push(value.FromFunction(fn))
}

func (vm *VM) globalSymbol(name value.Value) (symbol.ID, error) {
	if !name.IsSymbol() {
		return 0, vm.typeErrorf("global name must be a symbol, got %s", name.Tag())
	}
	return symbol.ID(name.USymID()), nil
}

func (vm *VM) lookupGlobal(name value.Value) (value.Value, error) {
	sym, err := vm.globalSymbol(name)
	if err != nil {
		return value.Value{}, err
	}
	v, ok := vm.globals.Get(sym)
	if !ok {
		return value.Value{}, vm.errorf("unknown global %s", vm.module.Symbols.Lookup(sym).Name)
	}
	return v, nil
}

func (vm *VM) objGet(obj, key value.Value) (value.Value, error) {
	switch {
	case obj.IsTable():
		if v, ok := obj.UTable().Get(key); ok {
			return v, nil
		}
		return value.Null, nil
	case obj.IsNamespace():
		if !key.IsSymbol() {
			return value.Value{}, vm.typeErrorf("namespace key must be a symbol, got %s", key.Tag())
		}
		if v, ok := obj.UNamespace().Get(symbol.ID(key.USymID())); ok {
			return v, nil
		}
		return value.Null, nil
	default:
		return value.Value{}, vm.typeErrorf("cannot read a property of a %s", obj.Tag())
	}
}

func (vm *VM) objSet(obj, key, val value.Value) error {
	switch {
	case obj.IsTable():
		obj.UTable().Set(key, val)
		return nil
	case obj.IsNamespace():
		if !key.IsSymbol() {
			return vm.typeErrorf("namespace key must be a symbol, got %s", key.Tag())
		}
		obj.UNamespace().Set(symbol.ID(key.USymID()), val)
		return nil
	default:
		return vm.typeErrorf("cannot set a property of a %s", obj.Tag())
	}
}

// execCall implements the call protocol for both closures and foreign
// functions. returnAddr is the byte right after OP_CALL's operand.
func (vm *VM) execCall(argc int, returnAddr uint32) error {
	callee := vm.peek(argc)
	switch {
	case callee.IsFunction():
		fn := callee.UFunction()
		stub := fn.Stub
		if argc < stub.Required() {
			return vm.errorf("too few arguments: got %d, need at least %d", argc, stub.Required())
		}
		if !stub.VarList && argc > len(stub.Positional) {
			return vm.errorf("too many arguments: got %d, accepts at most %d", argc, len(stub.Positional))
		}
		newFrame := &Frame{
			Prev:        vm.frame,
			Closure:     fn,
			ReturnAddr:  returnAddr,
			BasePointer: vm.frame.BasePointer + vm.frame.SP - argc,
			NumArgs:     argc,
			SP:          argc,
		}
		vm.frame = newFrame
		vm.ip = stub.CodeAddress
		return nil

	case callee.IsForeign():
		fgn := callee.UForeign()
		if argc < fgn.MinArgs || (!fgn.VarArgs && argc != fgn.MinArgs) {
			return vm.errorf("wrong number of arguments to %s: got %d", fgn.Name, argc)
		}
		base := vm.frame.BasePointer + vm.frame.SP - argc
		args := vm.stack[base : base+argc : base+argc]
		result, err := fgn.Fn(argc, args, vm)
		if err != nil {
			return vm.errorf("%s: %v", fgn.Name, err)
		}
		vm.frame.SP -= argc + 1
		if err := vm.push(result); err != nil {
			return err
		}
		vm.ip = returnAddr
		return nil

	default:
		return vm.typeErrorf("cannot call a value of type %s", callee.Tag())
	}
}

func (vm *VM) execReturn() error {
	if vm.frame.Prev == nil {
		return vm.errorf("return from the top level")
	}
	retVal := vm.pop()
	vm.frame.close(0)
	numArgs := vm.frame.NumArgs
	retAddr := vm.frame.ReturnAddr
	vm.frame = vm.frame.Prev
	vm.frame.SP -= numArgs + 1
	if err := vm.push(retVal); err != nil {
		return err
	}
	vm.ip = retAddr
	return nil
}
