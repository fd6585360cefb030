// Package compiler lowers a parsed form tree into bytecode: constants,
// function stubs, and instructions, threaded through a chain of lexical
// scopes that track local slots and upvalue captures.
package compiler

import (
	"github.com/jepugs/fn/pkg/ast"
	"github.com/jepugs/fn/pkg/bytecode"
	"github.com/jepugs/fn/pkg/fnerr"
	"github.com/jepugs/fn/pkg/opcode"
	"github.com/jepugs/fn/pkg/symbol"
	"github.com/jepugs/fn/pkg/value"
)

// reserved names the dispatcher recognizes but does not implement. Source
// using one of these as a list head gets a compile error rather than being
// silently compiled as a call to an undefined global of that name.
var reserved = map[string]bool{
	"defmacro":         true,
	"defn":             true,
	"dot":              true,
	"dollar-fn":        true,
	"import":           true,
	"letfn":            true,
	"quasiquote":       true,
	"quote":            true,
	"unquote":          true,
	"unquote-splicing": true,
	"set!":             true,
	"with":             true,
}

// scope is one lexical level: a set of named local slots, a link to the
// enclosing scope, and (only at a function boundary) the stub being built
// for that function. sp tracks the compile-time stack depth relative to the
// scope's frame base.
type scope struct {
	parent *scope
	vars   map[symbol.ID]uint8
	stub   *value.FuncStub
	sp     int
}

func newScope(parent *scope, stub *value.FuncStub) *scope {
	sp := 0
	if parent != nil {
		sp = parent.sp
	}
	return &scope{parent: parent, vars: make(map[symbol.ID]uint8), stub: stub, sp: sp}
}

// Compiler accumulates output into a single bytecode.Module across
// potentially many top-level forms, matching the one-linear-stream layout
// the module format uses (function bodies live inline, reached by a
// compiler-emitted jump around them rather than a separate chunk).
type Compiler struct {
	module   *bytecode.Module
	filename string
}

// New starts a compiler with a fresh module.
func New(filename string) *Compiler {
	return &Compiler{module: bytecode.New(), filename: filename}
}

// NewWithModule continues compiling into an already-existing module, e.g.
// for a REPL that compiles one form at a time against accumulated state.
func NewWithModule(m *bytecode.Module, filename string) *Compiler {
	return &Compiler{module: m, filename: filename}
}

func (c *Compiler) Module() *bytecode.Module { return c.module }

func (c *Compiler) errorf(loc bytecode.SourceLoc, format string, args ...interface{}) error {
	return fnerr.New(fnerr.Compiler, fnerr.Loc{Filename: loc.Filename, Line: loc.Line, Column: loc.Column}, format, args...)
}

func (c *Compiler) emit(op opcode.Opcode, operands ...int) uint32 {
	return c.module.Write(opcode.Make(op, operands...))
}

// patchJump backfills a jump's relative displacement once its target
// address is known. The displacement is relative to the address right after
// the 3-byte jump instruction (1 opcode byte + 2 operand bytes), matching
// the formula the VM uses to compute the new ip.
func (c *Compiler) patchJump(opAddr uint32, target uint32) {
	offset := int32(target) - int32(opAddr+3)
	c.module.PatchShort(opAddr+1, uint16(int16(offset)))
}

// CompileProgram compiles a sequence of top-level forms. Each gets its own
// fresh root scope and an explicit trailing pop, so that (absent a form
// that deliberately leaves extra values, such as def) the stack returns to
// the depth it had before the form ran.
func (c *Compiler) CompileProgram(forms []ast.Node) error {
	for _, f := range forms {
		sc := newScope(nil, nil)
		c.module.SetLoc(bytecode.SourceLoc(f.Loc()))
		if err := c.compileSubexpr(sc, f); err != nil {
			return err
		}
		c.emit(opcode.POP)
	}
	return nil
}

func (c *Compiler) compileSubexpr(sc *scope, n ast.Node) error {
	c.module.SetLoc(bytecode.SourceLoc(n.Loc()))
	switch v := n.(type) {
	case *ast.Atom:
		return c.compileAtom(sc, v)
	case *ast.List:
		return c.compileList(sc, v)
	default:
		return c.errorf(n.Loc(), "unrecognized node type")
	}
}

func (c *Compiler) compileAtom(sc *scope, a *ast.Atom) error {
	switch a.Kind {
	case ast.AtomNumber:
		id := c.module.AddConstant(value.Num(a.Num))
		c.emit(opcode.CONST, int(id))
		sc.sp++
		return nil
	case ast.AtomString:
		id := c.module.AddConstant(value.FromString(value.NewString(a.Str, true)))
		c.emit(opcode.CONST, int(id))
		sc.sp++
		return nil
	case ast.AtomSymbol:
		switch a.Symbol {
		case "null":
			c.emit(opcode.NULL)
		case "true":
			c.emit(opcode.TRUE)
		case "false":
			c.emit(opcode.FALSE)
		default:
			return c.compileVar(sc, a.Symbol, a.Loc())
		}
		sc.sp++
		return nil
	default:
		return c.errorf(a.Loc(), "unrecognized atom kind")
	}
}

// compileVar resolves a bare symbol reference: a local, an upvalue, or (if
// neither binds it) a global, loaded through a symbol constant.
func (c *Compiler) compileVar(sc *scope, name string, loc bytecode.SourceLoc) error {
	sym := c.module.InternSymbol(name)
	if slot, isUpval, found := c.resolve(sc, sym); found {
		if isUpval {
			c.emit(opcode.UPVALUE, int(slot))
		} else {
			c.emit(opcode.LOCAL, int(slot))
		}
		sc.sp++
		return nil
	}
	id := c.module.AddConstant(value.Sym(uint32(sym)))
	c.emit(opcode.CONST, int(id))
	c.emit(opcode.GLOBAL)
	sc.sp++
	return nil
}

// resolve walks outward from sc through parent scopes looking for name,
// counting how many function boundaries (scopes with a non-nil stub) are
// crossed before it's found. levels == 0 means a plain local in the
// current function; levels > 0 means the name has to be reached through a
// chain of upvalues.
func (c *Compiler) resolve(sc *scope, name symbol.ID) (slot uint8, isUpval bool, found bool) {
	levels := 0
	s := sc
	for s != nil {
		if pos, ok := s.vars[name]; ok {
			if levels == 0 {
				return pos, false, true
			}
			return c.addUpvalue(sc, levels, pos), true, true
		}
		if s.stub != nil {
			levels++
		}
		s = s.parent
	}
	return 0, false, false
}

// addUpvalue synthesizes the chain of upvalue registrations needed to reach
// a binding `levels` function boundaries out, where it sits at local slot
// pos in the defining function's frame. Starting at sc, it
// finds the nearest enclosing function scope; if that's the function that
// directly encloses the binding (levels == 1) it registers a direct
// upvalue there, otherwise it recurses outward one level at a time and
// registers an indirect upvalue (one that reads another upvalue of the
// immediately enclosing closure, rather than a parent stack slot).
func (c *Compiler) addUpvalue(sc *scope, levels int, pos uint8) uint8 {
	call := sc
	for call != nil && call.stub == nil {
		call = call.parent
	}
	if levels == 1 {
		return call.stub.GetUpvalue(pos, true)
	}
	outer := c.addUpvalue(call.parent, levels-1, pos)
	return call.stub.GetUpvalue(outer, false)
}

func (c *Compiler) compileList(sc *scope, list *ast.List) error {
	if len(list.Elements) == 0 {
		return c.errorf(list.Loc(), "cannot evaluate the empty list")
	}
	if name, ok := ast.IsSymbol(list.Elements[0]); ok {
		switch name {
		case "and":
			return c.compileAnd(sc, list)
		case "or":
			return c.compileOr(sc, list)
		case "def":
			return c.compileDef(sc, list)
		case "do":
			return c.compileDo(sc, list)
		case "if":
			return c.compileIf(sc, list)
		case "let":
			return c.compileLet(sc, list)
		case "fn":
			return c.compileFn(sc, list)
		default:
			if reserved[name] {
				return c.errorf(list.Loc(), "%s is reserved but not implemented", name)
			}
		}
	}
	return c.compileCall(sc, list)
}

func (c *Compiler) compileCall(sc *scope, list *ast.List) error {
	base := sc.sp
	for _, el := range list.Elements {
		if err := c.compileSubexpr(sc, el); err != nil {
			return err
		}
	}
	numArgs := len(list.Elements) - 1
	if numArgs > 255 {
		return c.errorf(list.Loc(), "too many arguments in call (%d > 255)", numArgs)
	}
	c.emit(opcode.CALL, numArgs)
	sc.sp = base + 1
	return nil
}

func (c *Compiler) compileAnd(sc *scope, list *ast.List) error {
	var patches []uint32
	for i := 1; i < len(list.Elements); i++ {
		if err := c.compileSubexpr(sc, list.Elements[i]); err != nil {
			return err
		}
		patches = append(patches, c.emit(opcode.CJUMP, 0))
		sc.sp--
	}
	c.emit(opcode.TRUE)
	c.emit(opcode.JUMP, 1)
	end := c.module.Size()
	for _, p := range patches {
		c.patchJump(p, end)
	}
	c.emit(opcode.FALSE)
	sc.sp++
	return nil
}

func (c *Compiler) compileOr(sc *scope, list *ast.List) error {
	var patches []uint32
	for i := 1; i < len(list.Elements); i++ {
		if err := c.compileSubexpr(sc, list.Elements[i]); err != nil {
			return err
		}
		c.emit(opcode.CJUMP, 3)
		sc.sp--
		patches = append(patches, c.emit(opcode.JUMP, 0))
	}
	c.emit(opcode.FALSE)
	c.emit(opcode.JUMP, 1)
	end := c.module.Size()
	for _, p := range patches {
		c.patchJump(p, end)
	}
	c.emit(opcode.TRUE)
	sc.sp++
	return nil
}

func (c *Compiler) compileDef(sc *scope, list *ast.List) error {
	if len(list.Elements) != 3 {
		return c.errorf(list.Loc(), "def takes exactly 2 arguments, got %d", len(list.Elements)-1)
	}
	name, ok := ast.IsSymbol(list.Elements[1])
	if !ok {
		return c.errorf(list.Elements[1].Loc(), "first argument to def must be a symbol")
	}
	sym := c.module.InternSymbol(name)
	id := c.module.AddConstant(value.Sym(uint32(sym)))
	c.emit(opcode.CONST, int(id))
	sc.sp++
	if err := c.compileSubexpr(sc, list.Elements[2]); err != nil {
		return err
	}
	c.emit(opcode.SET_GLOBAL)
	sc.sp--
	c.emit(opcode.NULL)
	sc.sp++
	return nil
}

func (c *Compiler) compileDo(sc *scope, list *ast.List) error {
	body := list.Elements[1:]
	if len(body) == 0 {
		c.emit(opcode.NULL)
		sc.sp++
		return nil
	}
	for i := 0; i < len(body)-1; i++ {
		if err := c.compileSubexpr(sc, body[i]); err != nil {
			return err
		}
		c.emit(opcode.POP)
		sc.sp--
	}
	return c.compileSubexpr(sc, body[len(body)-1])
}

func (c *Compiler) compileIf(sc *scope, list *ast.List) error {
	if len(list.Elements) != 4 {
		return c.errorf(list.Loc(), "if takes exactly 3 arguments, got %d", len(list.Elements)-1)
	}
	if err := c.compileSubexpr(sc, list.Elements[1]); err != nil {
		return err
	}
	cjumpAddr := c.emit(opcode.CJUMP, 0)
	sc.sp--
	if err := c.compileSubexpr(sc, list.Elements[2]); err != nil {
		return err
	}
	jumpAddr := c.emit(opcode.JUMP, 0)
	sc.sp--
	c.patchJump(cjumpAddr, c.module.Size())
	if err := c.compileSubexpr(sc, list.Elements[3]); err != nil {
		return err
	}
	c.patchJump(jumpAddr, c.module.Size())
	return nil
}

func (c *Compiler) compileLet(sc *scope, list *ast.List) error {
	args := list.Elements[1:]
	if len(args)%2 != 0 {
		return c.errorf(list.Loc(), "let requires an even number of arguments")
	}
	for i := 0; i < len(args); i += 2 {
		name, ok := ast.IsSymbol(args[i])
		if !ok {
			return c.errorf(args[i].Loc(), "names bound by let must be symbols")
		}
		if sc.sp > 255 {
			return c.errorf(args[i].Loc(), "too many local bindings")
		}
		sym := c.module.InternSymbol(name)
		slot := uint8(sc.sp)
		sc.sp++
		c.emit(opcode.NULL)
		sc.vars[sym] = slot
		if err := c.compileSubexpr(sc, args[i+1]); err != nil {
			return err
		}
		c.emit(opcode.SET_LOCAL, int(slot))
		sc.sp--
		c.emit(opcode.NULL)
		sc.sp++
	}
	return nil
}

// compileFn compiles (fn (params...) body...) into a closure-producing
// expression: a jump around the inline function body, the body itself
// (ending in a return), and - at the point where control resumes after the
// jump - an OP_CLOSURE that instantiates the function value.
func (c *Compiler) compileFn(sc *scope, list *ast.List) error {
	if len(list.Elements) < 2 {
		return c.errorf(list.Loc(), "fn requires a parameter list")
	}
	paramList, ok := list.Elements[1].(*ast.List)
	if !ok {
		return c.errorf(list.Elements[1].Loc(), "fn parameters must be a list")
	}
	var params []symbol.ID
	for _, p := range paramList.Elements {
		name, ok := ast.IsSymbol(p)
		if !ok {
			return c.errorf(p.Loc(), "fn parameters must be symbols")
		}
		params = append(params, c.module.InternSymbol(name))
	}
	if len(params) > 255 {
		return c.errorf(list.Loc(), "too many parameters")
	}

	stub := &value.FuncStub{Positional: params, OptionalIndex: uint8(len(params))}

	jumpAddr := c.emit(opcode.JUMP, 0)
	stub.CodeAddress = c.module.Size()

	fnScope := newScope(sc, stub)
	for i, p := range params {
		fnScope.vars[p] = uint8(i)
	}
	fnScope.sp = len(params)

	body := list.Elements[2:]
	if len(body) == 0 {
		c.emit(opcode.NULL)
	} else {
		for i := 0; i < len(body)-1; i++ {
			if err := c.compileSubexpr(fnScope, body[i]); err != nil {
				return err
			}
			c.emit(opcode.POP)
			fnScope.sp--
		}
		if err := c.compileSubexpr(fnScope, body[len(body)-1]); err != nil {
			return err
		}
	}
	c.emit(opcode.RETURN)

	c.patchJump(jumpAddr, c.module.Size())
	id := c.module.AddFunction(stub)
	c.emit(opcode.CLOSURE, int(id))
	sc.sp++
	return nil
}
