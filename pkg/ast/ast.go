// Package ast defines the tree the compiler consumes. The spec treats
// tokenization and parsing as external collaborators and only fixes the
// shape the result must have: a node is either an atom (number, string, or
// symbol) or a list of nodes, each carrying a source location.
package ast

import "github.com/jepugs/fn/pkg/bytecode"

// AtomKind distinguishes the three kinds of leaf node.
type AtomKind int

const (
	AtomNumber AtomKind = iota
	AtomString
	AtomSymbol
)

// Node is either an Atom or a List.
type Node interface {
	Loc() bytecode.SourceLoc
}

// Atom is a leaf: a number, a string, or a symbol reference (by name - the
// compiler interns it as needed).
type Atom struct {
	Kind   AtomKind
	Num    float64
	Str    string
	Symbol string
	loc    bytecode.SourceLoc
}

func (a *Atom) Loc() bytecode.SourceLoc { return a.loc }

func NewNumber(n float64, loc bytecode.SourceLoc) *Atom {
	return &Atom{Kind: AtomNumber, Num: n, loc: loc}
}

func NewString(s string, loc bytecode.SourceLoc) *Atom {
	return &Atom{Kind: AtomString, Str: s, loc: loc}
}

func NewSymbol(name string, loc bytecode.SourceLoc) *Atom {
	return &Atom{Kind: AtomSymbol, Symbol: name, loc: loc}
}

// List is an ordered sequence of nodes, e.g. a form like (if c t e).
type List struct {
	Elements []Node
	loc      bytecode.SourceLoc
}

func (l *List) Loc() bytecode.SourceLoc { return l.loc }

func NewList(elements []Node, loc bytecode.SourceLoc) *List {
	return &List{Elements: elements, loc: loc}
}

// IsSymbol reports whether a node is a bare symbol atom, and if so, its
// name - used by the compiler to dispatch on a list's head.
func IsSymbol(n Node) (string, bool) {
	if a, ok := n.(*Atom); ok && a.Kind == AtomSymbol {
		return a.Symbol, true
	}
	return "", false
}
