// Package parser builds an ast.Node tree from a token stream, producing the
// atom-or-list shape the compiler expects.
package parser

import (
	"fmt"
	"strconv"

	"github.com/jepugs/fn/pkg/ast"
	"github.com/jepugs/fn/pkg/bytecode"
	"github.com/jepugs/fn/pkg/lexer"
	"github.com/jepugs/fn/pkg/token"
)

type Parser struct {
	l        *lexer.Lexer
	filename string
	cur      token.Token
	errors   []string
}

func New(l *lexer.Lexer, filename string) *Parser {
	p := &Parser{l: l, filename: filename}
	p.advance()
	return p
}

func (p *Parser) advance() {
	p.cur = p.l.NextToken()
}

func (p *Parser) Errors() []string { return p.errors }

func (p *Parser) loc() bytecode.SourceLoc {
	return bytecode.SourceLoc{Filename: p.filename, Line: p.cur.Line, Column: p.cur.Column}
}

// ParseAll reads top-level forms until EOF. It stops early at a token that
// cannot start a form (such as a stray ')'), after recording the error.
func (p *Parser) ParseAll() []ast.Node {
	var nodes []ast.Node
	for p.cur.Type != token.EOF {
		n := p.parseNode()
		if n == nil {
			break
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// ParseNode reads a single top-level form, or nil at EOF.
func (p *Parser) ParseNode() ast.Node {
	if p.cur.Type == token.EOF {
		return nil
	}
	return p.parseNode()
}

func (p *Parser) parseNode() ast.Node {
	switch p.cur.Type {
	case token.LPAREN:
		return p.parseList()
	case token.NUMBER:
		loc := p.loc()
		n, err := strconv.ParseFloat(p.cur.Literal, 64)
		if err != nil {
			p.errors = append(p.errors, fmt.Sprintf("%s:%d:%d: invalid number %q", p.filename, loc.Line, loc.Column, p.cur.Literal))
		}
		p.advance()
		return ast.NewNumber(n, loc)
	case token.STRING:
		loc := p.loc()
		s := p.cur.Literal
		p.advance()
		return ast.NewString(s, loc)
	case token.SYMBOL:
		loc := p.loc()
		s := p.cur.Literal
		p.advance()
		return ast.NewSymbol(s, loc)
	case token.RPAREN:
		p.errors = append(p.errors, fmt.Sprintf("%s:%d:%d: unexpected )", p.filename, p.cur.Line, p.cur.Column))
		p.advance()
		return nil
	default:
		p.errors = append(p.errors, fmt.Sprintf("%s:%d:%d: unexpected token %q", p.filename, p.cur.Line, p.cur.Column, p.cur.Literal))
		p.advance()
		return nil
	}
}

func (p *Parser) parseList() ast.Node {
	loc := p.loc()
	p.advance() // consume (
	var elements []ast.Node
	for p.cur.Type != token.RPAREN {
		if p.cur.Type == token.EOF {
			p.errors = append(p.errors, fmt.Sprintf("%s:%d:%d: unterminated list", p.filename, loc.Line, loc.Column))
			return ast.NewList(elements, loc)
		}
		n := p.parseNode()
		if n != nil {
			elements = append(elements, n)
		}
	}
	p.advance() // consume )
	return ast.NewList(elements, loc)
}
