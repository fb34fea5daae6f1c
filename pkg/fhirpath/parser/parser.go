// Package parser implements a Pratt (precedence-climbing) parser that
// turns a token stream from pkg/fhirpath/lexer into a pkg/fhirpath/ast
// expression tree.
package parser

import (
	"fmt"
	"strings"

	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/ast"
	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/lexer"
)

// ErrorKind tags a parse failure.
type ErrorKind int

const (
	UnexpectedToken ErrorKind = iota
	UnexpectedEnd
	InvalidTypeSpec
)

// ParseError is returned (Strict mode) or accumulated (Recovery mode).
type ParseError struct {
	Kind ErrorKind
	Span ast.Span
	Msg  string
	Hint string
}

func (e *ParseError) Error() string { return e.Msg }

// Mode selects strict-abort-on-first-error vs best-effort recovery.
type Mode int

const (
	Strict Mode = iota
	Recovery
)

// Parser consumes a token stream and produces an ast.Node.
type Parser struct {
	toks        []lexer.Token
	pos         int
	mode        Mode
	Diagnostics []*ParseError
}

// Parse parses src in Strict mode: the first error aborts with it.
func Parse(src string) (*ast.Node, error) {
	toks, err := lexer.Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &Parser{toks: toks, mode: Strict}
	return p.parseProgram()
}

// ParseRecovering parses src in Recovery mode: errors are collected into
// Diagnostics and sentinel ast.KindError nodes are spliced into the tree
// so that downstream consumers still get a best-effort AST.
func ParseRecovering(src string) (*ast.Node, []*ParseError) {
	toks, err := lexer.Tokenize(src)
	if err != nil {
		le := err.(*lexer.LexError)
		return nil, []*ParseError{{Kind: UnexpectedToken, Span: le.Span, Msg: le.Error()}}
	}
	p := &Parser{toks: toks, mode: Recovery}
	node, _ := p.parseProgram()
	return node, p.Diagnostics
}

func (p *Parser) cur() lexer.Token  { return p.toks[p.pos] }
func (p *Parser) advance() lexer.Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) at(k lexer.Kind) bool { return p.cur().Kind == k }

func (p *Parser) fail(msg string) (*ast.Node, error) {
	span := p.cur().Span
	pe := &ParseError{Kind: UnexpectedToken, Span: span, Msg: msg}
	if p.cur().Kind == lexer.EOF {
		pe.Kind = UnexpectedEnd
	}
	if p.mode == Strict {
		return nil, pe
	}
	p.Diagnostics = append(p.Diagnostics, pe)
	p.synchronize()
	return &ast.Node{Kind: ast.KindError, Span: span, ErrMessage: msg}, nil
}

// synchronize advances to the next token in the recovery set so parsing
// of the remaining document can continue after an error.
func (p *Parser) synchronize() {
	for !p.at(lexer.EOF) {
		switch p.cur().Kind {
		case lexer.RParen, lexer.RBracket, lexer.Dot, lexer.Pipe:
			p.advance()
			return
		}
		p.advance()
	}
}

func (p *Parser) expect(k lexer.Kind, what string) (lexer.Token, error) {
	if p.cur().Kind != k {
		_, err := p.fail(fmt.Sprintf("expected %s", what))
		return lexer.Token{}, err
	}
	return p.advance(), nil
}

// parseProgram parses a full document, including the `;`-separated
// multi-statement superset: each statement becomes one top-level item of
// a synthetic Collection node when there is more than one, or a bare
// expression when there is exactly one.
func (p *Parser) parseProgram() (*ast.Node, error) {
	var stmts []*ast.Node
	for {
		expr, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, expr)
		if p.at(lexer.Semicolon) {
			p.advance()
			continue
		}
		break
	}
	if !p.at(lexer.EOF) {
		return p.fail("unexpected trailing input")
	}
	if len(stmts) == 1 {
		return stmts[0], nil
	}
	start, end := 0, 0
	if len(stmts) > 0 {
		start = stmts[0].Span.Start
		end = stmts[len(stmts)-1].Span.End
	}
	return &ast.Node{Kind: ast.KindCollection, Span: ast.Span{Start: start, End: end}, Items: stmts}, nil
}

// precedence levels, low to high, per the grammar in the governing spec.
const (
	precNone = iota
	precImplies
	precOrXor
	precAnd
	precMembership // in, contains
	precEquality   // = != ~ !~
	precRelational // < <= > >=
	precUnion      // |
	precTypeInfix  // is, as (infix form: expr is Type)
	precAdditive   // + - &
	precMultiplicative
)

func binaryPrecedence(t lexer.Token) (int, bool) {
	switch t.Kind {
	case lexer.KwImplies:
		return precImplies, true
	case lexer.KwOr, lexer.KwXor:
		return precOrXor, true
	case lexer.KwAnd:
		return precAnd, true
	case lexer.KwIn, lexer.KwContains:
		return precMembership, true
	case lexer.Eq, lexer.Neq, lexer.Equiv, lexer.NotEquiv:
		return precEquality, true
	case lexer.Lt, lexer.Le, lexer.Gt, lexer.Ge:
		return precRelational, true
	case lexer.Pipe:
		return precUnion, true
	case lexer.KwIs, lexer.KwAs:
		return precTypeInfix, true
	case lexer.Plus, lexer.Minus, lexer.Amp:
		return precAdditive, true
	case lexer.Star, lexer.Slash, lexer.KwDiv, lexer.KwMod:
		return precMultiplicative, true
	}
	return precNone, false
}

func opText(k lexer.Kind) string {
	switch k {
	case lexer.KwImplies:
		return "implies"
	case lexer.KwOr:
		return "or"
	case lexer.KwXor:
		return "xor"
	case lexer.KwAnd:
		return "and"
	case lexer.KwIn:
		return "in"
	case lexer.KwContains:
		return "contains"
	case lexer.Eq:
		return "="
	case lexer.Neq:
		return "!="
	case lexer.Equiv:
		return "~"
	case lexer.NotEquiv:
		return "!~"
	case lexer.Lt:
		return "<"
	case lexer.Le:
		return "<="
	case lexer.Gt:
		return ">"
	case lexer.Ge:
		return ">="
	case lexer.Pipe:
		return "|"
	case lexer.Plus:
		return "+"
	case lexer.Minus:
		return "-"
	case lexer.Amp:
		return "&"
	case lexer.Star:
		return "*"
	case lexer.Slash:
		return "/"
	case lexer.KwDiv:
		return "div"
	case lexer.KwMod:
		return "mod"
	}
	return "?"
}

// parseExpr implements precedence climbing: parseUnary for the leaves,
// then loop consuming infix operators whose precedence is >= minPrec.
func (p *Parser) parseExpr(minPrec int) (*ast.Node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.cur()
		prec, ok := binaryPrecedence(tok)
		if !ok || prec < minPrec {
			break
		}
		p.advance()

		if tok.Kind == lexer.KwIs || tok.Kind == lexer.KwAs {
			typeSpec, err := p.parseTypeSpec()
			if err != nil {
				return nil, err
			}
			kind := ast.KindTypeCheck
			if tok.Kind == lexer.KwAs {
				kind = ast.KindTypeCast
			}
			lhs = &ast.Node{Kind: kind, Span: ast.Span{Start: lhs.Span.Start, End: p.toks[p.pos-1].Span.End}, Expr: lhs, TypeSpec: typeSpec}
			continue
		}

		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		lhs = &ast.Node{Kind: ast.KindBinary, Span: ast.Span{Start: lhs.Span.Start, End: rhs.Span.End}, Op: opText(tok.Kind), LHS: lhs, RHS: rhs}
	}
	return lhs, nil
}

// parseTypeSpec reads a dotted qualified type name: Identifier('.'Identifier)*
func (p *Parser) parseTypeSpec() (string, error) {
	if p.cur().Kind != lexer.Ident && p.cur().Kind != lexer.DelimitedIdent {
		_, err := p.fail("expected type specifier")
		return "", err
	}
	var parts []string
	parts = append(parts, p.advance().Text)
	for p.at(lexer.Dot) {
		save := p.pos
		p.advance()
		if p.cur().Kind != lexer.Ident && p.cur().Kind != lexer.DelimitedIdent {
			p.pos = save
			break
		}
		parts = append(parts, p.advance().Text)
	}
	return strings.Join(parts, "."), nil
}

// parseUnary handles right-associative unary +, -, not, then delegates
// to parsePostfix for the primary + postfix chain.
func (p *Parser) parseUnary() (*ast.Node, error) {
	tok := p.cur()
	switch tok.Kind {
	case lexer.Plus, lexer.Minus, lexer.KwNot:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := "+"
		if tok.Kind == lexer.Minus {
			op = "-"
		} else if tok.Kind == lexer.KwNot {
			op = "not"
		}
		return &ast.Node{Kind: ast.KindUnary, Span: ast.Span{Start: tok.Span.Start, End: operand.Span.End}, Op: op, RHS: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression followed by any chain of
// '.', '(', '[' postfix operators.
func (p *Parser) parsePostfix() (*ast.Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur().Kind {
		case lexer.Dot:
			p.advance()
			node, err = p.parseDottedStep(node)
			if err != nil {
				return nil, err
			}
		case lexer.LBracket:
			start := node.Span.Start
			p.advance()
			idx, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RBracket, "']'"); err != nil {
				return nil, err
			}
			node = &ast.Node{Kind: ast.KindIndex, Span: ast.Span{Start: start, End: p.toks[p.pos-1].Span.End}, Base: node, IndexExpr: idx}
		default:
			return node, nil
		}
	}
}

// parseDottedStep parses the member-access or invocation that follows a
// '.': either `name` (Path) or `name(args...)` (Invocation with receiver).
func (p *Parser) parseDottedStep(base *ast.Node) (*ast.Node, error) {
	tok := p.cur()
	var name string
	switch tok.Kind {
	case lexer.Ident, lexer.DelimitedIdent:
		name = tok.Text
		if tok.Kind == lexer.DelimitedIdent {
			name = tok.Value
		}
		p.advance()
	case lexer.KwAs, lexer.KwIs, lexer.KwIn, lexer.KwContains, lexer.KwDiv, lexer.KwMod,
		lexer.KwAnd, lexer.KwOr, lexer.KwXor, lexer.KwImplies, lexer.KwNot:
		// Keywords are valid member/function names in member-access position.
		name = tok.Text
		p.advance()
	default:
		return p.fail("expected member name after '.'")
	}

	if p.at(lexer.LParen) {
		p.advance()
		args, err := p.parseArgList()
		if err != nil {
			return nil, err
		}
		return &ast.Node{Kind: ast.KindInvocation, Span: ast.Span{Start: base.Span.Start, End: p.toks[p.pos-1].Span.End}, Receiver: base, Name: name, Args: args}, nil
	}
	return &ast.Node{Kind: ast.KindPath, Span: ast.Span{Start: base.Span.Start, End: tok.Span.End}, Base: base, Member: name}, nil
}

func (p *Parser) parseArgList() ([]*ast.Node, error) {
	var args []*ast.Node
	if p.at(lexer.RParen) {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.at(lexer.Comma) {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(lexer.RParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

// parsePrimary parses a literal, parenthesized expr, collection literal,
// identifier (possibly a bare invocation), variable, or special variable.
func (p *Parser) parsePrimary() (*ast.Node, error) {
	tok := p.cur()
	switch tok.Kind {
	case lexer.IntLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitInteger, LitValue: tok.Value}, nil
	case lexer.DecimalLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitDecimal, LitValue: tok.Value}, nil
	case lexer.StringLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitString, LitValue: tok.Value}, nil
	case lexer.QuantityLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitQuantity, LitValue: tok.Value, LitUnit: tok.Unit}, nil
	case lexer.KwTrue:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitBoolean, LitValue: "true"}, nil
	case lexer.KwFalse:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitBoolean, LitValue: "false"}, nil
	case lexer.NullLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitNull}, nil
	case lexer.DateLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitDate, LitValue: tok.Value}, nil
	case lexer.TimeLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitTime, LitValue: tok.Value}, nil
	case lexer.DateTimeLit:
		p.advance()
		return &ast.Node{Kind: ast.KindLiteral, Span: tok.Span, LitKind: ast.LitDateTime, LitValue: tok.Value}, nil
	case lexer.ThisVar:
		p.advance()
		return &ast.Node{Kind: ast.KindVariable, Span: tok.Span, Name: "$this"}, nil
	case lexer.IndexVar:
		p.advance()
		return &ast.Node{Kind: ast.KindVariable, Span: tok.Span, Name: "$index"}, nil
	case lexer.TotalVar:
		p.advance()
		return &ast.Node{Kind: ast.KindVariable, Span: tok.Span, Name: "$total"}, nil
	case lexer.Ident:
		p.advance()
		if p.at(lexer.LParen) {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return &ast.Node{Kind: ast.KindInvocation, Span: ast.Span{Start: tok.Span.Start, End: p.toks[p.pos-1].Span.End}, Name: tok.Value, Args: args}, nil
		}
		// %name external constant: the lexer already folds the '%' into Value.
		if strings.HasPrefix(tok.Value, "%") {
			return &ast.Node{Kind: ast.KindVariable, Span: tok.Span, Name: tok.Value}, nil
		}
		return &ast.Node{Kind: ast.KindIdentifier, Span: tok.Span, Name: tok.Value}, nil
	case lexer.DelimitedIdent:
		p.advance()
		if p.at(lexer.LParen) {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return &ast.Node{Kind: ast.KindInvocation, Span: ast.Span{Start: tok.Span.Start, End: p.toks[p.pos-1].Span.End}, Name: tok.Value, Args: args}, nil
		}
		return &ast.Node{Kind: ast.KindIdentifier, Span: tok.Span, Name: tok.Value}, nil
	case lexer.LParen:
		p.advance()
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case lexer.LBrace:
		start := tok.Span.Start
		p.advance()
		var items []*ast.Node
		if !p.at(lexer.RBrace) {
			for {
				item, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				if p.at(lexer.Comma) {
					p.advance()
					continue
				}
				break
			}
		}
		if _, err := p.expect(lexer.RBrace, "'}'"); err != nil {
			return nil, err
		}
		return &ast.Node{Kind: ast.KindCollection, Span: ast.Span{Start: start, End: p.toks[p.pos-1].Span.End}, Items: items}, nil
	}
	return p.fail(fmt.Sprintf("unexpected token %q", tok.Text))
}
