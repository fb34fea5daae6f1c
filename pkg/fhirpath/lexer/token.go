package lexer

import "github.com/robertoaraneda/gofhirpath/pkg/fhirpath/ast"

// Kind enumerates token categories.
type Kind int

const (
	EOF Kind = iota
	Ident
	DelimitedIdent // `backtick quoted`
	IntLit
	DecimalLit
	StringLit
	DateLit
	TimeLit
	DateTimeLit
	QuantityLit
	BoolLit
	NullLit // {}

	// Punctuation
	Dot
	Comma
	LParen
	RParen
	LBracket
	RBracket
	LBrace
	RBrace
	Semicolon

	// Symbolic operators
	Eq
	Neq
	Equiv
	NotEquiv
	Lt
	Le
	Gt
	Ge
	Plus
	Minus
	Star
	Slash
	Amp
	Pipe
	Dollar
	Percent

	// Keyword operators
	KwAnd
	KwOr
	KwXor
	KwImplies
	KwNot
	KwIs
	KwAs
	KwIn
	KwContains
	KwDiv
	KwMod
	KwTrue
	KwFalse

	// Special variable identifiers
	ThisVar
	IndexVar
	TotalVar
)

var keywords = map[string]Kind{
	"and":      KwAnd,
	"or":       KwOr,
	"xor":      KwXor,
	"implies":  KwImplies,
	"not":      KwNot,
	"is":       KwIs,
	"as":       KwAs,
	"in":       KwIn,
	"contains": KwContains,
	"div":      KwDiv,
	"mod":      KwMod,
	"true":     KwTrue,
	"false":    KwFalse,
}

// Token is a lexeme with its kind, source span, and decoded text.
type Token struct {
	Kind Kind
	Span ast.Span
	Text string // raw source text for the token
	// Value holds the decoded literal text (unescaped string, quantity
	// unit stripped, etc) for literal-kind tokens.
	Value string
	Unit  string // QuantityLit only
}
