// Package ast defines the FHIRPath expression tree: a closed set of node
// kinds produced by the parser and walked by the evaluator.
package ast

import "fmt"

// Span is a half-open byte range [Start, End) into the source text.
type Span struct {
	Start int
	End   int
}

// LineCol computes the 1-based line and column of offset within src.
func (s Span) LineCol(src string) (line, col int) {
	line, col = 1, 1
	for i := 0; i < s.Start && i < len(src); i++ {
		if src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// Kind tags the arm of the ExpressionNode union that is populated.
type Kind int

const (
	KindLiteral Kind = iota
	KindIdentifier
	KindVariable
	KindPath
	KindIndex
	KindInvocation
	KindUnary
	KindBinary
	KindTypeCast
	KindTypeCheck
	KindLambda
	KindCollection
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "Literal"
	case KindIdentifier:
		return "Identifier"
	case KindVariable:
		return "Variable"
	case KindPath:
		return "Path"
	case KindIndex:
		return "Index"
	case KindInvocation:
		return "Invocation"
	case KindUnary:
		return "Unary"
	case KindBinary:
		return "Binary"
	case KindTypeCast:
		return "TypeCast"
	case KindTypeCheck:
		return "TypeCheck"
	case KindLambda:
		return "Lambda"
	case KindCollection:
		return "Collection"
	case KindError:
		return "Error"
	}
	return "Unknown"
}

// LiteralKind distinguishes the literal value kinds the tokenizer produces.
type LiteralKind int

const (
	LitNull LiteralKind = iota
	LitBoolean
	LitInteger
	LitDecimal
	LitString
	LitDate
	LitTime
	LitDateTime
	LitQuantity
)

// Node is the tagged-union expression node. Exactly the fields relevant
// to Kind are populated; the rest are zero. The AST is immutable after
// parse — every constructor returns a fully-formed, read-only Node.
type Node struct {
	Kind Kind
	Span Span

	// Literal
	LitKind  LiteralKind
	LitValue string // raw lexical text, interpreted by the evaluator/types layer
	LitUnit  string // for LitQuantity: the UCUM/calendar unit text

	// Identifier / Variable
	Name string

	// Path: Base.Member
	Base   *Node
	Member string

	// Index: Base[IndexExpr]
	IndexExpr *Node

	// Invocation: Receiver.Name(Args...) or bare Name(Args...)
	Receiver *Node // nil for a bare function call
	Args     []*Node

	// Unary/Binary operator
	Op  string
	LHS *Node
	RHS *Node // Unary uses RHS as the operand

	// TypeCast / TypeCheck: Expr as/is TypeSpec
	Expr     *Node
	TypeSpec string // dotted qualified type name, e.g. "FHIR.Quantity"

	// Lambda: wraps a body expression that is re-evaluated per focus element
	Body *Node

	// Collection literal
	Items []*Node

	// Error: parser recovery sentinel
	ErrMessage string
}

// String renders a debug form of the node, primarily for tests.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindLiteral:
		return fmt.Sprintf("Literal(%s)", n.LitValue)
	case KindIdentifier:
		return fmt.Sprintf("Identifier(%s)", n.Name)
	case KindVariable:
		return fmt.Sprintf("Variable(%s)", n.Name)
	case KindPath:
		return fmt.Sprintf("Path(%s.%s)", n.Base, n.Member)
	case KindIndex:
		return fmt.Sprintf("Index(%s[%s])", n.Base, n.IndexExpr)
	case KindInvocation:
		return fmt.Sprintf("Invocation(%s.%s(%d args))", n.Receiver, n.Name, len(n.Args))
	case KindUnary:
		return fmt.Sprintf("Unary(%s %s)", n.Op, n.RHS)
	case KindBinary:
		return fmt.Sprintf("Binary(%s %s %s)", n.LHS, n.Op, n.RHS)
	case KindTypeCast:
		return fmt.Sprintf("TypeCast(%s as %s)", n.Expr, n.TypeSpec)
	case KindTypeCheck:
		return fmt.Sprintf("TypeCheck(%s is %s)", n.Expr, n.TypeSpec)
	case KindLambda:
		return fmt.Sprintf("Lambda(%s)", n.Body)
	case KindCollection:
		return fmt.Sprintf("Collection(%d items)", len(n.Items))
	case KindError:
		return fmt.Sprintf("Error(%s)", n.ErrMessage)
	}
	return "?"
}

// Equal reports whether a and b are structurally equal trees; it is used
// by tests. Expression caching lives in the fhirpath package and works
// over normalised source text, not the tree.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindLiteral:
		return a.LitKind == b.LitKind && a.LitValue == b.LitValue && a.LitUnit == b.LitUnit
	case KindIdentifier, KindVariable:
		return a.Name == b.Name
	case KindPath:
		return a.Member == b.Member && Equal(a.Base, b.Base)
	case KindIndex:
		return Equal(a.Base, b.Base) && Equal(a.IndexExpr, b.IndexExpr)
	case KindInvocation:
		if a.Name != b.Name || len(a.Args) != len(b.Args) || !Equal(a.Receiver, b.Receiver) {
			return false
		}
		for i := range a.Args {
			if !Equal(a.Args[i], b.Args[i]) {
				return false
			}
		}
		return true
	case KindUnary:
		return a.Op == b.Op && Equal(a.RHS, b.RHS)
	case KindBinary:
		return a.Op == b.Op && Equal(a.LHS, b.LHS) && Equal(a.RHS, b.RHS)
	case KindTypeCast, KindTypeCheck:
		return a.TypeSpec == b.TypeSpec && Equal(a.Expr, b.Expr)
	case KindLambda:
		return Equal(a.Body, b.Body)
	case KindCollection:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindError:
		return true
	}
	return false
}
