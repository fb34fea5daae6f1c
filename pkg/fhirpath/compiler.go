package fhirpath

import (
	"fmt"

	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/parser"
)

// compile parses a FHIRPath expression into a compiled Expression.
func compile(expr string) (*Expression, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	tree, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &Expression{
		source: expr,
		tree:   tree,
	}, nil
}
