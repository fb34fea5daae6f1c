package funcs

import (
	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/eval"
	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/types"
)

func init() {
	// sort(expr?) restores a defined order on the focus; the evaluator
	// special-cases it to clear the ordering-broken flag it sets after
	// children()/descendants()/set operations, per the ordering
	// discipline the evaluator enforces for position-dependent functions.
	Register(FuncDef{
		Name:    "sort",
		MinArgs: 0,
		MaxArgs: 1,
		Fn:      fnSort,
	})

	// defineVariable(name [, value]) binds a variable visible for the
	// remainder of the containing invocation chain. The evaluator
	// special-cases this to read the raw argument AST so the name can be
	// a literal rather than a navigable path.
	Register(FuncDef{
		Name:    "defineVariable",
		MinArgs: 1,
		MaxArgs: 2,
		Fn:      fnDefineVariable,
	})
}

// fnSort is a pass-through; actual reordering (when an expr argument is
// supplied) happens in the evaluator, which has access to the unevaluated
// criteria AST needed to compute a sort key per element.
func fnSort(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	return input, nil
}

// fnDefineVariable is a pass-through stub; the evaluator performs the
// actual binding because it needs the variable name as a literal, not a
// navigated path.
func fnDefineVariable(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	return input, nil
}
