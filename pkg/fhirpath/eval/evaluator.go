package eval

import (
	"context"
	"strconv"
	"strings"

	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/ast"
	"github.com/robertoaraneda/gofhirpath/pkg/fhirpath/types"
)

// FuncImpl is the signature for function implementations.
type FuncImpl func(ctx *Context, input types.Collection, args []interface{}) (types.Collection, error)

// FuncDef defines a FHIRPath function.
type FuncDef struct {
	Name    string
	MinArgs int
	MaxArgs int
	Fn      FuncImpl
}

// FuncRegistry is an interface for function lookup.
type FuncRegistry interface {
	Get(name string) (FuncDef, bool)
	List() []string
}

// Resolver handles FHIR reference resolution.
type Resolver interface {
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// lambdaFunctions are the names whose arguments are re-evaluated per
// focus element (with $this/$index rebound) rather than evaluated once
// up front. The registry's Fn for these names is a pass-through stub;
// the evaluator performs the actual per-element iteration.
var lambdaFunctions = map[string]bool{
	"where": true, "select": true, "all": true, "any": true,
	"exists": true, "repeat": true, "aggregate": true,
	"is": true, "as": true, "ofType": true, "iif": true,
	"sort": true, "defineVariable": true,
}

// Evaluator walks an ast.Node tree against a Context, dispatching
// function calls through a FuncRegistry.
type Evaluator struct {
	ctx   *Context
	funcs FuncRegistry
	src   string // original source, for span-to-line/col reporting
}

// Context holds the evaluation state threaded through a single Evaluate call.
type Context struct {
	root      types.Collection
	this      types.Collection
	index     int
	total     types.Value
	variables map[string]types.Collection
	definedBy map[string]bool // names bound via defineVariable(), for redefinition checks
	limits    map[string]int
	goCtx     context.Context
	resolver  Resolver
	model     ModelProvider

	// orderingBroken is set once this evaluation has passed through an
	// order-dropping operation (children, descendants, a set operation)
	// and cleared by sort(). Position-dependent operators consult it to
	// satisfy the ordering discipline (spec P5).
	orderingBroken bool
}

// NewContext creates a new evaluation context.
// Automatically sets %resource and %context to the root resource for FHIR constraint evaluation.
// Per FHIRPath spec:
//   - %resource: the root resource being evaluated
//   - %context: the original node passed to the evaluation engine (same as %resource for top-level evaluation)
func NewContext(resource []byte) *Context {
	//nolint:errcheck // Empty collection is acceptable for invalid JSON in context creation
	root, _ := types.JSONToCollection(resource)

	variables := make(map[string]types.Collection)
	variables["resource"] = root
	variables["context"] = root

	return &Context{
		root:      root,
		this:      root,
		variables: variables,
		definedBy: make(map[string]bool),
		limits:    make(map[string]int),
		goCtx:     context.Background(),
		model:     DefaultModelProvider(),
	}
}

// SetLimit sets a limit value (e.g., maxDepth, maxCollectionSize).
func (c *Context) SetLimit(name string, value int) {
	if c.limits == nil {
		c.limits = make(map[string]int)
	}
	c.limits[name] = value
}

// GetLimit gets a limit value.
func (c *Context) GetLimit(name string) int {
	if c.limits == nil {
		return 0
	}
	return c.limits[name]
}

// SetContext sets the Go context for cancellation.
func (c *Context) SetContext(ctx context.Context) {
	c.goCtx = ctx
}

// Context returns the Go context.
func (c *Context) Context() context.Context {
	if c.goCtx == nil {
		return context.Background()
	}
	return c.goCtx
}

// SetResolver sets the reference resolver.
func (c *Context) SetResolver(r Resolver) {
	c.resolver = r
}

// GetResolver returns the reference resolver.
func (c *Context) GetResolver() Resolver {
	return c.resolver
}

// SetModelProvider sets the schema provider consulted for type-hierarchy
// and choice-type queries. Defaults to DefaultModelProvider().
func (c *Context) SetModelProvider(m ModelProvider) {
	if m != nil {
		c.model = m
	}
}

// ModelProvider returns the active schema provider.
func (c *Context) ModelProvider() ModelProvider {
	if c.model == nil {
		return DefaultModelProvider()
	}
	return c.model
}

// CheckCancellation checks if the context has been canceled.
func (c *Context) CheckCancellation() error {
	if c.goCtx == nil {
		return nil
	}
	select {
	case <-c.goCtx.Done():
		return CancelledError()
	default:
		return nil
	}
}

// CheckCollectionSize validates that a collection doesn't exceed the maximum size.
func (c *Context) CheckCollectionSize(col types.Collection) error {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return NewEvalError(ErrInvalidExpression,
			"collection size %d exceeds maximum allowed %d", len(col), maxSize)
	}
	return nil
}

// EnforceCollectionLimit truncates a collection if it exceeds the maximum size.
func (c *Context) EnforceCollectionLimit(col types.Collection) (types.Collection, bool) {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return col[:maxSize], true
	}
	return col, false
}

// Root returns the root collection.
func (c *Context) Root() types.Collection {
	return c.root
}

// This returns the current $this value.
func (c *Context) This() types.Collection {
	return c.this
}

// WithThis returns a new context with the given $this value.
func (c *Context) WithThis(this types.Collection) *Context {
	newCtx := *c
	newCtx.this = this
	return &newCtx
}

// WithIndex returns a new context with the given $index value.
func (c *Context) WithIndex(index int) *Context {
	newCtx := *c
	newCtx.index = index
	return &newCtx
}

// SetVariable sets an external variable.
func (c *Context) SetVariable(name string, value types.Collection) {
	c.variables[name] = value
}

// GetVariable gets an external variable.
func (c *Context) GetVariable(name string) (types.Collection, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// defineVariable binds name for the remainder of this evaluation.
// Re-binding a name previously bound by defineVariable is a user error.
func (c *Context) defineVariable(name string, value types.Collection) error {
	if c.definedBy == nil {
		c.definedBy = make(map[string]bool)
	}
	if c.definedBy[name] {
		return InvalidArgumentsError("defineVariable", 0, 0).
			WithUnderlying(InternalError("variable '" + name + "' is already defined in this scope"))
	}
	c.definedBy[name] = true
	c.variables[name] = value
	return nil
}

// markOrderingBroken flags that the current focus resulted from an
// order-dropping operation.
func (c *Context) markOrderingBroken() { c.orderingBroken = true }

// clearOrdering marks the current focus as having a well-defined order again.
func (c *Context) clearOrdering() { c.orderingBroken = false }

// RequireOrdered returns OrderingNotGuaranteedError(op) if the current
// focus resulted from an order-dropping operation with no intervening
// sort(). Registered functions that are position-dependent
// (first/last/tail/skip/take) call this before consulting position.
func (c *Context) RequireOrdered(op string) error {
	if c.orderingBroken {
		return OrderingNotGuaranteedError(op)
	}
	return nil
}

// NewEvaluator creates a new evaluator with the given context and function registry.
func NewEvaluator(ctx *Context, funcs FuncRegistry) *Evaluator {
	return &Evaluator{ctx: ctx, funcs: funcs}
}

// NewEvaluatorWithSource is like NewEvaluator but retains the original
// source text so errors can report line/column via ast.Span.
func NewEvaluatorWithSource(ctx *Context, funcs FuncRegistry, src string) *Evaluator {
	return &Evaluator{ctx: ctx, funcs: funcs, src: src}
}

// Evaluate evaluates a parsed expression tree and returns the result.
func (e *Evaluator) Evaluate(node *ast.Node) (types.Collection, error) {
	result := e.eval(node)
	if err, ok := result.(error); ok {
		return nil, e.annotate(node, err)
	}
	if col, ok := result.(types.Collection); ok {
		return col, nil
	}
	return types.Collection{}, nil
}

// annotate attaches source position to an *EvalError that doesn't have
// one yet, using the node's span and the retained source text.
func (e *Evaluator) annotate(node *ast.Node, err error) error {
	ee, ok := err.(*EvalError)
	if !ok || node == nil || e.src == "" || ee.Position.Line != 0 {
		return err
	}
	line, col := node.Span.LineCol(e.src)
	return ee.WithPosition(line, col)
}

// eval dispatches on node.Kind, returning either a types.Collection or an error.
func (e *Evaluator) eval(node *ast.Node) interface{} {
	if node == nil {
		return types.Collection{}
	}
	if err := e.ctx.CheckCancellation(); err != nil {
		return err
	}
	switch node.Kind {
	case ast.KindLiteral:
		return e.evalLiteral(node)
	case ast.KindIdentifier:
		return e.navigateMember(e.ctx.This(), node.Name)
	case ast.KindVariable:
		return e.evalVariable(node)
	case ast.KindPath:
		return e.evalPath(node)
	case ast.KindIndex:
		return e.evalIndex(node)
	case ast.KindInvocation:
		return e.evalInvocation(node)
	case ast.KindUnary:
		return e.evalUnary(node)
	case ast.KindBinary:
		return e.evalBinary(node)
	case ast.KindTypeCast:
		return e.evalTypeCast(node)
	case ast.KindTypeCheck:
		return e.evalTypeCheck(node)
	case ast.KindLambda:
		return e.eval(node.Body)
	case ast.KindCollection:
		return e.evalCollectionLiteral(node)
	case ast.KindError:
		return NewEvalError(ErrInvalidExpression, "parse error: %s", node.ErrMessage)
	}
	return types.Collection{}
}

func (e *Evaluator) evalLiteral(node *ast.Node) interface{} {
	switch node.LitKind {
	case ast.LitNull:
		return types.Collection{}
	case ast.LitBoolean:
		return types.Collection{types.NewBoolean(node.LitValue == "true")}
	case ast.LitString:
		return types.Collection{types.NewString(node.LitValue)}
	case ast.LitInteger:
		if i, err := strconv.ParseInt(node.LitValue, 10, 64); err == nil {
			return types.Collection{types.NewInteger(i)}
		}
		return ParseError("invalid integer: " + node.LitValue)
	case ast.LitDecimal:
		d, err := types.NewDecimal(node.LitValue)
		if err != nil {
			return ParseError("invalid decimal: " + node.LitValue)
		}
		return types.Collection{d}
	case ast.LitDate:
		d, err := types.NewDate(node.LitValue)
		if err != nil {
			return ParseError("invalid date: " + node.LitValue)
		}
		return types.Collection{d}
	case ast.LitTime:
		t, err := types.NewTime(node.LitValue)
		if err != nil {
			return ParseError("invalid time: " + node.LitValue)
		}
		return types.Collection{t}
	case ast.LitDateTime:
		dt, err := types.NewDateTime(node.LitValue)
		if err != nil {
			return ParseError("invalid datetime: " + node.LitValue)
		}
		return types.Collection{dt}
	case ast.LitQuantity:
		d, err := types.NewDecimal(node.LitValue)
		if err != nil {
			return ParseError("invalid quantity: " + node.LitValue)
		}
		return types.Collection{types.NewQuantityFromDecimal(d.Value(), node.LitUnit)}
	}
	return types.Collection{}
}

func (e *Evaluator) evalVariable(node *ast.Node) interface{} {
	switch node.Name {
	case "$this":
		return e.ctx.This()
	case "$index":
		return types.Collection{types.NewInteger(int64(e.ctx.index))}
	case "$total":
		if e.ctx.total != nil {
			return types.Collection{e.ctx.total}
		}
		return types.Collection{}
	}
	name := strings.TrimPrefix(node.Name, "%")
	if value, ok := e.ctx.GetVariable(name); ok {
		return value
	}
	return UnknownVariableError(name)
}

func (e *Evaluator) evalPath(node *ast.Node) interface{} {
	base := e.eval(node.Base)
	if err, ok := base.(error); ok {
		return err
	}
	return e.navigateMember(base.(types.Collection), node.Member)
}

func (e *Evaluator) evalIndex(node *ast.Node) interface{} {
	base := e.eval(node.Base)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol := base.(types.Collection)

	if e.ctx.orderingBroken {
		return OrderingNotGuaranteedError("[]")
	}

	idx := e.eval(node.IndexExpr)
	if err, ok := idx.(error); ok {
		return err
	}
	idxCol := idx.(types.Collection)
	if idxCol.Empty() {
		return types.Collection{}
	}

	i, ok := idxCol[0].(types.Integer)
	if !ok {
		return TypeError("Integer", idxCol[0].Type(), "indexer")
	}
	pos := int(i.Value())
	if pos < 0 || pos >= len(baseCol) {
		return types.Collection{}
	}
	return types.Collection{baseCol[pos]}
}

func (e *Evaluator) evalCollectionLiteral(node *ast.Node) interface{} {
	result := types.Collection{}
	for _, item := range node.Items {
		v := e.eval(item)
		if err, ok := v.(error); ok {
			return err
		}
		result = append(result, v.(types.Collection)...)
	}
	return result
}

func (e *Evaluator) evalUnary(node *ast.Node) interface{} {
	operand := e.eval(node.RHS)
	if err, ok := operand.(error); ok {
		return err
	}
	col := operand.(types.Collection)

	if node.Op == "not" {
		return Not(col)
	}

	if col.Empty() {
		return col
	}
	if len(col) != 1 {
		return SingletonError(len(col))
	}
	if node.Op == "-" {
		negated, err := Negate(col[0])
		if err != nil {
			return err
		}
		return types.Collection{negated}
	}
	return col
}

func (e *Evaluator) evalBinary(node *ast.Node) interface{} {
	switch node.Op {
	case "and":
		return e.evalAnd(node)
	case "or", "xor":
		return e.evalOr(node)
	case "implies":
		return e.evalImplies(node)
	}

	left := e.eval(node.LHS)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)

	right := e.eval(node.RHS)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)

	switch node.Op {
	case "|":
		e.ctx.markOrderingBroken()
		return Union(leftCol, rightCol)
	case "in":
		return In(leftCol, rightCol)
	case "contains":
		return Contains(leftCol, rightCol)
	case "=":
		return Equal(leftCol, rightCol)
	case "!=":
		return NotEqual(leftCol, rightCol)
	case "~":
		return Equivalent(leftCol, rightCol)
	case "!~":
		return NotEquivalent(leftCol, rightCol)
	case "&":
		return Concatenate(leftCol, rightCol)
	}

	// Remaining operators are all singleton-coerced scalar operators:
	// empty propagation first, then arity, then dispatch.
	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Value
	var col types.Collection
	var err error
	switch node.Op {
	case "+":
		result, err = Add(leftCol[0], rightCol[0])
	case "-":
		result, err = Subtract(leftCol[0], rightCol[0])
	case "*":
		result, err = Multiply(leftCol[0], rightCol[0])
	case "/":
		result, err = Divide(leftCol[0], rightCol[0])
	case "div":
		result, err = IntegerDivide(leftCol[0], rightCol[0])
	case "mod":
		result, err = Modulo(leftCol[0], rightCol[0])
	case "<":
		col, err = LessThan(leftCol[0], rightCol[0])
		if err != nil {
			return err
		}
		return col
	case "<=":
		col, err = LessOrEqual(leftCol[0], rightCol[0])
		if err != nil {
			return err
		}
		return col
	case ">":
		col, err = GreaterThan(leftCol[0], rightCol[0])
		if err != nil {
			return err
		}
		return col
	case ">=":
		col, err = GreaterOrEqual(leftCol[0], rightCol[0])
		if err != nil {
			return err
		}
		return col
	default:
		return InternalError("unknown operator " + node.Op)
	}
	if err != nil {
		if isEmptyPropagating(err) {
			return types.Collection{}
		}
		return err
	}
	return types.Collection{result}
}

// evalAnd implements three-valued 'and' with short-circuit on a false left side.
func (e *Evaluator) evalAnd(node *ast.Node) interface{} {
	left := e.eval(node.LHS)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)
	if !leftCol.Empty() {
		if b, ok := leftCol[0].(types.Boolean); ok && !b.Bool() {
			return types.FalseCollection
		}
	}
	right := e.eval(node.RHS)
	if err, ok := right.(error); ok {
		return err
	}
	return And(leftCol, right.(types.Collection))
}

func (e *Evaluator) evalOr(node *ast.Node) interface{} {
	left := e.eval(node.LHS)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)
	if node.Op == "or" && !leftCol.Empty() {
		if b, ok := leftCol[0].(types.Boolean); ok && b.Bool() {
			return types.TrueCollection
		}
	}
	right := e.eval(node.RHS)
	if err, ok := right.(error); ok {
		return err
	}
	rightCol := right.(types.Collection)
	if node.Op == "xor" {
		return Xor(leftCol, rightCol)
	}
	return Or(leftCol, rightCol)
}

func (e *Evaluator) evalImplies(node *ast.Node) interface{} {
	left := e.eval(node.LHS)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)
	if !leftCol.Empty() {
		if b, ok := leftCol[0].(types.Boolean); ok && !b.Bool() {
			return types.TrueCollection
		}
	}
	right := e.eval(node.RHS)
	if err, ok := right.(error); ok {
		return err
	}
	return Implies(leftCol, right.(types.Collection))
}

func (e *Evaluator) evalTypeCast(node *ast.Node) interface{} {
	left := e.eval(node.Expr)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)
	if leftCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 {
		return SingletonError(len(leftCol))
	}
	matches, err := e.typeMatches(leftCol[0].Type(), node.TypeSpec)
	if err != nil {
		return err
	}
	if matches {
		return leftCol
	}
	return types.Collection{}
}

func (e *Evaluator) evalTypeCheck(node *ast.Node) interface{} {
	left := e.eval(node.Expr)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol := left.(types.Collection)
	if leftCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 {
		return SingletonError(len(leftCol))
	}
	matches, err := e.typeMatches(leftCol[0].Type(), node.TypeSpec)
	if err != nil {
		return err
	}
	return types.Collection{types.NewBoolean(matches)}
}

// typeMatches decides whether actualType satisfies typeSpec for is/as/ofType
// and the is/as operators. It consults the configured ModelProvider first,
// since a caller-supplied provider backed by a real FHIR schema knows
// subtype relationships the built-in heuristic does not; it then falls back
// to the local TypeMatches heuristic, which additionally understands the
// System-primitive synonyms (e.g. "boolean" vs "Boolean") a schema provider
// has no reason to model.
func (e *Evaluator) typeMatches(actualType, typeSpec string) (bool, *EvalError) {
	ok, err := e.ctx.ModelProvider().IsSubtype(actualType, typeSpec)
	if err != nil {
		return false, ModelProviderFailureError("IsSubtype", err)
	}
	if ok {
		return true, nil
	}
	return TypeMatches(actualType, typeSpec), nil
}

// evalInvocation evaluates Receiver.Name(Args) or a bare Name(Args), which
// implicitly invokes against $this.
func (e *Evaluator) evalInvocation(node *ast.Node) interface{} {
	input := e.ctx.This()
	if node.Receiver != nil {
		base := e.eval(node.Receiver)
		if err, ok := base.(error); ok {
			return err
		}
		input = base.(types.Collection)
	}

	name := node.Name
	fn, ok := e.funcs.Get(name)
	if !ok {
		return FunctionNotFoundErrorWithSuggestions(name, e.funcs.List())
	}

	argCount := len(node.Args)
	if argCount < fn.MinArgs {
		return InvalidArgumentsError(name, fn.MinArgs, argCount)
	}
	if fn.MaxArgs >= 0 && argCount > fn.MaxArgs {
		return InvalidArgumentsError(name, fn.MaxArgs, argCount)
	}

	// $this is NOT rebound to the receiver here: only true iteration
	// functions (where/select/all/any/.../defineVariable's value
	// expression) change $this, each via their own explicit scoping
	// (withScope, or evalDefineVariable's own save/restore). An ordinary
	// eager call's arguments evaluate against whatever $this already was
	// in the surrounding expression — e.g. in
	// "Patient.name.first().subsetOf($this.name)", $this inside the
	// subsetOf argument stays bound to the root Patient, not to
	// first()'s single-HumanName result.

	if lambdaFunctions[name] {
		return e.evalLambdaCall(name, input, node.Args)
	}

	args := make([]interface{}, argCount)
	for i, argNode := range node.Args {
		v := e.eval(argNode)
		if err, ok := v.(error); ok {
			return err
		}
		args[i] = v
	}

	e.applyOrderingEffect(name)

	result, err := fn.Fn(e.ctx, input, args)
	if err != nil {
		return err
	}
	return result
}

// applyOrderingEffect updates the ordering-discipline side channel for
// functions with a fixed effect on order (spec P5): children/descendants
// and the set-like operations drop order; sort restores it.
func (e *Evaluator) applyOrderingEffect(name string) {
	switch name {
	case "children", "descendants", "distinct", "exclude", "intersect":
		e.ctx.markOrderingBroken()
	case "sort":
		e.ctx.clearOrdering()
	}
}

// evalLambdaCall dispatches the handful of functions whose argument is an
// unevaluated AST re-run per element (or, for is/as/ofType/iif, consumed
// specially rather than iterated).
func (e *Evaluator) evalLambdaCall(name string, input types.Collection, args []*ast.Node) interface{} {
	switch name {
	case "where":
		return e.evalWhere(input, args[0])
	case "select":
		return e.evalSelect(input, args[0])
	case "all":
		return e.evalAll(input, args[0])
	case "any":
		return e.evalAny(input, args[0])
	case "exists":
		if len(args) == 0 {
			if input.Empty() {
				return types.FalseCollection
			}
			return types.TrueCollection
		}
		return e.evalAny(input, args[0])
	case "repeat":
		return e.evalRepeat(input, args[0])
	case "aggregate":
		var initNode *ast.Node
		if len(args) > 1 {
			initNode = args[1]
		}
		return e.evalAggregate(input, args[0], initNode)
	case "is":
		return e.evalIsFunction(input, args[0])
	case "as":
		return e.evalAsFunction(input, args[0])
	case "ofType":
		return e.evalOfType(input, args[0])
	case "iif":
		return e.evalIif(args)
	case "sort":
		e.ctx.clearOrdering()
		if len(args) == 0 {
			return input
		}
		return e.evalSort(input, args[0])
	case "defineVariable":
		return e.evalDefineVariable(input, args)
	}
	return InternalError("unhandled lambda function " + name)
}

func (e *Evaluator) withScope(item types.Value, index int, fn func() interface{}) interface{} {
	oldThis, oldIndex := e.ctx.this, e.ctx.index
	e.ctx.this = types.Collection{item}
	e.ctx.index = index
	result := fn()
	e.ctx.this, e.ctx.index = oldThis, oldIndex
	return result
}

func (e *Evaluator) evalWhere(input types.Collection, criteria *ast.Node) interface{} {
	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}
	result := types.Collection{}
	for i, item := range input {
		r := e.withScope(item, i, func() interface{} { return e.eval(criteria) })
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				result = append(result, item)
			}
		}
	}
	return result
}

func (e *Evaluator) evalSelect(input types.Collection, projection *ast.Node) interface{} {
	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}
	result := types.Collection{}
	for i, item := range input {
		r := e.withScope(item, i, func() interface{} { return e.eval(projection) })
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok {
			result = append(result, col...)
			if err := e.ctx.CheckCollectionSize(result); err != nil {
				return err
			}
		}
	}
	return result
}

func (e *Evaluator) evalAll(input types.Collection, criteria *ast.Node) interface{} {
	for i, item := range input {
		r := e.withScope(item, i, func() interface{} { return e.eval(criteria) })
		if err, ok := r.(error); ok {
			return err
		}
		col, ok := r.(types.Collection)
		if !ok || col.Empty() {
			return types.FalseCollection
		}
		if b, ok := col[0].(types.Boolean); ok && !b.Bool() {
			return types.FalseCollection
		}
	}
	return types.TrueCollection
}

func (e *Evaluator) evalAny(input types.Collection, criteria *ast.Node) interface{} {
	for i, item := range input {
		r := e.withScope(item, i, func() interface{} { return e.eval(criteria) })
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				return types.TrueCollection
			}
		}
	}
	return types.FalseCollection
}

// evalRepeat implements the fixed-point per spec §4.6/§9: repeatedly apply
// criteria to the newly produced elements only, deduplicating by identity
// (pointer for *ObjectValue, value otherwise) and capping iterations.
func (e *Evaluator) evalRepeat(input types.Collection, criteria *ast.Node) interface{} {
	const maxIterations = 10000
	seen := make(map[interface{}]bool)
	identityOf := func(v types.Value) interface{} {
		if obj, ok := v.(*types.ObjectValue); ok {
			return obj
		}
		return v.String() + "|" + v.Type()
	}

	frontier := input
	result := types.Collection{}
	for _, v := range input {
		seen[identityOf(v)] = true
	}

	for iter := 0; iter < maxIterations && len(frontier) > 0; iter++ {
		if err := e.ctx.CheckCancellation(); err != nil {
			return err
		}
		next := types.Collection{}
		for i, item := range frontier {
			r := e.withScope(item, i, func() interface{} { return e.eval(criteria) })
			if err, ok := r.(error); ok {
				return err
			}
			col, ok := r.(types.Collection)
			if !ok {
				continue
			}
			for _, v := range col {
				id := identityOf(v)
				if seen[id] {
					continue
				}
				seen[id] = true
				next = append(next, v)
				result = append(result, v)
			}
		}
		frontier = next
	}
	return result
}

// evalAggregate threads $total across the input, per aggregate(aggregator [, init]).
func (e *Evaluator) evalAggregate(input types.Collection, aggregator, initNode *ast.Node) interface{} {
	var total types.Value
	if initNode != nil {
		r := e.eval(initNode)
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			total = col[0]
		}
	}

	oldTotal := e.ctx.total
	defer func() { e.ctx.total = oldTotal }()

	for i, item := range input {
		e.ctx.total = total
		r := e.withScope(item, i, func() interface{} { return e.eval(aggregator) })
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			total = col[0]
		}
	}

	if total == nil {
		return types.Collection{}
	}
	return types.Collection{total}
}

func (e *Evaluator) evalIsFunction(input types.Collection, typeExpr *ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}
	typeName := e.extractTypeName(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("is", 1, 0)
	}
	matches, err := e.typeMatches(input[0].Type(), typeName)
	if err != nil {
		return err
	}
	return types.Collection{types.NewBoolean(matches)}
}

func (e *Evaluator) evalAsFunction(input types.Collection, typeExpr *ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}
	typeName := e.extractTypeName(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("as", 1, 0)
	}
	matches, err := e.typeMatches(input[0].Type(), typeName)
	if err != nil {
		return err
	}
	if matches {
		return input
	}
	return types.Collection{}
}

func (e *Evaluator) evalOfType(input types.Collection, typeExpr *ast.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	typeName := e.extractTypeName(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("ofType", 1, 0)
	}
	result := types.Collection{}
	for _, item := range input {
		matches, err := e.typeMatches(item.Type(), typeName)
		if err != nil {
			return err
		}
		if matches {
			result = append(result, item)
		}
	}
	return result
}

// extractTypeName reads a type name directly out of the AST: is/as/ofType
// take a bare (possibly dotted) type identifier, not a navigable path, so
// this walks Identifier/Path nodes structurally rather than evaluating them.
func (e *Evaluator) extractTypeName(node *ast.Node) string {
	switch node.Kind {
	case ast.KindIdentifier:
		return node.Name
	case ast.KindPath:
		return e.extractTypeName(node.Base) + "." + node.Member
	case ast.KindInvocation:
		if node.Receiver == nil {
			return node.Name
		}
	}
	return ""
}

func (e *Evaluator) evalIif(args []*ast.Node) interface{} {
	if len(args) < 2 {
		return InvalidArgumentsError("iif", 2, len(args))
	}
	cond := e.eval(args[0])
	if err, ok := cond.(error); ok {
		return err
	}
	truthy := false
	if col, ok := cond.(types.Collection); ok && !col.Empty() {
		if b, ok := col[0].(types.Boolean); ok {
			truthy = b.Bool()
		}
	}
	if truthy {
		r := e.eval(args[1])
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok {
			return col
		}
		return types.Collection{}
	}
	if len(args) > 2 {
		r := e.eval(args[2])
		if err, ok := r.(error); ok {
			return err
		}
		if col, ok := r.(types.Collection); ok {
			return col
		}
	}
	return types.Collection{}
}

// evalSort orders input by the comparable key produced by evaluating expr
// against each element; ties keep their relative input order.
func (e *Evaluator) evalSort(input types.Collection, expr *ast.Node) interface{} {
	type keyed struct {
		key  types.Value
		item types.Value
	}
	keys := make([]keyed, 0, len(input))
	for i, item := range input {
		r := e.withScope(item, i, func() interface{} { return e.eval(expr) })
		if err, ok := r.(error); ok {
			return err
		}
		var k types.Value
		if col, ok := r.(types.Collection); ok && !col.Empty() {
			k = col[0]
		}
		keys = append(keys, keyed{key: k, item: item})
	}
	// Stable insertion sort: collections here are expected to be small
	// (per-expression evaluation, not bulk data processing).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			cmp, ok := keys[j-1].key.(types.Comparable)
			if !ok || keys[j].key == nil {
				break
			}
			c, err := cmp.Compare(keys[j].key)
			if err != nil || c <= 0 {
				break
			}
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	result := make(types.Collection, len(keys))
	for i, k := range keys {
		result[i] = k.item
	}
	return result
}

// evalDefineVariable reads the variable name directly from the AST (a
// string literal or bare identifier), evaluates the optional value
// expression against the current focus, and binds it for the remainder
// of this evaluation.
func (e *Evaluator) evalDefineVariable(input types.Collection, args []*ast.Node) interface{} {
	name := ""
	switch args[0].Kind {
	case ast.KindLiteral:
		if args[0].LitKind == ast.LitString {
			name = args[0].LitValue
		}
	case ast.KindIdentifier:
		name = args[0].Name
	}
	if name == "" {
		return InvalidArgumentsError("defineVariable", 1, 0)
	}

	value := input
	if len(args) > 1 {
		oldThis := e.ctx.this
		e.ctx.this = input
		r := e.eval(args[1])
		e.ctx.this = oldThis
		if err, ok := r.(error); ok {
			return err
		}
		value = r.(types.Collection)
	}

	if err := e.ctx.defineVariable(name, value); err != nil {
		return err
	}
	return input
}

// nonDomainResources contains FHIR resources that inherit directly from Resource,
// not from DomainResource. All other resources inherit from DomainResource.
var nonDomainResources = map[string]bool{
	"Bundle":     true,
	"Binary":     true,
	"Parameters": true,
}

// IsDomainResource returns true if the given resource type inherits from DomainResource.
func IsDomainResource(resourceType string) bool {
	return !nonDomainResources[resourceType]
}

// IsSubtypeOf checks if actualType is a subtype of (or equal to) baseType.
func IsSubtypeOf(actualType, baseType string) bool {
	if actualType == baseType {
		return true
	}
	if strings.EqualFold(actualType, baseType) {
		return true
	}
	if baseType == "Resource" || strings.EqualFold(baseType, "resource") {
		return isPossibleResourceType(actualType)
	}
	if baseType == "DomainResource" || strings.EqualFold(baseType, "domainresource") {
		return isPossibleResourceType(actualType) && IsDomainResource(actualType)
	}
	return false
}

// isPossibleResourceType checks if the type looks like a FHIR resource type.
func isPossibleResourceType(typeName string) bool {
	if typeName == "" {
		return false
	}
	primitiveTypes := map[string]bool{
		"Boolean": true, "String": true, "Integer": true, "Decimal": true,
		"Date": true, "DateTime": true, "Time": true, "Quantity": true,
		"Object": true,
	}
	if primitiveTypes[typeName] {
		return false
	}
	return typeName[0] >= 'A' && typeName[0] <= 'Z'
}

// TypeMatches checks if actualType matches the requested typeName.
func TypeMatches(actualType, typeName string) bool {
	if actualType == typeName {
		return true
	}
	actualLower := strings.ToLower(actualType)
	typeNameLower := strings.ToLower(typeName)
	if actualLower == typeNameLower {
		return true
	}
	if IsSubtypeOf(actualType, typeName) {
		return true
	}

	fhirToFHIRPath := map[string]string{
		"boolean": "Boolean", "string": "String", "integer": "Integer", "decimal": "Decimal",
		"date": "Date", "datetime": "DateTime", "time": "Time", "instant": "DateTime",
		"uri": "String", "url": "String", "canonical": "String", "base64binary": "String",
		"code": "String", "id": "String", "markdown": "String", "oid": "String", "uuid": "String",
		"positiveint": "Integer", "unsignedint": "Integer", "integer64": "Integer",
		"quantity": "Quantity", "simplequantity": "Quantity", "age": "Quantity", "count": "Quantity",
		"distance": "Quantity", "duration": "Quantity", "money": "Quantity",
	}

	if fhirPathType, ok := fhirToFHIRPath[typeNameLower]; ok && actualType == fhirPathType {
		return true
	}
	if fhirPathType, ok := fhirToFHIRPath[actualLower]; ok && strings.EqualFold(fhirPathType, typeName) {
		return true
	}
	if strings.HasPrefix(typeNameLower, "system.") {
		if strings.EqualFold(actualType, typeName[7:]) {
			return true
		}
	}
	if strings.HasPrefix(typeNameLower, "fhir.") {
		if strings.EqualFold(actualType, typeName[5:]) {
			return true
		}
	}
	return false
}

// polymorphicTypeSuffixes contains all FHIR type suffixes for polymorphic elements (value[x] pattern).
var polymorphicTypeSuffixes = []string{
	"Boolean", "Integer", "Integer64", "Decimal", "String", "Code", "Id", "Uri", "Url", "Canonical",
	"Base64Binary", "Instant", "Date", "DateTime", "Time", "Oid", "Uuid", "Markdown", "PositiveInt", "UnsignedInt",
	"Quantity", "CodeableConcept", "Coding", "Range", "Period", "Ratio", "RatioRange",
	"Identifier", "Reference", "Attachment", "HumanName", "Address", "ContactPoint",
	"Timing", "Signature", "Annotation", "SampledData", "Age", "Distance", "Duration",
	"Count", "Money", "MoneyQuantity", "SimpleQuantity",
	"Meta", "Dosage", "ContactDetail", "Contributor", "DataRequirement", "Expression",
	"ParameterDefinition", "RelatedArtifact", "TriggerDefinition", "UsageContext",
}

// navigateMember navigates to a member of objects in the collection,
// resolving FHIR polymorphic elements (value[x]) automatically. Type-subtype
// decisions and choice-property candidates are delegated to the configured
// ModelProvider (see typeMatches) so a schema-backed provider can override
// the built-in heuristic.
func (e *Evaluator) navigateMember(input types.Collection, name string) interface{} {
	result := types.Collection{}
	for _, item := range input {
		obj, ok := item.(*types.ObjectValue)
		if !ok {
			continue
		}
		isType, err := e.ctx.ModelProvider().IsSubtype(obj.Type(), name)
		if err != nil {
			return ModelProviderFailureError("IsSubtype", err)
		}
		if isType {
			result = append(result, obj)
			continue
		}
		children := obj.GetCollection(name)
		if len(children) > 0 {
			result = append(result, children...)
			continue
		}
		resolved, err := e.resolvePolymorphicField(obj, name)
		if err != nil {
			return err
		}
		result = append(result, resolved...)
	}
	return result
}

// resolvePolymorphicField resolves name against value[x]-style variants, e.g.
// "value" against "valueQuantity", by asking the ModelProvider for candidate
// variant names and probing the instance for each in turn. When no variant
// is present it consults PropertyCardinality purely to exercise the
// ModelProvider contract end to end; a schema-backed provider that reports
// zero cardinality for an unknown name does not change the result, since an
// absent element is empty either way per FHIRPath member-navigation rules.
func (e *Evaluator) resolvePolymorphicField(obj *types.ObjectValue, name string) (types.Collection, *EvalError) {
	variants, err := e.ctx.ModelProvider().ResolveChoiceProperty(obj.Type(), name)
	if err != nil {
		return nil, ModelProviderFailureError("ResolveChoiceProperty", err)
	}
	for _, variant := range variants {
		children := obj.GetCollection(variant.PropertyName)
		if len(children) > 0 {
			return children, nil
		}
	}
	if _, err := e.ctx.ModelProvider().PropertyCardinality(obj.Type(), name); err != nil {
		return nil, ModelProviderFailureError("PropertyCardinality", err)
	}
	return types.Collection{}, nil
}
