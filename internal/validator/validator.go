package validator

import "fmt"

// FunctionSafetyChecker answers whether a fully-qualified function name is
// globally safe to call (e.g. backed by a pg_proc immutability lookup). The
// validator also honors a per-connection allow-list on top of this.
type FunctionSafetyChecker interface {
	IsGloballySafe(qualifiedName string) (bool, error)
}

// Result is the outcome of validating one top-level query.
type Result struct {
	Accepted      bool
	Reason        string
	SensitiveMode bool
}

// Validator walks a query IR and a touch report against a connection
// profile, deciding whether the query may execute.
type Validator struct {
	checker FunctionSafetyChecker
	stats   Stats
}

// New builds a Validator backed by the given function-safety checker.
func New(checker FunctionSafetyChecker) *Validator {
	return &Validator{checker: checker}
}

// Stats returns a snapshot of cumulative validation outcomes, in the same
// shape as this codebase's other *Stats snapshot types.
func (v *Validator) Stats() Stats { return v.stats }

// SetChecker swaps the function-safety checker used by subsequent Validate
// calls. The broker's single-threaded event loop calls this once per
// request, before Validate, since the checker is bound to the connection
// handle of the query being validated while Stats() accumulates across the
// validator's whole lifetime.
func (v *Validator) SetChecker(checker FunctionSafetyChecker) { v.checker = checker }

// Validate runs touch analysis, Pass A, and (if sensitive mode activates)
// Pass B against q, returning a Result that is never itself an error: a
// rejected query is a normal, successful Validate call with Accepted=false.
func (v *Validator) Validate(q *Query, touches TouchReport, profile *Profile) (Result, error) {
	v.stats.QueriesSeen++

	sensitive, reason, err := v.analyzeTouches(q, touches, profile)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return v.reject(reason)
	}

	if sensitive && !profile.vaultOpen {
		return v.reject("vault is closed")
	}

	if reason := v.passA(q, profile); reason != "" {
		return v.reject(reason)
	}

	if sensitive {
		aliasMap := aliasesOf(q)
		if reason := v.passB(q, profile, aliasMap); reason != "" {
			return v.reject(reason)
		}
	}

	v.stats.Accepted++
	return Result{Accepted: true, SensitiveMode: sensitive}, nil
}

func (v *Validator) reject(reason string) (Result, error) {
	v.stats.recordRejection(reason)
	return Result{Accepted: false, Reason: reason}, nil
}

// analyzeTouches implements the touch-analysis stage: it rejects on any
// unresolved/unsupported touch or on a sensitive touch outside the
// top-level scope, and otherwise reports whether sensitive mode activates.
func (v *Validator) analyzeTouches(q *Query, touches TouchReport, profile *Profile) (sensitive bool, rejectReason string, err error) {
	aliasMap := aliasesOf(q)

	for _, t := range touches.Touches {
		switch t.Kind {
		case TouchUnresolved:
			return false, "unknown column reference", nil
		case TouchUnsupported:
			return false, "unsupported query structure", nil
		}
	}

	for _, t := range touches.Touches {
		base, ok := aliasMap[t.Alias]
		if !ok {
			continue
		}
		if !profile.isSensitiveBaseColumn(base, t.Column) {
			continue
		}
		if t.Scope == ScopeNested {
			return false, "sensitive columns may not be referenced inside CTEs or subqueries", nil
		}
		sensitive = true
	}

	return sensitive, "", nil
}

// aliasesOf builds a flattened alias -> base-relation map across the
// top-level query, its CTEs, and its subqueries. Touches only distinguish
// main vs. nested scope, so resolution is intentionally global rather than
// scoped per nesting level.
func aliasesOf(q *Query) map[string]*BaseRelation {
	out := make(map[string]*BaseRelation)
	var walk func(*Query)
	walk = func(q *Query) {
		if q == nil {
			return
		}
		addFromItem(out, q.From)
		for _, j := range q.Joins {
			addFromItem(out, j.Rhs)
		}
		for _, cte := range q.CTEs {
			walk(cte.Query)
		}
		if q.From.Sub != nil {
			walk(q.From.Sub)
		}
		for _, j := range q.Joins {
			if j.Rhs.Sub != nil {
				walk(j.Rhs.Sub)
			}
		}
	}
	walk(q)
	return out
}

func addFromItem(out map[string]*BaseRelation, item FromItem) {
	if item.Base != nil && item.Alias != "" {
		out[item.Alias] = item.Base
	}
}

// SensitiveSelectIndices returns the positions in q's top-level select list
// that reference a sensitive column per profile, for the caller to
// pseudonymize in the result it sends back. Touch analysis rejects
// sensitive touches outside the top-level (main) scope, so only the
// top-level select list needs checking here.
func SensitiveSelectIndices(q *Query, profile *Profile) []int {
	if q == nil || profile == nil {
		return nil
	}
	aliases := make(map[string]*BaseRelation)
	addFromItem(aliases, q.From)
	for _, j := range q.Joins {
		addFromItem(aliases, j.Rhs)
	}

	var out []int
	for i, item := range q.Select {
		c, ok := item.Expr.(ColumnRef)
		if !ok {
			continue
		}
		base, ok := aliases[c.Alias]
		if !ok {
			continue
		}
		if profile.isSensitiveBaseColumn(base, c.Column) {
			out = append(out, i)
		}
	}
	return out
}

func qualifiedColumn(base *BaseRelation, column string) (schemaQualified, bare string) {
	if base.Schema != "" {
		schemaQualified = toLower(base.Schema) + "." + toLower(base.Table) + "." + toLower(column)
	}
	bare = toLower(base.Table) + "." + toLower(column)
	return
}

func (p *Profile) isSensitiveBaseColumn(base *BaseRelation, column string) bool {
	schemaQualified, bare := qualifiedColumn(base, column)
	if schemaQualified != "" && p.isSensitiveQualified(schemaQualified) {
		return true
	}
	return p.isSensitiveQualified(bare)
}

func qualifiedFuncName(f FuncCall) string {
	if f.Schema != "" {
		return toLower(f.Schema) + "." + toLower(f.Name)
	}
	return toLower(f.Name)
}

// passA runs the mode-independent pass over q and recursively over its
// CTEs and subqueries, returning a non-empty rejection reason or "".
func (v *Validator) passA(q *Query, profile *Profile) string {
	if q.HasStar {
		return "SELECT * is not allowed"
	}
	if !fromAliasOK(q.From) {
		return "every table reference requires an alias"
	}
	for _, j := range q.Joins {
		if !fromAliasOK(j.Rhs) {
			return "every join target requires an alias"
		}
	}

	exprsToCheck := make([]Expr, 0, 8)
	for _, item := range q.Select {
		if c, ok := item.Expr.(ColumnRef); ok && c.Column == "*" {
			return "SELECT * is not allowed"
		}
		exprsToCheck = append(exprsToCheck, item.Expr)
	}
	exprsToCheck = append(exprsToCheck, q.GroupBy...)
	if q.Having != nil {
		exprsToCheck = append(exprsToCheck, q.Having)
	}
	for _, o := range q.OrderBy {
		exprsToCheck = append(exprsToCheck, o.Expr)
	}
	for _, j := range q.Joins {
		if j.On != nil {
			exprsToCheck = append(exprsToCheck, j.On)
		}
	}

	for _, e := range exprsToCheck {
		if reason := v.checkFunctionsAndUnsupported(e, profile); reason != "" {
			return reason
		}
		if len(params(e)) > 0 {
			return "parameters are only allowed inside WHERE"
		}
	}

	if q.Where != nil {
		if reason := v.checkFunctionsAndUnsupported(q.Where, profile); reason != "" {
			return reason
		}
		if reason := v.checkWhereParamPlacement(q.Where); reason != "" {
			return reason
		}
	}

	for _, cte := range q.CTEs {
		if reason := v.passA(cte.Query, profile); reason != "" {
			return reason
		}
	}
	if q.From.Sub != nil {
		if reason := v.passA(q.From.Sub, profile); reason != "" {
			return reason
		}
	}
	for _, j := range q.Joins {
		if j.Rhs.Sub != nil {
			if reason := v.passA(j.Rhs.Sub, profile); reason != "" {
				return reason
			}
		}
	}
	for _, e := range append(append([]Expr{}, exprsToCheck...), q.Where) {
		for _, sub := range directSubqueries(e) {
			if reason := v.passA(sub, profile); reason != "" {
				return reason
			}
		}
	}

	return ""
}

func fromAliasOK(item FromItem) bool {
	if item.Base == nil && item.Sub == nil {
		return true
	}
	return item.Alias != ""
}

// checkFunctionsAndUnsupported accepts a function call when it is either
// globally safe per the backend's predicate or explicitly allow-listed for
// this connection, per SPEC_FULL §4.6 Pass A — checked both schema-qualified
// and bare, since an allow-list entry may be recorded either way.
func (v *Validator) checkFunctionsAndUnsupported(e Expr, profile *Profile) string {
	if len(unsupportedNodes(e)) > 0 {
		return "unsupported query structure"
	}
	for _, f := range funcCalls(e) {
		if f.Name == "" {
			return "function calls must name a function"
		}
		qualified := qualifiedFuncName(f)
		bare := toLower(f.Name)

		var globallySafe bool
		if v.checker != nil {
			ok, err := v.checker.IsGloballySafe(qualified)
			if err == nil {
				globallySafe = ok
			}
		}

		allowListed := profile != nil && (profile.IsAllowedFunction(qualified) || profile.IsAllowedFunction(bare))

		if !globallySafe && !allowListed {
			return fmt.Sprintf("function %q is not on the safe-function allow-list", qualified)
		}
	}
	return ""
}

// checkWhereParamPlacement walks the WHERE clause enforcing that every
// Param appears only as an operand of an "=" comparison or an IN list whose
// other/left side is a direct sensitive-column reference — Pass A does not
// yet know sensitivity (that's resolved at the touch-analysis stage), so
// conservatively here it only checks structural placement: a Param must sit
// directly under an "=" comparison or IN list, never nested deeper or under
// any other operator.
func (v *Validator) checkWhereParamPlacement(e Expr) string {
	switch n := e.(type) {
	case Logical:
		for _, o := range n.Operands {
			if reason := v.checkWhereParamPlacement(o); reason != "" {
				return reason
			}
		}
		return ""
	case Comparison:
		if n.Op == OpEq {
			return v.checkEqOperandParamPlacement(n.Left, n.Right)
		}
		if hasNestedParam(n.Left) || hasNestedParam(n.Right) {
			return "parameters are only allowed inside WHERE"
		}
		return ""
	case InExpr:
		for _, item := range n.Items {
			if _, isParam := item.(Param); isParam {
				continue
			}
			if hasNestedParam(item) {
				return "parameters are only allowed inside WHERE"
			}
		}
		if hasNestedParam(n.Left) {
			return "parameters are only allowed inside WHERE"
		}
		return ""
	case SubqueryExpr:
		return ""
	default:
		if hasNestedParam(e) {
			return "parameters are only allowed inside WHERE"
		}
		return ""
	}
}

func (v *Validator) checkEqOperandParamPlacement(left, right Expr) string {
	_, leftIsParam := left.(Param)
	_, rightIsParam := right.(Param)
	if leftIsParam && hasNestedParam(right) && !rightIsParam {
		return "parameters are only allowed inside WHERE"
	}
	if rightIsParam && hasNestedParam(left) && !leftIsParam {
		return "parameters are only allowed inside WHERE"
	}
	if !leftIsParam {
		if hasNestedParam(left) {
			return "parameters are only allowed inside WHERE"
		}
	}
	if !rightIsParam {
		if hasNestedParam(right) {
			return "parameters are only allowed inside WHERE"
		}
	}
	return ""
}

func hasNestedParam(e Expr) bool {
	return len(params(e)) > 0
}
