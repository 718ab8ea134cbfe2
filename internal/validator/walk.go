package validator

// flatten returns e and every descendant expression reachable without
// crossing into a nested subquery's own body. SubqueryExpr nodes appear in
// the result (so callers can find them) but their Query is never expanded
// here — subqueries are validated independently by recursing the relevant
// pass over SubqueryExpr.Query.
func flatten(e Expr) []Expr {
	if e == nil {
		return nil
	}
	out := []Expr{e}
	switch n := e.(type) {
	case FuncCall:
		for _, a := range n.Args {
			out = append(out, flatten(a)...)
		}
	case Cast:
		out = append(out, flatten(n.Inner)...)
	case Comparison:
		out = append(out, flatten(n.Left)...)
		out = append(out, flatten(n.Right)...)
	case Logical:
		for _, o := range n.Operands {
			out = append(out, flatten(o)...)
		}
	case InExpr:
		out = append(out, flatten(n.Left)...)
		for _, it := range n.Items {
			out = append(out, flatten(it)...)
		}
	case CaseExpr:
		if n.Arg != nil {
			out = append(out, flatten(n.Arg)...)
		}
		for _, w := range n.Whens {
			out = append(out, flatten(w.When)...)
			out = append(out, flatten(w.Then)...)
		}
		if n.Else != nil {
			out = append(out, flatten(n.Else)...)
		}
	case WindowFunc:
		out = append(out, flatten(n.Func)...)
		for _, p := range n.PartitionBy {
			out = append(out, flatten(p)...)
		}
		for _, o := range n.OrderBy {
			out = append(out, flatten(o.Expr)...)
		}
	}
	return out
}

// directSubqueries returns every SubqueryExpr.Query reachable from e without
// crossing into another subquery's body.
func directSubqueries(e Expr) []*Query {
	var out []*Query
	for _, node := range flatten(e) {
		if sq, ok := node.(SubqueryExpr); ok && sq.Query != nil {
			out = append(out, sq.Query)
		}
	}
	return out
}

// funcCalls returns every function call (plain or windowed) reachable from e.
func funcCalls(e Expr) []FuncCall {
	var out []FuncCall
	for _, node := range flatten(e) {
		switch n := node.(type) {
		case FuncCall:
			out = append(out, n)
		case WindowFunc:
			out = append(out, n.Func)
		}
	}
	return out
}

// params returns every Param reachable from e.
func params(e Expr) []Param {
	var out []Param
	for _, node := range flatten(e) {
		if p, ok := node.(Param); ok {
			out = append(out, p)
		}
	}
	return out
}

// unsupportedNodes returns every Unsupported node reachable from e.
func unsupportedNodes(e Expr) []Unsupported {
	var out []Unsupported
	for _, node := range flatten(e) {
		if u, ok := node.(Unsupported); ok {
			out = append(out, u)
		}
	}
	return out
}

// columnRefs returns every direct ColumnRef reachable from e.
func columnRefs(e Expr) []ColumnRef {
	var out []ColumnRef
	for _, node := range flatten(e) {
		if c, ok := node.(ColumnRef); ok {
			out = append(out, c)
		}
	}
	return out
}
