package validator

// passB runs the sensitive-mode-only pass over q and recursively over its
// CTEs and subqueries, returning a non-empty rejection reason or "".
func (v *Validator) passB(q *Query, profile *Profile, aliasMap map[string]*BaseRelation) string {
	if q.HasStar {
		return "SELECT * is not allowed"
	}
	if q.HasDistinct {
		return "DISTINCT is not allowed in sensitive mode"
	}
	if q.Offset != nil {
		return "OFFSET is not allowed in sensitive mode"
	}
	if q.Limit == nil {
		return "LIMIT is required in sensitive mode"
	}
	if uint32(*q.Limit) > profile.Policy.SensitiveModeMaxRows || *q.Limit <= 0 {
		return "LIMIT exceeds the sensitive-mode row cap"
	}

	for _, j := range q.Joins {
		if j.Kind != JoinInner {
			return "only INNER joins are allowed in sensitive mode"
		}
		if reason := v.checkJoinOn(j.On, profile, aliasMap); reason != "" {
			return reason
		}
	}

	if q.Where != nil {
		if reason := checkWhereShapeSensitive(q.Where, profile, aliasMap, false); reason != "" {
			return reason
		}
	}

	for _, item := range q.Select {
		if reason := checkSelectItemSensitive(item.Expr, profile, aliasMap); reason != "" {
			return reason
		}
	}

	for _, e := range q.GroupBy {
		if reason := rejectIfSensitiveAnywhere(e, profile, aliasMap, "GROUP BY"); reason != "" {
			return reason
		}
	}
	if q.Having != nil {
		if reason := rejectIfSensitiveAnywhere(q.Having, profile, aliasMap, "HAVING"); reason != "" {
			return reason
		}
	}
	for _, o := range q.OrderBy {
		if reason := rejectIfSensitiveAnywhere(o.Expr, profile, aliasMap, "ORDER BY"); reason != "" {
			return reason
		}
	}

	for _, cte := range q.CTEs {
		if reason := v.passB(cte.Query, profile, aliasMap); reason != "" {
			return reason
		}
	}
	if q.From.Sub != nil {
		if reason := v.passB(q.From.Sub, profile, aliasMap); reason != "" {
			return reason
		}
	}
	for _, j := range q.Joins {
		if j.Rhs.Sub != nil {
			if reason := v.passB(j.Rhs.Sub, profile, aliasMap); reason != "" {
				return reason
			}
		}
	}
	exprs := []Expr{q.Where, q.Having}
	for _, item := range q.Select {
		exprs = append(exprs, item.Expr)
	}
	exprs = append(exprs, q.GroupBy...)
	for _, o := range q.OrderBy {
		exprs = append(exprs, o.Expr)
	}
	for _, e := range exprs {
		for _, sub := range directSubqueries(e) {
			if reason := v.passB(sub, profile, aliasMap); reason != "" {
				return reason
			}
		}
	}

	return ""
}

func isSimpleOperand(e Expr) bool {
	switch e.(type) {
	case ColumnRef, Param, Literal:
		return true
	default:
		return false
	}
}

func isSensitiveOperand(e Expr, profile *Profile, aliasMap map[string]*BaseRelation) bool {
	c, ok := e.(ColumnRef)
	if !ok {
		return false
	}
	base, ok := aliasMap[c.Alias]
	if !ok {
		return false
	}
	return profile.isSensitiveBaseColumn(base, c.Column)
}

// checkJoinOn enforces that a join's ON clause is a conjunction of equality
// predicates over simple, non-sensitive operands.
func (v *Validator) checkJoinOn(on Expr, profile *Profile, aliasMap map[string]*BaseRelation) string {
	if on == nil {
		return "join requires an ON clause in sensitive mode"
	}
	switch n := on.(type) {
	case Logical:
		if n.Op != LogicalAnd {
			return "join ON clause must be a conjunction of equality predicates"
		}
		for _, o := range n.Operands {
			if reason := v.checkJoinOn(o, profile, aliasMap); reason != "" {
				return reason
			}
		}
		return ""
	case Comparison:
		if n.Op != OpEq {
			return "join ON clause must use equality predicates"
		}
		if !isSimpleOperand(n.Left) || !isSimpleOperand(n.Right) {
			return "join ON operands must be simple column, parameter, or literal values"
		}
		if isSensitiveOperand(n.Left, profile, aliasMap) || isSensitiveOperand(n.Right, profile, aliasMap) {
			return "join ON clause may not reference sensitive columns"
		}
		return ""
	default:
		return "join ON clause must be a conjunction of equality predicates"
	}
}

// checkWhereShapeSensitive enforces Pass B's restricted WHERE shape: a
// conjunction of equality or IN predicates, no OR/NOT.
func checkWhereShapeSensitive(e Expr, profile *Profile, aliasMap map[string]*BaseRelation, nested bool) string {
	switch n := e.(type) {
	case Logical:
		switch n.Op {
		case LogicalAnd:
			for _, o := range n.Operands {
				if reason := checkWhereShapeSensitive(o, profile, aliasMap, nested); reason != "" {
					return reason
				}
			}
			return ""
		default:
			return "OR and NOT are not allowed in sensitive-mode WHERE clauses"
		}
	case Comparison:
		if n.Op != OpEq {
			return "sensitive-mode WHERE clauses allow only equality and IN predicates"
		}
		leftSensitive := isSensitiveOperand(n.Left, profile, aliasMap)
		rightSensitive := isSensitiveOperand(n.Right, profile, aliasMap)
		if leftSensitive || rightSensitive {
			_, leftParam := n.Left.(Param)
			_, rightParam := n.Right.(Param)
			if leftSensitive && !rightParam {
				return "sensitive columns must compare only to parameters"
			}
			if rightSensitive && !leftParam {
				return "sensitive columns must compare only to parameters"
			}
			return ""
		}
		if !isSimpleOperand(n.Left) || !isSimpleOperand(n.Right) {
			return "sensitive-mode WHERE operands must be simple column, parameter, or literal values"
		}
		return ""
	case InExpr:
		if !isSensitiveOperand(n.Left, profile, aliasMap) {
			return "IN predicates in sensitive mode must target a sensitive column"
		}
		for _, item := range n.Items {
			if _, ok := item.(Param); !ok {
				return "IN predicates in sensitive mode must list only parameters"
			}
			if isSensitiveOperand(item, profile, aliasMap) {
				return "IN predicates may not list sensitive columns as items"
			}
		}
		return ""
	case SubqueryExpr:
		return ""
	default:
		return "unsupported WHERE predicate in sensitive mode"
	}
}

// checkSelectItemSensitive enforces that a sensitive column may only be
// projected as a direct column reference, never nested inside a cast,
// function call, CASE expression, or window function.
func checkSelectItemSensitive(e Expr, profile *Profile, aliasMap map[string]*BaseRelation) string {
	if c, ok := e.(ColumnRef); ok {
		_ = c
		return ""
	}
	return rejectIfSensitiveAnywhere(e, profile, aliasMap, "SELECT")
}

func rejectIfSensitiveAnywhere(e Expr, profile *Profile, aliasMap map[string]*BaseRelation, clause string) string {
	for _, c := range columnRefs(e) {
		base, ok := aliasMap[c.Alias]
		if !ok {
			continue
		}
		if profile.isSensitiveBaseColumn(base, c.Column) {
			return "sensitive columns are not allowed in " + clause + " except as a direct projection"
		}
	}
	return ""
}
