package validator

import (
	"strings"
	"testing"
)

// alwaysSafeChecker treats every function as globally safe except those
// explicitly listed as unsafe, letting individual cases opt specific
// functions out without rebuilding the checker each time.
type alwaysSafeChecker struct {
	unsafe map[string]bool
}

func (c alwaysSafeChecker) IsGloballySafe(name string) (bool, error) {
	return !c.unsafe[strings.ToLower(name)], nil
}

func usersTable() FromItem {
	return FromItem{Alias: "u", Base: &BaseRelation{Table: "users"}}
}

func sensitiveProfile() *Profile {
	p := NewProfile("main", SafetyPolicy{SensitiveModeMaxRows: 200}, []string{"users.email"}, nil)
	p.SetVaultOpen(true)
	return p
}

func plainProfile() *Profile {
	return NewProfile("main", SafetyPolicy{SensitiveModeMaxRows: 200}, nil, nil)
}

func limit(n int) *int { return &n }

// regressionCase drives TestRegression_Validate. Zero-value want fields mean
// "don't check"; wantRejectSubstr is checked against the rejection reason
// when wantAccepted is explicitly false.
type regressionCase struct {
	name    string
	query   *Query
	touches TouchReport
	profile *Profile
	checker FunctionSafetyChecker

	wantAccepted      bool
	wantSensitiveMode bool
	wantRejectSubstr  string
}

func TestRegression_Validate(t *testing.T) {
	cases := []regressionCase{
		{
			name: "1. plain SELECT with alias and LIMIT accepted",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "id"}}},
				From:   usersTable(),
				Where: Comparison{
					Op:    OpEq,
					Left:  ColumnRef{Alias: "u", Column: "status"},
					Right: Param{Index: 1},
				},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "id"},
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "status"},
			}},
			profile:      plainProfile(),
			wantAccepted: true,
		},
		{
			name: "2. SELECT * rejected",
			query: &Query{
				HasStar: true,
				From:    usersTable(),
			},
			touches:          TouchReport{},
			profile:          plainProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "SELECT *",
		},
		{
			name: "3. missing alias rejected",
			query: &Query{
				Select: []SelectItem{{Expr: Literal{Value: 1}}},
				From:   FromItem{Base: &BaseRelation{Table: "users"}},
			},
			touches:          TouchReport{},
			profile:          plainProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "alias",
		},
		{
			name: "4. unsafe function rejected",
			query: &Query{
				Select: []SelectItem{{Expr: FuncCall{Name: "pg_sleep", Args: []Expr{Literal{Value: 5}}}}},
				From:   usersTable(),
			},
			touches:          TouchReport{},
			profile:          plainProfile(),
			checker:          alwaysSafeChecker{unsafe: map[string]bool{"pg_sleep": true}},
			wantAccepted:     false,
			wantRejectSubstr: "not on the safe-function allow-list",
		},
		{
			name: "5. parameter outside WHERE rejected",
			query: &Query{
				Select: []SelectItem{{Expr: Param{Index: 1}}},
				From:   usersTable(),
			},
			touches:          TouchReport{},
			profile:          plainProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "parameters are only allowed inside WHERE",
		},
		{
			name: "6. sensitive-mode happy path accepted",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where: Comparison{
					Op:    OpEq,
					Left:  ColumnRef{Alias: "u", Column: "email"},
					Right: Param{Index: 1},
				},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:           sensitiveProfile(),
			wantAccepted:       true,
			wantSensitiveMode: true,
		},
		{
			name: "7. sensitive mode rejects non-parameter comparison",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where: Comparison{
					Op:    OpLike,
					Left:  ColumnRef{Alias: "u", Column: "email"},
					Right: Literal{Value: "%example.com"},
				},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "sensitive-mode WHERE clauses allow only equality and IN predicates",
		},
		{
			name: "8. sensitive mode rejects missing LIMIT",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where: Comparison{
					Op:    OpEq,
					Left:  ColumnRef{Alias: "u", Column: "email"},
					Right: Param{Index: 1},
				},
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "LIMIT is required",
		},
		{
			name: "9. sensitive mode rejects LIMIT over cap",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where: Comparison{
					Op:    OpEq,
					Left:  ColumnRef{Alias: "u", Column: "email"},
					Right: Param{Index: 1},
				},
				Limit: limit(201),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "exceeds the sensitive-mode row cap",
		},
		{
			name: "10. sensitive mode rejects DISTINCT",
			query: &Query{
				HasDistinct: true,
				Select:      []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:        usersTable(),
				Where: Comparison{
					Op:    OpEq,
					Left:  ColumnRef{Alias: "u", Column: "email"},
					Right: Param{Index: 1},
				},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "DISTINCT is not allowed",
		},
		{
			name: "11. sensitive mode rejects OR in WHERE",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where: Logical{
					Op: LogicalOr,
					Operands: []Expr{
						Comparison{Op: OpEq, Left: ColumnRef{Alias: "u", Column: "email"}, Right: Param{Index: 1}},
						Comparison{Op: OpEq, Left: ColumnRef{Alias: "u", Column: "email"}, Right: Param{Index: 2}},
					},
				},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "OR and NOT are not allowed",
		},
		{
			name: "12. sensitive column inside CTE scope rejected by touch analysis",
			query: &Query{
				CTEs: []CTE{{
					Name: "c",
					Query: &Query{
						Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
						From:   usersTable(),
						Limit:  limit(10),
					},
				}},
				Select: []SelectItem{{Expr: Literal{Value: 1}}},
				From:   FromItem{Alias: "c", Base: &BaseRelation{Table: "c"}},
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeNested, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "sensitive columns may not be referenced inside CTEs or subqueries",
		},
		{
			name: "13. unresolved touch rejected",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "id"}}},
				From:   usersTable(),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchUnresolved, Alias: "x", Column: "y"},
			}},
			profile:          plainProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "unknown column reference",
		},
		{
			name: "14. non-inner join rejected in sensitive mode",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Joins: []Join{{
					Kind: JoinOther,
					Rhs:  FromItem{Alias: "o", Base: &BaseRelation{Table: "orders"}},
					On:   Comparison{Op: OpEq, Left: ColumnRef{Alias: "u", Column: "id"}, Right: ColumnRef{Alias: "o", Column: "user_id"}},
				}},
				Where: Comparison{Op: OpEq, Left: ColumnRef{Alias: "u", Column: "email"}, Right: Param{Index: 1}},
				Limit: limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile:          sensitiveProfile(),
			wantAccepted:     false,
			wantRejectSubstr: "only INNER joins",
		},
		{
			name: "15. vault closed rejects sensitive-mode query",
			query: &Query{
				Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "email"}}},
				From:   usersTable(),
				Where:  Comparison{Op: OpEq, Left: ColumnRef{Alias: "u", Column: "email"}, Right: Param{Index: 1}},
				Limit:  limit(10),
			},
			touches: TouchReport{Touches: []Touch{
				{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "email"},
			}},
			profile: func() *Profile {
				p := NewProfile("main", SafetyPolicy{SensitiveModeMaxRows: 200}, []string{"users.email"}, nil)
				return p // vault left closed
			}(),
			wantAccepted:     false,
			wantRejectSubstr: "vault is closed",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			checker := tc.checker
			if checker == nil {
				checker = alwaysSafeChecker{}
			}
			v := New(checker)
			result, err := v.Validate(tc.query, tc.touches, tc.profile)
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			if result.Accepted != tc.wantAccepted {
				t.Fatalf("Accepted = %v, want %v (reason: %q)", result.Accepted, tc.wantAccepted, result.Reason)
			}
			if tc.wantAccepted && tc.wantSensitiveMode != result.SensitiveMode {
				t.Fatalf("SensitiveMode = %v, want %v", result.SensitiveMode, tc.wantSensitiveMode)
			}
			if !tc.wantAccepted && tc.wantRejectSubstr != "" && !strings.Contains(result.Reason, tc.wantRejectSubstr) {
				t.Fatalf("Reason = %q, want substring %q", result.Reason, tc.wantRejectSubstr)
			}
		})
	}
}

func TestValidatorIsPure(t *testing.T) {
	v := New(alwaysSafeChecker{})
	q := &Query{
		Select: []SelectItem{{Expr: ColumnRef{Alias: "u", Column: "id"}}},
		From:   usersTable(),
		Limit:  limit(10),
	}
	touches := TouchReport{Touches: []Touch{{Scope: ScopeMain, Kind: TouchResolved, Alias: "u", Column: "id"}}}
	profile := plainProfile()

	first, err := v.Validate(q, touches, profile)
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	second, err := v.Validate(q, touches, profile)
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if first.Accepted != second.Accepted || first.Reason != second.Reason {
		t.Fatalf("validator is not pure: %+v vs %+v", first, second)
	}
}

func TestStatsAccumulate(t *testing.T) {
	v := New(alwaysSafeChecker{})
	q := &Query{HasStar: true, From: usersTable()}
	if _, err := v.Validate(q, TouchReport{}, plainProfile()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	stats := v.Stats()
	if stats.QueriesSeen != 1 || stats.Rejected() != 1 || stats.Accepted != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
