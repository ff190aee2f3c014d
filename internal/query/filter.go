package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

// filterTarget is where a filter is compiled: a scope, the relational path
// from the scope root and the collection/table alias reached by it.
type filterTarget struct {
	scope      *scope
	path       []string
	collection string
	table      string
	// checkAccess rejects fields the caller may not read. Off for filters
	// that come from permissions themselves.
	checkAccess bool
}

// target is the filter target of the scope root.
func (s *scope) target() filterTarget {
	return filterTarget{scope: s, collection: s.collection, table: s.table}
}

func (t filterTarget) descend(segment, collection, table string) filterTarget {
	path := make([]string, len(t.path), len(t.path)+1)
	copy(path, t.path)
	t.path = append(path, segment)
	t.collection = collection
	t.table = table
	return t
}

// compileFilter turns a filter tree into a predicate. The result is never nil;
// an empty filter compiles to an always-true predicate.
func (c *compileContext) compileFilter(t filterTarget, filter metadata.Filter) (sq.Sqlizer, error) {
	filter = collapseRelationalFilter(c.schema, t.collection, filter)
	return c.compileGroup(t, filter)
}

func (c *compileContext) compileGroup(t filterTarget, filter metadata.Filter) (sq.Sqlizer, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := sq.And{}
	for _, key := range keys {
		value := filter[key]
		switch key {
		case "_and", "_or":
			list, ok := metadata.AsFilterList(value)
			if !ok {
				return nil, apperr.InvalidQuery("%s expects a list of filters", key)
			}
			var group []sq.Sqlizer
			for _, sub := range list {
				cond, err := c.compileGroup(t, sub)
				if err != nil {
					return nil, err
				}
				group = append(group, cond)
			}
			if key == "_and" {
				parts = append(parts, sq.And(group))
			} else {
				parts = append(parts, sq.Or(group))
			}
		default:
			cond, err := c.compileField(t, key, value)
			if err != nil {
				return nil, err
			}
			parts = append(parts, cond)
		}
	}
	return parts, nil
}

func (c *compileContext) compileField(t filterTarget, key string, value any) (sq.Sqlizer, error) {
	ops, ok := metadata.AsFilter(value)
	if !ok {
		return nil, apperr.InvalidQuery("filter on %q must be an object", key)
	}

	if isFunctionCall(key) {
		field, err := functionArgField(key)
		if err != nil {
			return nil, err
		}
		if err := c.checkFieldAccess(t, field); err != nil {
			return nil, err
		}
		col, args, err := c.functionColumn(t.table, t.collection, key)
		if err != nil {
			return nil, err
		}
		if col, args, err = c.mask(t, field, col, args); err != nil {
			return nil, err
		}
		return c.compileOperators(col, args, ops)
	}

	field, _ := splitA2OSegment(key)
	if err := c.checkFieldAccess(t, field); err != nil {
		return nil, err
	}

	_, typ := ResolveRelation(c.schema.Relations, t.collection, field)
	switch {
	case typ == RelationNone:
		col, args, err := c.maskedRef(t, key)
		if err != nil {
			return nil, err
		}
		return c.compileOperators(col, args, ops)
	case (typ == RelationM2O || typ == RelationA2O) && onlyOperators(ops):
		col, args, err := c.maskedRef(t, field)
		if err != nil {
			return nil, err
		}
		return c.compileOperators(col, args, ops)
	case typ == RelationM2O || typ == RelationA2O:
		res, err := c.addJoin(t.scope, append(append([]string{}, t.path...), key), joinOptions{Restrict: t.checkAccess})
		if err != nil {
			return nil, err
		}
		return c.compileGroup(t.descend(key, res.Collection, res.Alias), ops)
	default:
		return c.compileToMany(t, key, ops)
	}
}

// maskedRef references field for a caller filter.
func (c *compileContext) maskedRef(t filterTarget, field string) (string, []any, error) {
	return c.mask(t, field, c.ref(t.table, field), nil)
}

// mask wraps expr over field in its CASE mask when the caller sees field on
// only some rows of t, so hidden values never match.
func (c *compileContext) mask(t filterTarget, field, expr string, args []any) (string, []any, error) {
	if !t.checkAccess || t.scope == nil {
		return expr, args, nil
	}
	rs, err := c.rules.For(t.collection)
	if err != nil || rs == nil {
		return expr, args, err
	}
	return c.caseExpression(t, expr, args, rs.WhenCase(field))
}

// compileToMany filters on an o2m/o2a field with a sub-select of the related
// keys: {_some: f} (or a bare f) keeps rows with at least one related row
// matching f, {_none: f} rows with none.
func (c *compileContext) compileToMany(t filterTarget, key string, value metadata.Filter) (sq.Sqlizer, error) {
	hop, err := resolveHop(c.schema, t.collection, key)
	if err != nil {
		return nil, err
	}

	nested, negate := value, false
	if some, ok := value["_some"]; ok {
		if nested, ok = metadata.AsFilter(some); !ok {
			return nil, apperr.InvalidQuery("_some on %q must be an object", key)
		}
	} else if none, ok := value["_none"]; ok {
		if nested, ok = metadata.AsFilter(none); !ok {
			return nil, apperr.InvalidQuery("_none on %q must be an object", key)
		}
		negate = true
	}

	sub, args, err := c.subSelect(subSelectSpec{
		collection: hop.Collection,
		columns:    func(table string) string { return c.ref(table, hop.RemoteKey) },
		correlate: func(table string) (string, []any) {
			cond := c.ref(table, hop.RemoteKey) + " IS NOT NULL"
			if hop.Type == RelationO2A {
				return cond + " AND " + c.ref(table, hop.Relation.OneCollectionField) + " = ?", []any{t.collection}
			}
			return cond, nil
		},
		filter:      nested,
		checkAccess: t.checkAccess,
		restrict:    t.checkAccess,
	})
	if err != nil {
		return nil, err
	}

	local := c.ref(t.table, hop.LocalKey)
	if hop.Type == RelationO2A {
		local = "CAST(" + local + " AS TEXT)"
	}
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	return sq.Expr(fmt.Sprintf("%s %s (%s)", local, op, sub), args...), nil
}

func (c *compileContext) checkFieldAccess(t filterTarget, field string) error {
	if c.schema.Field(t.collection, field) == nil {
		return errForbiddenField(t.collection, field)
	}
	if !t.checkAccess {
		return nil
	}
	rs, err := c.rules.For(t.collection)
	if err != nil {
		return err
	}
	if !rs.Allowed(field) {
		return errForbiddenField(t.collection, field)
	}
	return nil
}

// onlyOperators reports whether every key of f is a comparison operator.
func onlyOperators(f metadata.Filter) bool {
	if len(f) == 0 {
		return false
	}
	for k := range f {
		if _, ok := operators[k]; !ok {
			return false
		}
	}
	return true
}

type operatorFunc func(col string, colArgs []any, value any) (sq.Sqlizer, error)

var operators = map[string]operatorFunc{
	"_eq":           opEqual(false),
	"_neq":          opEqual(true),
	"_lt":           opCompare("<"),
	"_lte":          opCompare("<="),
	"_gt":           opCompare(">"),
	"_gte":          opCompare(">="),
	"_in":           opIn(false),
	"_nin":          opIn(true),
	"_null":         opNull(false),
	"_nnull":        opNull(true),
	"_contains":     opLike("%%%s%%", false, false),
	"_ncontains":    opLike("%%%s%%", false, true),
	"_icontains":    opLike("%%%s%%", true, false),
	"_nicontains":   opLike("%%%s%%", true, true),
	"_starts_with":  opLike("%s%%", false, false),
	"_nstarts_with": opLike("%s%%", false, true),
	"_istarts_with": opLike("%s%%", true, false),
	"_ends_with":    opLike("%%%s", false, false),
	"_nends_with":   opLike("%%%s", false, true),
	"_iends_with":   opLike("%%%s", true, false),
	"_between":      opBetween(false),
	"_nbetween":     opBetween(true),
	"_empty":        opEmpty(false),
	"_nempty":       opEmpty(true),
}

// compileOperators ANDs every operator applied to one column.
func (c *compileContext) compileOperators(col string, colArgs []any, ops metadata.Filter) (sq.Sqlizer, error) {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := sq.And{}
	for _, op := range keys {
		if op == "_regex" {
			pattern, ok := ops[op].(string)
			if !ok {
				return nil, apperr.InvalidQuery("_regex expects a string")
			}
			parts = append(parts, sq.Expr(c.dialect.Regex(col), withArgs(colArgs, pattern)...))
			continue
		}
		fn, ok := operators[op]
		if !ok {
			return nil, apperr.InvalidQuery("unknown filter operator %q", op)
		}
		cond, err := fn(col, colArgs, ops[op])
		if err != nil {
			return nil, err
		}
		parts = append(parts, cond)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func withArgs(colArgs []any, values ...any) []any {
	out := make([]any, 0, len(colArgs)+len(values))
	out = append(out, colArgs...)
	return append(out, values...)
}

func opEqual(negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		if value == nil {
			if negate {
				return sq.Expr(col+" IS NOT NULL", colArgs...), nil
			}
			return sq.Expr(col+" IS NULL", colArgs...), nil
		}
		op := " = ?"
		if negate {
			op = " <> ?"
		}
		return sq.Expr(col+op, withArgs(colArgs, value)...), nil
	}
}

func opCompare(op string) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		if value == nil {
			return nil, apperr.InvalidQuery("comparison with null is not supported")
		}
		return sq.Expr(col+" "+op+" ?", withArgs(colArgs, value)...), nil
	}
}

func opIn(negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		list := toList(value)
		if len(list) == 0 {
			if negate {
				return sq.Expr("1 = 1"), nil
			}
			return sq.Expr("1 = 0"), nil
		}
		op := " IN ("
		if negate {
			op = " NOT IN ("
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")
		return sq.Expr(col+op+placeholders+")", withArgs(colArgs, list...)...), nil
	}
}

func opNull(negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		want, err := toBool(value)
		if err != nil {
			return nil, err
		}
		if want == negate {
			return sq.Expr(col+" IS NOT NULL", colArgs...), nil
		}
		return sq.Expr(col+" IS NULL", colArgs...), nil
	}
}

func opLike(pattern string, insensitive, negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		s := fmt.Sprint(value)
		if insensitive {
			col = "LOWER(" + col + ")"
			s = strings.ToLower(s)
		}
		op := " LIKE ?"
		if negate {
			op = " NOT LIKE ?"
		}
		return sq.Expr(col+op, withArgs(colArgs, fmt.Sprintf(pattern, s))...), nil
	}
}

func opBetween(negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		list := toList(value)
		if len(list) != 2 {
			return nil, apperr.InvalidQuery("_between expects exactly two values")
		}
		op := " BETWEEN ? AND ?"
		if negate {
			op = " NOT BETWEEN ? AND ?"
		}
		return sq.Expr(col+op, withArgs(colArgs, list...)...), nil
	}
}

func opEmpty(negate bool) operatorFunc {
	return func(col string, colArgs []any, value any) (sq.Sqlizer, error) {
		want, err := toBool(value)
		if err != nil {
			return nil, err
		}
		args := withArgs(colArgs, colArgs...)
		if want == negate {
			return sq.Expr("("+col+" IS NOT NULL AND "+col+" <> '')", args...), nil
		}
		return sq.Expr("("+col+" IS NULL OR "+col+" = '')", args...), nil
	}
}

// toList accepts JSON arrays, Go slices and comma separated strings.
func toList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	}
	return []any{value}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, apperr.InvalidQuery("expected a boolean, got %q", v)
		}
		return b, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case nil:
		return true, nil
	}
	return false, apperr.InvalidQuery("expected a boolean, got %v", value)
}
