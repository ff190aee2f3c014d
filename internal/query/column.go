package query

import (
	sq "github.com/Masterminds/squirrel"

	"datacore/internal/metadata"
)

// selectColumn is one entry of a SELECT list: an expression and the result key
// it is read back under.
type selectColumn struct {
	expr string
	args []any
	key  string
}

// getColumn compiles a field spec on table: a plain column or a function call.
func (c *compileContext) getColumn(table, collection, spec string) (string, []any, error) {
	if isFunctionCall(spec) {
		return c.functionColumn(table, collection, spec)
	}
	return c.ref(table, spec), nil, nil
}

// outputColumn compiles a field spec for the SELECT list of sc: geometry is
// rendered as WKT and masked fields are wrapped in their permission cases.
func (c *compileContext) outputColumn(sc *scope, spec, key string, whenCase []int) (selectColumn, error) {
	expr, args, err := c.getColumn(sc.table, sc.collection, spec)
	if err != nil {
		return selectColumn{}, err
	}
	if f := c.schema.Field(sc.collection, spec); f != nil && f.IsGeometry() {
		expr = c.dialect.GeometryAsText(expr)
	}
	expr, args, err = c.caseExpression(sc.target(), expr, args, whenCase)
	if err != nil {
		return selectColumn{}, err
	}
	return selectColumn{expr: expr, args: args, key: key}, nil
}

type subSelectSpec struct {
	collection string
	columns    func(table string) string
	// correlate ties the sub-select to the outer row.
	correlate   func(table string) (string, []any)
	filter      metadata.Filter
	checkAccess bool
	// restrict ANDs the caller's row permission filter for the collection.
	restrict bool
}

// subSelect renders a self-contained SELECT over spec.collection with its own
// alias and joins, for use inside IN (...) and scalar sub-queries.
func (c *compileContext) subSelect(spec subSelectSpec) (string, []any, error) {
	sub := c.newScope(spec.collection, c.nextAlias())

	var where sq.And
	if spec.correlate != nil {
		cond, args := spec.correlate(sub.table)
		where = append(where, sq.Expr(cond, args...))
	}
	if len(spec.filter) > 0 {
		cond, err := c.compileFilter(filterTarget{
			scope:       sub,
			collection:  spec.collection,
			table:       sub.table,
			checkAccess: spec.checkAccess,
		}, spec.filter)
		if err != nil {
			return "", nil, err
		}
		where = append(where, cond)
	}
	if spec.restrict {
		rs, err := c.rules.For(spec.collection)
		if err != nil {
			return "", nil, err
		}
		if rf := rs.RowFilter(); rf != nil {
			cond, err := c.compileFilter(filterTarget{scope: sub, collection: spec.collection, table: sub.table}, rf)
			if err != nil {
				return "", nil, err
			}
			where = append(where, cond)
		}
	}

	b := sq.Select(spec.columns(sub.table)).From(c.quote(spec.collection) + " AS " + c.quote(sub.table))
	for _, j := range sub.joins {
		b = b.LeftJoin(j.sql, j.args...)
	}
	if len(where) > 0 {
		b = b.Where(where)
	}
	return b.ToSql()
}

// keySubquery selects one key column of collection, for "x IN (...)" predicates.
func (c *compileContext) keySubquery(collection, key string, filter metadata.Filter, restrict bool, correlate func(table string) (string, []any)) (string, []any, error) {
	return c.subSelect(subSelectSpec{
		collection:  collection,
		columns:     func(table string) string { return c.ref(table, key) },
		correlate:   correlate,
		filter:      filter,
		checkAccess: true,
		restrict:    restrict,
	})
}
