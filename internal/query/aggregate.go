package query

import (
	"fmt"
	"sort"
	"strconv"

	"datacore/internal/apperr"
)

var aggregateFunctions = map[string]string{
	"count":         "COUNT(%s)",
	"countDistinct": "COUNT(DISTINCT %s)",
	"sum":           "SUM(%s)",
	"sumDistinct":   "SUM(DISTINCT %s)",
	"avg":           "AVG(%s)",
	"avgDistinct":   "AVG(DISTINCT %s)",
	"min":           "MIN(%s)",
	"max":           "MAX(%s)",
}

// aggregateKey is the result key of an aggregate over a field, e.g. "sum->price".
func aggregateKey(op, field string) string {
	return op + "->" + field
}

// aggregateColumns compiles the aggregate request of a level. Masked fields
// are aggregated over their masked value, so rows where the caller may not see
// the field do not contribute.
func (c *compileContext) aggregateColumns(sc *scope, aggregate map[string][]string) ([]selectColumn, error) {
	rs, err := c.rules.For(sc.collection)
	if err != nil {
		return nil, err
	}

	ops := make([]string, 0, len(aggregate))
	for op := range aggregate {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var cols []selectColumn
	for _, op := range ops {
		if op == "countAll" {
			cols = append(cols, selectColumn{expr: "COUNT(*)", key: "countAll"})
			continue
		}
		tmpl, ok := aggregateFunctions[op]
		if !ok {
			return nil, apperr.InvalidQuery("unknown aggregate function %q", op)
		}
		for _, field := range aggregate[op] {
			if field == "*" {
				if op != "count" {
					return nil, apperr.InvalidQuery("%s(*) is not supported", op)
				}
				cols = append(cols, selectColumn{expr: "COUNT(*)", key: "count"})
				continue
			}
			if err := c.checkFieldAccess(filterTarget{collection: sc.collection, checkAccess: true}, field); err != nil {
				return nil, err
			}
			expr, args, err := c.getColumn(sc.table, sc.collection, field)
			if err != nil {
				return nil, err
			}
			if expr, args, err = c.caseExpression(sc.target(), expr, args, rs.WhenCase(field)); err != nil {
				return nil, err
			}
			cols = append(cols, selectColumn{
				expr: fmt.Sprintf(tmpl, expr),
				args: args,
				key:  aggregateKey(op, field),
			})
		}
	}
	return cols, nil
}

// groupColumns compiles the group-by fields of a level. Group fields lead the
// SELECT list and are grouped by position, so a masked field groups by its
// masked value.
func (c *compileContext) groupColumns(sc *scope, group []string) ([]selectColumn, []string, error) {
	rs, err := c.rules.For(sc.collection)
	if err != nil {
		return nil, nil, err
	}
	var cols []selectColumn
	var groupBy []string
	for _, spec := range group {
		field := spec
		if isFunctionCall(spec) {
			if field, err = functionArgField(spec); err != nil {
				return nil, nil, err
			}
		}
		if err := c.checkFieldAccess(filterTarget{collection: sc.collection, checkAccess: true}, field); err != nil {
			return nil, nil, err
		}
		col, err := c.outputColumn(sc, spec, spec, rs.WhenCase(field))
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		groupBy = append(groupBy, strconv.Itoa(len(cols)))
	}
	return cols, groupBy, nil
}
