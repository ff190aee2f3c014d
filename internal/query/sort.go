package query

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lann/builder"
)

type orderClause struct {
	expr string
	args []any
	desc bool
}

func (o orderClause) direction() string {
	if o.desc {
		return " DESC"
	}
	return " ASC"
}

// SortResult reports what compiling a sort did to the statement.
type SortResult struct {
	IsJoinAdded        bool
	HasMultiRelational bool
	clauses            []orderClause
}

// compileSort turns sort specs into ORDER BY clauses. "-field" sorts
// descending; names of requested aggregates sort by the aggregate result;
// dotted paths join the related collections.
func (c *compileContext) compileSort(sc *scope, sorts []string, aggregate map[string][]string) (SortResult, error) {
	var res SortResult
	rs, err := c.rules.For(sc.collection)
	if err != nil {
		return res, err
	}
	for _, raw := range sorts {
		spec := strings.TrimSpace(raw)
		if spec == "" {
			continue
		}
		desc := strings.HasPrefix(spec, "-")
		spec = strings.TrimPrefix(spec, "-")
		parts := splitPath(spec)

		if len(aggregate) > 0 {
			if key, ok := aggregateSortKey(parts, aggregate); ok {
				res.clauses = append(res.clauses, orderClause{expr: c.quote(key), desc: desc})
				continue
			}
		}

		if len(parts) == 1 || isFunctionCall(spec) {
			field := spec
			if isFunctionCall(spec) {
				f, err := functionArgField(spec)
				if err != nil {
					return res, err
				}
				field = f
			}
			if err := c.checkFieldAccess(filterTarget{scope: sc, collection: sc.collection, table: sc.table, checkAccess: true}, field); err != nil {
				return res, err
			}
			expr, args, err := c.getColumn(sc.table, sc.collection, spec)
			if err != nil {
				return res, err
			}
			if expr, args, err = c.caseExpression(sc.target(), expr, args, rs.WhenCase(field)); err != nil {
				return res, err
			}
			res.clauses = append(res.clauses, orderClause{expr: expr, args: args, desc: desc})
			continue
		}

		path, column := parts[:len(parts)-1], parts[len(parts)-1]
		if err := c.checkSortPath(sc, path, column); err != nil {
			return res, err
		}
		join, err := c.addJoin(sc, path, joinOptions{Restrict: true})
		if err != nil {
			return res, err
		}
		res.IsJoinAdded = res.IsJoinAdded || join.IsJoinAdded
		res.HasMultiRelational = res.HasMultiRelational || join.HasMultiRelational

		expr, args, err := c.getColumn(join.Alias, join.Collection, column)
		if err != nil {
			return res, err
		}
		field := column
		if isFunctionCall(column) {
			if field, err = functionArgField(column); err != nil {
				return res, err
			}
		}
		related := filterTarget{scope: sc, path: path, collection: join.Collection, table: join.Alias, checkAccess: true}
		if expr, args, err = c.mask(related, field, expr, args); err != nil {
			return res, err
		}
		res.clauses = append(res.clauses, orderClause{expr: expr, args: args, desc: desc})
	}
	return res, nil
}

// checkSortPath verifies read access along a relational sort path.
func (c *compileContext) checkSortPath(sc *scope, path []string, column string) error {
	collection := sc.collection
	for _, segment := range path {
		field, _ := splitA2OSegment(segment)
		if err := c.checkFieldAccess(filterTarget{collection: collection, checkAccess: true}, field); err != nil {
			return err
		}
		hop, err := resolveHop(c.schema, collection, segment)
		if err != nil {
			return err
		}
		collection = hop.Collection
	}
	if isFunctionCall(column) {
		field, err := functionArgField(column)
		if err != nil {
			return err
		}
		column = field
	}
	return c.checkFieldAccess(filterTarget{collection: collection, checkAccess: true}, column)
}

// aggregateSortKey maps "count", "countAll", "sum.price", ... to the result
// key of a requested aggregate.
func aggregateSortKey(parts []string, aggregate map[string][]string) (string, bool) {
	fields, ok := aggregate[parts[0]]
	if !ok {
		return "", false
	}
	op := parts[0]
	if op == "countAll" {
		return "countAll", true
	}
	if len(parts) == 1 {
		if op == "count" && containsString(fields, "*") {
			return "count", true
		}
		return "", false
	}
	field := strings.Join(parts[1:], ".")
	if op == "count" && field == "*" {
		return "count", true
	}
	return aggregateKey(op, field), true
}

// applySort replaces any ORDER BY already on b with the compiled clauses.
func applySort(b sq.SelectBuilder, clauses []orderClause) sq.SelectBuilder {
	if len(clauses) == 0 {
		return b
	}
	b = builder.Delete(b, "OrderByParts").(sq.SelectBuilder)
	for _, o := range clauses {
		b = b.OrderByClause(o.expr+o.direction(), o.args...)
	}
	return b
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
