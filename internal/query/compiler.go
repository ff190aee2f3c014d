package query

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/metadata"
	"datacore/internal/store"
)

// Compiler turns parsed read and write requests into parameterized SQL for
// one schema generation and dialect. It holds no per-request state and is safe
// for concurrent use.
type Compiler struct {
	schema  *metadata.Schema
	dialect store.Dialect
}

func NewCompiler(schema *metadata.Schema, dialect store.Dialect) *Compiler {
	return &Compiler{schema: schema, dialect: dialect}
}

// Schema returns the schema generation the compiler was built for.
func (c *Compiler) Schema() *metadata.Schema {
	return c.schema
}

// compileContext is the state of compiling one statement.
type compileContext struct {
	schema     *metadata.Schema
	dialect    store.Dialect
	rules      Rules
	aliasCount int
}

func (c *Compiler) newContext(rules Rules) *compileContext {
	return &compileContext{schema: c.schema, dialect: c.dialect, rules: rules}
}

// Statement is one compiled statement and how to read its rows back.
type Statement struct {
	SQL  string
	Args []any
	// Columns are the result keys in select order.
	Columns []string
	// Helpers are keys selected only to stitch nested levels together.
	Helpers []string
	// Geometry keys hold WKT text, see DecodeGeometry.
	Geometry           []string
	HasMultiRelational bool
}

// NestedStatement loads one relational level for a batch of parent rows.
// Child rows are matched to parents by comparing the parent's ParentKey value
// with the child's ChildKey value.
type NestedStatement struct {
	*Statement
	Node       *RelationNode
	Collection string
	ParentKey  string
	ChildKey   string
	Many       bool
}

const (
	dedupeAlias   = "__dedupe"
	rowNumberKey  = "__row_number"
	helperKeyBase = "__key_"
)

// Compile builds the SELECT for the root level of ast. Zero permissions on the
// collection fail with Forbidden before any SQL is produced.
func (c *Compiler) Compile(ast *AST, rules Rules) (*Statement, error) {
	ctx := c.newContext(rules)
	return ctx.compileLevel(levelSpec{
		collection: ast.Collection,
		nodes:      ast.Children,
		query:      ast.Query,
	})
}

// ParentKey is the key of a parent row whose value identifies the related
// rows of node.
func (c *Compiler) ParentKey(parentCollection string, node *RelationNode) string {
	if !node.Type.IsToMany() {
		return node.Key()
	}
	if len(node.WhenCase) > 0 {
		return helperKeyBase + node.Key()
	}
	if coll := c.schema.Collection(parentCollection); coll != nil {
		return coll.PrimaryKey
	}
	return "id"
}

// CompileNested builds the statement loading node for the given parent key
// values, one statement per nesting level. For a2o nodes target selects the
// related collection.
func (c *Compiler) CompileNested(parentCollection string, node *RelationNode, target string, rules Rules, keys []any) (*NestedStatement, error) {
	ctx := c.newContext(rules)
	ns := &NestedStatement{Node: node, ParentKey: c.ParentKey(parentCollection, node)}
	spec := levelSpec{query: node.Query}
	spec.query.Aggregate, spec.query.Group = nil, nil

	switch node.Type {
	case RelationM2O, RelationA2O:
		collection, nodes := node.Collection, node.Children
		if node.Type == RelationA2O {
			collection, nodes = target, node.Targets[target]
			if nodes == nil {
				return nil, errInvalidQuery("collection %q was not requested for %s", target, node.Name)
			}
		}
		related := c.schema.Collection(collection)
		if related == nil {
			return nil, errUnknownCollection(collection)
		}
		pk := related.PrimaryKey
		ns.Collection, ns.ChildKey = collection, pk
		spec.collection, spec.nodes = collection, nodes
		spec.require = []string{pk}
		spec.query.Limit, spec.query.Offset, spec.query.Page = 0, 0, 0
		spec.constraint = func(table string) (string, []any) {
			return inList(ctx.ref(table, pk), keys)
		}

	case RelationO2M, RelationO2A:
		fk := node.Relation.ManyField
		ns.Collection, ns.ChildKey, ns.Many = node.Collection, fk, true
		spec.collection, spec.nodes = node.Collection, node.Children
		spec.require = []string{fk}
		spec.partition = fk
		spec.constraint = func(table string) (string, []any) {
			if node.Type != RelationO2A {
				return inList(ctx.ref(table, fk), keys)
			}
			textKeys := make([]any, len(keys))
			for i, k := range keys {
				textKeys[i] = fmt.Sprint(k)
			}
			cond, args := inList(ctx.ref(table, fk), textKeys)
			return cond + " AND " + ctx.ref(table, node.Relation.OneCollectionField) + " = ?", append(args, parentCollection)
		}

	default:
		return nil, errInvalidQuery("%q is not a relational field", node.Name)
	}

	stmt, err := ctx.compileLevel(spec)
	if err != nil {
		return nil, err
	}
	ns.Statement = stmt
	return ns, nil
}

type levelSpec struct {
	collection string
	nodes      []Node
	query      Query
	// constraint ties a nested level to its parent keys.
	constraint func(table string) (string, []any)
	// require lists columns every row must carry, selected as helpers when
	// they were not requested.
	require []string
	// partition applies limit and offset per value of this column.
	partition string
}

func (c *compileContext) compileLevel(spec levelSpec) (*Statement, error) {
	coll := c.schema.Collection(spec.collection)
	if coll == nil {
		return nil, errUnknownCollection(spec.collection)
	}
	rs, err := c.rules.For(spec.collection)
	if err != nil {
		return nil, err
	}

	sc := c.newScope(spec.collection, "")
	q := spec.query
	stmt := &Statement{}
	aggregated := len(q.Aggregate) > 0 || len(q.Group) > 0

	var cols []selectColumn
	var groupBy []string
	if aggregated {
		groupCols, gb, err := c.groupColumns(sc, q.Group)
		if err != nil {
			return nil, err
		}
		aggCols, err := c.aggregateColumns(sc, q.Aggregate)
		if err != nil {
			return nil, err
		}
		cols = append(groupCols, aggCols...)
		groupBy = gb
	} else {
		if cols, err = c.nodeColumns(sc, coll, spec.nodes, stmt); err != nil {
			return nil, err
		}
		for _, key := range spec.require {
			cols = c.ensureColumn(sc, cols, key, stmt)
		}
	}

	var where sq.And
	if len(q.Filter) > 0 {
		cond, err := c.compileFilter(filterTarget{scope: sc, collection: sc.collection, table: sc.table, checkAccess: true}, q.Filter)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	if rf := rs.RowFilter(); rf != nil {
		cond, err := c.compileFilter(filterTarget{scope: sc, collection: sc.collection, table: sc.table}, rf)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		cond, err := c.searchCondition(sc, term)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	if spec.constraint != nil {
		cond, args := spec.constraint(sc.table)
		where = append(where, sq.Expr(cond, args...))
	}

	sorted, err := c.compileSort(sc, q.Sort, q.Aggregate)
	if err != nil {
		return nil, err
	}
	stmt.HasMultiRelational = sorted.HasMultiRelational

	b := sq.Select().From(c.quote(spec.collection))
	for _, col := range cols {
		b = b.Column(col.expr+" AS "+c.quote(col.key), col.args...)
		stmt.Columns = append(stmt.Columns, col.key)
	}
	for _, j := range sc.joins {
		b = b.LeftJoin(j.sql, j.args...)
	}
	if len(where) > 0 {
		b = b.Where(where)
	}
	if len(groupBy) > 0 {
		b = b.GroupBy(groupBy...)
	}

	limit, offset := paging(q)
	switch {
	case sorted.HasMultiRelational && !aggregated:
		if spec.partition != "" && limit > 0 {
			return nil, errInvalidQuery("a nested limit cannot be combined with a sort over a to-many relation")
		}
		b = c.dedupe(b, sc, coll.PrimaryKey, stmt.Columns, sorted.clauses, limit, offset)
	case spec.partition != "" && limit > 0:
		b = c.limitPerParent(b, sc, spec.partition, coll.PrimaryKey, stmt.Columns, sorted.clauses, limit, offset)
	default:
		if !aggregated && (limit > 0 || offset > 0) {
			b = b.OrderBy(c.ref(sc.table, coll.PrimaryKey))
		}
		b = applySort(b, sorted.clauses)
		if limit > 0 {
			b = b.Limit(uint64(limit))
		}
		if offset > 0 {
			b = b.Offset(uint64(offset))
		}
	}

	if stmt.SQL, stmt.Args, err = b.PlaceholderFormat(c.dialect.PlaceholderFormat()).ToSql(); err != nil {
		return nil, err
	}
	return stmt, nil
}

// nodeColumns selects the columns backing the nodes of one level.
func (c *compileContext) nodeColumns(sc *scope, coll *metadata.Collection, nodes []Node, stmt *Statement) ([]selectColumn, error) {
	var cols []selectColumn
	var helpers []string
	for _, node := range nodes {
		switch n := node.(type) {
		case *FieldNode:
			col, err := c.outputColumn(sc, n.Name, n.Key(), n.WhenCase)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
			if f := coll.GetField(n.Name); f != nil && f.IsGeometry() {
				stmt.Geometry = append(stmt.Geometry, n.Key())
			}
		case *FunctionNode:
			col, err := c.outputColumn(sc, n.Name, n.Key(), n.WhenCase)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
		case *RelationNode:
			switch n.Type {
			case RelationM2O, RelationA2O:
				col, err := c.outputColumn(sc, n.Name, n.Key(), n.WhenCase)
				if err != nil {
					return nil, err
				}
				cols = append(cols, col)
				if n.Type == RelationA2O {
					helpers = append(helpers, n.Relation.OneCollectionField)
				}
			default:
				if len(n.WhenCase) == 0 {
					helpers = append(helpers, coll.PrimaryKey)
					continue
				}
				col, err := c.outputColumn(sc, coll.PrimaryKey, helperKeyBase+n.Key(), n.WhenCase)
				if err != nil {
					return nil, err
				}
				cols = append(cols, col)
				stmt.Helpers = append(stmt.Helpers, col.key)
			}
		}
	}
	for _, key := range helpers {
		cols = c.ensureColumn(sc, cols, key, stmt)
	}
	return cols, nil
}

// ensureColumn selects key as a helper unless a column is already read back under it.
func (c *compileContext) ensureColumn(sc *scope, cols []selectColumn, key string, stmt *Statement) []selectColumn {
	for _, col := range cols {
		if col.key == key {
			return cols
		}
	}
	stmt.Helpers = append(stmt.Helpers, key)
	return append(cols, selectColumn{expr: c.ref(sc.table, key), key: key})
}

// dedupe keeps one row per primary key when a sort over a to-many relation
// multiplied the rows, then sorts and pages the surviving rows.
func (c *compileContext) dedupe(inner sq.SelectBuilder, sc *scope, pk string, keys []string, sorts []orderClause, limit, offset int) sq.SelectBuilder {
	var window []string
	var windowArgs []any
	for i, s := range sorts {
		inner = inner.Column(s.expr+" AS "+c.quote(sortKey(i)), s.args...)
		window = append(window, s.expr+s.direction())
		windowArgs = append(windowArgs, s.args...)
	}
	inner = inner.Column(fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
		c.ref(sc.table, pk), strings.Join(window, ", "), c.quote(rowNumberKey)), windowArgs...)

	outer := sq.Select(c.wrappedColumns(keys)...).
		FromSelect(inner, dedupeAlias).
		Where(c.ref(dedupeAlias, rowNumberKey) + " = 1")
	for i, s := range sorts {
		outer = outer.OrderBy(c.ref(dedupeAlias, sortKey(i)) + s.direction())
	}
	if limit > 0 {
		outer = outer.Limit(uint64(limit))
	}
	if offset > 0 {
		outer = outer.Offset(uint64(offset))
	}
	return outer
}

// limitPerParent pages a nested to-many level per parent instead of overall.
func (c *compileContext) limitPerParent(inner sq.SelectBuilder, sc *scope, partition, pk string, keys []string, sorts []orderClause, limit, offset int) sq.SelectBuilder {
	order := []string{c.ref(sc.table, pk) + " ASC"}
	var orderArgs []any
	if len(sorts) > 0 {
		order = order[:0]
		for _, s := range sorts {
			order = append(order, s.expr+s.direction())
			orderArgs = append(orderArgs, s.args...)
		}
	}
	inner = inner.Column(fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
		c.ref(sc.table, partition), strings.Join(order, ", "), c.quote(rowNumberKey)), orderArgs...)

	rowNumber := c.ref(dedupeAlias, rowNumberKey)
	return sq.Select(c.wrappedColumns(keys)...).
		FromSelect(inner, dedupeAlias).
		Where(sq.Expr(rowNumber+" > ? AND "+rowNumber+" <= ?", offset, offset+limit)).
		OrderBy(rowNumber)
}

func (c *compileContext) wrappedColumns(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = c.ref(dedupeAlias, key)
	}
	return out
}

func sortKey(i int) string {
	return fmt.Sprintf("__sort_%d", i)
}

func paging(q Query) (limit, offset int) {
	limit = q.Limit
	if limit < 0 {
		limit = 0
	}
	offset = q.Offset
	if q.Page > 0 && limit > 0 {
		offset = (q.Page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func inList(col string, values []any) (string, []any) {
	if len(values) == 0 {
		return "1 = 0", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return col + " IN (" + placeholders + ")", values
}
