package query

import (
	"fmt"
	"strings"
)

// AliasEntry is the table alias given to the end of a relational path.
type AliasEntry struct {
	Alias      string
	Collection string
}

// AliasMap maps a path key ("author", "author.department", ...) to its join
// alias. It lives for one statement.
type AliasMap map[string]AliasEntry

// JoinResult reports what addJoin did for a path.
type JoinResult struct {
	Alias              string
	Collection         string
	IsJoinAdded        bool
	HasMultiRelational bool
}

type joinClause struct {
	sql  string
	args []any
}

// scope is the FROM clause of one SELECT: the root table, the joins hanging
// off it and the aliases they were given.
type scope struct {
	collection string
	table      string
	aliases    AliasMap
	joins      []joinClause
}

type joinOptions struct {
	// Restrict adds the caller's row permission filter of every reached
	// collection to the ON clause, so rows the caller cannot read join as NULL.
	Restrict bool
}

func (c *compileContext) newScope(collection, table string) *scope {
	if table == "" {
		table = collection
	}
	return &scope{collection: collection, table: table, aliases: AliasMap{}}
}

// nextAlias hands out statement-unique table aliases that never shadow a collection name.
func (c *compileContext) nextAlias() string {
	for {
		c.aliasCount++
		alias := fmt.Sprintf("j%d", c.aliasCount)
		if c.schema.Collection(alias) == nil {
			return alias
		}
	}
}

// addJoin makes every segment of path available as a LEFT JOIN on sc and
// returns the alias of the last one. A path that was joined before reuses its
// alias, so calling addJoin twice for the same path and options emits a single
// join. Hops whose ON clause carries a row restriction are keyed apart from
// unrestricted ones.
func (c *compileContext) addJoin(sc *scope, path []string, opts joinOptions) (JoinResult, error) {
	result := JoinResult{Alias: sc.table, Collection: sc.collection}

	var key string
	for _, segment := range path {
		hop, err := resolveHop(c.schema, result.Collection, segment)
		if err != nil {
			return result, err
		}
		if hop.Type.IsToMany() {
			result.HasMultiRelational = true
		}

		restricted := false
		if opts.Restrict {
			if restricted, err = c.restricts(hop.Collection); err != nil {
				return result, err
			}
		}
		if key != "" {
			key += "."
		}
		key += segment
		if restricted {
			key += "#restricted"
		}

		if entry, ok := sc.aliases[key]; ok {
			result.Alias, result.Collection = entry.Alias, entry.Collection
			continue
		}

		alias := c.nextAlias()
		on, args, err := c.joinCondition(result.Alias, result.Collection, alias, hop)
		if err != nil {
			return result, err
		}
		if restricted {
			cond, condArgs, err := c.restrictToReadable(alias, hop.Collection)
			if err != nil {
				return result, err
			}
			on += " AND " + cond
			args = append(args, condArgs...)
		}

		sc.joins = append(sc.joins, joinClause{
			sql:  fmt.Sprintf("%s AS %s ON %s", c.quote(hop.Collection), c.quote(alias), on),
			args: args,
		})
		sc.aliases[key] = AliasEntry{Alias: alias, Collection: hop.Collection}
		result.IsJoinAdded = true
		result.Alias, result.Collection = alias, hop.Collection
	}
	return result, nil
}

// restricts reports whether the caller reads only some rows of collection.
func (c *compileContext) restricts(collection string) (bool, error) {
	if c.rules == nil {
		return false, nil
	}
	rs, err := c.rules.For(collection)
	if err != nil {
		return false, err
	}
	return rs.RowFilter() != nil, nil
}

// joinCondition matches the parent alias to the joined alias for one hop.
// Polymorphic keys are stored as text, so the typed key is cast to compare.
func (c *compileContext) joinCondition(parent, parentCollection, alias string, hop relationHop) (string, []any, error) {
	local := c.ref(parent, hop.LocalKey)
	remote := c.ref(alias, hop.RemoteKey)

	switch hop.Type {
	case RelationM2O, RelationO2M:
		return local + " = " + remote, nil, nil
	case RelationA2O:
		on := fmt.Sprintf("%s = CAST(%s AS TEXT) AND %s = ?", local, remote, c.ref(parent, hop.Relation.OneCollectionField))
		return on, []any{hop.Collection}, nil
	case RelationO2A:
		on := fmt.Sprintf("CAST(%s AS TEXT) = %s AND %s = ?", local, remote, c.ref(alias, hop.Relation.OneCollectionField))
		return on, []any{parentCollection}, nil
	}
	return "", nil, errInvalidQuery("cannot join over %s relation", hop.Type)
}

// restrictToReadable limits alias (a row of collection) to the rows the
// caller may read. Empty when the caller may read every row.
func (c *compileContext) restrictToReadable(alias, collection string) (string, []any, error) {
	rs, err := c.rules.For(collection)
	if err != nil {
		return "", nil, err
	}
	if rs.RowFilter() == nil {
		return "", nil, nil
	}
	pk := c.schema.Collection(collection).PrimaryKey
	sub, args, err := c.keySubquery(collection, pk, nil, true, nil)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s IN (%s)", c.ref(alias, pk), sub), args, nil
}

func (c *compileContext) quote(name string) string {
	return c.dialect.QuoteIdent(name)
}

// ref renders a qualified column reference.
func (c *compileContext) ref(table, column string) string {
	return c.quote(table) + "." + c.quote(column)
}

func splitPath(spec string) []string {
	return strings.Split(spec, ".")
}
