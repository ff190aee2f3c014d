package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/metadata"
)

// CompileInsert builds an INSERT of payload returning the new primary key.
// Payload keys must be writable columns of collection.
func (c *Compiler) CompileInsert(collection string, payload map[string]any) (*Statement, error) {
	coll := c.schema.Collection(collection)
	if coll == nil {
		return nil, errUnknownCollection(collection)
	}
	if len(payload) == 0 {
		return nil, errInvalidQuery("nothing to insert into %q", collection)
	}

	var cols []string
	var values []any
	for _, key := range sortedKeys(payload) {
		v, err := c.writeValue(coll, key, payload[key])
		if err != nil {
			return nil, err
		}
		cols = append(cols, c.dialect.QuoteIdent(key))
		values = append(values, v)
	}

	pk := coll.PrimaryKey
	sql, args, err := sq.Insert(c.dialect.QuoteIdent(collection)).
		Columns(cols...).
		Values(values...).
		Suffix("RETURNING " + c.dialect.QuoteIdent(pk)).
		PlaceholderFormat(c.dialect.PlaceholderFormat()).
		ToSql()
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: sql, Args: args, Columns: []string{pk}}, nil
}

// CompileUpdate builds an UPDATE of the rows with the given keys, limited to
// the rows rules allow updating.
func (c *Compiler) CompileUpdate(collection string, keys []any, payload map[string]any, rules Rules) (*Statement, error) {
	coll := c.schema.Collection(collection)
	if coll == nil {
		return nil, errUnknownCollection(collection)
	}
	if len(payload) == 0 {
		return nil, errInvalidQuery("nothing to update in %q", collection)
	}

	b := sq.Update(c.dialect.QuoteIdent(collection))
	for _, key := range sortedKeys(payload) {
		if key == coll.PrimaryKey {
			return nil, errInvalidQuery("primary key %q cannot be updated", key)
		}
		v, err := c.writeValue(coll, key, payload[key])
		if err != nil {
			return nil, err
		}
		b = b.Set(c.dialect.QuoteIdent(key), v)
	}

	where, err := c.keyConstraint(coll, keys, rules)
	if err != nil {
		return nil, err
	}
	sql, args, err := b.Where(where).PlaceholderFormat(c.dialect.PlaceholderFormat()).ToSql()
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// CompileDelete builds a DELETE of the rows with the given keys, limited to
// the rows rules allow deleting.
func (c *Compiler) CompileDelete(collection string, keys []any, rules Rules) (*Statement, error) {
	coll := c.schema.Collection(collection)
	if coll == nil {
		return nil, errUnknownCollection(collection)
	}
	where, err := c.keyConstraint(coll, keys, rules)
	if err != nil {
		return nil, err
	}
	sql, args, err := sq.Delete(c.dialect.QuoteIdent(collection)).
		Where(where).
		PlaceholderFormat(c.dialect.PlaceholderFormat()).
		ToSql()
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: sql, Args: args}, nil
}

func (c *Compiler) keyConstraint(coll *metadata.Collection, keys []any, rules Rules) (sq.And, error) {
	ctx := c.newContext(rules)
	rs, err := rules.For(coll.Name)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errInvalidQuery("no keys given")
	}

	pk := ctx.ref(coll.Name, coll.PrimaryKey)
	cond, args := inList(pk, keys)
	where := sq.And{sq.Expr(cond, args...)}
	if rs.RowFilter() != nil {
		sub, subArgs, err := ctx.keySubquery(coll.Name, coll.PrimaryKey, nil, true, nil)
		if err != nil {
			return nil, err
		}
		where = append(where, sq.Expr(pk+" IN ("+sub+")", subArgs...))
	}
	return where, nil
}

// writeValue converts one payload value to what the column stores.
func (c *Compiler) writeValue(coll *metadata.Collection, key string, value any) (any, error) {
	f := coll.GetField(key)
	if f == nil || f.IsAlias() {
		return nil, errInvalidQuery("field %q cannot be written in %q", key, coll.Name)
	}
	if value == nil {
		return nil, nil
	}

	switch {
	case f.Type == metadata.TypeJSON:
		if s, ok := value.(string); ok {
			return s, nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, errInvalidQuery("field %q: %v", key, err)
		}
		return string(raw), nil
	case f.Type == metadata.TypeCSV:
		if list, ok := value.([]any); ok {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = fmt.Sprint(item)
			}
			return strings.Join(parts, ","), nil
		}
		if list, ok := value.([]string); ok {
			return strings.Join(list, ","), nil
		}
		return value, nil
	case f.IsGeometry():
		wkt, err := EncodeGeometry(value)
		if err != nil {
			return nil, errInvalidQuery("field %q: %v", key, err)
		}
		return sq.Expr(c.dialect.GeometryFromText("?"), wkt), nil
	}
	return value, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
