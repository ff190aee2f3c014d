package query

import (
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"datacore/internal/metadata"
)

// searchCondition matches term against every readable, unmasked field of the
// level: text fields by case-insensitive substring, numbers and uuids by
// equality when the term parses as one.
func (c *compileContext) searchCondition(sc *scope, term string) (sq.Sqlizer, error) {
	rs, err := c.rules.For(sc.collection)
	if err != nil {
		return nil, err
	}
	coll := c.schema.Collection(sc.collection)
	lowered := "%" + strings.ToLower(term) + "%"

	var parts sq.Or
	for _, name := range coll.ColumnNames() {
		if !rs.Allowed(name) || len(rs.WhenCase(name)) > 0 {
			continue
		}
		f := coll.Fields[name]
		col := c.ref(sc.table, name)
		switch {
		case f.IsText():
			parts = append(parts, sq.Expr("LOWER("+col+") LIKE ?", lowered))
		case f.Type == metadata.TypeInteger || f.Type == metadata.TypeBigInteger:
			if n, err := strconv.ParseInt(term, 10, 64); err == nil {
				parts = append(parts, sq.Expr(col+" = ?", n))
			}
		case f.IsNumeric():
			if n, err := strconv.ParseFloat(term, 64); err == nil {
				parts = append(parts, sq.Expr(col+" = ?", n))
			}
		case f.Type == metadata.TypeUUID:
			if id, err := uuid.Parse(term); err == nil {
				parts = append(parts, sq.Expr(col+" = ?", id.String()))
			}
		}
	}
	if len(parts) == 0 {
		return sq.Expr("1 = 0"), nil
	}
	return parts, nil
}
