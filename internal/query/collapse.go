package query

import "datacore/internal/metadata"

// collapseRelationalFilter rewrites {rel: {pk: {op}}} on many-to-one fields to
// {rel: {op}} so the condition is checked on the foreign key column and the
// related table is never joined. Nested relations are collapsed bottom-up and
// the input is left untouched.
func collapseRelationalFilter(schema *metadata.Schema, collection string, filter metadata.Filter) metadata.Filter {
	if len(filter) == 0 {
		return filter
	}
	out := make(metadata.Filter, len(filter))
	for key, value := range filter {
		switch key {
		case "_and", "_or":
			list, ok := metadata.AsFilterList(value)
			if !ok {
				out[key] = value
				continue
			}
			collapsed := make([]any, len(list))
			for i, sub := range list {
				collapsed[i] = collapseRelationalFilter(schema, collection, sub)
			}
			out[key] = collapsed
			continue
		}

		nested, ok := metadata.AsFilter(value)
		if !ok || isFunctionCall(key) {
			out[key] = value
			continue
		}

		field, _ := splitA2OSegment(key)
		rel, typ := ResolveRelation(schema.Relations, collection, field)
		switch typ {
		case RelationM2O:
			related := schema.Collection(rel.OneCollection)
			if related == nil || onlyOperators(nested) {
				out[key] = value
				continue
			}
			nested = collapseRelationalFilter(schema, related.Name, nested)
			if len(nested) == 1 {
				if pkOps, ok := metadata.AsFilter(nested[related.PrimaryKey]); ok && onlyOperators(pkOps) {
					out[key] = pkOps
					continue
				}
			}
			out[key] = nested
		case RelationO2M, RelationO2A:
			related := rel.ManyCollection
			wrapped := false
			for _, q := range []string{"_some", "_none"} {
				if inner, ok := metadata.AsFilter(nested[q]); ok {
					out[key] = metadata.Filter{q: collapseRelationalFilter(schema, related, inner)}
					wrapped = true
				}
			}
			if !wrapped {
				out[key] = collapseRelationalFilter(schema, related, nested)
			}
		default:
			out[key] = value
		}
	}
	return out
}
