package query

import (
	"strings"

	"datacore/internal/metadata"
)

// RelationType classifies how a field on a collection reaches another collection.
type RelationType int

const (
	RelationNone RelationType = iota
	RelationM2O
	RelationO2M
	RelationA2O
	RelationO2A
)

func (t RelationType) String() string {
	switch t {
	case RelationM2O:
		return "m2o"
	case RelationO2M:
		return "o2m"
	case RelationA2O:
		return "a2o"
	case RelationO2A:
		return "o2a"
	}
	return "none"
}

// IsToMany reports whether following the relation can multiply rows.
func (t RelationType) IsToMany() bool {
	return t == RelationO2M || t == RelationO2A
}

// ResolveRelation finds the relation that field on collection takes part in.
// The many side (the field holds the foreign key) takes precedence over the one
// side (the field is an alias listing related rows).
func ResolveRelation(relations []*metadata.Relation, collection, field string) (*metadata.Relation, RelationType) {
	for _, rel := range relations {
		if rel.ManyCollection == collection && rel.ManyField == field {
			if rel.IsPolymorphic() {
				return rel, RelationA2O
			}
			return rel, RelationM2O
		}
	}
	for _, rel := range relations {
		if rel.OneField != field {
			continue
		}
		if rel.OneCollection == collection {
			return rel, RelationO2M
		}
		if rel.IsPolymorphic() && rel.AllowsCollection(collection) {
			return rel, RelationO2A
		}
	}
	return nil, RelationNone
}

// splitA2OSegment splits "item:articles" into the field and the target collection.
func splitA2OSegment(segment string) (field, collection string) {
	if i := strings.IndexByte(segment, ':'); i >= 0 {
		return segment[:i], segment[i+1:]
	}
	return segment, ""
}

// relationHop describes how to step from one collection over a relational field.
type relationHop struct {
	Relation *metadata.Relation
	Type     RelationType
	// Collection is the collection reached by the hop.
	Collection string
	// LocalKey is the column on the starting side, RemoteKey the column on the
	// reached side; joins match LocalKey = RemoteKey.
	LocalKey  string
	RemoteKey string
}

// resolveHop resolves one path segment starting at collection.
func resolveHop(schema *metadata.Schema, collection, segment string) (relationHop, error) {
	field, target := splitA2OSegment(segment)
	rel, typ := ResolveRelation(schema.Relations, collection, field)
	hop := relationHop{Relation: rel, Type: typ}

	switch typ {
	case RelationM2O:
		related := schema.Collection(rel.OneCollection)
		if related == nil {
			return hop, errUnknownCollection(rel.OneCollection)
		}
		hop.Collection = related.Name
		hop.LocalKey = rel.ManyField
		hop.RemoteKey = related.PrimaryKey
	case RelationA2O:
		if target == "" {
			return hop, errInvalidQuery("field %q on %s needs a collection scope, e.g. %s:<collection>", field, collection, field)
		}
		if !rel.AllowsCollection(target) {
			return hop, errInvalidQuery("collection %q is not allowed for %s.%s", target, collection, field)
		}
		related := schema.Collection(target)
		if related == nil {
			return hop, errUnknownCollection(target)
		}
		hop.Collection = related.Name
		hop.LocalKey = rel.ManyField
		hop.RemoteKey = related.PrimaryKey
	case RelationO2M, RelationO2A:
		self := schema.Collection(collection)
		if self == nil {
			return hop, errUnknownCollection(collection)
		}
		if schema.Collection(rel.ManyCollection) == nil {
			return hop, errUnknownCollection(rel.ManyCollection)
		}
		hop.Collection = rel.ManyCollection
		hop.LocalKey = self.PrimaryKey
		hop.RemoteKey = rel.ManyField
	default:
		return hop, errInvalidQuery("%q is not a relational field of %s", field, collection)
	}
	return hop, nil
}
