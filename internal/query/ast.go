package query

import (
	"strings"

	"datacore/internal/metadata"
)

// Query holds the read parameters of one collection level.
type Query struct {
	Fields    []string            `json:"fields,omitempty"`
	Filter    metadata.Filter     `json:"filter,omitempty"`
	Sort      []string            `json:"sort,omitempty"`
	Aggregate map[string][]string `json:"aggregate,omitempty"`
	Group     []string            `json:"groupBy,omitempty"`
	Search    string              `json:"search,omitempty"`
	// Limit 0 leaves the statement unbounded unless the caller applies a
	// default; -1 asks for every row.
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
	Page   int               `json:"page,omitempty"`
	Alias  map[string]string `json:"alias,omitempty"`
	// Deep carries the parameters of nested relational fields, keyed by field.
	Deep map[string]*Query `json:"deep,omitempty"`
}

// Node is one requested entry of a collection level.
type Node interface {
	Base() *NodeBase
}

// NodeBase is shared by every node. WhenCase lists the permission cases under
// which the value may be shown; empty means always.
type NodeBase struct {
	Name     string
	Alias    string
	WhenCase []int
}

func (n *NodeBase) Base() *NodeBase { return n }

// Key is the name the value is returned under.
func (n *NodeBase) Key() string {
	if n.Alias != "" {
		return n.Alias
	}
	return n.Name
}

type FieldNode struct {
	NodeBase
}

// FunctionNode selects fn(field). Name holds the full call, e.g. "year(published)".
type FunctionNode struct {
	NodeBase
	Function string
	Field    string
}

// RelationNode loads related rows. For m2o/o2m/o2a Collection and Children
// describe the related level; a2o fields hold one child list per target
// collection in Targets.
type RelationNode struct {
	NodeBase
	Type       RelationType
	Relation   *metadata.Relation
	Collection string
	Children   []Node
	Targets    map[string][]Node
	Query      Query
}

// AST is a parsed read request.
type AST struct {
	Collection string
	Children   []Node
	Query      Query
}

// BuildAST parses the field list of q into nodes. Wildcards expand to the
// fields the caller may read; explicitly requested fields the caller may not
// read fail with Forbidden. Fields masked by permission cases get their
// WhenCase indexes. A nil rules value is unrestricted access.
func BuildAST(schema *metadata.Schema, collection string, q Query, rules Rules) (*AST, error) {
	if schema.Collection(collection) == nil {
		return nil, errUnknownCollection(collection)
	}
	b := astBuilder{schema: schema, rules: rules}
	children, err := b.parseFields(collection, q.Fields, q.Alias, q.Deep)
	if err != nil {
		return nil, err
	}
	return &AST{Collection: collection, Children: children, Query: q}, nil
}

type astBuilder struct {
	schema *metadata.Schema
	rules  Rules
}

func (b astBuilder) parseFields(collection string, fields []string, aliases map[string]string, deep map[string]*Query) ([]Node, error) {
	coll := b.schema.Collection(collection)
	if coll == nil {
		return nil, errUnknownCollection(collection)
	}
	rs, err := b.rules.For(collection)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = []string{"*"}
	}

	var nodes []Node
	seen := map[string]bool{}
	nested := map[string][]string{}
	nestedAlias := map[string]string{}
	var nestedOrder []string

	addNested := func(head, rest, alias string) {
		if _, ok := nested[head]; !ok {
			nestedOrder = append(nestedOrder, head)
		}
		nested[head] = append(nested[head], rest)
		if alias != "" {
			nestedAlias[head] = alias
		}
	}

	for _, raw := range fields {
		spec, alias := strings.TrimSpace(raw), ""
		if target, ok := aliases[spec]; ok {
			spec, alias = target, spec
		}

		switch {
		case spec == "*":
			for _, name := range coll.FieldNames() {
				if !rs.Allowed(name) {
					continue
				}
				_, typ := ResolveRelation(b.schema.Relations, collection, name)
				if coll.Fields[name].IsAlias() {
					if typ.IsToMany() && b.readable(b.relatedCollection(collection, name)) {
						if _, ok := nested[name]; !ok {
							addNested(name, b.relatedPrimaryKey(collection, name), "")
						}
					}
					continue
				}
				if !seen[name] {
					seen[name] = true
					nodes = append(nodes, &FieldNode{NodeBase{Name: name, WhenCase: rs.WhenCase(name)}})
				}
			}

		case isFunctionCall(spec):
			field, err := functionArgField(spec)
			if err != nil {
				return nil, err
			}
			if !coll.HasField(field) || !rs.Allowed(field) {
				return nil, errForbiddenField(collection, field)
			}
			name, _, _ := parseFunctionCall(spec)
			key := spec
			if alias != "" {
				key = alias
			}
			if !seen[key] {
				seen[key] = true
				nodes = append(nodes, &FunctionNode{
					NodeBase: NodeBase{Name: spec, Alias: alias, WhenCase: rs.WhenCase(field)},
					Function: name,
					Field:    field,
				})
			}

		case strings.Contains(spec, "."):
			i := strings.IndexByte(spec, '.')
			addNested(spec[:i], spec[i+1:], "")

		default:
			if !coll.HasField(spec) || !rs.Allowed(spec) {
				return nil, errForbiddenField(collection, spec)
			}
			_, typ := ResolveRelation(b.schema.Relations, collection, spec)
			if typ.IsToMany() {
				addNested(spec, b.relatedPrimaryKey(collection, spec), alias)
				continue
			}
			if coll.Fields[spec].IsAlias() {
				continue
			}
			key := spec
			if alias != "" {
				key = alias
			}
			if !seen[key] {
				seen[key] = true
				nodes = append(nodes, &FieldNode{NodeBase{Name: spec, Alias: alias, WhenCase: rs.WhenCase(spec)}})
			}
		}
	}

	relNodes := map[string]*RelationNode{}
	for _, head := range nestedOrder {
		field, target := splitA2OSegment(head)
		if !coll.HasField(field) || !rs.Allowed(field) {
			return nil, errForbiddenField(collection, field)
		}
		rel, typ := ResolveRelation(b.schema.Relations, collection, field)
		if typ == RelationNone {
			return nil, errInvalidQuery("%q is not a relational field of %s", field, collection)
		}

		var sub Query
		if d := deep[field]; d != nil {
			sub = *d
		}

		node := relNodes[field]
		if node == nil {
			node = &RelationNode{
				NodeBase: NodeBase{Name: field, Alias: nestedAlias[head], WhenCase: rs.WhenCase(field)},
				Type:     typ,
				Relation: rel,
				Query:    sub,
			}
			relNodes[field] = node
		}

		switch typ {
		case RelationA2O:
			if target == "" {
				return nil, errInvalidQuery("nested fields of %q need a collection scope, e.g. %s:<collection>.<field>", field, field)
			}
			if !rel.AllowsCollection(target) {
				return nil, errInvalidQuery("collection %q is not allowed for %s.%s", target, collection, field)
			}
			children, err := b.parseFields(target, nested[head], sub.Alias, sub.Deep)
			if err != nil {
				return nil, err
			}
			if node.Targets == nil {
				node.Targets = map[string][]Node{}
			}
			node.Targets[target] = children
		default:
			related := rel.OneCollection
			if typ.IsToMany() {
				related = rel.ManyCollection
			}
			children, err := b.parseFields(related, nested[head], sub.Alias, sub.Deep)
			if err != nil {
				return nil, err
			}
			node.Collection = related
			node.Children = children
		}
	}

	// A relation node replaces a plain node selecting the same foreign key.
	for _, head := range nestedOrder {
		field, _ := splitA2OSegment(head)
		node := relNodes[field]
		if node == nil {
			continue
		}
		delete(relNodes, field)
		replaced := false
		for i, n := range nodes {
			if fn, ok := n.(*FieldNode); ok && fn.Name == field && fn.Alias == "" {
				nodes[i] = node
				replaced = true
				break
			}
		}
		if !replaced {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func (b astBuilder) readable(collection string) bool {
	_, err := b.rules.For(collection)
	return err == nil
}

func (b astBuilder) relatedCollection(collection, field string) string {
	rel, typ := ResolveRelation(b.schema.Relations, collection, field)
	switch typ {
	case RelationM2O:
		return rel.OneCollection
	case RelationO2M, RelationO2A:
		return rel.ManyCollection
	}
	return ""
}

func (b astBuilder) relatedPrimaryKey(collection, field string) string {
	related := b.schema.Collection(b.relatedCollection(collection, field))
	if related == nil {
		return "id"
	}
	return related.PrimaryKey
}
