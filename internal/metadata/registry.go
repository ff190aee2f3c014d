package metadata

import (
	"sort"
	"sync/atomic"
)

// Schema is one immutable generation of the collection/field/relation overview.
// Once handed to the registry it must not be modified.
type Schema struct {
	Collections map[string]*Collection
	Relations   []*Relation
}

// NewSchema indexes collections by name.
func NewSchema(collections []*Collection, relations []*Relation) *Schema {
	s := &Schema{
		Collections: make(map[string]*Collection, len(collections)),
		Relations:   relations,
	}
	for _, c := range collections {
		if c.Fields == nil {
			c.Fields = map[string]*Field{}
		}
		s.Collections[c.Name] = c
	}
	return s
}

// Collection returns the collection with the given name, or nil.
func (s *Schema) Collection(name string) *Collection {
	if s == nil {
		return nil
	}
	return s.Collections[name]
}

// Field returns a field of a collection, or nil when either is unknown.
func (s *Schema) Field(collection, name string) *Field {
	return s.Collection(collection).GetField(name)
}

// CollectionNames returns all collection names, sorted.
func (s *Schema) CollectionNames() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry publishes the current schema. Readers take a snapshot and keep using
// it for the whole request; Load swaps in a new generation without blocking them.
type Registry struct {
	current    atomic.Pointer[Schema]
	generation atomic.Uint64
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(NewSchema(nil, nil))
	return r
}

// Snapshot returns the current schema generation.
func (r *Registry) Snapshot() *Schema {
	return r.current.Load()
}

// Generation increases by one on every Load.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// Load replaces the schema. Called during startup and after schema changes.
func (r *Registry) Load(schema *Schema) {
	r.current.Store(schema)
	r.generation.Add(1)
}

// GetCollection returns the collection with the given name from the current generation.
func (r *Registry) GetCollection(name string) *Collection {
	return r.Snapshot().Collection(name)
}
