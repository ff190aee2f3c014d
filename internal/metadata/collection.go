package metadata

import "sort"

type Collection struct {
	Name       string            `json:"name"`
	PrimaryKey string            `json:"primary_key"`
	Singleton  bool              `json:"singleton,omitempty"`
	Fields     map[string]*Field `json:"-"`
}

// GetField returns the field with the given name, or nil.
func (c *Collection) GetField(name string) *Field {
	if c == nil {
		return nil
	}
	return c.Fields[name]
}

// HasField returns true if the collection has a field with the given name.
func (c *Collection) HasField(name string) bool {
	return c.GetField(name) != nil
}

// FieldNames returns every field name, alias fields included, sorted.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ColumnNames returns the sorted names of the fields backed by a real column.
func (c *Collection) ColumnNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name, f := range c.Fields {
		if f.IsAlias() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WritableFields returns the column fields a client may set.
func (c *Collection) WritableFields() []*Field {
	var fields []*Field
	for _, name := range c.ColumnNames() {
		f := c.Fields[name]
		if f.Generated {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}
