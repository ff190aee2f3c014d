package metadata

// Actions a permission can grant.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Filter is a recursive JSON filter tree: logical groups under "_and"/"_or",
// field keys mapping to operator objects, and relational keys mapping to nested
// filters.
type Filter map[string]any

// AsFilter accepts both Filter and the plain map produced by JSON decoding.
func AsFilter(v any) (Filter, bool) {
	switch f := v.(type) {
	case Filter:
		return f, true
	case map[string]any:
		return Filter(f), true
	}
	return nil, false
}

// AsFilterList accepts the list forms produced by JSON decoding and by Go callers.
func AsFilterList(v any) ([]Filter, bool) {
	switch list := v.(type) {
	case []Filter:
		return list, true
	case []map[string]any:
		out := make([]Filter, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	case []any:
		out := make([]Filter, 0, len(list))
		for _, item := range list {
			f, ok := AsFilter(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

// Permission grants one action on one collection to one policy. Filter limits
// the rows, Fields the visible columns ("*" for all), Validation constrains
// payloads and Presets supplies default values on write.
type Permission struct {
	ID         string         `json:"id,omitempty" msgpack:"id"`
	Collection string         `json:"collection" msgpack:"collection"`
	Action     string         `json:"action" msgpack:"action"`
	Policy     string         `json:"policy" msgpack:"policy"`
	Fields     []string       `json:"fields" msgpack:"fields"`
	Filter     Filter         `json:"permissions,omitempty" msgpack:"permissions"`
	Validation Filter         `json:"validation,omitempty" msgpack:"validation"`
	Presets    map[string]any `json:"presets,omitempty" msgpack:"presets"`
}

// AllowsAllFields reports whether the permission lists the "*" wildcard.
func (p *Permission) AllowsAllFields() bool {
	for _, f := range p.Fields {
		if f == "*" {
			return true
		}
	}
	return false
}

// AllowsField reports whether the permission exposes the named field.
func (p *Permission) AllowsField(name string) bool {
	for _, f := range p.Fields {
		if f == "*" || f == name {
			return true
		}
	}
	return false
}

// Policy groups permissions. Policies are attached to roles and users through Access.
type Policy struct {
	ID          string   `json:"id" msgpack:"id"`
	Name        string   `json:"name" msgpack:"name"`
	AdminAccess bool     `json:"admin_access" msgpack:"admin_access"`
	AppAccess   bool     `json:"app_access" msgpack:"app_access"`
	IPAccess    []string `json:"ip_access,omitempty" msgpack:"ip_access"`
}

// Access attaches a policy to either a role or a user.
type Access struct {
	ID     string `json:"id"`
	Role   string `json:"role,omitempty"`
	User   string `json:"user,omitempty"`
	Policy string `json:"policy"`
	Sort   int    `json:"sort"`
}

// Role is a node in the role hierarchy.
type Role struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}
