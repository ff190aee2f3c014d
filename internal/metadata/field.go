package metadata

import "strings"

// Field types understood by the query compiler.
const (
	TypeString     = "string"
	TypeText       = "text"
	TypeInteger    = "integer"
	TypeBigInteger = "bigInteger"
	TypeFloat      = "float"
	TypeDecimal    = "decimal"
	TypeBoolean    = "boolean"
	TypeUUID       = "uuid"
	TypeDate       = "date"
	TypeDateTime   = "dateTime"
	TypeTimestamp  = "timestamp"
	TypeTime       = "time"
	TypeJSON       = "json"
	TypeCSV        = "csv"
	TypeHash       = "hash"
	TypeAlias      = "alias"
	TypeGeometry   = "geometry"
)

type Field struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Required          bool     `json:"required,omitempty"`
	Nullable          bool     `json:"nullable,omitempty"`
	Generated         bool     `json:"generated,omitempty"`
	Default           any      `json:"default,omitempty"`
	Special           []string `json:"special,omitempty"`
	Validation        Filter   `json:"validation,omitempty"`
	ValidationMessage string   `json:"validation_message,omitempty"`
}

// IsAlias reports whether the field has no backing column (o2m, o2a, presentation).
func (f *Field) IsAlias() bool {
	return f.Type == TypeAlias
}

// IsGeometry matches "geometry" and the subtyped forms such as "geometry.Point".
func (f *Field) IsGeometry() bool {
	return f.Type == TypeGeometry || strings.HasPrefix(f.Type, TypeGeometry+".")
}

// BaseType strips a subtype suffix, so "geometry.Point" becomes "geometry".
func (f *Field) BaseType() string {
	if i := strings.IndexByte(f.Type, '.'); i > 0 {
		return f.Type[:i]
	}
	return f.Type
}

// IsNumeric reports whether values of the field compare as numbers.
func (f *Field) IsNumeric() bool {
	switch f.Type {
	case TypeInteger, TypeBigInteger, TypeFloat, TypeDecimal:
		return true
	}
	return false
}

// IsText reports whether the field holds free text.
func (f *Field) IsText() bool {
	return f.Type == TypeString || f.Type == TypeText
}

// HasDefault reports whether the database fills the column when it is omitted.
func (f *Field) HasDefault() bool {
	return f.Default != nil || f.Generated
}
