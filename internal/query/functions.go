package query

import (
	"fmt"
	"strings"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
	"datacore/internal/store"
)

type functionCall struct {
	Name       string
	Field      *metadata.Field
	Path       string
	Table      string
	Collection string
}

type functionHandler func(c *compileContext, call functionCall) (string, []any, error)

var functionHandlers = map[string]functionHandler{
	"year":    datePartFunction(store.PartYear),
	"month":   datePartFunction(store.PartMonth),
	"week":    datePartFunction(store.PartWeek),
	"day":     datePartFunction(store.PartDay),
	"weekday": datePartFunction(store.PartWeekday),
	"hour":    datePartFunction(store.PartHour),
	"minute":  datePartFunction(store.PartMinute),
	"second":  datePartFunction(store.PartSecond),
	"json":    jsonFunction,
}

var dateFunctions = []string{"year", "month", "week", "day", "weekday", "hour", "minute", "second"}

// functionsByType lists the functions each field type accepts.
var functionsByType = map[string][]string{
	metadata.TypeDate:      {"year", "month", "week", "day", "weekday"},
	metadata.TypeDateTime:  dateFunctions,
	metadata.TypeTimestamp: dateFunctions,
	metadata.TypeTime:      {"hour", "minute", "second"},
	metadata.TypeJSON:      {"count", "json"},
	metadata.TypeCSV:       {"count"},
	metadata.TypeAlias:     {"count"},
}

func init() {
	// count sub-selects compile filters, which reach back into this table.
	functionHandlers["count"] = countFunction
	for typ, names := range functionsByType {
		for _, name := range names {
			if _, ok := functionHandlers[name]; !ok {
				panic(fmt.Sprintf("query: function %q allowed on %s has no handler", name, typ))
			}
		}
	}
}

func functionAllowed(fieldType, name string) bool {
	for _, fn := range functionsByType[fieldType] {
		if fn == name {
			return true
		}
	}
	return false
}

// isFunctionCall reports whether a field spec is written as fn(arg).
func isFunctionCall(spec string) bool {
	return strings.ContainsAny(spec, "()")
}

// parseFunctionCall splits "fn(arg)" into its name and trimmed argument.
func parseFunctionCall(spec string) (name, arg string, err error) {
	open := strings.IndexByte(spec, '(')
	if open <= 0 || !strings.HasSuffix(spec, ")") {
		return "", "", apperr.InvalidSyntax("invalid function call %q", spec)
	}
	name = spec[:open]
	arg = strings.TrimSpace(spec[open+1 : len(spec)-1])
	if arg == "" {
		return "", "", apperr.InvalidSyntax("function %s() requires an argument", name)
	}
	if strings.ContainsAny(arg, "()") {
		return "", "", apperr.InvalidSyntax("nested function calls are not supported in %q", spec)
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", "", apperr.InvalidSyntax("invalid function name in %q", spec)
		}
	}
	return name, arg, nil
}

// functionArgField returns the field a function call reads, for permission checks.
func functionArgField(spec string) (string, error) {
	name, arg, err := parseFunctionCall(spec)
	if err != nil {
		return "", err
	}
	if name == "json" {
		field, _, err := parseJSONPath(arg)
		return field, err
	}
	return arg, nil
}

// functionColumn compiles fn(arg) on a column of table.
func (c *compileContext) functionColumn(table, collection, spec string) (string, []any, error) {
	name, arg, err := parseFunctionCall(spec)
	if err != nil {
		return "", nil, err
	}
	handler, ok := functionHandlers[name]
	if !ok {
		return "", nil, apperr.InvalidFunction("unknown function %q", name)
	}

	fieldName, path := arg, ""
	if name == "json" {
		if fieldName, path, err = parseJSONPath(arg); err != nil {
			return "", nil, err
		}
	}

	field := c.schema.Field(collection, fieldName)
	if field == nil {
		return "", nil, errInvalidQuery("field %q does not exist in collection %q", fieldName, collection)
	}
	if !functionAllowed(field.BaseType(), name) {
		return "", nil, apperr.InvalidFunction("function %q is not supported on %s field %q", name, field.Type, fieldName)
	}

	return handler(c, functionCall{
		Name:       name,
		Field:      field,
		Path:       path,
		Table:      table,
		Collection: collection,
	})
}

func datePartFunction(part store.DatePart) functionHandler {
	return func(c *compileContext, call functionCall) (string, []any, error) {
		return c.dialect.DatePart(part, c.ref(call.Table, call.Field.Name)), nil, nil
	}
}

func jsonFunction(c *compileContext, call functionCall) (string, []any, error) {
	return c.dialect.JSONExtract(c.ref(call.Table, call.Field.Name), call.Path)
}

func countFunction(c *compileContext, call functionCall) (string, []any, error) {
	col := c.ref(call.Table, call.Field.Name)
	switch call.Field.BaseType() {
	case metadata.TypeJSON:
		return c.dialect.JSONArrayLength(col), nil, nil
	case metadata.TypeCSV:
		return c.dialect.CSVCount(col), nil, nil
	}
	return c.relatedCount(call)
}

// relatedCount counts the readable rows on the many side of an o2m/o2a field
// with a correlated sub-select.
func (c *compileContext) relatedCount(call functionCall) (string, []any, error) {
	hop, err := resolveHop(c.schema, call.Collection, call.Field.Name)
	if err != nil {
		return "", nil, err
	}
	if !hop.Type.IsToMany() {
		return "", nil, apperr.InvalidFunction("count() needs a one-to-many field, %q is %s", call.Field.Name, hop.Type)
	}

	parentKey := c.ref(call.Table, hop.LocalKey)
	sub, args, err := c.subSelect(subSelectSpec{
		collection: hop.Collection,
		columns:    func(string) string { return "COUNT(*)" },
		correlate: func(table string) (string, []any) {
			if hop.Type == RelationO2A {
				return fmt.Sprintf("%s = CAST(%s AS TEXT) AND %s = ?", c.ref(table, hop.RemoteKey), parentKey,
					c.ref(table, hop.Relation.OneCollectionField)), []any{call.Collection}
			}
			return c.ref(table, hop.RemoteKey) + " = " + parentKey, nil
		},
		restrict: true,
	})
	if err != nil {
		return "", nil, err
	}
	return "(" + sub + ")", args, nil
}
