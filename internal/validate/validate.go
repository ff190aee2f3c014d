package validate

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

// Validator checks write payloads against the permissions granting the write
// and the validation rules of the collection's fields.
type Validator struct {
	registry *metadata.Registry
}

func New(registry *metadata.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns payload merged over the permission presets once it passes.
// perms are the permissions granting action on collection; nil means the
// caller is unrestricted. Writing a field no permission exposes is Forbidden.
// Every violated rule is reported in one ValidationFailed error.
func (v *Validator) Validate(ctx context.Context, collection, action string, payload map[string]any, perms []metadata.Permission) (map[string]any, error) {
	schema := v.registry.Snapshot()
	coll := schema.Collection(collection)
	if coll == nil {
		return nil, apperr.UnknownCollection(collection)
	}

	if perms != nil {
		for field := range payload {
			if !allowed(perms, field) {
				return nil, apperr.Forbidden(fmt.Sprintf("You don't have permission to write field %q of %q.", field, collection))
			}
		}
	}

	merged := map[string]any{}
	for _, p := range perms {
		maps.Copy(merged, p.Presets)
	}
	maps.Copy(merged, payload)

	rules := buildRules(coll, action, perms)
	if len(rules) == 0 {
		return merged, nil
	}
	ev := evaluator{payload: merged, partial: action != metadata.ActionCreate, messages: fieldMessages(coll)}
	details := ev.eval(metadata.Filter{"_and": rules})
	if len(details) > 0 {
		return nil, apperr.ValidationFailed(normalize(details))
	}
	return merged, nil
}

func allowed(perms []metadata.Permission, field string) bool {
	for i := range perms {
		if perms[i].AllowsField(field) {
			return true
		}
	}
	return false
}

// buildRules combines the permission validations as alternatives and the
// field validations and required fields as conjuncts.
func buildRules(coll *metadata.Collection, action string, perms []metadata.Permission) []any {
	var rules []any

	var alternatives []any
	for _, p := range perms {
		if len(p.Validation) == 0 {
			// One unconstrained permission satisfies the alternative.
			alternatives = nil
			break
		}
		alternatives = append(alternatives, p.Validation)
	}
	if len(alternatives) > 0 {
		rules = append(rules, metadata.Filter{"_or": alternatives})
	}

	for _, name := range coll.ColumnNames() {
		f := coll.Fields[name]
		if len(f.Validation) > 0 {
			rules = append(rules, fieldRule(name, f.Validation))
		}
		if action == metadata.ActionCreate && f.Required && !f.HasDefault() {
			rules = append(rules, metadata.Filter{name: map[string]any{"_nnull": true}})
		}
	}
	return rules
}

// fieldRule scopes a validation written as bare operators to its field.
func fieldRule(name string, validation metadata.Filter) metadata.Filter {
	for key := range validation {
		if !isOperator(key) {
			return validation
		}
	}
	return metadata.Filter{name: map[string]any(validation)}
}

func isOperator(key string) bool {
	return strings.HasPrefix(key, "_") && key != "_and" && key != "_or"
}

func fieldMessages(coll *metadata.Collection) map[string]string {
	out := map[string]string{}
	for name, f := range coll.Fields {
		if f.ValidationMessage != "" {
			out[name] = f.ValidationMessage
		}
	}
	return out
}

// presenceOperators are the only operators a field left out of a created
// payload can fail.
var presenceOperators = map[string]bool{"_nnull": true, "_nempty": true}

type evaluator struct {
	payload map[string]any
	// partial skips rules on fields the payload leaves out.
	partial  bool
	messages map[string]string
}

func (e evaluator) eval(filter metadata.Filter) []apperr.ErrorDetail {
	return e.evalAt(e.payload, "", filter)
}

func (e evaluator) evalAt(payload map[string]any, prefix string, filter metadata.Filter) []apperr.ErrorDetail {
	var details []apperr.ErrorDetail
	for key, value := range filter {
		switch key {
		case "_and":
			list, _ := metadata.AsFilterList(value)
			for _, sub := range list {
				details = append(details, e.evalAt(payload, prefix, sub)...)
			}
		case "_or":
			list, _ := metadata.AsFilterList(value)
			var failed []apperr.ErrorDetail
			passed := len(list) == 0
			for _, sub := range list {
				d := e.evalAt(payload, prefix, sub)
				if len(d) == 0 {
					passed = true
					break
				}
				failed = append(failed, d...)
			}
			if !passed {
				details = append(details, failed...)
			}
		default:
			details = append(details, e.evalField(payload, prefix, key, value)...)
		}
	}
	return details
}

func (e evaluator) evalField(payload map[string]any, prefix, field string, condition any) []apperr.ErrorDetail {
	path := field
	if prefix != "" {
		path = prefix + "." + field
	}
	value, present := payload[field]
	if !present && e.partial {
		return nil
	}

	ops, ok := metadata.AsFilter(condition)
	if !ok {
		return nil
	}

	var details []apperr.ErrorDetail
	for op, arg := range ops {
		if !isOperator(op) {
			// A nested object in the payload is checked against the nested filter.
			nested, ok := value.(map[string]any)
			if !ok {
				continue
			}
			details = append(details, e.evalAt(nested, path, metadata.Filter{op: arg})...)
			continue
		}
		if !present && !presenceOperators[op] {
			continue
		}
		passed, err := check(op, value, arg)
		if err != nil {
			details = append(details, apperr.ErrorDetail{Field: path, Rule: op, Message: err.Error()})
			continue
		}
		if !passed {
			details = append(details, apperr.ErrorDetail{Field: path, Rule: op, Message: e.message(path, op, arg)})
		}
	}
	return details
}

func (e evaluator) message(field, op string, arg any) string {
	if msg, ok := e.messages[field]; ok {
		return msg
	}
	switch op {
	case "_nnull":
		return fmt.Sprintf("Value for field %q is required.", field)
	case "_null":
		return fmt.Sprintf("Value for field %q must be empty.", field)
	case "_regex":
		return fmt.Sprintf("Value for field %q doesn't have the correct format.", field)
	}
	return fmt.Sprintf("Value for field %q failed %s %v.", field, op, arg)
}

// normalize orders details by field and rule and drops duplicates.
func normalize(details []apperr.ErrorDetail) []apperr.ErrorDetail {
	sort.SliceStable(details, func(i, j int) bool {
		if details[i].Field != details[j].Field {
			return details[i].Field < details[j].Field
		}
		return details[i].Rule < details[j].Rule
	})
	var out []apperr.ErrorDetail
	for _, d := range details {
		if n := len(out); n > 0 && out[n-1].Field == d.Field && out[n-1].Rule == d.Rule {
			continue
		}
		out = append(out, d)
	}
	return out
}
