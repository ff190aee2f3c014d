package validate

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// operatorSources holds one boolean expression per filter operator, evaluated
// with the payload value bound to `value` and the operand to `arg`.
var operatorSources = map[string]string{
	"_eq":           `value == arg`,
	"_neq":          `value != arg`,
	"_lt":           `value < arg`,
	"_lte":          `value <= arg`,
	"_gt":           `value > arg`,
	"_gte":          `value >= arg`,
	"_in":           `value in arg`,
	"_nin":          `value not in arg`,
	"_null":         `(value == nil) == arg`,
	"_nnull":        `(value != nil) == arg`,
	"_contains":     `value contains arg`,
	"_ncontains":    `not (value contains arg)`,
	"_icontains":    `lower(value) contains lower(arg)`,
	"_starts_with":  `value startsWith arg`,
	"_nstarts_with": `not (value startsWith arg)`,
	"_istarts_with": `lower(value) startsWith lower(arg)`,
	"_ends_with":    `value endsWith arg`,
	"_nends_with":   `not (value endsWith arg)`,
	"_iends_with":   `lower(value) endsWith lower(arg)`,
	"_between":      `value >= arg[0] && value <= arg[1]`,
	"_nbetween":     `value < arg[0] || value > arg[1]`,
	"_empty":        `(value == nil || len(value) == 0) == arg`,
	"_nempty":       `(value != nil && len(value) > 0) == arg`,
	"_regex":        `value matches arg`,
}

// listOperators take a list operand; a string operand is split on commas.
var listOperators = map[string]bool{"_in": true, "_nin": true, "_between": true, "_nbetween": true}

var operators = compileOperators()

func compileOperators() map[string]*vm.Program {
	out := make(map[string]*vm.Program, len(operatorSources))
	for op, src := range operatorSources {
		prog, err := expr.Compile(src, expr.AsBool())
		if err != nil {
			panic(fmt.Sprintf("validate: compile %s: %v", op, err))
		}
		out[op] = prog
	}
	return out
}

// check runs operator op. A value the operator cannot be applied to fails
// the check.
func check(op string, value, arg any) (bool, error) {
	prog, ok := operators[op]
	if !ok {
		return false, fmt.Errorf("unknown operator %q", op)
	}
	if listOperators[op] {
		arg = asList(arg)
	}
	if op == "_regex" {
		if s, ok := arg.(string); ok {
			arg = trimRegexDelimiters(s)
		}
	}
	out, err := expr.Run(prog, map[string]any{"value": value, "arg": arg})
	if err != nil {
		return false, nil
	}
	passed, _ := out.(bool)
	return passed, nil
}

func asList(v any) any {
	switch v := v.(type) {
	case string:
		parts := strings.Split(v, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, p := range v {
			out[i] = p
		}
		return out
	}
	return v
}

// trimRegexDelimiters accepts both "^a+$" and "/^a+$/".
func trimRegexDelimiters(s string) string {
	if len(s) > 1 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return s[1 : len(s)-1]
	}
	return s
}
