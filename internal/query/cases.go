package query

import (
	"fmt"
	"strings"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

// RuleSet is the effective access of one caller to one collection for one
// action. Every granting permission contributes a case: its row filter and the
// fields it exposes. A row is visible when any case matches; a field listed by
// only some of the cases is masked per row by the cases that list it.
type RuleSet struct {
	Collection   string
	Cases        []metadata.Filter
	CaseFields   [][]string
	Inconsistent map[string]bool
}

// NewRuleSet builds the rule set from the permissions granting an action on
// collection, in policy order. inconsistent names the fields that need masking.
func NewRuleSet(collection string, permissions []metadata.Permission, inconsistent []string) *RuleSet {
	rs := &RuleSet{
		Collection:   collection,
		Cases:        make([]metadata.Filter, 0, len(permissions)),
		CaseFields:   make([][]string, 0, len(permissions)),
		Inconsistent: make(map[string]bool, len(inconsistent)),
	}
	for _, p := range permissions {
		filter := p.Filter
		if filter == nil {
			filter = metadata.Filter{}
		}
		rs.Cases = append(rs.Cases, filter)
		rs.CaseFields = append(rs.CaseFields, p.Fields)
	}
	for _, f := range inconsistent {
		rs.Inconsistent[f] = true
	}
	return rs
}

// Allowed reports whether any case exposes field. A nil rule set allows everything.
func (r *RuleSet) Allowed(field string) bool {
	if r == nil {
		return true
	}
	for _, fields := range r.CaseFields {
		for _, f := range fields {
			if f == "*" || f == field {
				return true
			}
		}
	}
	return false
}

// WhenCase returns the indexes of the cases exposing field when the field
// needs masking, nil otherwise.
func (r *RuleSet) WhenCase(field string) []int {
	if r == nil || !r.Inconsistent[field] {
		return nil
	}
	var idx []int
	for i, fields := range r.CaseFields {
		for _, f := range fields {
			if f == "*" || f == field {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// RowFilter is the OR of the case filters, nil when at least one case grants
// every row.
func (r *RuleSet) RowFilter() metadata.Filter {
	if r == nil || len(r.Cases) == 0 {
		return nil
	}
	for _, c := range r.Cases {
		if len(c) == 0 {
			return nil
		}
	}
	if len(r.Cases) == 1 {
		return r.Cases[0]
	}
	or := make([]any, len(r.Cases))
	for i, c := range r.Cases {
		or[i] = c
	}
	return metadata.Filter{"_or": or}
}

// Rules holds the rule set per collection. A nil Rules is unrestricted access.
type Rules map[string]*RuleSet

// For returns the rule set of collection, failing with Forbidden when the
// caller holds no permission on it.
func (r Rules) For(collection string) (*RuleSet, error) {
	if r == nil {
		return nil, nil
	}
	rs, ok := r[collection]
	if !ok || rs == nil || len(rs.Cases) == 0 {
		return nil, apperr.Forbidden(fmt.Sprintf("You don't have permission to access collection %q.", collection))
	}
	return rs, nil
}

// caseExpression wraps expr so it yields NULL on rows none of the whenCase
// cases match. The first matching WHEN wins. An unconditional case makes the
// expression visible on every row. t names the row the cases are evaluated
// against: the scope root or a joined relation.
func (c *compileContext) caseExpression(t filterTarget, expr string, args []any, whenCase []int) (string, []any, error) {
	if len(whenCase) == 0 {
		return expr, args, nil
	}
	rs, err := c.rules.For(t.collection)
	if err != nil {
		return "", nil, err
	}
	if rs == nil {
		return expr, args, nil
	}

	var b strings.Builder
	var out []any
	b.WriteString("CASE")
	for _, idx := range whenCase {
		if idx < 0 || idx >= len(rs.Cases) {
			return "", nil, apperr.Internal("case index %d out of range for %s", idx, t.collection)
		}
		filter := rs.Cases[idx]
		if len(filter) == 0 {
			return expr, args, nil
		}
		cond, err := c.compileFilter(filterTarget{scope: t.scope, path: t.path, collection: t.collection, table: t.table}, filter)
		if err != nil {
			return "", nil, err
		}
		condSQL, condArgs, err := cond.ToSql()
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHEN ")
		b.WriteString(condSQL)
		b.WriteString(" THEN ")
		b.WriteString(expr)
		out = append(out, condArgs...)
		out = append(out, args...)
	}
	b.WriteString(" ELSE NULL END")
	return b.String(), out, nil
}
