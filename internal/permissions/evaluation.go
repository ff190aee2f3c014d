package permissions

import (
	"context"
	"fmt"

	"datacore/internal/apperr"
	"datacore/internal/instrument"
	"datacore/internal/metadata"
	"datacore/internal/query"
)

// State is the progress of one evaluation.
type State int

const (
	StateUncomputed State = iota
	StateAggregating
	StateCached
	StateForbidden
)

func (s State) String() string {
	switch s {
	case StateUncomputed:
		return "uncomputed"
	case StateAggregating:
		return "aggregating"
	case StateCached:
		return "cached"
	case StateForbidden:
		return "forbidden"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Evaluation is the effective access of one caller for one action.
type Evaluation struct {
	Action         string
	Accountability *metadata.Accountability
	Policies       []metadata.Policy
	Permissions    []metadata.Permission
	FieldMap       FieldMap

	state State
	admin bool
	rules query.Rules
}

func (e *Evaluation) State() State { return e.state }

// Admin reports whether the caller bypasses every permission check.
func (e *Evaluation) Admin() bool { return e.admin }

// Rules returns the per-collection rule sets. Nil means unrestricted.
func (e *Evaluation) Rules() query.Rules {
	if e.admin {
		return nil
	}
	if e.rules == nil {
		return query.Rules{}
	}
	return e.rules
}

// RuleSet returns the rule set of collection, or Forbidden when the caller
// holds no permission on it.
func (e *Evaluation) RuleSet(collection string) (*query.RuleSet, error) {
	return e.Rules().For(collection)
}

// PermissionsFor returns the permissions granting the action on collection.
func (e *Evaluation) PermissionsFor(collection string) []metadata.Permission {
	var out []metadata.Permission
	for _, p := range e.Permissions {
		if p.Collection == collection {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate aggregates the caller's access for action. When collections are
// given, the caller must hold a permission on each of them; otherwise the
// evaluation ends Forbidden and the error says so. The returned accountability
// copy carries the resolved roles and policies.
func (s *Service) Evaluate(ctx context.Context, acc *metadata.Accountability, action string, collections ...string) (_ *Evaluation, err error) {
	e := &Evaluation{Action: action, state: StateUncomputed}
	if acc.IsAdmin() {
		e.admin = true
		e.Accountability = acc
		e.state = StateCached
		return e, nil
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "permissions", "aggregator", "permissions.evaluate")
	span.SetMetadata("action", action)
	defer func() {
		span.SetMetadata("state", e.state.String())
		instrument.Finish(span, err)
	}()

	e.state = StateAggregating
	resolved := *acc
	roles, err := s.FetchRoles(ctx, acc)
	if err != nil {
		return e, err
	}
	resolved.Roles = roles
	e.Accountability = &resolved

	policies, err := s.FetchPolicies(ctx, &resolved)
	if err != nil {
		return e, err
	}
	e.Policies = policies
	resolved.Policies = policyIDs(policies)
	for _, p := range policies {
		resolved.App = resolved.App || p.AppAccess
	}
	for _, p := range policies {
		if p.AdminAccess {
			resolved.Admin = true
			e.admin = true
			e.state = StateCached
			return e, nil
		}
	}

	perms, err := s.FetchPermissions(ctx, &resolved, action, policies, collections)
	if err != nil {
		return e, err
	}
	e.Permissions = perms
	e.FieldMap = FieldMaps(s.registry.Snapshot(), perms)

	e.rules = query.Rules{}
	byCollection := map[string][]metadata.Permission{}
	for _, p := range perms {
		byCollection[p.Collection] = append(byCollection[p.Collection], p)
	}
	for name, group := range byCollection {
		e.rules[name] = query.NewRuleSet(name, group, e.FieldMap.Inconsistent[name])
	}

	for _, c := range collections {
		if _, ok := e.rules[c]; !ok {
			e.state = StateForbidden
			return e, apperr.Forbidden(fmt.Sprintf("You don't have permission to %s collection %q.", action, c))
		}
	}
	e.state = StateCached
	return e, nil
}
