package permissions

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

// Dynamic variables usable as values inside permission filters, validation
// rules and presets.
const (
	VarCurrentUser     = "$CURRENT_USER"
	VarCurrentRole     = "$CURRENT_ROLE"
	VarCurrentRoles    = "$CURRENT_ROLES"
	VarCurrentPolicies = "$CURRENT_POLICIES"
	VarNow             = "$NOW"
)

// ItemFetcher reads rows on behalf of the permission pipeline, bypassing
// permissions. fields may contain dotted relational paths.
type ItemFetcher interface {
	FetchItems(ctx context.Context, collection string, keys []string, fields []string) ([]map[string]any, error)
}

var nowPattern = regexp.MustCompile(`^\$NOW(?:\(\s*([+-]?\d+)\s*([a-z]+?)s?\s*\))?$`)

// variableFields collects, per context variable, the dotted fields that the
// given values reference (e.g. "$CURRENT_USER.role.name" needs "role.name").
func variableFields(values ...any) map[string][]string {
	seen := map[string]map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case metadata.Filter:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			for _, item := range v {
				walk(item)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		case string:
			name, path := splitVariable(v)
			if name == "" || path == "" || name == VarNow {
				return
			}
			if seen[name] == nil {
				seen[name] = map[string]bool{}
			}
			seen[name][path] = true
		}
	}
	for _, v := range values {
		walk(v)
	}

	out := make(map[string][]string, len(seen))
	for name, paths := range seen {
		for p := range paths {
			out[name] = append(out[name], p)
		}
		sort.Strings(out[name])
	}
	return out
}

// splitVariable splits "$CURRENT_USER.role.name" into the variable and path.
func splitVariable(s string) (name, path string) {
	if !strings.HasPrefix(s, "$") {
		return "", ""
	}
	if strings.HasPrefix(s, VarNow) {
		return VarNow, ""
	}
	for _, v := range []string{VarCurrentUser, VarCurrentRoles, VarCurrentRole, VarCurrentPolicies} {
		if s == v {
			return v, ""
		}
		if strings.HasPrefix(s, v+".") {
			return v, s[len(v)+1:]
		}
	}
	return "", ""
}

// variableContext holds what the variables of one caller resolve to.
type variableContext struct {
	acc      *metadata.Accountability
	policies []string
	// data holds fetched rows: a map for $CURRENT_USER/$CURRENT_ROLE, a list
	// for $CURRENT_ROLES/$CURRENT_POLICIES.
	data map[string]any
	now  time.Time
}

// FetchDynamicVariableData loads the rows the variables referenced by perms
// project fields from.
func (s *Service) FetchDynamicVariableData(ctx context.Context, acc *metadata.Accountability, policies []string, perms []metadata.Permission) (map[string]any, error) {
	values := make([]any, 0, len(perms)*3)
	for _, p := range perms {
		values = append(values, p.Filter, p.Validation, p.Presets)
	}
	wanted := variableFields(values...)
	data := map[string]any{}
	if len(wanted) == 0 {
		return data, nil
	}
	if s.fetcher == nil {
		return nil, apperr.Internal("dynamic permission variables need an item fetcher")
	}

	fetchOne := func(collection, key string, fields []string) (map[string]any, error) {
		if key == "" {
			return nil, nil
		}
		rows, err := s.fetcher.FetchItems(ctx, collection, []string{key}, fields)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	}
	fetchMany := func(collection string, keys, fields []string) ([]any, error) {
		if len(keys) == 0 {
			return []any{}, nil
		}
		rows, err := s.fetcher.FetchItems(ctx, collection, keys, fields)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}

	for name, fields := range wanted {
		var v any
		var err error
		switch name {
		case VarCurrentUser:
			v, err = fetchOne(s.collections.Users, acc.User, fields)
		case VarCurrentRole:
			v, err = fetchOne(s.collections.Roles, acc.Role, fields)
		case VarCurrentRoles:
			v, err = fetchMany(s.collections.Roles, acc.Roles, fields)
		case VarCurrentPolicies:
			v, err = fetchMany(s.collections.Policies, policies, fields)
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		data[name] = v
	}
	return data, nil
}

// resolve replaces every variable inside v, returning a copy.
func (vc variableContext) resolve(v any) any {
	switch v := v.(type) {
	case metadata.Filter:
		out := make(metadata.Filter, len(v))
		for k, item := range v {
			out[k] = vc.resolve(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = vc.resolve(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = vc.resolve(item)
		}
		return out
	case string:
		if r, ok := vc.value(v); ok {
			return r
		}
	}
	return v
}

func (vc variableContext) value(s string) (any, bool) {
	name, path := splitVariable(s)
	switch name {
	case "":
		return nil, false
	case VarNow:
		t, ok := vc.nowValue(s)
		if !ok {
			return nil, false
		}
		return t.UTC().Format(time.RFC3339), true
	}

	if path == "" {
		switch name {
		case VarCurrentUser:
			return nullable(vc.acc.User), true
		case VarCurrentRole:
			return nullable(vc.acc.Role), true
		case VarCurrentRoles:
			return toAnyList(vc.acc.Roles), true
		case VarCurrentPolicies:
			return toAnyList(vc.policies), true
		}
	}
	return project(vc.data[name], strings.Split(path, ".")), true
}

func (vc variableContext) nowValue(s string) (time.Time, bool) {
	m := nowPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	if m[1] == "" {
		return vc.now, true
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	switch m[2] {
	case "second", "sec":
		return vc.now.Add(time.Duration(n) * time.Second), true
	case "minute", "min":
		return vc.now.Add(time.Duration(n) * time.Minute), true
	case "hour":
		return vc.now.Add(time.Duration(n) * time.Hour), true
	case "day":
		return vc.now.AddDate(0, 0, n), true
	case "week":
		return vc.now.AddDate(0, 0, 7*n), true
	case "month":
		return vc.now.AddDate(0, n, 0), true
	case "year":
		return vc.now.AddDate(n, 0, 0), true
	}
	return time.Time{}, false
}

// project walks path through nested rows; lists are projected element-wise.
func project(v any, path []string) any {
	if len(path) == 0 {
		return v
	}
	switch v := v.(type) {
	case map[string]any:
		return project(v[path[0]], path[1:])
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			p := project(item, path)
			if list, ok := p.([]any); ok {
				out = append(out, list...)
				continue
			}
			out = append(out, p)
		}
		return out
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toAnyList(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}
