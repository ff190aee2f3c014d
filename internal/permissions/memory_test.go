package permissions

import (
	"context"
	"sort"
	"sync/atomic"

	"datacore/internal/metadata"
)

// memorySource serves the access model from slices and counts permission loads.
type memorySource struct {
	roles       map[string]string // role -> parent
	access      []metadata.Access
	policies    []metadata.Policy
	permissions []metadata.Permission

	permissionLoads atomic.Int32
}

func (m *memorySource) RoleParents(_ context.Context, role string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	for role != "" && !seen[role] {
		if _, ok := m.roles[role]; !ok {
			break
		}
		seen[role] = true
		chain = append(chain, role)
		role = m.roles[role]
	}
	return chain, nil
}

func (m *memorySource) AccessFor(_ context.Context, roles []string, user string) ([]metadata.Access, error) {
	var out []metadata.Access
	for _, a := range m.access {
		if (a.User != "" && a.User == user) || (a.Role != "" && contains(roles, a.Role)) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out, nil
}

func (m *memorySource) PoliciesByID(_ context.Context, ids []string) ([]metadata.Policy, error) {
	var out []metadata.Policy
	for _, p := range m.policies {
		if contains(ids, p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memorySource) PermissionsFor(_ context.Context, action string, policies []string, collections []string) ([]metadata.Permission, error) {
	m.permissionLoads.Add(1)
	var out []metadata.Permission
	for _, p := range m.permissions {
		if p.Action != action || !contains(policies, p.Policy) {
			continue
		}
		if len(collections) > 0 && !contains(collections, p.Collection) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeFetcher struct {
	rows  map[string]map[string]map[string]any // collection -> key -> row
	calls [][]string
}

func (f *fakeFetcher) FetchItems(_ context.Context, collection string, keys []string, fields []string) ([]map[string]any, error) {
	f.calls = append(f.calls, append([]string{collection}, fields...))
	var out []map[string]any
	for _, k := range keys {
		if row, ok := f.rows[collection][k]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
