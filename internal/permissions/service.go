package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"datacore/internal/apperr"
	"datacore/internal/cache"
	"datacore/internal/metadata"
)

// CacheTag marks every cache entry derived from the access model.
const CacheTag = "permissions"

// Collections names the system collections dynamic variables read from.
type Collections struct {
	Users    string
	Roles    string
	Policies string
}

type Options struct {
	Collections Collections
	// Now is the clock $NOW resolves against.
	Now func() time.Time
}

// Service aggregates the policies and permissions of a caller into the rule
// sets the query compiler enforces.
type Service struct {
	source      Source
	cache       *cache.Service
	registry    *metadata.Registry
	fetcher     ItemFetcher
	collections Collections
	now         func() time.Time
}

func NewService(source Source, c *cache.Service, registry *metadata.Registry, opts Options) *Service {
	if opts.Collections.Users == "" {
		opts.Collections.Users = "users"
	}
	if opts.Collections.Roles == "" {
		opts.Collections.Roles = "roles"
	}
	if opts.Collections.Policies == "" {
		opts.Collections.Policies = "policies"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		source:      source,
		cache:       c,
		registry:    registry,
		collections: opts.Collections,
		now:         opts.Now,
	}
}

// SetItemFetcher wires the reader used for dynamic variable data. The engine
// depends on the service, so the fetcher is attached after construction.
func (s *Service) SetItemFetcher(f ItemFetcher) {
	s.fetcher = f
}

// FetchRoles returns the caller's role followed by its ancestors.
func (s *Service) FetchRoles(ctx context.Context, acc *metadata.Accountability) ([]string, error) {
	if len(acc.Roles) > 0 || acc.Role == "" {
		return acc.Roles, nil
	}
	key, err := cache.Key("roles", acc.Role)
	if err != nil {
		return nil, err
	}
	return cache.Load(ctx, s.cache, key, func(ctx context.Context) ([]string, error) {
		return s.source.RoleParents(ctx, acc.Role)
	}, cache.WithTags(CacheTag))
}

// FetchPolicies returns the policies granted to the caller, ordered from the
// root of the role chain down to the caller's own role, user-attached
// policies last. Policies restricted to IP ranges the caller is outside of
// are left out.
func (s *Service) FetchPolicies(ctx context.Context, acc *metadata.Accountability) ([]metadata.Policy, error) {
	roles, err := s.FetchRoles(ctx, acc)
	if err != nil {
		return nil, err
	}
	key, err := cache.Key("policies", roles, acc.User)
	if err != nil {
		return nil, err
	}
	policies, err := cache.Load(ctx, s.cache, key, func(ctx context.Context) ([]metadata.Policy, error) {
		return s.loadPolicies(ctx, roles, acc.User)
	}, cache.WithTags(CacheTag))
	if err != nil {
		return nil, err
	}

	out := make([]metadata.Policy, 0, len(policies))
	for _, p := range policies {
		if !ipAllowed(p.IPAccess, acc.IP) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) loadPolicies(ctx context.Context, roles []string, user string) ([]metadata.Policy, error) {
	rows, err := s.source.AccessFor(ctx, roles, user)
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(roles))
	for i, r := range roles {
		depth[r] = i
	}
	// roles[0] is the caller's own role: ancestors sort first, user rows last.
	rank := func(a metadata.Access) int {
		if a.Role == "" {
			return -1
		}
		return depth[a.Role]
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rank(rows[i]), rank(rows[j])
		if ri != rj {
			return ri > rj
		}
		return rows[i].Sort < rows[j].Sort
	})

	var ids []string
	seen := map[string]bool{}
	for _, a := range rows {
		if !seen[a.Policy] {
			seen[a.Policy] = true
			ids = append(ids, a.Policy)
		}
	}
	if len(ids) == 0 {
		return []metadata.Policy{}, nil
	}

	found, err := s.source.PoliciesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]metadata.Policy, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]metadata.Policy, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ipAllowed matches ip against a list of addresses and CIDR ranges. An empty
// list allows everyone; a caller without a known IP is refused by a
// restricted policy.
func ipAllowed(ranges []string, ip string) bool {
	if len(ranges) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if strings.Contains(r, "/") {
			prefix, err := netip.ParsePrefix(r)
			if err != nil {
				slog.Warn("invalid ip_access range", "range", r, "err", err)
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(r); err == nil && other.Unmap() == addr {
			return true
		}
	}
	return false
}

// FetchPermissions returns the permissions policies grant for action, with
// every dynamic variable resolved for acc. Stored permissions are never
// modified; resolved copies are returned.
func (s *Service) FetchPermissions(ctx context.Context, acc *metadata.Accountability, action string, policies []metadata.Policy, collections []string) ([]metadata.Permission, error) {
	ids := policyIDs(policies)
	key, err := cache.Key("permissions", action, ids, collections)
	if err != nil {
		return nil, err
	}
	raw, err := cache.Load(ctx, s.cache, key, func(ctx context.Context) ([]metadata.Permission, error) {
		perms, err := s.source.PermissionsFor(ctx, action, ids, collections)
		if perms == nil && err == nil {
			perms = []metadata.Permission{}
		}
		return perms, err
	}, cache.WithTags(CacheTag))
	if err != nil {
		return nil, err
	}

	perms := make([]metadata.Permission, 0, len(raw)+3)
	perms = append(perms, raw...)
	if acc.App && action == metadata.ActionRead {
		perms = append(perms, s.appPermissions(collections)...)
	}

	data, err := s.FetchDynamicVariableData(ctx, acc, ids, perms)
	if err != nil {
		return nil, err
	}
	vc := variableContext{acc: acc, policies: ids, data: data, now: s.now()}
	for i, p := range perms {
		perms[i] = resolvePermission(vc, p)
	}
	return perms, nil
}

// appPermissions lets app callers read their own user, roles and policies.
func (s *Service) appPermissions(collections []string) []metadata.Permission {
	all := []metadata.Permission{
		{
			Collection: s.collections.Users,
			Action:     metadata.ActionRead,
			Fields:     []string{"*"},
			Filter:     metadata.Filter{"id": map[string]any{"_eq": VarCurrentUser}},
		},
		{
			Collection: s.collections.Roles,
			Action:     metadata.ActionRead,
			Fields:     []string{"*"},
			Filter:     metadata.Filter{"id": map[string]any{"_in": VarCurrentRoles}},
		},
		{
			Collection: s.collections.Policies,
			Action:     metadata.ActionRead,
			Fields:     []string{"*"},
			Filter:     metadata.Filter{"id": map[string]any{"_in": VarCurrentPolicies}},
		},
	}
	if len(collections) == 0 {
		return all
	}
	var out []metadata.Permission
	for _, p := range all {
		for _, c := range collections {
			if c == p.Collection {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func resolvePermission(vc variableContext, p metadata.Permission) metadata.Permission {
	if p.Filter != nil {
		p.Filter = vc.resolve(p.Filter).(metadata.Filter)
	}
	if p.Validation != nil {
		p.Validation = vc.resolve(p.Validation).(metadata.Filter)
	}
	if p.Presets != nil {
		p.Presets = vc.resolve(p.Presets).(map[string]any)
	}
	p.Fields = append([]string(nil), p.Fields...)
	return p
}

// Field map types accepted by FetchFieldMaps.
const (
	MapAllowed      = "allowed"
	MapInconsistent = "inconsistent"
)

// FieldMap lists, per collection, the fields any permission exposes and the
// fields only some of the permissions expose.
type FieldMap struct {
	Allowed      map[string][]string `json:"allowed,omitempty"`
	Inconsistent map[string][]string `json:"inconsistent,omitempty"`
}

// FieldMaps computes the field map of perms. "*" expands to every field the
// collection defines.
func FieldMaps(schema *metadata.Schema, perms []metadata.Permission) FieldMap {
	byCollection := map[string][]metadata.Permission{}
	var order []string
	for _, p := range perms {
		if _, ok := byCollection[p.Collection]; !ok {
			order = append(order, p.Collection)
		}
		byCollection[p.Collection] = append(byCollection[p.Collection], p)
	}

	fm := FieldMap{Allowed: map[string][]string{}, Inconsistent: map[string][]string{}}
	for _, name := range order {
		group := byCollection[name]
		expand := func(p metadata.Permission) []string {
			if p.AllowsAllFields() {
				if coll := schema.Collection(name); coll != nil {
					return coll.FieldNames()
				}
			}
			return p.Fields
		}

		union := map[string]int{}
		var fields []string
		for _, p := range group {
			seen := map[string]bool{}
			for _, f := range expand(p) {
				if seen[f] {
					continue
				}
				seen[f] = true
				if _, ok := union[f]; !ok {
					fields = append(fields, f)
				}
				union[f]++
			}
		}
		sort.Strings(fields)
		fm.Allowed[name] = fields

		inconsistent := []string{}
		for _, f := range fields {
			if union[f] < len(group) {
				inconsistent = append(inconsistent, f)
			}
		}
		fm.Inconsistent[name] = inconsistent
	}
	return fm
}

// FetchFieldMaps returns the requested field map types for the caller and
// action. Admin callers get every field of every collection and nothing
// inconsistent.
func (s *Service) FetchFieldMaps(ctx context.Context, acc *metadata.Accountability, action string, types ...string) (FieldMap, error) {
	schema := s.registry.Snapshot()
	want := map[string]bool{}
	for _, t := range types {
		if t != MapAllowed && t != MapInconsistent {
			return FieldMap{}, apperr.InvalidQuery("unknown field map type %q", t)
		}
		want[t] = true
	}
	if len(want) == 0 {
		want[MapAllowed], want[MapInconsistent] = true, true
	}

	var fm FieldMap
	eval, err := s.Evaluate(ctx, acc, action)
	if err != nil {
		return fm, err
	}
	if eval.Admin() {
		fm.Allowed = map[string][]string{}
		fm.Inconsistent = map[string][]string{}
		for _, name := range schema.CollectionNames() {
			fm.Allowed[name] = schema.Collection(name).FieldNames()
			fm.Inconsistent[name] = []string{}
		}
	} else {
		fm = eval.FieldMap
	}
	if !want[MapAllowed] {
		fm.Allowed = nil
	}
	if !want[MapInconsistent] {
		fm.Inconsistent = nil
	}
	return fm, nil
}

// Invalidate drops every cached access-model entry. Writes are suppressed
// while it runs so a concurrent reader cannot store stale data under the new
// epoch.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Lock(ctx); err != nil {
		return fmt.Errorf("lock permission cache: %w", err)
	}
	defer func() {
		if err := s.cache.Unlock(ctx); err != nil {
			slog.Warn("unlock permission cache failed", "err", err)
		}
	}()
	s.cache.BumpEpoch()
	return s.cache.Invalidate(ctx, CacheTag)
}

func policyIDs(policies []metadata.Policy) []string {
	ids := make([]string, len(policies))
	for i, p := range policies {
		ids[i] = p.ID
	}
	return ids
}
