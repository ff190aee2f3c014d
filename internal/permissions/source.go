package permissions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/metadata"
	"datacore/internal/store"
)

// Source reads the access model.
type Source interface {
	// RoleParents returns role followed by its ancestors, nearest first.
	RoleParents(ctx context.Context, role string) ([]string, error)
	// AccessFor returns the access rows attaching policies to any of roles or to user.
	AccessFor(ctx context.Context, roles []string, user string) ([]metadata.Access, error)
	PoliciesByID(ctx context.Context, ids []string) ([]metadata.Policy, error)
	// PermissionsFor returns the permissions of policies for action, limited to
	// collections when any are given.
	PermissionsFor(ctx context.Context, action string, policies []string, collections []string) ([]metadata.Permission, error)
}

// SQLSource reads the access model from the system tables.
type SQLSource struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQLSource(s *store.Store) *SQLSource {
	return &SQLSource{db: s.DB, dialect: s.Dialect}
}

func (s *SQLSource) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(s.dialect.PlaceholderFormat()).RunWith(s.db)
}

func (s *SQLSource) RoleParents(ctx context.Context, role string) ([]string, error) {
	var chain []string
	visited := map[string]bool{}
	for role != "" && !visited[role] {
		visited[role] = true
		var parent sql.NullString
		err := s.builder().Select("parent").From("roles").Where(sq.Eq{"id": role}).
			QueryRowContext(ctx).Scan(&parent)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load role %s: %w", role, err)
		}
		chain = append(chain, role)
		role = parent.String
	}
	return chain, nil
}

func (s *SQLSource) AccessFor(ctx context.Context, roles []string, user string) ([]metadata.Access, error) {
	or := sq.Or{}
	if len(roles) > 0 {
		or = append(or, sq.Eq{"role": roles})
	}
	if user != "" {
		or = append(or, sq.Eq{"user_id": user})
	}
	if len(or) == 0 {
		return nil, nil
	}

	rows, err := s.builder().Select("id", "role", "user_id", "policy", "sort").
		From("access").Where(or).OrderBy("sort", "id").QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load access: %w", err)
	}
	defer rows.Close()

	var out []metadata.Access
	for rows.Next() {
		var a metadata.Access
		var role, userID sql.NullString
		if err := rows.Scan(&a.ID, &role, &userID, &a.Policy, &a.Sort); err != nil {
			return nil, err
		}
		a.Role, a.User = role.String, userID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLSource) PoliciesByID(ctx context.Context, ids []string) ([]metadata.Policy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.builder().Select("id", "name", "admin_access", "app_access", "ip_access").
		From("policies").Where(sq.Eq{"id": ids}).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var out []metadata.Policy
	for rows.Next() {
		var p metadata.Policy
		var ipAccess sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.AdminAccess, &p.AppAccess, &ipAccess); err != nil {
			return nil, err
		}
		p.IPAccess = splitCSV(ipAccess.String)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLSource) PermissionsFor(ctx context.Context, action string, policies []string, collections []string) ([]metadata.Permission, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	where := sq.And{sq.Eq{"action": action}, sq.Eq{"policy": policies}}
	if len(collections) > 0 {
		where = append(where, sq.Eq{"collection": collections})
	}
	rows, err := s.builder().
		Select("id", "collection", "action", "policy", "fields", "permissions", "validation", "presets").
		From("permissions").Where(where).OrderBy("id").QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	var out []metadata.Permission
	for rows.Next() {
		var p metadata.Permission
		var fields, filter, validation, presets sql.NullString
		if err := rows.Scan(&p.ID, &p.Collection, &p.Action, &p.Policy, &fields, &filter, &validation, &presets); err != nil {
			return nil, err
		}
		p.Fields = splitCSV(fields.String)
		if err := decodeJSON(filter, &p.Filter); err != nil {
			return nil, fmt.Errorf("permission %s: %w", p.ID, err)
		}
		if err := decodeJSON(validation, &p.Validation); err != nil {
			return nil, fmt.Errorf("permission %s: %w", p.ID, err)
		}
		if err := decodeJSON(presets, &p.Presets); err != nil {
			return nil, fmt.Errorf("permission %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
