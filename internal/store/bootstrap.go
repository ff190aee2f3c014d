package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// systemCollections registers the access tables as collections so dynamic
// permission variables ($CURRENT_USER.email, $CURRENT_ROLE.name, ...) can be
// read through the regular query path.
var systemCollections = map[string]map[string]map[string]any{
	"roles": {
		"id":     {"type": "string"},
		"name":   {"type": "string", "required": true},
		"parent": {"type": "string", "nullable": true},
	},
	"users": {
		"id":       {"type": "string"},
		"email":    {"type": "string", "required": true},
		"password": {"type": "hash", "required": true},
		"role":     {"type": "string", "nullable": true},
		"status":   {"type": "string"},
	},
	"policies": {
		"id":           {"type": "string"},
		"name":         {"type": "string", "required": true},
		"admin_access": {"type": "boolean"},
		"app_access":   {"type": "boolean"},
		"ip_access":    {"type": "csv", "nullable": true},
	},
	"access": {
		"id":      {"type": "string"},
		"role":    {"type": "string", "nullable": true},
		"user_id": {"type": "string", "nullable": true},
		"policy":  {"type": "string", "required": true},
		"sort":    {"type": "integer"},
	},
	"permissions": {
		"id":          {"type": "string"},
		"collection":  {"type": "string", "required": true},
		"action":      {"type": "string", "required": true},
		"policy":      {"type": "string", "required": true},
		"fields":      {"type": "csv"},
		"permissions": {"type": "json", "nullable": true},
		"validation":  {"type": "json", "nullable": true},
		"presets":     {"type": "json", "nullable": true},
	},
}

var systemRelations = map[string]map[string]any{
	"users_role":        {"many_collection": "users", "many_field": "role", "one_collection": "roles"},
	"roles_parent":      {"many_collection": "roles", "many_field": "parent", "one_collection": "roles"},
	"access_role":       {"many_collection": "access", "many_field": "role", "one_collection": "roles"},
	"access_user":       {"many_collection": "access", "many_field": "user_id", "one_collection": "users"},
	"access_policy":     {"many_collection": "access", "many_field": "policy", "one_collection": "policies"},
	"permissions_owner": {"many_collection": "permissions", "many_field": "policy", "one_collection": "policies"},
}

// Bootstrap creates the system tables, registers the system collections and
// seeds an administrator on an empty database.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.registerSystemCollections(ctx); err != nil {
		return fmt.Errorf("register system collections: %w", err)
	}
	if err := s.seedAdmin(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(s.Dialect.PlaceholderFormat()).RunWith(s.DB)
}

func (s *Store) registerSystemCollections(ctx context.Context) error {
	for name, fields := range systemCollections {
		var count int
		if err := s.builder().Select("COUNT(*)").From("_collections").Where(sq.Eq{"name": name}).
			QueryRowContext(ctx).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		if _, err := s.builder().Insert("_collections").Columns("name", "definition").
			Values(name, `{"primary_key":"id"}`).ExecContext(ctx); err != nil {
			return err
		}
		for field, def := range fields {
			defJSON, err := json.Marshal(def)
			if err != nil {
				return err
			}
			if _, err := s.builder().Insert("_fields").Columns("collection", "name", "definition").
				Values(name, field, string(defJSON)).ExecContext(ctx); err != nil {
				return err
			}
		}
	}

	for id, def := range systemRelations {
		var count int
		if err := s.builder().Select("COUNT(*)").From("_relations").Where(sq.Eq{"id": id}).
			QueryRowContext(ctx).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		defJSON, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if _, err := s.builder().Insert("_relations").Columns("id", "definition").
			Values(id, string(defJSON)).ExecContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedAdmin(ctx context.Context) error {
	var count int
	if err := s.builder().Select("COUNT(*)").From("users").QueryRowContext(ctx).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	roleID := uuid.NewString()
	policyID := uuid.NewString()
	statements := []sq.InsertBuilder{
		s.builder().Insert("roles").Columns("id", "name").Values(roleID, "Administrator"),
		s.builder().Insert("policies").Columns("id", "name", "admin_access", "app_access").
			Values(policyID, "Administrator", true, true),
		s.builder().Insert("access").Columns("id", "role", "policy", "sort").
			Values(uuid.NewString(), roleID, policyID, 1),
		s.builder().Insert("users").Columns("id", "email", "password", "role").
			Values(uuid.NewString(), "admin@localhost", string(hashBytes), roleID),
	}
	for _, stmt := range statements {
		if _, err := stmt.ExecContext(ctx); err != nil {
			return err
		}
	}

	slog.Warn("default admin user created, change the password immediately", "email", "admin@localhost")
	return nil
}
