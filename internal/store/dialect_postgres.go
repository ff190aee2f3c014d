package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) PlaceholderFormat() sq.PlaceholderFormat { return sq.Dollar }

func (d *PostgresDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	errStr := err.Error()
	if strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

var pgDateParts = map[DatePart]string{
	PartYear:    "YEAR",
	PartMonth:   "MONTH",
	PartWeek:    "WEEK",
	PartDay:     "DAY",
	PartWeekday: "DOW",
	PartHour:    "HOUR",
	PartMinute:  "MINUTE",
	PartSecond:  "SECOND",
}

func (d *PostgresDialect) DatePart(part DatePart, column string) string {
	return fmt.Sprintf("EXTRACT(%s FROM %s)", pgDateParts[part], column)
}

func (d *PostgresDialect) JSONExtract(column, path string) (string, []any, error) {
	fn := "jsonb_path_query_first"
	if hasWildcard(path) {
		fn = "jsonb_path_query_array"
	}
	return fmt.Sprintf("%s(%s::jsonb, ?::jsonpath)", fn, column), []any{"$" + path}, nil
}

func (d *PostgresDialect) JSONArrayLength(column string) string {
	return fmt.Sprintf("jsonb_array_length(%s::jsonb)", column)
}

func (d *PostgresDialect) CSVCount(column string) string {
	return fmt.Sprintf("COALESCE(array_length(string_to_array(NULLIF(%s, ''), ','), 1), 0)", column)
}

func (d *PostgresDialect) GeometryAsText(column string) string {
	return fmt.Sprintf("ST_AsText(%s)", column)
}

func (d *PostgresDialect) GeometryFromText(placeholder string) string {
	return fmt.Sprintf("ST_GeomFromText(%s, 4326)", placeholder)
}

func (d *PostgresDialect) Regex(column string) string {
	return fmt.Sprintf("%s ~ ?", column)
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _collections (
    name        TEXT PRIMARY KEY,
    definition  JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _fields (
    collection  TEXT NOT NULL REFERENCES _collections(name) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    definition  JSONB NOT NULL,
    PRIMARY KEY (collection, name)
);

CREATE TABLE IF NOT EXISTS _relations (
    id          TEXT PRIMARY KEY,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS roles (
    id      TEXT PRIMARY KEY,
    name    TEXT NOT NULL,
    parent  TEXT REFERENCES roles(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS users (
    id        TEXT PRIMARY KEY,
    email     TEXT NOT NULL UNIQUE,
    password  TEXT NOT NULL,
    role      TEXT REFERENCES roles(id) ON DELETE SET NULL,
    status    TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS policies (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    admin_access  BOOLEAN NOT NULL DEFAULT false,
    app_access    BOOLEAN NOT NULL DEFAULT false,
    ip_access     TEXT
);

CREATE TABLE IF NOT EXISTS access (
    id       TEXT PRIMARY KEY,
    role     TEXT REFERENCES roles(id) ON DELETE CASCADE,
    user_id  TEXT REFERENCES users(id) ON DELETE CASCADE,
    policy   TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    sort     INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_access_role ON access(role);
CREATE INDEX IF NOT EXISTS idx_access_user ON access(user_id);

CREATE TABLE IF NOT EXISTS permissions (
    id           TEXT PRIMARY KEY,
    collection   TEXT NOT NULL,
    action       TEXT NOT NULL,
    policy       TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    fields       TEXT,
    permissions  JSONB,
    validation   JSONB,
    presets      JSONB
);
CREATE INDEX IF NOT EXISTS idx_permissions_policy_action ON permissions(policy, action);

CREATE TABLE IF NOT EXISTS _events (
    span_id         TEXT PRIMARY KEY,
    trace_id        TEXT NOT NULL,
    parent_span_id  TEXT,
    source          TEXT NOT NULL,
    component       TEXT NOT NULL,
    action          TEXT NOT NULL,
    entity          TEXT,
    user_id         TEXT,
    duration_ms     DOUBLE PRECISION,
    status          TEXT,
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events(trace_id);
`
