package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/apperr"
)

// SQLiteDialect implements Dialect for modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) PlaceholderFormat() sq.PlaceholderFormat { return sq.Question }

func (d *SQLiteDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		tableName,
	).Scan(&count)
	return count > 0, err
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

var sqliteDateParts = map[DatePart]string{
	PartYear:    "%Y",
	PartMonth:   "%m",
	PartWeek:    "%W",
	PartDay:     "%d",
	PartWeekday: "%w",
	PartHour:    "%H",
	PartMinute:  "%M",
	PartSecond:  "%S",
}

func (d *SQLiteDialect) DatePart(part DatePart, column string) string {
	return fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", sqliteDateParts[part], column)
}

func (d *SQLiteDialect) JSONExtract(column, path string) (string, []any, error) {
	if hasWildcard(path) {
		return "", nil, apperr.InvalidFunction("json wildcard paths are not supported on %s", d.Name())
	}
	return fmt.Sprintf("json_extract(%s, ?)", column), []any{"$" + path}, nil
}

func (d *SQLiteDialect) JSONArrayLength(column string) string {
	return fmt.Sprintf("json_array_length(%s)", column)
}

func (d *SQLiteDialect) CSVCount(column string) string {
	return fmt.Sprintf("(CASE WHEN %[1]s IS NULL OR %[1]s = '' THEN 0 ELSE LENGTH(%[1]s) - LENGTH(REPLACE(%[1]s, ',', '')) + 1 END)", column)
}

// SQLite keeps geometries as WKT text.
func (d *SQLiteDialect) GeometryAsText(column string) string {
	return column
}

func (d *SQLiteDialect) GeometryFromText(placeholder string) string {
	return placeholder
}

func (d *SQLiteDialect) Regex(column string) string {
	return fmt.Sprintf("%s REGEXP ?", column)
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _collections (
    name        TEXT PRIMARY KEY,
    definition  TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _fields (
    collection  TEXT NOT NULL REFERENCES _collections(name) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    definition  TEXT NOT NULL,
    PRIMARY KEY (collection, name)
);

CREATE TABLE IF NOT EXISTS _relations (
    id          TEXT PRIMARY KEY,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now'))
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
    admin_access  INTEGER NOT NULL DEFAULT 0,
    app_access    INTEGER NOT NULL DEFAULT 0,
    ip_access     TEXT
);

CREATE TABLE IF NOT EXISTS access (
    id       TEXT PRIMARY KEY,
    role     TEXT REFERENCES roles(id) ON DELETE CASCADE,
    user_id  TEXT REFERENCES users(id) ON DELETE CASCADE,
    policy   TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    sort     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_access_role ON access(role);
CREATE INDEX IF NOT EXISTS idx_access_user ON access(user_id);

CREATE TABLE IF NOT EXISTS permissions (
    id           TEXT PRIMARY KEY,
    collection   TEXT NOT NULL,
    action       TEXT NOT NULL,
    policy       TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    fields       TEXT,
    permissions  TEXT,
    validation   TEXT,
    presets      TEXT
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
    duration_ms     REAL,
    status          TEXT,
    metadata        TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events(trace_id);
`
