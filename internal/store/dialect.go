package store

import (
	"context"
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// DatePart names a component extracted by the date functions.
type DatePart string

const (
	PartYear    DatePart = "year"
	PartMonth   DatePart = "month"
	PartWeek    DatePart = "week"
	PartDay     DatePart = "day"
	PartWeekday DatePart = "weekday"
	PartHour    DatePart = "hour"
	PartMinute  DatePart = "minute"
	PartSecond  DatePart = "second"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// PlaceholderFormat is applied last, after a statement is fully built with "?".
	PlaceholderFormat() sq.PlaceholderFormat

	// QuoteIdent quotes a table, column or alias name.
	QuoteIdent(name string) string

	// SystemTablesSQL returns the DDL for the system tables.
	SystemTablesSQL() string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// DatePart extracts a numeric date component from a date/time column.
	DatePart(part DatePart, column string) string

	// JSONExtract selects the value at path (starting with "." or "[") inside a
	// JSON column. Paths containing "[*]" return every match as an array.
	JSONExtract(column, path string) (string, []any, error)

	// JSONArrayLength counts the elements of a JSON array column.
	JSONArrayLength(column string) string

	// CSVCount counts the comma-separated items stored in a text column.
	CSVCount(column string) string

	// GeometryAsText renders a geometry column as WKT.
	GeometryAsText(column string) string

	// GeometryFromText converts a bound WKT placeholder into a geometry value.
	GeometryFromText(placeholder string) string

	// Regex returns a predicate matching column against one bound pattern.
	Regex(column string) string
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// quoteIdent is shared by both dialects: ANSI double quotes with embedded
// quotes doubled.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func hasWildcard(path string) bool {
	return strings.Contains(path, "[*]")
}
