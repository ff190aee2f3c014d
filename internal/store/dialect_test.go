package store

import (
	"errors"
	"fmt"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"datacore/internal/apperr"
)

func TestMapError_PG_UniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint \"idx_users_email\"",
		ConstraintName: "idx_users_email",
		Detail:         "Key (email)=(dup@test.com) already exists.",
	}
	wrapped := fmt.Errorf("exec: %w", pgErr)

	mapped := dialect.MapError(wrapped)

	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}

	// Original pgconn.PgError should still be extractable
	var extracted *pgconn.PgError
	if !errors.As(mapped, &extracted) {
		t.Fatal("expected pgconn.PgError to still be extractable via errors.As")
	}
	if extracted.ConstraintName != "idx_users_email" {
		t.Fatalf("expected constraint name 'idx_users_email', got: %s", extracted.ConstraintName)
	}
}

func TestMapError_PG_OtherError(t *testing.T) {
	dialect := &PostgresDialect{}
	err := fmt.Errorf("some other error")
	mapped := dialect.MapError(err)
	if mapped != err {
		t.Fatalf("expected same error back, got: %v", mapped)
	}
}

func TestMapError_PG_Nil(t *testing.T) {
	dialect := &PostgresDialect{}
	mapped := dialect.MapError(nil)
	if mapped != nil {
		t.Fatalf("expected nil, got: %v", mapped)
	}
}

func TestMapError_SQLite_Unique(t *testing.T) {
	dialect := &SQLiteDialect{}
	mapped := dialect.MapError(errors.New("constraint failed: UNIQUE constraint failed: users.email (2067)"))
	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}
}

func TestDatePart(t *testing.T) {
	pg := &PostgresDialect{}
	if got := pg.DatePart(PartWeekday, `"posts"."published"`); got != `EXTRACT(DOW FROM "posts"."published")` {
		t.Fatalf("unexpected postgres date part: %s", got)
	}
	lite := &SQLiteDialect{}
	if got := lite.DatePart(PartYear, `"posts"."published"`); got != `CAST(strftime('%Y', "posts"."published") AS INTEGER)` {
		t.Fatalf("unexpected sqlite date part: %s", got)
	}
}

func TestJSONExtract(t *testing.T) {
	pg := &PostgresDialect{}
	sql, args, err := pg.JSONExtract(`"t"."data"`, ".items[0].name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != `jsonb_path_query_first("t"."data"::jsonb, ?::jsonpath)` {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if len(args) != 1 || args[0] != "$.items[0].name" {
		t.Fatalf("unexpected args: %v", args)
	}

	sql, _, err = pg.JSONExtract(`"t"."data"`, ".items[*].name")
	if err != nil || sql != `jsonb_path_query_array("t"."data"::jsonb, ?::jsonpath)` {
		t.Fatalf("expected array query, got %s (%v)", sql, err)
	}

	lite := &SQLiteDialect{}
	if _, _, err := lite.JSONExtract(`"t"."data"`, ".items[*].name"); !apperr.IsCode(err, apperr.CodeInvalidFunction) {
		t.Fatalf("expected INVALID_FUNCTION for sqlite wildcard, got %v", err)
	}
	sql, args, err = lite.JSONExtract(`"t"."data"`, ".a.b")
	if err != nil || sql != `json_extract("t"."data", ?)` || args[0] != "$.a.b" {
		t.Fatalf("unexpected sqlite extract: %s %v %v", sql, args, err)
	}
}

func TestQuoteIdent(t *testing.T) {
	d := NewDialect("sqlite")
	if got := d.QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
	if NewDialect("postgres").PlaceholderFormat() != sq.Dollar {
		t.Fatal("expected dollar placeholders for postgres")
	}
}
