package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "modernc.org/sqlite"             // database/sql driver "sqlite"

	"datacore/internal/config"
)

var ErrNotFound = errors.New("not found")
var ErrUniqueViolation = errors.New("unique constraint violation")

// sqlitePragmas run on every SQLite connection. SQLite allows one writer, so
// the pool is pinned to a single connection.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
}

// Store is the item database: one connection pool and the dialect every
// statement is compiled for.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	dialect := NewDialect(driver)

	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case "sqlite":
		db.SetMaxOpenConns(1)
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	default:
		if cfg.PoolSize > 0 {
			db.SetMaxOpenConns(cfg.PoolSize)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db, Dialect: dialect}, nil
}

func (s *Store) Close() {
	s.DB.Close()
}

// QueryRows runs a compiled read. Each column is decoded by the decoder of its
// result key; columns without one keep the driver value, text as string.
// Driver errors come back mapped by the dialect.
func (s *Store) QueryRows(ctx context.Context, dec Decoders, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.Dialect.MapError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	decoders := make([]Decoder, len(columns))
	for i, col := range columns {
		decoders[i] = dec[col]
	}

	var out []map[string]any
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for rows.Next() {
		for i := range values {
			values[i] = nil
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if decoders[i] != nil && v != nil {
				if v, err = decoders[i](v); err != nil {
					return nil, fmt.Errorf("column %q: %w", col, err)
				}
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.Dialect.MapError(err)
	}
	return out, nil
}

// QueryRow is QueryRows for statements returning at most one row; no row is
// ErrNotFound.
func (s *Store) QueryRow(ctx context.Context, dec Decoders, query string, args ...any) (map[string]any, error) {
	rows, err := s.QueryRows(ctx, dec, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Exec runs a write and returns the number of affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.Dialect.MapError(err)
	}
	return res.RowsAffected()
}
