package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/store"
)

// CleanupOldEvents deletes events older than retention and returns how many
// were removed.
func CleanupOldEvents(ctx context.Context, s *store.Store, retention time.Duration, now time.Time) (int64, error) {
	sqlStr, args, err := sq.Delete("_events").
		Where(sq.Lt{"created_at": timestamp(s, now.Add(-retention))}).
		PlaceholderFormat(s.Dialect.PlaceholderFormat()).
		ToSql()
	if err != nil {
		return 0, err
	}
	n, err := s.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("event cleanup: %w", err)
	}
	if n > 0 {
		slog.Info("event cleanup", "deleted", n)
	}
	return n, nil
}
