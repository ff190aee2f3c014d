package instrument

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"datacore/internal/store"
)

// EventBuffer collects finished spans in memory and writes them to the
// _events table in batches, on a timer or when full.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	store   *store.Store
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEventBuffer starts the flush loop. A zero interval disables the timer.
func NewEventBuffer(s *store.Store, maxSize int, flushInterval time.Duration) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	eb := &EventBuffer{
		store:   s,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	if flushInterval > 0 {
		eb.ticker = time.NewTicker(flushInterval)
		eb.wg.Add(1)
		go eb.run()
	}
	return eb
}

func (eb *EventBuffer) run() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush(context.Background())
		}
	}
}

// Enqueue adds an event. A full buffer is flushed in the background.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	full := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if full {
		go eb.Flush(context.Background())
	}
}

// Len returns the number of events waiting for a flush.
func (eb *EventBuffer) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.events)
}

// Flush writes all buffered events in one statement. Failed batches are
// logged and dropped.
func (eb *EventBuffer) Flush(ctx context.Context) {
	eb.mu.Lock()
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ins := sq.Insert("_events").Columns(
		"span_id", "trace_id", "parent_span_id", "source", "component", "action",
		"entity", "user_id", "duration_ms", "status", "metadata", "created_at",
	)
	for _, e := range batch {
		var meta any
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				slog.Warn("drop span metadata", "span", e.SpanID, "err", err)
			} else {
				meta = string(raw)
			}
		}
		ins = ins.Values(e.SpanID, e.TraceID, e.ParentSpanID, e.Source, e.Component, e.Action,
			e.Entity, e.UserID, e.DurationMs, e.Status, meta, timestamp(eb.store, e.CreatedAt))
	}

	sqlStr, args, err := ins.PlaceholderFormat(eb.store.Dialect.PlaceholderFormat()).ToSql()
	if err != nil {
		slog.Error("build event batch", "err", err)
		return
	}
	if _, err := eb.store.Exec(ctx, sqlStr, args...); err != nil {
		slog.Error("write event batch", "events", len(batch), "err", err)
	}
}

// Stop halts the timer and flushes what is left.
func (eb *EventBuffer) Stop() {
	if eb.ticker != nil {
		eb.ticker.Stop()
		close(eb.done)
		eb.wg.Wait()
	}
	eb.Flush(context.Background())
}

// timestamp renders t for the created_at column. SQLite keeps text that
// sorts chronologically.
func timestamp(s *store.Store, t time.Time) any {
	if s.Dialect.Name() == "sqlite" {
		return t.UTC().Format("2006-01-02T15:04:05.000000Z")
	}
	return t.UTC()
}
