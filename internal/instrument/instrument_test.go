package instrument

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/config"
	"datacore/internal/store"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Enqueue(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestSpanHierarchy(t *testing.T) {
	sink := &collector{}
	inst := NewInstrumenter(sink)
	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "alice")

	ctx, root := inst.StartSpan(ctx, "http", "handler", "request")
	_, child := inst.StartSpan(ctx, "engine", "items", "items.read")
	child.SetEntity("articles")
	Finish(child, errors.New("boom"))
	Finish(root, nil)
	root.End()

	events := sink.all()
	require.Len(t, events, 2, "End is idempotent")

	c, r := events[0], events[1]
	assert.Equal(t, "trace-1", c.TraceID)
	assert.Equal(t, "items.read", c.Action)
	require.NotNil(t, c.ParentSpanID)
	assert.Equal(t, r.SpanID, *c.ParentSpanID)
	assert.Equal(t, "articles", *c.Entity)
	assert.Equal(t, "error", *c.Status)
	assert.Equal(t, "boom", c.Metadata["error"])
	assert.Equal(t, "alice", *c.UserID)

	assert.Nil(t, r.ParentSpanID)
	assert.Equal(t, "ok", *r.Status)
}

func TestNoopInstrumenter(t *testing.T) {
	inst := GetInstrumenter(context.Background())
	_, span := inst.StartSpan(context.Background(), "a", "b", "c")
	Finish(span, nil)
	assert.Empty(t, span.SpanID())
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	return s
}

func countEvents(t *testing.T, s *store.Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM _events`).Scan(&n))
	return n
}

func TestBufferFlushAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	buf := NewEventBuffer(s, 100, 0)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	buf.Enqueue(Event{SpanID: "old", TraceID: "t", Source: "http", Component: "handler", Action: "request", CreatedAt: now.Add(-48 * time.Hour)})
	buf.Enqueue(Event{SpanID: "new", TraceID: "t", Source: "http", Component: "handler", Action: "request",
		Metadata: map[string]any{"path": "/items/articles"}, CreatedAt: now.Add(-time.Minute)})
	assert.Equal(t, 2, buf.Len())

	buf.Stop()
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 2, countEvents(t, s))

	var meta string
	require.NoError(t, s.DB.QueryRow(`SELECT metadata FROM _events WHERE span_id = 'new'`).Scan(&meta))
	assert.JSONEq(t, `{"path":"/items/articles"}`, meta)

	n, err := CleanupOldEvents(ctx, s, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, countEvents(t, s))
}

func TestMiddleware(t *testing.T) {
	sink := &collector{}
	cfg := config.InstrumentationConfig{Enabled: true, SamplingRate: 1}

	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		return c.Status(fiber.StatusForbidden).SendString(err.Error())
	}})
	app.Use(Middleware(cfg, sink, func(c *fiber.Ctx) string { return "alice" }))
	app.Get("/ok", func(c *fiber.Ctx) error {
		_, span := GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "items", "items.read")
		span.End()
		return c.SendString("ok")
	})
	app.Get("/denied", func(c *fiber.Ctx) error { return errors.New("no") })

	req := httptest.NewRequest("GET", "/ok", nil)
	req.Header.Set("X-Trace-ID", "abc")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Header.Get("X-Trace-ID"))

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, "items.read", events[0].Action)
	assert.Equal(t, "abc", events[1].TraceID)
	assert.Equal(t, 200, events[1].Metadata["status_code"])
	assert.Equal(t, "alice", events[1].Metadata["user_id"])

	resp, err = app.Test(httptest.NewRequest("GET", "/denied", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	events = sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "error", *events[2].Status)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}

func TestMiddlewareDisabled(t *testing.T) {
	sink := &collector{}
	app := fiber.New()
	app.Use(Middleware(config.InstrumentationConfig{}, sink, nil))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, sink.all())
}
