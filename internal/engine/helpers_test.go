package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"datacore/internal/cache"
	"datacore/internal/config"
	"datacore/internal/metadata"
	"datacore/internal/permissions"
	"datacore/internal/store"
	"datacore/internal/validate"
)

type testEnv struct {
	store *store.Store
	items *ItemsService
	app   *fiber.App
}

var fixtureSQL = []string{
	`CREATE TABLE articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		body TEXT,
		status TEXT,
		secret TEXT,
		author TEXT,
		tags TEXT,
		meta TEXT,
		location TEXT
	)`,
	`CREATE TABLE comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article INTEGER,
		body TEXT
	)`,
	`INSERT INTO _collections (name, definition) VALUES ('articles', '{"primary_key":"id"}'), ('comments', '{"primary_key":"id"}')`,
	`INSERT INTO _fields (collection, name, definition) VALUES
		('articles', 'id', '{"type":"integer","generated":true}'),
		('articles', 'title', '{"type":"string","required":true}'),
		('articles', 'body', '{"type":"text"}'),
		('articles', 'status', '{"type":"string"}'),
		('articles', 'secret', '{"type":"string"}'),
		('articles', 'author', '{"type":"string"}'),
		('articles', 'tags', '{"type":"csv"}'),
		('articles', 'meta', '{"type":"json"}'),
		('articles', 'location', '{"type":"geometry.Point"}'),
		('articles', 'comments', '{"type":"alias"}'),
		('comments', 'id', '{"type":"integer","generated":true}'),
		('comments', 'article', '{"type":"integer"}'),
		('comments', 'body', '{"type":"text"}')`,
	`INSERT INTO _relations (id, definition) VALUES
		('articles_author', '{"many_collection":"articles","many_field":"author","one_collection":"users"}'),
		('comments_article', '{"many_collection":"comments","many_field":"article","one_collection":"articles","one_field":"comments"}')`,

	`INSERT INTO roles (id, name) VALUES ('writer', 'Writer')`,
	`INSERT INTO users (id, email, password, role) VALUES
		('alice', 'alice@example.com', 'x', 'writer'),
		('bob', 'bob@example.com', 'x', 'writer')`,
	`INSERT INTO policies (id, name) VALUES ('p_pub', 'Published'), ('p_own', 'Own articles')`,
	`INSERT INTO access (id, role, policy, sort) VALUES ('a1', 'writer', 'p_pub', 1), ('a2', 'writer', 'p_own', 2)`,
	`INSERT INTO permissions (id, collection, action, policy, fields, permissions, validation, presets) VALUES
		('perm1', 'articles', 'read', 'p_pub', 'id,title,status,author,tags,meta,location,comments', '{"status":{"_eq":"published"}}', NULL, NULL),
		('perm2', 'articles', 'read', 'p_own', '*', '{"author":{"_eq":"$CURRENT_USER"}}', NULL, NULL),
		('perm3', 'comments', 'read', 'p_pub', '*', NULL, NULL, NULL),
		('perm4', 'users', 'read', 'p_pub', 'id,email', NULL, NULL, NULL),
		('perm5', 'articles', 'create', 'p_own', 'title,body,status', NULL, '{"status":{"_in":["draft","review"]}}', '{"author":"$CURRENT_USER"}'),
		('perm6', 'articles', 'update', 'p_own', 'title,body,status', '{"author":{"_eq":"$CURRENT_USER"}}', NULL, NULL)`,

	`INSERT INTO articles (id, title, status, secret, author, tags, meta, location) VALUES
		(1, 'Public by bob', 'published', 's1', 'bob', 'go,sql', '{"k":1}', 'POINT(1 2)'),
		(2, 'Draft by alice', 'draft', 's2', 'alice', NULL, NULL, NULL),
		(3, 'Draft by bob', 'draft', 's3', 'bob', NULL, NULL, NULL),
		(4, 'Public by alice', 'published', 's4', 'alice', NULL, NULL, NULL)`,
	`INSERT INTO comments (article, body) VALUES (1, 'nice'), (1, 'meh'), (4, 'first')`,
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	for _, stmt := range fixtureSQL {
		_, err := s.DB.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	reg := metadata.NewRegistry()
	require.NoError(t, metadata.LoadAll(ctx, s.DB, reg))

	c := cache.New(cache.Config{
		Enabled:   true,
		Namespace: "engine-test",
		TTL:       time.Minute,
		L1:        cache.L1Config{Enabled: true, Shards: 8, EvictionTime: time.Minute},
	})
	require.NoError(t, c.Init(ctx))

	perms := permissions.NewService(permissions.NewSQLSource(s), c, reg, permissions.Options{})
	items := NewItemsService(s, reg, perms, validate.New(reg), Options{DefaultLimit: 100})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	h := NewHandler(items)
	RegisterItemRoutes(app, h, testAuth)
	RegisterPermissionRoutes(app, h, testAuth)

	return &testEnv{store: s, items: items, app: app}
}

// testAuth builds the caller from X-User, X-Role and X-Admin headers.
func testAuth(c *fiber.Ctx) error {
	c.Locals(AccountabilityKey, &metadata.Accountability{
		User:  c.Get("X-User"),
		Role:  c.Get("X-Role"),
		Admin: c.Get("X-Admin") == "true",
		IP:    c.IP(),
	})
	return c.Next()
}

type caller map[string]string

var (
	admin  = caller{"X-Admin": "true"}
	alice  = caller{"X-User": "alice", "X-Role": "writer"}
	public = caller{}
)

type response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field string `json:"field"`
			Rule  string `json:"rule"`
		} `json:"details"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, who caller, method, path string, params url.Values, body any) response {
	t.Helper()
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range who {
		req.Header.Set(k, v)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{Status: resp.StatusCode}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return out
}

func (r response) rows(t *testing.T) []map[string]any {
	t.Helper()
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(r.Data, &rows))
	return rows
}

func (r response) row(t *testing.T) map[string]any {
	t.Helper()
	var row map[string]any
	require.NoError(t, json.Unmarshal(r.Data, &row))
	return row
}

func (r response) code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

