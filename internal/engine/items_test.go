package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
	"datacore/internal/query"
)

func TestList_Admin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, admin, http.MethodGet, "/items/articles", url.Values{"sort": {"id"}}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	rows := resp.rows(t)
	require.Len(t, rows, 4)

	first := rows[0]
	assert.Equal(t, "s1", first["secret"])
	assert.Equal(t, []any{"go", "sql"}, first["tags"])
	assert.Equal(t, map[string]any{"k": float64(1)}, first["meta"])
	assert.Equal(t, map[string]any{"type": "Point", "coordinates": []any{float64(1), float64(2)}}, first["location"])
	assert.Len(t, first["comments"], 2)

	assert.Nil(t, rows[1]["tags"])
	assert.Equal(t, []any{}, rows[1]["comments"])
}

func TestList_PublicIsForbidden(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, public, http.MethodGet, "/items/articles", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, apperr.CodeForbidden, resp.code())
}

func TestList_UnknownCollection(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, admin, http.MethodGet, "/items/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, apperr.CodeUnknownCollection, resp.code())
}

func TestList_RowFilterAndMasking(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodGet, "/items/articles", url.Values{
		"fields": {"id,title,secret"},
		"sort":   {"id"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	assert.Equal(t, []map[string]any{
		{"id": float64(1), "title": "Public by bob", "secret": nil},
		{"id": float64(2), "title": "Draft by alice", "secret": "s2"},
		{"id": float64(4), "title": "Public by alice", "secret": "s4"},
	}, resp.rows(t))
}

func TestList_FilterOnMaskedField(t *testing.T) {
	env := newTestEnv(t)

	// secret is only readable on alice's own rows.
	resp := env.do(t, alice, http.MethodGet, "/items/articles", url.Values{
		"fields": {"id"},
		"filter": {`{"secret":{"_eq":"s1"}}`},
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.rows(t))

	resp = env.do(t, alice, http.MethodGet, "/items/articles", url.Values{
		"fields": {"id"},
		"filter": {`{"secret":{"_eq":"s2"}}`},
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []map[string]any{{"id": float64(2)}}, resp.rows(t))

	resp = env.do(t, alice, http.MethodGet, "/items/comments", url.Values{
		"filter": {`{"nope":{"_eq":1}}`},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestList_Nested(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodGet, "/items/articles", url.Values{
		"fields": {"id,author.email,comments.body"},
		"filter": {`{"status":{"_eq":"published"}}`},
		"sort":   {"id"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	rows := resp.rows(t)
	require.Len(t, rows, 2)

	assert.Equal(t, map[string]any{"email": "bob@example.com"}, rows[0]["author"])
	assert.ElementsMatch(t, []any{
		map[string]any{"body": "nice"},
		map[string]any{"body": "meh"},
	}, rows[0]["comments"])

	assert.Equal(t, map[string]any{"email": "alice@example.com"}, rows[1]["author"])
	assert.Equal(t, []any{map[string]any{"body": "first"}}, rows[1]["comments"])
}

func TestList_Aggregate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, admin, http.MethodGet, "/items/articles", url.Values{
		"aggregate": {`{"count":"*"}`},
		"groupBy":   {"status"},
		"sort":      {"status"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []map[string]any{
		{"status": "draft", "count": float64(2)},
		{"status": "published", "count": float64(2)},
	}, resp.rows(t))
}

func TestGet(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodGet, "/items/articles/2", url.Values{"fields": {"title"}}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"title": "Draft by alice"}, resp.row(t))

	// Hidden by the row filter.
	resp = env.do(t, alice, http.MethodGet, "/items/articles/3", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, apperr.CodeNotFound, resp.code())
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodPost, "/items/articles", nil, map[string]any{
		"title":  "New",
		"status": "draft",
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	row := resp.row(t)
	assert.Equal(t, "New", row["title"])
	assert.Equal(t, "alice", row["author"], "preset applied")
	assert.Equal(t, float64(5), row["id"])
}

func TestCreate_ValidationFailed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodPost, "/items/articles", nil, map[string]any{
		"title":  "New",
		"status": "published",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperr.CodeValidationFailed, resp.Error.Code)
	require.Len(t, resp.Error.Details, 1)
	assert.Equal(t, "status", resp.Error.Details[0].Field)
	assert.Equal(t, "_in", resp.Error.Details[0].Rule)
}

func TestCreate_ForbiddenField(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodPost, "/items/articles", nil, map[string]any{
		"title":  "New",
		"secret": "mine",
	})
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestCreate_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodPost, "/items/articles", nil, []int{1})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, apperr.CodeInvalidPayload, resp.code())
}

func TestCreate_HashIsMasked(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, admin, http.MethodPost, "/items/users", url.Values{"fields": {"email,password"}}, map[string]any{
		"email":    "carol@example.com",
		"password": "secret",
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, map[string]any{"email": "carol@example.com", "password": maskedHash}, resp.row(t))

	resp = env.do(t, admin, http.MethodPost, "/items/users", nil, map[string]any{
		"email":    "carol@example.com",
		"password": "other",
	})
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, apperr.CodeRecordNotUnique, resp.code())
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodPatch, "/items/articles/2", url.Values{"fields": {"id,title"}}, map[string]any{"title": "Mine"})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"id": float64(2), "title": "Mine"}, resp.row(t))

	// bob's article is outside alice's update filter.
	resp = env.do(t, alice, http.MethodPatch, "/items/articles/3", nil, map[string]any{"title": "Hijacked"})
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp = env.do(t, admin, http.MethodGet, "/items/articles/3", url.Values{"fields": {"title"}}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Draft by bob", resp.row(t)["title"])
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodDelete, "/items/articles/2", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status, "no delete permission")

	resp = env.do(t, admin, http.MethodDelete, "/items/articles/3", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	resp = env.do(t, admin, http.MethodDelete, "/items/articles/3", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestWritingPermissionsInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodDelete, "/items/articles/2", nil, nil)
	require.Equal(t, http.StatusForbidden, resp.Status)

	resp = env.do(t, admin, http.MethodPost, "/items/permissions", nil, map[string]any{
		"collection":  "articles",
		"action":      "delete",
		"policy":      "p_own",
		"fields":      "*",
		"permissions": map[string]any{"author": map[string]any{"_eq": "$CURRENT_USER"}},
	})
	require.Equal(t, http.StatusCreated, resp.Status)

	resp = env.do(t, alice, http.MethodDelete, "/items/articles/3", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status, "bob's article")

	resp = env.do(t, alice, http.MethodDelete, "/items/articles/2", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestFieldMapsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodGet, "/permissions/me/fields", url.Values{"type": {"inconsistent"}}, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var fm struct {
		Allowed      map[string][]string `json:"allowed"`
		Inconsistent map[string][]string `json:"inconsistent"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &fm))
	assert.Nil(t, fm.Allowed)
	assert.Equal(t, []string{"body", "secret"}, fm.Inconsistent["articles"])
	assert.Empty(t, fm.Inconsistent["comments"])
}

func TestPoliciesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, alice, http.MethodGet, "/permissions/me/policies", nil, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var ids []string
	for _, p := range resp.rows(t) {
		ids = append(ids, p["id"].(string))
	}
	assert.Equal(t, []string{"p_pub", "p_own"}, ids)
}

func TestFetchItems(t *testing.T) {
	env := newTestEnv(t)

	rows, err := env.items.FetchItems(context.Background(), "users", []string{"alice"}, []string{"email", "role.name"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice@example.com", rows[0]["email"])
	assert.Equal(t, map[string]any{"name": "Writer"}, rows[0]["role"])
}

func TestReadByQuery_MaxLimit(t *testing.T) {
	env := newTestEnv(t)
	env.items.opts.MaxLimit = 2

	rows, err := env.items.ReadByQuery(context.Background(), nil, "articles", query.Query{Fields: []string{"id"}, Limit: -1})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDynamicVariableInPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.DB.ExecContext(ctx, `INSERT INTO permissions (id, collection, action, policy, fields, permissions)
		VALUES ('perm7', 'users', 'read', 'p_own', 'id,email,role', '{"role":{"_eq":"$CURRENT_USER.role"}}')`)
	require.NoError(t, err)

	acc := &metadata.Accountability{User: "alice", Role: "writer"}
	rows, err := env.items.ReadByQuery(ctx, acc, "users", query.Query{Fields: []string{"id", "role"}, Sort: []string{"id"}})
	require.NoError(t, err)
	// perm4 exposes every user's id; role is only readable where it matches alice's.
	require.Len(t, rows, 3)
	byID := map[string]any{}
	for _, r := range rows {
		byID[r["id"].(string)] = r["role"]
	}
	assert.Equal(t, "writer", byID["alice"])
	assert.Equal(t, "writer", byID["bob"])
}
