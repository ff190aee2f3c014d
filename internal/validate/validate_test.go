package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

func newTestValidator() *Validator {
	registry := metadata.NewRegistry()
	registry.Load(metadata.NewSchema([]*metadata.Collection{{
		Name:       "articles",
		PrimaryKey: "id",
		Fields: map[string]*metadata.Field{
			"id":     {Name: "id", Type: metadata.TypeInteger, Generated: true},
			"title":  {Name: "title", Type: metadata.TypeString, Required: true},
			"status": {Name: "status", Type: metadata.TypeString, Default: "draft"},
			"owner":  {Name: "owner", Type: metadata.TypeString},
			"email": {
				Name:              "email",
				Type:              metadata.TypeString,
				Validation:        metadata.Filter{"_regex": "^[^@]+@[^@]+$"},
				ValidationMessage: "Not an email address.",
			},
			"score": {
				Name:       "score",
				Type:       metadata.TypeInteger,
				Validation: metadata.Filter{"score": map[string]any{"_between": []any{0, 100}}},
			},
		},
	}}, nil))
	return New(registry)
}

func validationDetails(t *testing.T, err error) []apperr.ErrorDetail {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeValidationFailed, appErr.Code)
	return appErr.Details
}

func TestValidateForbiddenField(t *testing.T) {
	v := newTestValidator()
	perms := []metadata.Permission{{Collection: "articles", Fields: []string{"title"}}}

	_, err := v.Validate(context.Background(), "articles", metadata.ActionCreate,
		map[string]any{"title": "x", "owner": "bob"}, perms)
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestValidateUnknownCollection(t *testing.T) {
	_, err := newTestValidator().Validate(context.Background(), "nope", metadata.ActionCreate, nil, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeUnknownCollection))
}

func TestValidatePresets(t *testing.T) {
	v := newTestValidator()
	perms := []metadata.Permission{
		{Collection: "articles", Fields: []string{"*"}, Presets: map[string]any{"owner": "alice", "status": "draft"}},
	}

	out, err := v.Validate(context.Background(), "articles", metadata.ActionCreate,
		map[string]any{"title": "Hello", "status": "review"}, perms)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Hello", "status": "review", "owner": "alice"}, out)
}

func TestValidatePermissionAlternatives(t *testing.T) {
	v := newTestValidator()
	ctx := context.Background()
	perms := []metadata.Permission{
		{Collection: "articles", Fields: []string{"*"}, Validation: metadata.Filter{"status": map[string]any{"_eq": "draft"}}},
		{Collection: "articles", Fields: []string{"*"}, Validation: metadata.Filter{"status": map[string]any{"_in": "review,draft"}}},
	}

	_, err := v.Validate(ctx, "articles", metadata.ActionCreate, map[string]any{"title": "a", "status": "review"}, perms)
	require.NoError(t, err)

	_, err = v.Validate(ctx, "articles", metadata.ActionCreate, map[string]any{"title": "a", "status": "published"}, perms)
	details := validationDetails(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, "status", details[0].Field)
	assert.Equal(t, "_eq", details[0].Rule)
	assert.Equal(t, "_in", details[1].Rule)

	// A permission without validation lifts the constraint.
	perms = append(perms, metadata.Permission{Collection: "articles", Fields: []string{"title", "status"}})
	_, err = v.Validate(ctx, "articles", metadata.ActionCreate, map[string]any{"title": "a", "status": "published"}, perms)
	require.NoError(t, err)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	v := newTestValidator()

	_, err := v.Validate(context.Background(), "articles", metadata.ActionCreate,
		map[string]any{"email": "nope", "score": 140.0}, nil)
	details := validationDetails(t, err)
	require.Len(t, details, 3)

	assert.Equal(t, apperr.ErrorDetail{Field: "email", Rule: "_regex", Message: "Not an email address."}, details[0])
	assert.Equal(t, "score", details[1].Field)
	assert.Equal(t, "_between", details[1].Rule)
	assert.Equal(t, "title", details[2].Field)
	assert.Equal(t, "_nnull", details[2].Rule)
}

func TestValidateUpdateChecksPresentFieldsOnly(t *testing.T) {
	v := newTestValidator()
	ctx := context.Background()

	out, err := v.Validate(ctx, "articles", metadata.ActionUpdate, map[string]any{"score": 50}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 50}, out)

	_, err = v.Validate(ctx, "articles", metadata.ActionUpdate, map[string]any{"title": nil}, nil)
	require.NoError(t, err, "required is only enforced on create")

	_, err = v.Validate(ctx, "articles", metadata.ActionUpdate, map[string]any{"email": "a@b"}, nil)
	require.NoError(t, err)
}

func TestCheckOperators(t *testing.T) {
	tests := []struct {
		op    string
		value any
		arg   any
		want  bool
	}{
		{"_eq", 5.0, 5, true},
		{"_neq", "a", "b", true},
		{"_lt", 3, 4, true},
		{"_gte", 4.5, 4.5, true},
		{"_gt", nil, 4, false},
		{"_in", "b", []any{"a", "b"}, true},
		{"_nin", "c", "a,b", true},
		{"_null", nil, true, true},
		{"_nnull", nil, true, false},
		{"_contains", "golang", "lan", true},
		{"_ncontains", "golang", "py", true},
		{"_icontains", "GoLang", "lang", true},
		{"_starts_with", "golang", "go", true},
		{"_nstarts_with", "golang", "la", true},
		{"_istarts_with", "GoLang", "go", true},
		{"_ends_with", "golang", "ng", true},
		{"_nends_with", "golang", "go", true},
		{"_iends_with", "GoLANG", "lang", true},
		{"_between", 5, []any{1, 10}, true},
		{"_nbetween", 5, []any{1, 10}, false},
		{"_empty", "", true, true},
		{"_empty", nil, true, true},
		{"_nempty", []any{1}, true, true},
		{"_regex", "abc", "/^a.c$/", true},
		{"_regex", 12, "^a", false},
	}
	for _, tt := range tests {
		got, err := check(tt.op, tt.value, tt.arg)
		require.NoError(t, err, tt.op)
		assert.Equal(t, tt.want, got, "%s %v %v", tt.op, tt.value, tt.arg)
	}

	_, err := check("_bogus", 1, 1)
	assert.Error(t, err)
}

func TestValidateCreateSkipsAbsentOptionalFields(t *testing.T) {
	out, err := newTestValidator().Validate(context.Background(), "articles", metadata.ActionCreate,
		map[string]any{"title": "Only a title"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Only a title"}, out)
}
