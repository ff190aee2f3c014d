package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

func TestFunctionAllowList(t *testing.T) {
	assert.True(t, functionAllowed(metadata.TypeDateTime, "year"))
	assert.True(t, functionAllowed(metadata.TypeTime, "minute"))
	assert.False(t, functionAllowed(metadata.TypeDate, "hour"))
	assert.True(t, functionAllowed(metadata.TypeCSV, "count"))
	assert.False(t, functionAllowed(metadata.TypeCSV, "json"))
	assert.False(t, functionAllowed(metadata.TypeString, "year"))
}

func TestParseFunctionCall(t *testing.T) {
	name, arg, err := parseFunctionCall("year( published )")
	require.NoError(t, err)
	assert.Equal(t, "year", name)
	assert.Equal(t, "published", arg)

	for _, bad := range []string{"year(", "(published)", "year()", "year(month(published))", "ye-ar(x)"} {
		_, _, err := parseFunctionCall(bad)
		assert.True(t, apperr.IsCode(err, apperr.CodeInvalidSyntax), bad)
	}
}

func TestCompileDateFunction(t *testing.T) {
	stmt := compile(t, "posts", Query{
		Fields: []string{"year(published)"},
		Alias:  map[string]string{"yr": "year(published)"},
	}, nil)
	assert.Contains(t, stmt.SQL, `CAST(strftime('%Y', "posts"."published") AS INTEGER) AS "year(published)"`)

	stmt = compile(t, "posts", Query{Fields: []string{"yr"}, Alias: map[string]string{"yr": "year(published)"}}, nil)
	assert.Equal(t, []string{"yr"}, stmt.Columns)
}

func TestCompileFunctionErrors(t *testing.T) {
	err := compileErr(t, "posts", Query{Fields: []string{"year(title)"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction), "got %v", err)

	err = compileErr(t, "posts", Query{Fields: []string{"upper(title)"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction), "got %v", err)

	err = compileErr(t, "posts", Query{Fields: []string{"id"}, Filter: metadata.Filter{"month(title)": map[string]any{"_eq": 1}}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction), "got %v", err)
}

func TestCompileCountFunctions(t *testing.T) {
	stmt := compile(t, "posts", Query{Fields: []string{"count(tags)", "count(meta)"}}, nil)
	assert.Contains(t, stmt.SQL, `LENGTH("posts"."tags")`)
	assert.Contains(t, stmt.SQL, `json_array_length("posts"."meta") AS "count(meta)"`)

	stmt = compile(t, "posts", Query{Fields: []string{"id", "count(comments)"}}, nil)
	assert.Contains(t, stmt.SQL, `(SELECT COUNT(*) FROM "comments" AS "j1" WHERE ("j1"."post" = "posts"."id")) AS "count(comments)"`)

	err := compileErr(t, "posts", Query{Fields: []string{"count(title)"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction))
}

func TestCompileCountRespectsRelatedRowFilter(t *testing.T) {
	visible := NewRuleSet("comments", []metadata.Permission{{
		Collection: "comments", Action: metadata.ActionRead, Fields: []string{"*"},
		Filter: metadata.Filter{"votes": map[string]any{"_gte": 0}},
	}}, nil)

	stmt := compile(t, "posts", Query{Fields: []string{"id", "count(comments)"}}, readRules(visible))
	assert.Contains(t, stmt.SQL, `"j1"."votes" >= ?`)
	assert.Equal(t, []any{0}, stmt.Args)
}

func TestJSONPathParsing(t *testing.T) {
	field, path, err := parseJSONPath("meta.items[0].name")
	require.NoError(t, err)
	assert.Equal(t, "meta", field)
	assert.Equal(t, ".items[0].name", path)

	field, path, err = parseJSONPath("meta[*]")
	require.NoError(t, err)
	assert.Equal(t, "meta", field)
	assert.Equal(t, "[*]", path)

	for _, bad := range []string{"", "meta", ".items", "meta..x", "meta[x]", "meta[0", "meta.a b", `meta."a"`} {
		_, _, err := parseJSONPath(bad)
		assert.True(t, apperr.IsCode(err, apperr.CodeInvalidSyntax), bad)
	}
}

func TestCompileJSONFunction(t *testing.T) {
	stmt := compile(t, "posts", Query{Fields: []string{"json(meta.tags[0])"}}, nil)
	assert.Contains(t, stmt.SQL, `json_extract("posts"."meta", ?) AS "json(meta.tags[0])"`)
	assert.Equal(t, []any{"$.tags[0]"}, stmt.Args)

	err := compileErr(t, "posts", Query{Fields: []string{"json(meta)"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidSyntax))

	err = compileErr(t, "posts", Query{Fields: []string{"json(title.a)"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction))

	// SQLite has no multi-match JSON paths.
	err = compileErr(t, "posts", Query{Fields: []string{"json(meta.tags[*])"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidFunction))
}
