package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
)

func nodeKeys(nodes []Node) []string {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Base().Key()
	}
	return keys
}

func TestBuildASTWildcard(t *testing.T) {
	ast, err := BuildAST(blogSchema(), "posts", Query{}, nil)
	require.NoError(t, err)

	keys := nodeKeys(ast.Children)
	assert.Contains(t, keys, "title")
	assert.Contains(t, keys, "author")
	assert.Contains(t, keys, "comments", "readable o2m fields expand to their keys")

	comments := findRelation(t, ast.Children, "comments")
	assert.Equal(t, RelationO2M, comments.Type)
	assert.Equal(t, []string{"id"}, nodeKeys(comments.Children))
}

func TestBuildASTSkipsUnreadableRelations(t *testing.T) {
	rules := readRules()
	delete(rules, "comments")

	ast, err := BuildAST(blogSchema(), "posts", Query{Fields: []string{"*"}}, rules)
	require.NoError(t, err)
	assert.NotContains(t, nodeKeys(ast.Children), "comments")

	_, err = BuildAST(blogSchema(), "posts", Query{Fields: []string{"comments.body"}}, rules)
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestBuildASTRelationReplacesForeignKey(t *testing.T) {
	ast, err := BuildAST(blogSchema(), "posts", Query{Fields: []string{"id", "author", "author.name", "author.department.name"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "author"}, nodeKeys(ast.Children))
	author := findRelation(t, ast.Children, "author")
	assert.Equal(t, RelationM2O, author.Type)
	assert.Equal(t, "users", author.Collection)
	assert.Equal(t, []string{"name", "department"}, nodeKeys(author.Children))
	assert.Equal(t, "departments", findRelation(t, author.Children, "department").Collection)
}

func TestBuildASTAliasesAndDeep(t *testing.T) {
	ast, err := BuildAST(blogSchema(), "posts", Query{
		Fields: []string{"headline", "comments.body"},
		Alias:  map[string]string{"headline": "title"},
		Deep: map[string]*Query{"comments": {
			Sort:   []string{"-votes"},
			Filter: metadata.Filter{"votes": map[string]any{"_gt": 0}},
		}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"headline", "comments"}, nodeKeys(ast.Children))
	comments := findRelation(t, ast.Children, "comments")
	assert.Equal(t, []string{"-votes"}, comments.Query.Sort)
}

func TestBuildASTPolymorphic(t *testing.T) {
	schema := blogSchema()

	_, err := BuildAST(schema, "notes", Query{Fields: []string{"item.title"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidQuery))

	_, err = BuildAST(schema, "notes", Query{Fields: []string{"item:comments.body"}}, nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidQuery))

	ast, err := BuildAST(schema, "notes", Query{Fields: []string{"item:posts.title", "item:users.name"}}, nil)
	require.NoError(t, err)
	item := findRelation(t, ast.Children, "item")
	assert.Equal(t, RelationA2O, item.Type)
	assert.Len(t, item.Targets, 2)
	assert.Equal(t, []string{"name"}, nodeKeys(item.Targets["users"]))
}
