package query

import (
	"datacore/internal/metadata"
	"datacore/internal/store"
)

// blogSchema: posts belong to an author (users) and have many comments;
// users belong to a department; notes point at any of posts/users (a2o).
func blogSchema() *metadata.Schema {
	return metadata.NewSchema([]*metadata.Collection{
		{
			Name:       "posts",
			PrimaryKey: "id",
			Fields: map[string]*metadata.Field{
				"id":        {Name: "id", Type: metadata.TypeInteger, Generated: true},
				"title":     {Name: "title", Type: metadata.TypeString},
				"body":      {Name: "body", Type: metadata.TypeText},
				"status":    {Name: "status", Type: metadata.TypeString},
				"published": {Name: "published", Type: metadata.TypeDateTime},
				"tags":      {Name: "tags", Type: metadata.TypeCSV},
				"meta":      {Name: "meta", Type: metadata.TypeJSON},
				"location":  {Name: "location", Type: "geometry.Point"},
				"author":    {Name: "author", Type: metadata.TypeInteger},
				"comments":  {Name: "comments", Type: metadata.TypeAlias},
				"notes":     {Name: "notes", Type: metadata.TypeAlias},
			},
		},
		{
			Name:       "users",
			PrimaryKey: "id",
			Fields: map[string]*metadata.Field{
				"id":         {Name: "id", Type: metadata.TypeInteger, Generated: true},
				"name":       {Name: "name", Type: metadata.TypeString},
				"email":      {Name: "email", Type: metadata.TypeString},
				"department": {Name: "department", Type: metadata.TypeInteger},
			},
		},
		{
			Name:       "departments",
			PrimaryKey: "id",
			Fields: map[string]*metadata.Field{
				"id":   {Name: "id", Type: metadata.TypeInteger, Generated: true},
				"name": {Name: "name", Type: metadata.TypeString},
			},
		},
		{
			Name:       "comments",
			PrimaryKey: "id",
			Fields: map[string]*metadata.Field{
				"id":    {Name: "id", Type: metadata.TypeInteger, Generated: true},
				"body":  {Name: "body", Type: metadata.TypeText},
				"votes": {Name: "votes", Type: metadata.TypeInteger},
				"post":  {Name: "post", Type: metadata.TypeInteger},
			},
		},
		{
			Name:       "notes",
			PrimaryKey: "id",
			Fields: map[string]*metadata.Field{
				"id":         {Name: "id", Type: metadata.TypeInteger, Generated: true},
				"text":       {Name: "text", Type: metadata.TypeString},
				"item":       {Name: "item", Type: metadata.TypeString},
				"collection": {Name: "collection", Type: metadata.TypeString},
			},
		},
	}, []*metadata.Relation{
		{ManyCollection: "posts", ManyField: "author", OneCollection: "users"},
		{ManyCollection: "users", ManyField: "department", OneCollection: "departments"},
		{ManyCollection: "comments", ManyField: "post", OneCollection: "posts", OneField: "comments"},
		{
			ManyCollection:        "notes",
			ManyField:             "item",
			OneField:              "notes",
			OneCollectionField:    "collection",
			OneAllowedCollections: []string{"posts", "users"},
		},
	})
}

func newTestCompiler() *Compiler {
	return NewCompiler(blogSchema(), store.NewDialect("sqlite"))
}

func allFields(collection string) metadata.Permission {
	return metadata.Permission{Collection: collection, Action: metadata.ActionRead, Fields: []string{"*"}}
}

// readRules grants read on every blog collection with the given extra
// rule sets taking precedence.
func readRules(overrides ...*RuleSet) Rules {
	rules := Rules{}
	for _, name := range []string{"posts", "users", "departments", "comments", "notes"} {
		rules[name] = NewRuleSet(name, []metadata.Permission{allFields(name)}, nil)
	}
	for _, rs := range overrides {
		rules[rs.Collection] = rs
	}
	return rules
}
