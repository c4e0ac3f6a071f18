package schemafilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemarest/internal/introspection"
)

func testSchema() *introspection.Schema {
	return &introspection.Schema{
		Entities: []introspection.Entity{
			{
				Name: "users",
				Fields: []introspection.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "email"},
					{Name: "password_hash"},
				},
				PrimaryKey: []string{"id"},
			},
			{
				Name: "posts",
				Fields: []introspection.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "author_id"},
					{Name: "title"},
				},
				PrimaryKey: []string{"id"},
				ForeignKeys: []introspection.ForeignKey{
					{
						ConstraintName: "fk_posts_author",
						Fields:         []string{"author_id"},
						TargetEntity:   "users",
						TargetFields:   []string{"id"},
					},
				},
			},
			{
				Name: "audit_intern",
				Fields: []introspection.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "payload"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func entityByName(t *testing.T, schema *introspection.Schema, name string) *introspection.Entity {
	t.Helper()
	for i := range schema.Entities {
		if schema.Entities[i].Name == name {
			return &schema.Entities[i]
		}
	}
	t.Fatalf("entity %s not found", name)
	return nil
}

func TestApplyAllowsAllByDefault(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{})

	require.Len(t, schema.Entities, 3)
	users := entityByName(t, schema, "users")
	assert.Len(t, users.Fields, 3)
}

func TestApplyEntityAndFieldFilters(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{
		AllowEntities: []string{"*"},
		DenyEntities:  []string{"*_intern"},
		DenyFields: map[string][]string{
			"users": {"password_*"},
		},
	})

	require.Len(t, schema.Entities, 2)
	for _, entity := range schema.Entities {
		assert.NotEqual(t, "audit_intern", entity.Name)
	}

	users := entityByName(t, schema, "users")
	for _, field := range users.Fields {
		assert.NotEqual(t, "password_hash", field.Name)
	}
}

func TestApplyFiltersAreCaseInsensitive(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{
		DenyEntities: []string{"AUDIT_*"},
	})

	require.Len(t, schema.Entities, 2)
}

func TestApplyDropsPartialPrimaryKey(t *testing.T) {
	schema := &introspection.Schema{
		Entities: []introspection.Entity{
			{
				Name: "memberships",
				Fields: []introspection.Field{
					{Name: "user_id", PrimaryKey: true},
					{Name: "team_id", PrimaryKey: true},
					{Name: "role"},
				},
				PrimaryKey: []string{"user_id", "team_id"},
			},
		},
	}

	Apply(schema, Config{
		DenyFields: map[string][]string{
			"memberships": {"team_id"},
		},
	})

	require.Len(t, schema.Entities, 1)
	assert.Empty(t, schema.Entities[0].PrimaryKey, "partially filtered primary key must be dropped")
}

func TestApplyRemovesForeignKeysToDeniedEntities(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{
		DenyEntities: []string{"users"},
	})

	posts := entityByName(t, schema, "posts")
	assert.Empty(t, posts.ForeignKeys, "FK to a denied entity must be removed")
	assert.Empty(t, posts.Relations)
}

func TestApplyRemovesForeignKeysOnDeniedLocalFields(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{
		DenyFields: map[string][]string{
			"posts": {"author_id"},
		},
	})

	posts := entityByName(t, schema, "posts")
	assert.Empty(t, posts.ForeignKeys)

	// The reverse relation on users must be gone too.
	users := entityByName(t, schema, "users")
	assert.Empty(t, users.Relations)
}

func TestApplyRebuildsRelations(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{})

	posts := entityByName(t, schema, "posts")
	require.Len(t, posts.Relations, 1)
	assert.Equal(t, "author", posts.Relations[0].Name)
	assert.False(t, posts.Relations[0].List)

	users := entityByName(t, schema, "users")
	require.Len(t, users.Relations, 1)
	assert.Equal(t, "posts", users.Relations[0].Name)
	assert.True(t, users.Relations[0].List)
}

func TestApplyDropsEntityWithAllFieldsDenied(t *testing.T) {
	schema := testSchema()

	Apply(schema, Config{
		DenyFields: map[string][]string{
			"audit_intern": {"*"},
		},
	})

	require.Len(t, schema.Entities, 2)
}

func TestMutationFilters(t *testing.T) {
	cfg := Config{
		DenyMutationEntities: []string{"audit_*"},
		DenyMutationFields: map[string][]string{
			"*": {"created_at", "updated_at"},
		},
	}

	assert.False(t, MutationEntityAllowed("audit_intern", cfg))
	assert.True(t, MutationEntityAllowed("users", cfg))
	assert.False(t, MutationFieldAllowed("users", "created_at", cfg))
	assert.True(t, MutationFieldAllowed("users", "email", cfg))
}
