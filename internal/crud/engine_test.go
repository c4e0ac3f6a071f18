package crud

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
	"schemarest/internal/middleware"
	"schemarest/internal/plan"
	"schemarest/internal/storage"
)

// fakeStore implements storage.Store with overridable behavior per call.
type fakeStore struct {
	findMany         func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error)
	findManyAndCount func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error)
	count            func(ctx context.Context, entity string, where map[string]any) (int64, error)
	create           func(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error)
	update           func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error)
	delete           func(ctx context.Context, entity string, where map[string]any) (map[string]any, error)
	createMany       func(ctx context.Context, entity string, rows []map[string]any, skipDuplicates bool) (int64, error)
}

func (f *fakeStore) FindMany(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
	if f.findMany == nil {
		return nil, nil
	}
	return f.findMany(ctx, entity, p)
}

func (f *fakeStore) FindManyAndCount(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
	if f.findManyAndCount == nil {
		return nil, 0, nil
	}
	return f.findManyAndCount(ctx, entity, p)
}

func (f *fakeStore) Count(ctx context.Context, entity string, where map[string]any) (int64, error) {
	if f.count == nil {
		return 0, nil
	}
	return f.count(ctx, entity, where)
}

func (f *fakeStore) Create(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
	if f.create == nil {
		return map[string]any{}, nil
	}
	return f.create(ctx, entity, data, p)
}

func (f *fakeStore) Update(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
	if f.update == nil {
		return map[string]any{}, nil
	}
	return f.update(ctx, entity, where, data, p)
}

func (f *fakeStore) Delete(ctx context.Context, entity string, where map[string]any) (map[string]any, error) {
	if f.delete == nil {
		return map[string]any{}, nil
	}
	return f.delete(ctx, entity, where)
}

func (f *fakeStore) CreateMany(ctx context.Context, entity string, rows []map[string]any, skipDuplicates bool) (int64, error) {
	if f.createMany == nil {
		return int64(len(rows)), nil
	}
	return f.createMany(ctx, entity, rows, skipDuplicates)
}

func (f *fakeStore) WithTransaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx storage.Store) error) error {
	return fn(ctx, f)
}

func testProvider() *introspection.Provider {
	return introspection.NewProvider(&introspection.Schema{
		Entities: []introspection.Entity{
			{
				Name: "users",
				Fields: []introspection.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "name"},
				},
				PrimaryKey: []string{"id"},
				Relations: []introspection.Relation{
					{Name: "posts", Target: "posts", List: true, LocalFields: []string{"id"}, TargetFields: []string{"author_id"}},
				},
			},
			{
				Name: "posts",
				Fields: []introspection.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "author_id", Nullable: true},
					{Name: "title"},
					{Name: "published"},
				},
				PrimaryKey: []string{"id"},
				Relations: []introspection.Relation{
					{Name: "author", Target: "users", LocalFields: []string{"author_id"}, TargetFields: []string{"id"}},
				},
			},
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
	})
}

func newTestEngine(store storage.Store, enforcer *acl.Enforcer, hooks *middleware.Registry) *Engine {
	if enforcer == nil {
		enforcer = acl.NewEnforcer(nil)
	}
	return NewEngine(testProvider(), enforcer, store, hooks, Options{})
}

func publishedOnlyEnforcer() *acl.Enforcer {
	return acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{
			Read: func(p *acl.Principal) acl.Decision {
				return acl.Filter(map[string]any{"published": map[string]any{"equals": true}})
			},
		},
	})
}

func TestListEnvelope(t *testing.T) {
	store := &fakeStore{
		findManyAndCount: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
			return []map[string]any{{"id": 1}, {"id": 2}}, 10, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.List(context.Background(), "posts", nil, nil)
	require.NoError(t, err)

	list, ok := result.(*ListResult)
	require.True(t, ok)
	assert.Len(t, list.Data, 2)
	assert.Equal(t, int64(10), list.Meta.Total)
	assert.Equal(t, 2, list.Meta.Count)
	assert.Equal(t, DefaultLimit, list.Meta.Limit)
	assert.Equal(t, 0, list.Meta.Offset)
	assert.True(t, list.Meta.HasMore)
}

func TestListHasMoreOnLastPage(t *testing.T) {
	store := &fakeStore{
		findManyAndCount: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
			return []map[string]any{{"id": 9}, {"id": 10}}, 10, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.List(context.Background(), "posts", &Params{Offset: 8}, nil)
	require.NoError(t, err)
	assert.False(t, result.(*ListResult).Meta.HasMore)
}

func TestListMergesAccessFilter(t *testing.T) {
	var captured *plan.Plan
	store := &fakeStore{
		findManyAndCount: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
			captured = p
			return nil, 0, nil
		},
	}
	engine := newTestEngine(store, publishedOnlyEnforcer(), nil)

	_, err := engine.List(context.Background(), "posts", &Params{Filter: "title=%go%"}, &acl.Principal{Subject: "u1"})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, map[string]any{
		"title":     map[string]any{"contains": "go"},
		"published": map[string]any{"equals": true},
	}, captured.Where)
}

func TestListDenied(t *testing.T) {
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{Read: func(p *acl.Principal) acl.Decision { return acl.Deny() }},
	})
	engine := newTestEngine(&fakeStore{}, enforcer, nil)

	_, err := engine.List(context.Background(), "posts", nil, &acl.Principal{Subject: "u1"})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestListClampsLimit(t *testing.T) {
	var captured *plan.Plan
	store := &fakeStore{
		findManyAndCount: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
			captured = p
			return nil, 0, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	over := DefaultMaxLimit + 1
	_, err := engine.List(context.Background(), "posts", &Params{Limit: &over}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLimit, captured.Take)

	zero := 0
	_, err = engine.List(context.Background(), "posts", &Params{Limit: &zero}, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestListBeforeHookAbort(t *testing.T) {
	hooks := middleware.NewRegistry()
	cached := &ListResult{Meta: Meta{Total: 42}}
	hooks.Register(middleware.HookBefore, middleware.OpList, func(ctx context.Context, hc *middleware.HookContext) error {
		hc.Abort = true
		hc.Result = cached
		return nil
	})
	storeCalled := false
	store := &fakeStore{
		findManyAndCount: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
			storeCalled = true
			return nil, 0, nil
		},
	}
	engine := newTestEngine(store, nil, hooks)

	result, err := engine.List(context.Background(), "posts", nil, nil)
	require.NoError(t, err)
	assert.Same(t, cached, result)
	assert.False(t, storeCalled)
}

func TestCountMergesHookWhere(t *testing.T) {
	hooks := middleware.NewRegistry()
	hooks.Register(middleware.HookBefore, middleware.OpCount, func(ctx context.Context, hc *middleware.HookContext) error {
		hc.Where = map[string]any{"deleted_at": map[string]any{"equals": nil}}
		return nil
	})
	var captured map[string]any
	store := &fakeStore{
		count: func(ctx context.Context, entity string, where map[string]any) (int64, error) {
			captured = where
			return 3, nil
		},
	}
	engine := newTestEngine(store, nil, hooks)

	result, err := engine.Count(context.Background(), "posts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, &CountResult{Count: 3}, result)
	assert.Equal(t, map[string]any{"deleted_at": map[string]any{"equals": nil}}, captured)
}

func TestGetDistinguishesMissingFromHidden(t *testing.T) {
	shaped := map[string]any{"id": "1", "title": "draft", "published": false}

	makeStore := func(shapedRows, probedRows []map[string]any) *fakeStore {
		return &fakeStore{
			findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
				// The access probe selects key fields only.
				if p.Select != nil {
					return probedRows, nil
				}
				return shapedRows, nil
			},
		}
	}
	caller := &acl.Principal{Subject: "u1"}

	// Row exists and passes the access filter.
	engine := newTestEngine(makeStore([]map[string]any{shaped}, []map[string]any{{"id": "1"}}), publishedOnlyEnforcer(), nil)
	result, err := engine.Get(context.Background(), "posts", "1", nil, caller)
	require.NoError(t, err)
	assert.Equal(t, shaped, result)

	// Row does not exist at all.
	engine = newTestEngine(makeStore(nil, nil), publishedOnlyEnforcer(), nil)
	_, err = engine.Get(context.Background(), "posts", "1", nil, caller)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	// Row exists but the access filter hides it.
	engine = newTestEngine(makeStore([]map[string]any{shaped}, nil), publishedOnlyEnforcer(), nil)
	_, err = engine.Get(context.Background(), "posts", "1", nil, caller)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestGetDeniedReadSkipsProbe(t *testing.T) {
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{Read: func(p *acl.Principal) acl.Decision { return acl.Deny() }},
	})
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			assert.Nil(t, p.Select, "the probe must not run under a hard deny")
			return []map[string]any{{"id": "1"}}, nil
		},
	}
	engine := newTestEngine(store, enforcer, nil)

	_, err := engine.Get(context.Background(), "posts", "1", nil, &acl.Principal{Subject: "u1"})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestCreateTransformsAndDefaultsToFullShape(t *testing.T) {
	var capturedData map[string]any
	var capturedPlan *plan.Plan
	store := &fakeStore{
		create: func(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
			capturedData = data
			capturedPlan = p
			return map[string]any{"id": 1, "title": "x"}, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.Create(context.Background(), "posts", map[string]any{
		"title":     "x",
		"author_id": 5,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 1, "title": "x"}, result)

	// The raw foreign key was rewritten into a connect.
	assert.Equal(t, map[string]any{
		"title":  "x",
		"author": map[string]any{"connect": map[string]any{"id": 5}},
	}, capturedData)

	// Without explicit include/fields the response covers first-level relations.
	assert.Contains(t, capturedPlan.Include, "author")
}

func TestCreateDenied(t *testing.T) {
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{Create: func(p *acl.Principal, data map[string]any) bool { return false }},
	})
	engine := newTestEngine(&fakeStore{}, enforcer, nil)

	_, err := engine.Create(context.Background(), "posts", map[string]any{"title": "x"}, nil, &acl.Principal{Subject: "u1"})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestUpdateNoMatchIsForbidden(t *testing.T) {
	store := &fakeStore{
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			return nil, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	_, err := engine.Update(context.Background(), "posts", "1", map[string]any{"title": "y"}, nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestUpdateMergesUpdateFilter(t *testing.T) {
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{
			Update: func(p *acl.Principal) acl.Decision {
				return acl.Filter(map[string]any{"author_id": map[string]any{"equals": p.Subject}})
			},
		},
	})
	var capturedWhere map[string]any
	store := &fakeStore{
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			capturedWhere = where
			return map[string]any{"id": "1"}, nil
		},
	}
	engine := newTestEngine(store, enforcer, nil)

	_, err := engine.Update(context.Background(), "posts", "1", map[string]any{"title": "y"}, nil, &acl.Principal{Subject: "u7"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":        "1",
		"author_id": map[string]any{"equals": "u7"},
	}, capturedWhere)
}

func TestUpsertUpdatesExisting(t *testing.T) {
	updateCalled, createCalled := false, false
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			return []map[string]any{{"id": "1"}}, nil
		},
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			updateCalled = true
			return map[string]any{"id": "1", "title": "y"}, nil
		},
		create: func(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
			createCalled = true
			return nil, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.Upsert(context.Background(), "posts", "1", map[string]any{"title": "y"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, updateCalled)
	assert.False(t, createCalled)
	assert.Equal(t, map[string]any{"id": "1", "title": "y"}, result)
}

func TestUpsertCreatesMissing(t *testing.T) {
	var capturedCreate map[string]any
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			return nil, nil
		},
		create: func(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
			capturedCreate = data
			return map[string]any{"id": "1", "title": "y"}, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.Upsert(context.Background(), "posts", "1", map[string]any{"title": "y"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "1", "title": "y"}, result)
	// The key from the URL is folded into the create payload.
	assert.Equal(t, map[string]any{"id": "1", "title": "y"}, capturedCreate)
}

func TestDeleteProbesForbiddenVsNotFound(t *testing.T) {
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{
			Delete: func(p *acl.Principal) acl.Decision {
				return acl.Filter(map[string]any{"author_id": map[string]any{"equals": p.Subject}})
			},
		},
	})
	caller := &acl.Principal{Subject: "u1"}

	// The filtered delete matched nothing, but the row exists: forbidden.
	store := &fakeStore{
		delete: func(ctx context.Context, entity string, where map[string]any) (map[string]any, error) {
			return nil, nil
		},
		count: func(ctx context.Context, entity string, where map[string]any) (int64, error) {
			return 1, nil
		},
	}
	engine := newTestEngine(store, enforcer, nil)
	_, err := engine.Delete(context.Background(), "posts", "1", caller)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	// No row at all: not found.
	store.count = func(ctx context.Context, entity string, where map[string]any) (int64, error) {
		return 0, nil
	}
	_, err = engine.Delete(context.Background(), "posts", "1", caller)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDeleteSoftDeleteRedirect(t *testing.T) {
	hooks := middleware.NewRegistry()
	hooks.Register(middleware.HookBefore, middleware.OpDelete, func(ctx context.Context, hc *middleware.HookContext) error {
		hc.SoftDelete = true
		hc.SoftDeleteData = map[string]any{"title": "[deleted]"}
		return nil
	}, "posts")

	deleteCalled := false
	var capturedData map[string]any
	store := &fakeStore{
		delete: func(ctx context.Context, entity string, where map[string]any) (map[string]any, error) {
			deleteCalled = true
			return nil, nil
		},
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			capturedData = data
			return map[string]any{"id": "1"}, nil
		},
	}
	engine := newTestEngine(store, nil, hooks)

	_, err := engine.Delete(context.Background(), "posts", "1", nil)
	require.NoError(t, err)
	assert.False(t, deleteCalled, "soft delete must not hit the delete path")
	assert.Equal(t, map[string]any{"title": "[deleted]"}, capturedData)
}

func TestBatchUpsertClassifiesRows(t *testing.T) {
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			// Only id 1 already exists.
			return []map[string]any{{"id": 1}}, nil
		},
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			return map[string]any{"id": 1}, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.BatchUpsert(context.Background(), "posts", []map[string]any{
		{"id": 1, "title": "existing"},
		{"id": 2, "title": "new keyed"},
		{"title": "new unkeyed"},
	}, BatchOptions{}, nil)
	require.NoError(t, err)

	batch := result.(*BatchResult)
	assert.Equal(t, 2, batch.Created)
	assert.Equal(t, 1, batch.Updated)
	assert.Equal(t, 3, batch.TotalSuccess)
	assert.Equal(t, 0, batch.TotalFailed)
}

func TestBatchUpsertPartialFailure(t *testing.T) {
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			return []map[string]any{{"id": 1}, {"id": 2}}, nil
		},
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			if where["id"] == 2 {
				return nil, errors.New("deadlock detected")
			}
			return map[string]any{"id": 1}, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.BatchUpsert(context.Background(), "posts", []map[string]any{
		{"id": 1, "title": "ok"},
		{"id": 2, "title": "fails"},
	}, BatchOptions{}, nil)
	require.NoError(t, err, "partial failure is a success path")

	batch := result.(*BatchResult)
	assert.Equal(t, 1, batch.Updated)
	assert.Equal(t, 1, batch.TotalFailed)
	require.Len(t, batch.Failed, 1)
	assert.Equal(t, 1, batch.Failed[0].Index)
}

func TestBatchUpsertPerRowCreates(t *testing.T) {
	var createCount int
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			return nil, nil
		},
		create: func(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
			createCount++
			if data["title"] == "bad" {
				return nil, errors.New("constraint violation")
			}
			return map[string]any{"id": createCount}, nil
		},
		createMany: func(ctx context.Context, entity string, rows []map[string]any, skipDuplicates bool) (int64, error) {
			t.Fatal("bulk insert must not run with PerRowCreates")
			return 0, nil
		},
	}
	engine := newTestEngine(store, nil, nil)

	result, err := engine.BatchUpsert(context.Background(), "posts", []map[string]any{
		{"title": "ok"},
		{"title": "bad"},
	}, BatchOptions{PerRowCreates: true}, nil)
	require.NoError(t, err)

	batch := result.(*BatchResult)
	assert.Equal(t, 1, batch.Created)
	assert.Equal(t, 1, batch.TotalFailed)
}

func TestParamsFromQuery(t *testing.T) {
	values := url.Values{
		"q":         {"title=%go%"},
		"include":   {"author"},
		"fields":    {"id,title"},
		"limit":     {"25"},
		"offset":    {"50"},
		"sortBy":    {"title"},
		"sortOrder": {"desc"},
	}
	p, err := ParamsFromQuery(values)
	require.NoError(t, err)
	assert.Equal(t, "title=%go%", p.Filter)
	assert.Equal(t, "author", p.Include)
	assert.Equal(t, "id,title", p.Fields)
	require.NotNil(t, p.Limit)
	assert.Equal(t, 25, *p.Limit)
	assert.Equal(t, 50, p.Offset)
	assert.Equal(t, "title", p.SortBy)
	assert.Equal(t, "desc", p.SortOrder)

	_, err = ParamsFromQuery(url.Values{"limit": {"abc"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = ParamsFromQuery(url.Values{"offset": {"-1"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestPrimaryKeyWhere(t *testing.T) {
	provider := testProvider()

	where, err := primaryKeyWhere(provider, "posts", "7")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "7"}, where)

	// Composite keys accept a delimiter-joined string in key order.
	where, err = primaryKeyWhere(provider, "memberships", "u1|t9")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "u1", "team_id": "t9"}, where)

	// ...or an object with exactly the key fields.
	where, err = primaryKeyWhere(provider, "memberships", map[string]any{"user_id": "u1", "team_id": "t9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "u1", "team_id": "t9"}, where)

	_, err = primaryKeyWhere(provider, "memberships", "u1")
	assert.Error(t, err, "wrong number of composite key parts")

	_, err = primaryKeyWhere(provider, "memberships", map[string]any{"user_id": "u1"})
	assert.Error(t, err, "incomplete composite key object")

	_, err = primaryKeyWhere(provider, "posts", nil)
	assert.Error(t, err)
}

func TestUpdateKeepsKeyUnderConflictingAccessFilter(t *testing.T) {
	// An access filter constraining the primary-key column must not displace
	// the addressed key: both constraints reach the store as AND branches.
	enforcer := acl.NewEnforcer(map[string]acl.Rule{
		"posts": acl.RuleSet{
			Update: func(p *acl.Principal) acl.Decision {
				return acl.Filter(map[string]any{"id": map[string]any{"in": []any{"1", "2"}}})
			},
		},
	})
	var capturedWhere map[string]any
	store := &fakeStore{
		update: func(ctx context.Context, entity string, where, data map[string]any, p *plan.Plan) (map[string]any, error) {
			capturedWhere = where
			return map[string]any{"id": "1"}, nil
		},
	}
	engine := newTestEngine(store, enforcer, nil)

	_, err := engine.Update(context.Background(), "posts", "1", map[string]any{"title": "y"}, nil, &acl.Principal{Subject: "u7"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"AND": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": map[string]any{"in": []any{"1", "2"}}},
		},
	}, capturedWhere)
}

func TestGetCarriesHookFilterToBothProbes(t *testing.T) {
	hookWhere := map[string]any{"deleted_at": map[string]any{"equals": nil}}
	hooks := middleware.NewRegistry()
	hooks.Register(middleware.HookBefore, middleware.OpGet, func(ctx context.Context, hc *middleware.HookContext) error {
		hc.Where = hookWhere
		return nil
	})

	var mu sync.Mutex
	var shapedWhere, probedWhere map[string]any
	store := &fakeStore{
		findMany: func(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			if p.Select != nil {
				probedWhere = p.Where
				return []map[string]any{{"id": "1"}}, nil
			}
			shapedWhere = p.Where
			return []map[string]any{{"id": "1", "title": "kept", "published": true}}, nil
		},
	}
	engine := newTestEngine(store, publishedOnlyEnforcer(), hooks)

	_, err := engine.Get(context.Background(), "posts", "1", nil, &acl.Principal{Subject: "u1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]any{
		"id":         "1",
		"deleted_at": map[string]any{"equals": nil},
	}, shapedWhere)
	assert.Equal(t, map[string]any{
		"id":         "1",
		"published":  map[string]any{"equals": true},
		"deleted_at": map[string]any{"equals": nil},
	}, probedWhere)
}
