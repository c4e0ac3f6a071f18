package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemarest/internal/plan"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewSQLStore(db, testProvider()), mock
}

func TestCountBuildsFilteredQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `products` WHERE `name` = ?")).
		WithArgs("widget").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(7))

	total, err := store.Count(context.Background(), "products", map[string]any{"name": "widget"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManySelectsDeclaredColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` LIMIT 2 OFFSET 4")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, []byte("widget"), 9, nil))

	rows, err := store.FindMany(context.Background(), "products", &plan.Plan{Take: 2, Skip: 4})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Byte slices scan to strings.
	assert.Equal(t, "widget", rows[0]["name"])
	assert.Nil(t, rows[0]["category_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyOmitsFields(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `category_id` FROM `products`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "category_id"}))

	_, err := store.FindMany(context.Background(), "products", &plan.Plan{Omit: []string{"price"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyOrderByRelationPath(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `id`, `name`, `price`, `category_id` FROM `products` " +
			"LEFT JOIN `categories` AS `__sort_category_0` ON `__sort_category_0`.`id` = `products`.`category_id` " +
			"ORDER BY `__sort_category_0`.`name` DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}))

	_, err := store.FindMany(context.Background(), "products", &plan.Plan{
		OrderBy: []plan.OrderTerm{{Path: []string{"category", "name"}, Desc: true}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyStitchesSingularInclude(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "widget", 9, 10).
			AddRow(2, "gadget", 5, nil))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name` FROM `categories` WHERE `id` IN (?)")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(10, "tools"))

	rows, err := store.FindMany(context.Background(), "products", &plan.Plan{
		Include: map[string]any{"category": true},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": int64(10), "name": "tools"}, rows[0]["category"])
	assert.Nil(t, rows[1]["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyStitchesListInclude(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "widget", 9, nil))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `product_id`, `label` FROM `tags` WHERE `product_id` IN (?)")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "label"}))

	rows, err := store.FindMany(context.Background(), "products", &plan.Plan{
		Include: map[string]any{"tags": true},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// List relations default to an empty list, never null.
	assert.Equal(t, []map[string]any{}, rows[0]["tags"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyAndCountSharesTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` LIMIT 50")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "widget", 9, nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `products`")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(12))
	mock.ExpectCommit()

	rows, total, err := store.FindManyAndCount(context.Background(), "products", &plan.Plan{Take: 50})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int64(12), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsAndRefetches(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `products` (`name`) VALUES (?)")).
		WithArgs("widget").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(5, "widget", nil, nil))
	mock.ExpectCommit()

	row, err := store.Create(context.Background(), "products", map[string]any{"name": "widget"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), row["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateResolvesConnect(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	// The connect target is looked up first so its key lands in the insert.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id` FROM `categories` WHERE `id` = ? LIMIT 1")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `products` (`category_id`,`name`) VALUES (?,?)")).
		WithArgs(int64(10), "widget").
		WillReturnResult(sqlmock.NewResult(6, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(6, "widget", nil, 10))
	mock.ExpectCommit()

	_, err := store.Create(context.Background(), "products", map[string]any{
		"name":     "widget",
		"category": map[string]any{"connect": map[string]any{"id": 10}},
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConnectMissingTarget(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id` FROM `categories` WHERE `id` = ? LIMIT 1")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), "products", map[string]any{
		"category": map[string]any{"connect": map[string]any{"id": 10}},
	}, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateReturnsNilWhenNoMatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}))
	mock.ExpectCommit()

	row, err := store.Update(context.Background(), "products", map[string]any{"id": 99}, map[string]any{"name": "y"}, nil)
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppliesColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "old", nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `products` SET `name` = ? WHERE `id` = ?")).
		WithArgs("new", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "new", nil, nil))
	mock.ExpectCommit()

	row, err := store.Update(context.Background(), "products", map[string]any{"id": 1}, map[string]any{"name": "new"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", row["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsPriorRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}).
			AddRow(1, "widget", nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `products` WHERE `id` = ?")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prior, err := store.Delete(context.Background(), "products", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "widget", prior["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNoMatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name`, `price`, `category_id` FROM `products` WHERE `id` = ? LIMIT 1")).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "category_id"}))
	mock.ExpectCommit()

	prior, err := store.Delete(context.Background(), "products", map[string]any{"id": 99})
	require.NoError(t, err)
	assert.Nil(t, prior)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateManySkipsDuplicates(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `products` (`name`,`price`) VALUES (?,?),(?,?)")).
		WithArgs("a", 1, "b", nil).
		WillReturnResult(sqlmock.NewResult(0, 2))

	inserted, err := store.CreateMany(context.Background(), "products", []map[string]any{
		{"name": "a", "price": 1},
		{"name": "b"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateManyEmpty(t *testing.T) {
	store, _ := newMockStore(t)

	inserted, err := store.CreateMany(context.Background(), "products", nil, false)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithTransaction(context.Background(), 0, func(ctx context.Context, tx Store) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
