package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"marketplace_api/internal/cache"
	"marketplace_api/internal/product"
	"marketplace_api/internal/queue"
	"marketplace_api/internal/utils"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var productColumns = []string{
	"id", "user_id", "name", "price", "description", "category",
	"image_url", "created_at", "updated_at", "deleted_at",
}

// pausedRepo holds GetActiveByID until release is closed.
type pausedRepo struct {
	product.ProductRepositoryInterface
	entered chan struct{}
	release chan struct{}
}

func (r *pausedRepo) GetActiveByID(ctx context.Context, db utils.DBTX, id int) (*product.Product, error) {
	close(r.entered)
	<-r.release
	return &product.Product{ID: id, UserID: 2, Name: "Lamp", Price: 20}, nil
}

func setupProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock, *cache.ProductCache, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	productCache := cache.NewProductCache(client, time.Minute)
	return NewProcessor(product.NewProductRepository(), db, productCache, time.Second), mock, productCache, mr
}

func TestHandle_UpdatedRefreshesCache(t *testing.T) {
	proc, mock, productCache, mr := setupProcessor(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`FROM products WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(productColumns).
			AddRow(5, 2, "Kettle", 30.0, "Steel", "Kitchen", nil, now, now, nil))

	err := proc.Handle(ctx, queue.ProductEvent{Type: queue.ProductUpdated, ProductID: 5, UserID: 2}, 1)
	require.NoError(t, err)

	data, err := productCache.Get(ctx, cache.ProductKey(5))
	require.NoError(t, err)
	var cached product.Product
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "Kettle", cached.Name)

	gen, err := productCache.ListGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	assert.True(t, mr.Exists(cache.ProductKey(5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_CreatedButAlreadyDeletedEvicts(t *testing.T) {
	proc, mock, productCache, mr := setupProcessor(t)
	ctx := context.Background()

	require.NoError(t, productCache.Set(ctx, cache.ProductKey(6), product.Product{ID: 6}))
	mock.ExpectQuery(`FROM products WHERE id = \$1`).
		WithArgs(6).
		WillReturnRows(sqlmock.NewRows(productColumns))

	err := proc.Handle(ctx, queue.ProductEvent{Type: queue.ProductCreated, ProductID: 6}, 1)

	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.ProductKey(6)))
}

func TestHandle_DeletedEvictsWithoutQuery(t *testing.T) {
	proc, mock, productCache, mr := setupProcessor(t)
	ctx := context.Background()

	require.NoError(t, productCache.Set(ctx, cache.ProductKey(7), product.Product{ID: 7}))

	err := proc.Handle(ctx, queue.ProductEvent{Type: queue.ProductDeleted, ProductID: 7}, 1)

	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.ProductKey(7)))
	assert.True(t, mr.Exists("product:7:deleted"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_InvalidEvent(t *testing.T) {
	proc, _, _, _ := setupProcessor(t)

	err := proc.Handle(context.Background(), queue.ProductEvent{Type: "product.archived", ProductID: 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	err = proc.Handle(context.Background(), queue.ProductEvent{Type: queue.ProductUpdated}, 1)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestHandle_DatabaseErrorIsRetryable(t *testing.T) {
	proc, mock, _, _ := setupProcessor(t)

	mock.ExpectQuery(`FROM products`).WillReturnError(errors.New("connection reset"))

	err := proc.Handle(context.Background(), queue.ProductEvent{Type: queue.ProductUpdated, ProductID: 8}, 1)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, outcomeRetry, decide(err, 0, 3))
}

func TestHandle_RefreshCannotRestoreDeletedProduct(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	productCache := cache.NewProductCache(client, time.Minute)

	repo := &pausedRepo{entered: make(chan struct{}), release: make(chan struct{})}
	proc := NewProcessor(repo, nil, productCache, time.Second)
	ctx := context.Background()

	refreshed := make(chan error, 1)
	go func() {
		refreshed <- proc.Handle(ctx, queue.ProductEvent{Type: queue.ProductUpdated, ProductID: 9}, 1)
	}()

	<-repo.entered
	require.NoError(t, proc.Handle(ctx, queue.ProductEvent{Type: queue.ProductDeleted, ProductID: 9}, 2))
	close(repo.release)
	require.NoError(t, <-refreshed)

	assert.False(t, mr.Exists(cache.ProductKey(9)))
	data, err := productCache.Get(ctx, cache.ProductKey(9))
	require.NoError(t, err)
	assert.Nil(t, data)
}
