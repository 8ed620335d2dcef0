//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"marketplace_api/internal/cache"
	"marketplace_api/internal/product"
	"marketplace_api/internal/queue"
	"marketplace_api/internal/worker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (env *TestEnv) startWorker(t *testing.T) {
	t.Helper()

	productCache := cache.NewProductCache(env.RedisClient, env.Config.Redis.CacheTTL)
	proc := worker.NewProcessor(product.NewProductRepository(), env.DB, productCache, time.Second)
	opts := worker.Options{
		Queue:      env.Config.RabbitMQ.Queue,
		MaxRetries: env.Config.Worker.MaxRetries,
		Metrics:    env.Metrics,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.StartWorker(ctx, env.RabbitConn, proc, opts, 1)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func TestWorker_CreatedEventWarmsCache(t *testing.T) {
	env := SetupTestEnv(t)
	env.startWorker(t)
	_, token := env.registerAndLogin(t, "seller")

	id := env.createProduct(t, token, map[string]interface{}{
		"name": "Kettle", "price": 30, "description": "Steel kettle",
	})

	key := cache.ProductKey(id)
	require.Eventually(t, func() bool {
		n, err := env.RedisClient.Exists(context.Background(), key).Result()
		return err == nil && n == 1
	}, 10*time.Second, 100*time.Millisecond, "product to be cached by worker")

	data, err := env.RedisClient.Get(context.Background(), key).Bytes()
	require.NoError(t, err)
	var cached product.Product
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "Kettle", cached.Name)

	w := env.doJSON(t, http.MethodDelete, productPath(id), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		n, err := env.RedisClient.Exists(context.Background(), key).Result()
		return err == nil && n == 0
	}, 10*time.Second, 100*time.Millisecond, "product to be evicted by worker")
}

func TestWorker_InvalidMessageDropped(t *testing.T) {
	env := SetupTestEnv(t)
	env.startWorker(t)

	ch, err := queue.CreateChannel(env.RabbitConn)
	require.NoError(t, err)
	defer ch.Close()

	err = ch.PublishWithContext(context.Background(), "", env.Config.RabbitMQ.Queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(`{"type":"product.archived","product_id":1}`),
	})
	require.NoError(t, err)

	failed := env.Metrics.QueueMessagesFailed.WithLabelValues(env.Config.RabbitMQ.Queue, "invalid_event")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(failed) == 1
	}, 10*time.Second, 100*time.Millisecond)
}
