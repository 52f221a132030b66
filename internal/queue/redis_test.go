package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBroker) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.DefaultConfig().Queue
	cfg.Consumer = "test-consumer"
	cfg.FetchBlock = 20 * time.Millisecond
	broker, err := NewRedisBrokerWithClient(context.Background(), client, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return mr, broker
}

func TestRedisBrokerGroupCreationIsIdempotent(t *testing.T) {
	mr, broker := setupTestRedis(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err := NewRedisBrokerWithClient(context.Background(), client, config.QueueConfig{
		Stream: broker.stream, Group: broker.group, KeyPrefix: "cravewatch",
	}, nil)
	require.NoError(t, err)
}

func TestRedisBrokerEnqueueFetchAck(t *testing.T) {
	_, broker := setupTestRedis(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Minute).UTC()
	task := Task{ID: "abc", Name: "periodic_window_calculation", EnqueuedAt: time.Now().UTC(), ExpiresAt: &exp}
	require.NoError(t, broker.Enqueue(ctx, task))

	batch, err := broker.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "abc", batch[0].Task.ID)
	assert.NotEmpty(t, batch[0].tag)
	require.NoError(t, broker.Ack(ctx, batch[0]))

	empty, err := broker.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisBrokerResultsExpire(t *testing.T) {
	mr, broker := setupTestRedis(t)
	ctx := context.Background()

	_, err := broker.LoadResult(ctx, "nope")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	value, _ := json.Marshal(map[string]float64{"probability": 0.8})
	require.NoError(t, broker.StoreResult(ctx, Result{TaskID: "t1", Name: "x", Status: StatusSuccess, Value: value}))
	res, err := broker.LoadResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.JSONEq(t, `{"probability":0.8}`, string(res.Value))
	assert.Equal(t, time.Hour, mr.TTL("cravewatch:result:t1"))

	mr.FastForward(2 * time.Hour)
	_, err = broker.LoadResult(ctx, "t1")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRedisBrokerWithWorker(t *testing.T) {
	_, broker := setupTestRedis(t)
	startWorker(t, broker, testWorkerConfig(), func(w *Worker) {
		w.Register("debug_task", func(context.Context, json.RawMessage) (any, error) {
			return map[string]string{"status": "ok"}, nil
		})
	})

	ar, err := NewClient(broker, 10*time.Millisecond).Delay(context.Background(), "debug_task", nil)
	require.NoError(t, err)
	var out map[string]string
	_, err = ar.Get(context.Background(), 3*time.Second, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
}

func TestRedisBrokerReleaseRedelivers(t *testing.T) {
	_, broker := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, broker.Enqueue(ctx, Task{ID: "r1", Name: "predict_craving", EnqueuedAt: time.Now().UTC()}))
	batch, err := broker.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	first := batch[0].tag

	require.NoError(t, broker.Release(ctx, batch[0]))
	again, err := broker.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "r1", again[0].Task.ID)
	assert.NotEqual(t, first, again[0].tag)

	pending, err := broker.client.XPending(ctx, broker.stream, broker.group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count)
}
