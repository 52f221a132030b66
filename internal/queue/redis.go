package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
)

// RedisBroker delivers tasks through a Redis stream consumer group and keeps
// results as expiring JSON keys.
type RedisBroker struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	prefix    string
	resultTTL time.Duration
	block     time.Duration
	logger    *zap.Logger
}

func NewRedisBroker(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.WithCode(apperr.CodeConfiguration, err), "parse queue.redis_url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(err, "connect to redis")
	}
	return NewRedisBrokerWithClient(ctx, client, cfg, logger)
}

func NewRedisBrokerWithClient(ctx context.Context, client *redis.Client, cfg config.QueueConfig, logger *zap.Logger) (*RedisBroker, error) {
	b := &RedisBroker{
		client:    client,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		prefix:    cfg.KeyPrefix,
		resultTTL: cfg.ResultExpires,
		block:     cfg.FetchBlock,
		logger:    logging.OrNop(logger),
	}
	if b.consumer == "" {
		host, _ := os.Hostname()
		b.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	err := client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, apperr.Wrapf(err, "create consumer group %s on %s", b.group, b.stream)
	}
	return b, nil
}

func (b *RedisBroker) resultKey(taskID string) string {
	return b.prefix + ":result:" + taskID
}

func (b *RedisBroker) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"task": string(data), "name": task.Name},
	}).Err()
}

func (b *RedisBroker) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(max),
		Block:    b.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, _ := msg.Values["task"].(string)
			var task Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil || task.ID == "" {
				b.logger.Error("dropping malformed task message",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				_ = b.client.XAck(ctx, b.stream, b.group, msg.ID).Err()
				continue
			}
			out = append(out, Delivery{Task: task, tag: msg.ID})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	if d.tag == "" {
		return nil
	}
	return b.client.XAck(ctx, b.stream, b.group, d.tag).Err()
}

// Release re-adds the task to the stream and acks the old entry in one
// transaction, so another consumer picks it up with a plain ">" read.
func (b *RedisBroker) Release(ctx context.Context, d Delivery) error {
	if d.tag == "" {
		return b.Enqueue(ctx, d.Task)
	}
	data, err := json.Marshal(d.Task)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.stream,
			Values: map[string]interface{}{"task": string(data), "name": d.Task.Name},
		})
		pipe.XAck(ctx, b.stream, b.group, d.tag)
		return nil
	})
	return err
}

func (b *RedisBroker) StoreResult(ctx context.Context, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.resultKey(res.TaskID), data, b.resultTTL).Err()
}

func (b *RedisBroker) LoadResult(ctx context.Context, taskID string) (Result, error) {
	var res Result
	data, err := b.client.Get(ctx, b.resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, apperr.Newf(apperr.CodeNotFound, "no result for task %s", taskID)
	}
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, apperr.Wrapf(err, "decode result for task %s", taskID)
	}
	return res, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// NewBroker builds the broker selected by cfg.Driver.
func NewBroker(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (Broker, error) {
	switch strings.ToLower(cfg.Driver) {
	case "redis":
		return NewRedisBroker(ctx, cfg, logger)
	case "memory", "":
		return NewMemoryBroker(cfg.MemoryBuffer, cfg.FetchBlock, cfg.ResultExpires), nil
	default:
		return nil, apperr.Newf(apperr.CodeConfiguration, "unsupported queue driver %q", cfg.Driver)
	}
}
