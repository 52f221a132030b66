package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

// StartKafka consumes the readings topic in a consumer group. A numeric
// message key is taken as the consumer id of readings that omit one.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        current.Brokers,
		Topic:          current.Topic,
		GroupID:        current.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	if logger != nil {
		logger.Info("kafka ingest enabled",
			zap.Strings("brokers", current.Brokers),
			zap.String("topic", current.Topic),
			zap.String("group_id", current.GroupID),
		)
	}
	go consumeKafka(ctx, reader, newSink(cfg, out, logger, "kafka"), logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func consumeKafka(ctx context.Context, reader messageReader, s *sink, logger *zap.Logger) {
	defer reader.Close()
	failures := 0
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if logger != nil {
				logger.Warn("kafka read error", zap.Int("failures", failures), zap.Error(err))
			}
			backoff := time.Duration(failures) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			continue
		}
		failures = 0
		s.handleFrom(ctx, string(msg.Value), messageOrigin(msg))
	}
}

func messageOrigin(msg kafka.Message) origin {
	var o origin
	if _, err := strconv.ParseInt(string(msg.Key), 10, 64); err == nil {
		o.consumerID = string(msg.Key)
	}
	if !msg.Time.IsZero() {
		o.timestamp = msg.Time.UTC().Format(time.RFC3339Nano)
	}
	return o
}
