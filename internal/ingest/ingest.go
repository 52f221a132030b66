// Package ingest receives wearable readings from the configured sources and
// forwards them, normalized, to the engine's event channel.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/config"
	"cravewatch/internal/model"
	"cravewatch/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.ReadingEvent, ev model.ReadingEvent, logger *zap.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping reading",
				zap.Int64("consumer_id", ev.ConsumerID),
				zap.Time("timestamp", ev.Timestamp),
			)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sink parses raw payloads for one source and forwards the readings.
type sink struct {
	cfg    *config.Manager
	parser *Parser
	out    chan<- model.ReadingEvent
	logger *zap.Logger
	source string
}

func newSink(cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger, source string) *sink {
	return &sink{cfg: cfg, parser: NewParser(), out: out, logger: logger, source: source}
}

// origin carries what the transport knows about a payload: the consumer a
// topic or message key names, and the broker's receive time.
type origin struct {
	consumerID string
	timestamp  string
}

// handle forwards every reading in payload and returns how many were sent.
func (s *sink) handle(ctx context.Context, payload string) int {
	return s.handleFrom(ctx, payload, origin{})
}

// handleFrom is handle with transport fallbacks for records that omit the
// consumer or the timestamp.
func (s *sink) handleFrom(ctx context.Context, payload string, o origin) int {
	records, err := s.parser.ParseLine(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("unparseable payload", zap.String("source", s.source), zap.Error(err))
		}
		return 0
	}
	sent := 0
	for _, fields := range records {
		fields.Source = s.source
		if fields.ConsumerID == "" {
			fields.ConsumerID = o.consumerID
		}
		if fields.Timestamp == "" {
			fields.Timestamp = o.timestamp
		}
		ev, err := normalize.Normalize(fields, s.cfg.Get())
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("reading rejected", zap.String("source", s.source), zap.Error(err))
			}
			continue
		}
		if SendNonBlocking(ctx, s.out, ev, s.logger) {
			sent++
		}
	}
	return sent
}
