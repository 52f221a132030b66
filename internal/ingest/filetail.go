package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

const (
	tailPoll      = 200 * time.Millisecond
	tailReopenGap = 500 * time.Millisecond
)

// StartFileTail follows every configured export file, one reading per line.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		t := &tailer{
			path:       path,
			startAtEnd: current.StartAtEnd,
			sink:       newSink(cfg, out, logger, "file_tail"),
			logger:     logger,
		}
		if logger != nil {
			logger.Info("file tail ingest enabled", zap.String("path", path), zap.Bool("start_at_end", current.StartAtEnd))
		}
		go t.run(ctx)
	}
}

// tailer follows one file like tail -F. A file that shrinks is treated as
// rotated and read again from the start.
type tailer struct {
	path       string
	startAtEnd bool
	sink       *sink
	logger     *zap.Logger

	file    *os.File
	offset  int64
	partial []byte
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(); err != nil {
				t.warn("tail open failed", err)
				if !BackoffSleep(ctx, tailReopenGap) {
					return
				}
				continue
			}
		}
		if err := t.follow(ctx); err != nil {
			t.warn("tail read error", err)
			t.close()
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file, t.offset, t.partial = f, 0, nil
	if t.startAtEnd {
		if pos, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = pos
		}
		// only the first open skips history; a rotated file is read whole
		t.startAtEnd = false
	}
	return nil
}

// follow reads complete lines until ctx ends, the file is rotated, or a read
// fails. A trailing line without a newline waits for the rest of it.
func (t *tailer) follow(ctx context.Context) error {
	reader := bufio.NewReader(t.file)
	for {
		chunk, err := reader.ReadBytes('\n')
		t.partial = append(t.partial, chunk...)
		switch {
		case err == nil:
			line := string(t.partial)
			t.offset += int64(len(t.partial))
			t.partial = t.partial[:0]
			t.sink.handle(ctx, line)
		case errors.Is(err, io.EOF):
			if !BackoffSleep(ctx, tailPoll) {
				return nil
			}
			if info, statErr := os.Stat(t.path); statErr == nil && info.Size() < t.offset {
				t.close()
				return nil
			}
		default:
			return err
		}
	}
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *tailer) warn(msg string, err error) {
	if t.logger != nil {
		t.logger.Warn(msg, zap.String("path", t.path), zap.Error(err))
	}
}
