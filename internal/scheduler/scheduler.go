// Package scheduler runs the periodic task table: every entry is a cron
// schedule that enqueues a named task on the queue when it fires.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
	"cravewatch/internal/queue"
)

// Entry is one row of the task table.
type Entry struct {
	Name     string        `json:"name"`
	Task     string        `json:"task"`
	Schedule string        `json:"schedule"`
	Expires  time.Duration `json:"expires"`
}

func Entries(tasks []config.ScheduledTask) []Entry {
	out := make([]Entry, 0, len(tasks))
	for _, t := range tasks {
		name := t.Name
		if name == "" {
			name = t.Task
		}
		out = append(out, Entry{Name: name, Task: t.Task, Schedule: t.Schedule, Expires: t.Expires})
	}
	return out
}

// Validate parses every schedule; standard five-field specs and descriptors
// such as "@every 300s" or "@daily" are accepted.
func Validate(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Task == "" {
			return apperr.Newf(apperr.CodeConfiguration, "schedule entry %q has no task", e.Name)
		}
		if seen[e.Name] {
			return apperr.Newf(apperr.CodeConfiguration, "duplicate schedule entry %q", e.Name)
		}
		seen[e.Name] = true
		if _, err := cron.ParseStandard(e.Schedule); err != nil {
			return apperr.Wrapf(apperr.WithCode(apperr.CodeConfiguration, err), "schedule entry %q", e.Name)
		}
	}
	return nil
}

// Enqueuer is the part of queue.Client the beat needs.
type Enqueuer interface {
	Delay(ctx context.Context, name string, payload any, opts ...queue.Option) (*queue.AsyncResult, error)
}

// Upcoming describes the next firing of an entry.
type Upcoming struct {
	Entry
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Beat fires the task table on a cron clock in the configured timezone.
type Beat struct {
	client Enqueuer
	logger *zap.Logger
	loc    *time.Location

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	entries map[cron.EntryID]Entry
	running bool
}

func NewBeat(entries []Entry, loc *time.Location, client Enqueuer, logger *zap.Logger) (*Beat, error) {
	if loc == nil {
		loc = time.UTC
	}
	b := &Beat{
		client: client,
		logger: logging.OrNop(logger),
		loc:    loc,
		ctx:    context.Background(),
	}
	if err := b.install(entries); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Beat) newCron() *cron.Cron {
	adapter := cronLogger{s: b.logger.Sugar()}
	return cron.New(
		cron.WithLocation(b.loc),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)
}

// install replaces the task table. Callers hold b.mu or own b exclusively.
func (b *Beat) install(entries []Entry) error {
	if err := Validate(entries); err != nil {
		return err
	}
	c := b.newCron()
	ids := make(map[cron.EntryID]Entry, len(entries))
	for _, e := range entries {
		entry := e
		id, err := c.AddFunc(entry.Schedule, func() {
			b.mu.Lock()
			ctx := b.ctx
			b.mu.Unlock()
			if err := b.Fire(ctx, entry, time.Now()); err != nil {
				b.logger.Error("scheduled task enqueue failed",
					zap.String("entry", entry.Name),
					zap.String("task", entry.Task),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			return apperr.Wrapf(apperr.WithCode(apperr.CodeConfiguration, err), "schedule entry %q", entry.Name)
		}
		ids[id] = entry
	}
	b.cron = c
	b.entries = ids
	return nil
}

// Fire enqueues entry's task as if it fired at at. The task expires at
// at+Expires when the entry sets an expiry.
func (b *Beat) Fire(ctx context.Context, entry Entry, at time.Time) error {
	var opts []queue.Option
	if entry.Expires > 0 {
		opts = append(opts, queue.WithExpiresAt(at.Add(entry.Expires)))
	}
	res, err := b.client.Delay(ctx, entry.Task, nil, opts...)
	if err != nil {
		return err
	}
	b.logger.Info("scheduled task enqueued",
		zap.String("entry", entry.Name),
		zap.String("task", entry.Task),
		zap.String("task_id", res.ID),
	)
	return nil
}

// Start begins firing entries; enqueues use ctx until Stop.
func (b *Beat) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.ctx = ctx
	b.cron.Start()
	b.running = true
	b.logger.Info("beat started", zap.Int("entries", len(b.entries)), zap.String("timezone", b.loc.String()))
}

// Stop halts the clock and waits for in-flight enqueues.
func (b *Beat) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	c := b.cron
	b.running = false
	b.mu.Unlock()
	<-c.Stop().Done()
	b.logger.Info("beat stopped")
}

// Reload swaps in a new task table, keeping the beat running if it was.
func (b *Beat) Reload(entries []Entry) error {
	b.mu.Lock()
	old, wasRunning := b.cron, b.running
	if err := b.install(entries); err != nil {
		b.mu.Unlock()
		return err
	}
	if wasRunning {
		b.cron.Start()
	}
	b.mu.Unlock()
	if wasRunning {
		<-old.Stop().Done()
	}
	return nil
}

// Upcoming lists the table with next firing times, soonest first.
func (b *Beat) Upcoming() []Upcoming {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Upcoming, 0, len(b.entries))
	now := time.Now().In(b.loc)
	for _, ce := range b.cron.Entries() {
		e, ok := b.entries[ce.ID]
		if !ok {
			continue
		}
		next := ce.Next
		if next.IsZero() {
			next = ce.Schedule.Next(now)
		}
		out = append(out, Upcoming{Entry: e, Next: next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
