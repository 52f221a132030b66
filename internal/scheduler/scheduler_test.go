package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/queue"
)

func TestDefaultTableIsValid(t *testing.T) {
	entries := Entries(config.DefaultScheduledTasks())
	require.NoError(t, Validate(entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "calculate-window-statistics", entries[0].Name)
	assert.Equal(t, config.TaskPeriodicWindows, entries[0].Task)
	assert.Equal(t, 250*time.Second, entries[0].Expires)
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	err := Validate([]Entry{{Name: "x", Task: "debug_task", Schedule: "every five minutes"}})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))

	err = Validate([]Entry{
		{Name: "a", Task: "debug_task", Schedule: "@hourly"},
		{Name: "a", Task: "debug_task", Schedule: "@daily"},
	})
	require.Error(t, err)
}

func TestFireSetsExpiry(t *testing.T) {
	broker := queue.NewMemoryBroker(4, 10*time.Millisecond, time.Hour)
	client := queue.NewClient(broker, 10*time.Millisecond)
	beat, err := NewBeat(Entries(config.DefaultScheduledTasks()), time.UTC, client, zap.NewNop())
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{Name: "calc", Task: config.TaskPeriodicWindows, Schedule: "@every 300s", Expires: 250 * time.Second}
	require.NoError(t, beat.Fire(context.Background(), entry, at))
	require.NoError(t, beat.Fire(context.Background(), Entry{Name: "cleanup", Task: config.TaskCleanupWindows, Schedule: "0 3 * * *"}, at))

	batch, err := broker.Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, config.TaskPeriodicWindows, batch[0].Task.Name)
	require.NotNil(t, batch[0].Task.ExpiresAt)
	assert.True(t, at.Add(250*time.Second).Equal(*batch[0].Task.ExpiresAt))
	assert.Nil(t, batch[1].Task.ExpiresAt)
}

func TestBeatFiresOnClock(t *testing.T) {
	broker := queue.NewMemoryBroker(8, 10*time.Millisecond, time.Hour)
	client := queue.NewClient(broker, 10*time.Millisecond)
	beat, err := NewBeat([]Entry{{Name: "debug", Task: config.TaskDebug, Schedule: "@every 1s"}}, time.UTC, client, nil)
	require.NoError(t, err)

	beat.Start(context.Background())
	defer beat.Stop()
	require.Eventually(t, func() bool { return broker.Pending() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestUpcomingUsesTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Tijuana")
	require.NoError(t, err)
	client := queue.NewClient(queue.NewMemoryBroker(1, time.Millisecond, time.Hour), time.Millisecond)
	beat, err := NewBeat(Entries(config.DefaultScheduledTasks()), loc, client, nil)
	require.NoError(t, err)

	up := beat.Upcoming()
	require.Len(t, up, 2)
	for _, u := range up {
		if u.Task == config.TaskCleanupWindows {
			local := u.Next.In(loc)
			assert.Equal(t, 3, local.Hour())
			assert.Equal(t, 0, local.Minute())
		}
	}
}

func TestReloadReplacesTable(t *testing.T) {
	client := queue.NewClient(queue.NewMemoryBroker(1, time.Millisecond, time.Hour), time.Millisecond)
	beat, err := NewBeat(Entries(config.DefaultScheduledTasks()), time.UTC, client, nil)
	require.NoError(t, err)

	require.Error(t, beat.Reload([]Entry{{Name: "bad", Task: "x", Schedule: "nope"}}))
	assert.Len(t, beat.Upcoming(), 2)

	require.NoError(t, beat.Reload([]Entry{{Name: "debug", Task: config.TaskDebug, Schedule: "@hourly"}}))
	up := beat.Upcoming()
	require.Len(t, up, 1)
	assert.Equal(t, config.TaskDebug, up[0].Task)
}
