package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytake/orchestrator/internal/logger"
)

func TestMakeSchedulerID_IsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := MakeSchedulerID("user-1", "send-report", ts)
	b := MakeSchedulerID("user-1", "send-report", ts)
	assert.Equal(t, a, b)
	assert.Len(t, a, 24)
}

func TestMakeSchedulerID_DiffersByInput(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := MakeSchedulerID("user-1", "send-report", ts)
	b := MakeSchedulerID("user-2", "send-report", ts)
	c := MakeSchedulerID("user-1", "send-report", ts.Add(time.Second))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestScheduler_Upsert_AcceptsStandardFiveFieldCronExpression(t *testing.T) {
	b := setupTestBroker(t)
	s := NewScheduler(b, logger.New("error"))
	t.Cleanup(s.Stop)

	_, err := s.Upsert(context.Background(), "sched-cron", Trigger{Cron: "*/5 * * * *"}, Template{HandlerName: "h", Queue: "jobQueue"}, "user-1")
	require.NoError(t, err)
}

func TestScheduler_Fire_EnqueuesJobWithScheduleMetadata(t *testing.T) {
	b := setupTestBroker(t)
	s := NewScheduler(b, logger.New("error"))
	t.Cleanup(s.Stop)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, "sched-meta", Trigger{RepeatEveryMs: 60_000}, Template{HandlerName: "h", Queue: "jobQueue"}, "user-1")
	require.NoError(t, err)

	s.fire(ctx, rec.SchedulerID)

	job, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "user-1", job.Payload["userId"])

	meta, ok := job.Payload["_scheduleMetadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, rec.SchedulerID, meta["schedulerId"])
	assert.NotEmpty(t, meta["firedAt"])
}
