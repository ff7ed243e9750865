package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytake/orchestrator/internal/logger"
)

func setupTestBroker(t *testing.T) *RedisBroker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisBroker(client, "test", logger.New("error"))
}

func TestRedisBroker_EnqueueAndGetJob(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", map[string]interface{}{"userId": "u1"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, "send-email", job.HandlerName)
	assert.Equal(t, 50, job.Options.Priority)
	assert.Equal(t, 1, job.Options.Attempts)
}

func TestRedisBroker_Enqueue_DelayedJobsGoToDelayedState(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{DelayMs: 60_000})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.True(t, job.AvailableAt.After(time.Now()))
}

func TestRedisBroker_GetJob_WrongQueueReturnsNil(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, "webhooks", id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisBroker_ListByState_PaginatesAndFilters(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{})
		require.NoError(t, err)
	}

	jobs, total, err := b.ListByState(ctx, "jobQueue", []State{StateWaiting}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, jobs, 2)
}

func TestRedisBroker_Remove_UnknownJobIsNotFound(t *testing.T) {
	b := setupTestBroker(t)
	err := b.Remove(context.Background(), "jobQueue", "does-not-exist")
	assert.Error(t, err)
}

func TestRedisBroker_DequeueReturnsWaitingJob(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{})
	require.NoError(t, err)

	job, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestRedisBroker_DequeueTimesOutWhenEmpty(t *testing.T) {
	b := setupTestBroker(t)
	job, err := b.dequeue(context.Background(), "jobQueue", 1)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisBroker_MarkCompleted_RecordsResult(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{})
	require.NoError(t, err)
	job, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)

	require.NoError(t, b.markActive(ctx, job))
	require.NoError(t, b.markCompleted(ctx, job, map[string]interface{}{"ok": true}))

	reloaded, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, reloaded.State)
	assert.Equal(t, true, reloaded.Result["ok"])
}

func TestRedisBroker_MarkFailed_RetriesWhenAttemptsRemain(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{Attempts: 3})
	require.NoError(t, err)
	job, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	job.Attempt = 1

	require.NoError(t, b.markFailed(ctx, job, "boom", true))

	reloaded, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, reloaded.State)
	assert.Equal(t, "boom", reloaded.FailedReason)
}

func TestRedisBroker_MarkFailed_FinalisesWhenAttemptsExhausted(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "jobQueue", "send-email", nil, Options{Attempts: 1})
	require.NoError(t, err)
	job, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	job.Attempt = 1

	require.NoError(t, b.markFailed(ctx, job, "boom", false))

	reloaded, err := b.GetJob(ctx, "jobQueue", id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, reloaded.State)
}

func TestRedisBroker_Schedules_UpsertGetListRemove(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	trigger := Trigger{RepeatEveryMs: 60_000}
	template := Template{HandlerName: "send-email", Queue: "jobQueue"}

	rec, err := b.UpsertSchedule(ctx, "sched-1", trigger, template, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)

	fetched, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, rec.CreatedAt.Unix(), fetched.CreatedAt.Unix())

	list, err := b.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.RemoveSchedule(ctx, "sched-1"))
	fetched, err = b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestRedisBroker_Enqueue_NodeWithChildrenParksInWaitingChildren(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	parentID, err := b.Enqueue(ctx, "jobQueue", "watermark-video", map[string]interface{}{"_pendingChildren": 2}, Options{})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, "jobQueue", parentID)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingChildren, job.State)
	assert.Equal(t, 2, job.PendingChildren)
	_, hasKey := job.Payload["_pendingChildren"]
	assert.False(t, hasKey)

	dequeued, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	assert.Nil(t, dequeued, "a waiting-children job must never be dispatchable")
}

func TestRedisBroker_ResolveParent_PromotesParentAfterAllChildrenComplete(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	parentID, err := b.Enqueue(ctx, "jobQueue", "watermark-video", map[string]interface{}{"_pendingChildren": 2}, Options{})
	require.NoError(t, err)

	child1ID, err := b.Enqueue(ctx, "jobQueue", "download-video", map[string]interface{}{"_parentJobId": parentID}, Options{})
	require.NoError(t, err)
	child2ID, err := b.Enqueue(ctx, "jobQueue", "generate-thumbnail", map[string]interface{}{"_parentJobId": parentID}, Options{})
	require.NoError(t, err)

	child1, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	require.NotNil(t, child1)
	require.Equal(t, child1ID, child1.ID)
	require.NoError(t, b.markActive(ctx, child1))
	require.NoError(t, b.markCompleted(ctx, child1, map[string]interface{}{"filePath": "/tmp/a.mp4"}))

	stillWaiting, err := b.GetJob(ctx, "jobQueue", parentID)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingChildren, stillWaiting.State, "parent must not promote until every child reports in")

	child2, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	require.NotNil(t, child2)
	require.Equal(t, child2ID, child2.ID)
	require.NoError(t, b.markActive(ctx, child2))
	require.NoError(t, b.markCompleted(ctx, child2, map[string]interface{}{"thumbnailPath": "/tmp/a.png"}))

	parent, err := b.GetJob(ctx, "jobQueue", parentID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, parent.State)
	childResults, _ := parent.Payload["_childResults"].(map[string]interface{})
	require.NotNil(t, childResults)
	assert.Len(t, childResults, 2)

	dequeued, err := b.dequeue(ctx, "jobQueue", 1)
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	assert.Equal(t, parentID, dequeued.ID)
}

func TestRedisBroker_ResolveParent_FailedChildFailsParent(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	parentID, err := b.Enqueue(ctx, "jobQueue", "watermark-video", map[string]interface{}{"_pendingChildren": 1}, Options{})
	require.NoError(t, err)
	childID, err := b.Enqueue(ctx, "jobQueue", "download-video", map[string]interface{}{"_parentJobId": parentID}, Options{Attempts: 1})
	require.NoError(t, err)

	child, err := b.GetJob(ctx, "jobQueue", childID)
	require.NoError(t, err)
	require.NoError(t, b.markActive(ctx, child))
	require.NoError(t, b.markFailed(ctx, child, "download failed", false))

	parent, err := b.GetJob(ctx, "jobQueue", parentID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, parent.State)
}

func TestRedisBroker_UpsertSchedule_PreservesFireCountOnUpdate(t *testing.T) {
	b := setupTestBroker(t)
	ctx := context.Background()

	trigger := Trigger{RepeatEveryMs: 60_000}
	template := Template{HandlerName: "send-email", Queue: "jobQueue"}

	rec, err := b.UpsertSchedule(ctx, "sched-2", trigger, template, "user-1")
	require.NoError(t, err)
	rec.FireCount = 7
	require.NoError(t, b.saveSchedule(ctx, rec))

	updated, err := b.UpsertSchedule(ctx, "sched-2", trigger, template, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, updated.FireCount)
}
