package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Webhook{}, &models.User{}))
	return db
}

func setupTestBroker(t *testing.T) queue.Broker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisBroker(client, "test", logger.New("error"))
}

func TestDispatcher_Create_RejectsDuplicateTuple(t *testing.T) {
	db := setupTestDB(t)
	d := NewDispatcher(db, setupTestBroker(t), logger.New("error"))
	principal := auth.Principal{UserID: "user-1"}

	_, err := d.Create(context.Background(), principal, "https://example.com/hook", "completed", "")
	require.NoError(t, err)

	_, err = d.Create(context.Background(), principal, "https://example.com/hook", "completed", "")
	assert.Error(t, err)
}

func TestDispatcher_Create_RejectsUnknownEventType(t *testing.T) {
	db := setupTestDB(t)
	d := NewDispatcher(db, setupTestBroker(t), logger.New("error"))

	_, err := d.Create(context.Background(), auth.Principal{UserID: "user-1"}, "https://example.com/hook", "bogus", "")
	assert.Error(t, err)
}

func TestDispatcher_Update_RejectsNonOwner(t *testing.T) {
	db := setupTestDB(t)
	d := NewDispatcher(db, setupTestBroker(t), logger.New("error"))

	hook, err := d.Create(context.Background(), auth.Principal{UserID: "owner"}, "https://example.com/hook", "all", "")
	require.NoError(t, err)

	newURL := "https://example.com/other"
	_, err = d.Update(context.Background(), auth.Principal{UserID: "intruder"}, hook.ID.String(), &newURL, nil, nil)
	assert.Error(t, err)
}

func TestDispatcher_Dispatch_EnqueuesOneDeliveryPerMatchingHook(t *testing.T) {
	db := setupTestDB(t)
	broker := setupTestBroker(t)
	d := NewDispatcher(db, broker, logger.New("error"))
	principal := auth.Principal{UserID: "user-1"}

	_, err := d.Create(context.Background(), principal, "https://example.com/hook-a", "completed", "")
	require.NoError(t, err)
	_, err = d.Create(context.Background(), principal, "https://example.com/hook-b", "all", "")
	require.NoError(t, err)
	_, err = d.Create(context.Background(), principal, "https://example.com/hook-c", "failed", "")
	require.NoError(t, err)

	ev := queue.Event{
		Queue: "jobQueue",
		JobID: "job-1",
		Kind:  queue.EventCompleted,
		Job:   &queue.Job{ID: "job-1", Payload: map[string]interface{}{"userId": "user-1"}},
	}
	require.NoError(t, d.Dispatch(context.Background(), ev))

	ctx := context.Background()
	_, total, err := broker.ListByState(ctx, WebhooksQueue, []queue.State{queue.StateWaiting}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestDispatcher_Dispatch_IgnoresEventsWithoutOwner(t *testing.T) {
	db := setupTestDB(t)
	broker := setupTestBroker(t)
	d := NewDispatcher(db, broker, logger.New("error"))

	ev := queue.Event{Queue: "jobQueue", JobID: "job-2", Kind: queue.EventCompleted, Job: &queue.Job{ID: "job-2"}}
	require.NoError(t, d.Dispatch(context.Background(), ev))

	_, total, err := broker.ListByState(context.Background(), WebhooksQueue, []queue.State{queue.StateWaiting}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestDeliveryHandlerFunc_SuccessfulPost(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		received = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	handler := DeliveryHandlerFunc(srv.Client())
	job := &queue.Job{Payload: map[string]interface{}{
		"url":  srv.URL,
		"body": map[string]interface{}{"hello": "world"},
	}}

	result, err := handler(context.Background(), job, func(interface{}) {})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result["status"].(int))
	_ = received
}

func TestDeliveryHandlerFunc_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	handler := DeliveryHandlerFunc(srv.Client())
	job := &queue.Job{Payload: map[string]interface{}{"url": srv.URL, "body": map[string]interface{}{}}}

	_, err := handler(context.Background(), job, func(interface{}) {})
	assert.Error(t, err)
}

func TestDeliveryHandlerFunc_MissingURL(t *testing.T) {
	handler := DeliveryHandlerFunc(nil)
	job := &queue.Job{Payload: map[string]interface{}{}}

	_, err := handler(context.Background(), job, func(interface{}) {})
	assert.Error(t, err)
}
