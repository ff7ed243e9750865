package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
	"github.com/pytake/orchestrator/internal/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Flow{}, &models.User{}))
	return db
}

func TestRoundPercentage(t *testing.T) {
	assert.Equal(t, 0, roundPercentage(0, 0))
	assert.Equal(t, 50, roundPercentage(2, 1))
	assert.Equal(t, 67, roundPercentage(3, 2))
	assert.Equal(t, 100, roundPercentage(4, 4))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "completed", statusOf(JobUpdate{Status: "completed"}))
	assert.Equal(t, "failed", statusOf(map[string]interface{}{"status": "failed"}))
	assert.Equal(t, "", statusOf("garbage"))
}

func TestAsInt(t *testing.T) {
	assert.Equal(t, 3, asInt(3))
	assert.Equal(t, 3, asInt(float64(3)))
	assert.Equal(t, 0, asInt("nope"))
}

func newCoordinatorForTest(db *gorm.DB) *Coordinator {
	return NewCoordinator(db, nil, nil, logger.New("error"))
}

func seedFlow(t *testing.T, db *gorm.DB, flowID string, total int, userID string) *models.Flow {
	row := &models.Flow{
		OwnedModel:   models.OwnedModel{UserID: userID},
		FlowID:       flowID,
		FlowName:     "demo-flow",
		RootName:     "root-job",
		RootQueue:    "jobQueue",
		JobStructure: models.JSON{"name": "root-job"},
		Progress: models.JSON{
			"jobs": map[string]interface{}{},
			"summary": map[string]interface{}{
				"total": total, "waiting": total, "active": 0,
				"completed": 0, "failed": 0, "stuck": 0, "percentage": 0,
			},
		},
		Status: string(models.FlowStatusRunning),
	}
	require.NoError(t, db.Create(row).Error)
	return row
}

func TestCoordinator_UpdateProgress_PartialCompletion(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_1", 2, "user-1")

	err := c.UpdateProgress(context.Background(), "flow_1", "job-a", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"})
	require.NoError(t, err)

	var row models.Flow
	require.NoError(t, db.Where("flow_id = ?", "flow_1").First(&row).Error)
	assert.Equal(t, string(models.FlowStatusRunning), row.Status)

	summary := row.Progress["summary"].(map[string]interface{})
	assert.Equal(t, 1, asInt(summary["completed"]))
	assert.Equal(t, 1, asInt(summary["waiting"]))
	assert.Equal(t, 50, asInt(summary["percentage"]))
}

func TestCoordinator_UpdateProgress_AllCompletedTransitionsToCompleted(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_2", 1, "user-1")

	err := c.UpdateProgress(context.Background(), "flow_2", "job-a", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"})
	require.NoError(t, err)

	var row models.Flow
	require.NoError(t, db.Where("flow_id = ?", "flow_2").First(&row).Error)
	assert.Equal(t, string(models.FlowStatusCompleted), row.Status)
	assert.NotNil(t, row.CompletedAt)
}

func TestCoordinator_UpdateProgress_FailureIsSticky(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_3", 2, "user-1")

	require.NoError(t, c.UpdateProgress(context.Background(), "flow_3", "job-a", JobUpdate{Status: "failed", HandlerName: "h", QueueName: "jobQueue"}))
	require.NoError(t, c.UpdateProgress(context.Background(), "flow_3", "job-b", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"}))

	var row models.Flow
	require.NoError(t, db.Where("flow_id = ?", "flow_3").First(&row).Error)
	assert.Equal(t, string(models.FlowStatusFailed), row.Status)
}

// Re-entry to active after stuck is a fresh attempt, not a resurrection:
// once a job has been recorded stuck it stays counted against the stuck
// bucket until a later terminal update (completed/failed) replaces it.
func TestCoordinator_UpdateProgress_StuckThenCompletedReplacesTrackedEntry(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_4", 1, "user-1")

	require.NoError(t, c.UpdateProgress(context.Background(), "flow_4", "job-a", JobUpdate{Status: "stuck", HandlerName: "h", QueueName: "jobQueue"}))

	var mid models.Flow
	require.NoError(t, db.Where("flow_id = ?", "flow_4").First(&mid).Error)
	assert.Equal(t, string(models.FlowStatusFailed), mid.Status)

	require.NoError(t, c.UpdateProgress(context.Background(), "flow_4", "job-a", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"}))

	var row models.Flow
	require.NoError(t, db.Where("flow_id = ?", "flow_4").First(&row).Error)
	assert.Equal(t, string(models.FlowStatusCompleted), row.Status)
}

func TestCoordinator_UpdateProgress_UnknownFlowIsNotFound(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)

	err := c.UpdateProgress(context.Background(), "missing", "job-a", JobUpdate{Status: "completed"})
	assert.Error(t, err)
}

func TestCoordinator_Get_RejectsNonOwner(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_5", 1, "owner")

	_, err := c.Get(context.Background(), auth.Principal{UserID: "someone-else"}, "flow_5")
	assert.Error(t, err)
}

func TestCoordinator_List_ScopesByOwner(t *testing.T) {
	db := setupTestDB(t)
	c := newCoordinatorForTest(db)
	seedFlow(t, db, "flow_6", 1, "owner-a")
	seedFlow(t, db, "flow_7", 1, "owner-b")

	rows, total, err := c.List(context.Background(), auth.Principal{UserID: "owner-a"}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, rows, 1)
	assert.Equal(t, "flow_6", rows[0].FlowID)
}

func TestCountNodes(t *testing.T) {
	root := Node{Name: "root", Children: []Node{{Name: "a"}, {Name: "b", Children: []Node{{Name: "c"}}}}}
	assert.Equal(t, 4, countNodes(root))
}

type fakeSink struct {
	mu     sync.Mutex
	events []fakeSinkEvent
}

type fakeSinkEvent struct {
	userID string
	kind   string
	data   interface{}
}

func (f *fakeSink) PublishFlow(userID, kind string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeSinkEvent{userID: userID, kind: kind, data: data})
}

func (f *fakeSink) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.kind
	}
	return out
}

func TestCoordinator_UpdateProgress_PublishesFlowUpdated(t *testing.T) {
	db := setupTestDB(t)
	sink := &fakeSink{}
	c := &Coordinator{db: db, sink: sink, log: logger.New("error"), locks: make(map[string]*sync.Mutex)}
	seedFlow(t, db, "flow_8", 2, "user-1")

	require.NoError(t, c.UpdateProgress(context.Background(), "flow_8", "job-a", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"}))

	assert.Equal(t, []string{"flow:updated"}, sink.kinds())
}

func TestCoordinator_UpdateProgress_PublishesFlowCompletedOnceTerminal(t *testing.T) {
	db := setupTestDB(t)
	sink := &fakeSink{}
	c := &Coordinator{db: db, sink: sink, log: logger.New("error"), locks: make(map[string]*sync.Mutex)}
	seedFlow(t, db, "flow_9", 1, "user-1")

	require.NoError(t, c.UpdateProgress(context.Background(), "flow_9", "job-a", JobUpdate{Status: "completed", HandlerName: "h", QueueName: "jobQueue"}))

	assert.Equal(t, []string{"flow:updated", "flow:completed"}, sink.kinds())
}

func TestCoordinator_Delete_PublishesFlowDeleted(t *testing.T) {
	db := setupTestDB(t)
	sink := &fakeSink{}
	c := &Coordinator{db: db, broker: nil, sink: sink, log: logger.New("error"), locks: make(map[string]*sync.Mutex)}
	row := seedFlow(t, db, "flow_10", 1, "owner")

	_, err := c.Delete(context.Background(), auth.Principal{UserID: "owner"}, row.FlowID)
	require.NoError(t, err)

	assert.Equal(t, []string{"flow:deleted"}, sink.kinds())
}
