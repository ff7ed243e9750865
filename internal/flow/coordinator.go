// Package flow implements the flow coordinator (§4.5): DAG creation,
// flowId/metadata propagation, the progress-update algorithm, and
// best-effort deletion.
package flow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/metrics"
	"github.com/pytake/orchestrator/internal/queue"
)

// Node is one entry of a CreateFlow request's recursive tree shape.
type Node struct {
	Name     string                 `json:"name"`
	Queue    string                 `json:"queue"`
	Data     map[string]interface{} `json:"data"`
	Options  queue.Options          `json:"opts"`
	Children []Node                 `json:"children"`
}

// EventSink is the narrow real-time publishing surface the coordinator
// needs (§4.8's flow:updated | flow:completed | flow:deleted server->client
// events). internal/realtime.Hub satisfies this; the coordinator depends
// only on this interface so it never imports the realtime package directly.
type EventSink interface {
	PublishFlow(userID, kind string, data interface{})
}

type Coordinator struct {
	db     *gorm.DB
	broker queue.Broker
	sink   EventSink
	log    *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewCoordinator(db *gorm.DB, broker queue.Broker, sink EventSink, log *logger.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		broker: broker,
		sink:   sink,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// publishFlowEvent emits one of §4.5/§4.8's flow:* events; a nil sink (as
// in tests that don't exercise real-time fan-out) is a no-op.
func (c *Coordinator) publishFlowEvent(userID, flowID, kind string, row *models.Flow) {
	if c.sink == nil {
		return
	}
	c.sink.PublishFlow(userID, kind, map[string]interface{}{
		"flowId":   flowID,
		"status":   row.Status,
		"progress": row.Progress,
	})
}

func (c *Coordinator) lockFor(flowID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[flowID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[flowID] = l
	}
	return l
}

func newFlowID() string {
	return fmt.Sprintf("flow_%d_%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}

func countNodes(n Node) int {
	total := 1
	for _, child := range n.Children {
		total += countNodes(child)
	}
	return total
}

// Create mints a flowId, stores the row, injects flow metadata into every
// node's payload, submits the tree so children run before their parent,
// and transitions the flow to running.
func (c *Coordinator) Create(ctx context.Context, principal auth.Principal, flowName string, root Node) (*models.Flow, error) {
	if flowName == "" {
		return nil, apperrors.InvalidInput("flowName is required")
	}

	flowID := newFlowID()
	total := countNodes(root)

	structure, err := nodeToJSON(root)
	if err != nil {
		return nil, err
	}

	progress := models.JSON{
		"jobs": map[string]interface{}{},
		"summary": map[string]interface{}{
			"total":      total,
			"waiting":    total,
			"active":     0,
			"completed":  0,
			"failed":     0,
			"stuck":      0,
			"percentage": 0,
		},
	}

	row := &models.Flow{
		OwnedModel:   models.OwnedModel{UserID: principal.UserID},
		FlowID:       flowID,
		FlowName:     flowName,
		RootName:     root.Name,
		RootQueue:    root.Queue,
		JobStructure: structure,
		Progress:     progress,
		Status:       string(models.FlowStatusPending),
	}
	if err := row.Validate(); err != nil {
		return nil, apperrors.InvalidInput("%v", err)
	}
	if err := c.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("flow: create row: %w", err)
	}

	rootJobID, err := c.submitTree(ctx, flowID, principal.UserID, root, root.Name, "")
	if err != nil {
		return nil, err
	}

	row.RootJobID = rootJobID
	row.Status = string(models.FlowStatusRunning)
	now := time.Now()
	row.StartedAt = &now
	if err := c.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, fmt.Errorf("flow: persist root job id: %w", err)
	}

	return row, nil
}

// submitTree enqueues a node before its children: a parent with children is
// submitted carrying the broker's _pendingChildren convention, which parks
// it in StateWaitingChildren rather than dispatching it immediately, and
// each child is then submitted carrying _parentJobId so the broker can feed
// its result back (injected as payload._childResults) and promote the
// parent once every child has completed. This is what makes the broker
// observe children run before their parent, as §4.5 requires, without the
// coordinator itself needing to block on anything.
func (c *Coordinator) submitTree(ctx context.Context, flowID, userID string, n Node, parentName, parentJobID string) (string, error) {
	payload := n.Data
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["userId"] = userID
	payload["flowId"] = flowID
	payload["_flowMetadata"] = map[string]interface{}{
		"flowId":     flowID,
		"parentName": parentName,
		"injectedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if parentJobID != "" {
		payload["_parentJobId"] = parentJobID
	}
	if len(n.Children) > 0 {
		payload["_pendingChildren"] = len(n.Children)
	}

	nodeID, err := c.broker.Enqueue(ctx, n.Queue, n.Name, payload, n.Options)
	if err != nil {
		return "", err
	}

	for _, child := range n.Children {
		if _, err := c.submitTree(ctx, flowID, userID, child, n.Name, nodeID); err != nil {
			return "", err
		}
	}

	return nodeID, nil
}

// JobUpdate is the shape workers hand the coordinator on terminal outcomes
// (§4.5's updateProgress(flowId, jobId, update)).
type JobUpdate struct {
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	HandlerName string                 `json:"handlerName"`
	QueueName   string                 `json:"queueName"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// UpdateProgress is the exact §4.5 algorithm, serialised per flowId.
func (c *Coordinator) UpdateProgress(ctx context.Context, flowID, jobID string, update JobUpdate) error {
	lock := c.lockFor(flowID)
	lock.Lock()
	defer lock.Unlock()

	var row models.Flow
	if err := c.db.WithContext(ctx).Where("flow_id = ?", flowID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("flow %s not found", flowID)
		}
		return err
	}

	tracked, _ := row.Progress["jobs"].(map[string]interface{})
	if tracked == nil {
		tracked = map[string]interface{}{}
	}

	if update.Status != "" && (update.Status == "completed" || update.Status == "failed" || update.Status == "stuck") {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	tracked[jobID] = update

	summary, ok := row.Progress["summary"].(map[string]interface{})
	if !ok {
		summary = map[string]interface{}{}
	}
	total := asInt(summary["total"])

	counts := map[string]int{"active": 0, "completed": 0, "failed": 0, "stuck": 0}
	for _, v := range tracked {
		status := statusOf(v)
		if _, known := counts[status]; known {
			counts[status]++
		}
	}

	waiting := total - len(tracked)
	if waiting < 0 {
		waiting = 0
	}

	percentage := roundPercentage(total, counts["completed"])

	sum := counts["active"] + counts["completed"] + counts["failed"] + counts["stuck"] + waiting
	if sum != total {
		c.log.Warn("flow progress invariant violated", "flowId", flowID, "sum", sum, "total", total)
	}

	newStatus := models.FlowStatusPending
	switch {
	case counts["failed"] > 0 || counts["stuck"] > 0:
		newStatus = models.FlowStatusFailed
	case counts["completed"] == total && waiting == 0:
		newStatus = models.FlowStatusCompleted
	case len(tracked) > 0:
		newStatus = models.FlowStatusRunning
	}

	summary["waiting"] = waiting
	summary["active"] = counts["active"]
	summary["completed"] = counts["completed"]
	summary["failed"] = counts["failed"]
	summary["stuck"] = counts["stuck"]
	summary["percentage"] = percentage

	row.Progress["jobs"] = tracked
	row.Progress["summary"] = summary
	row.Status = string(newStatus)
	if row.IsTerminal() {
		now := time.Now()
		row.CompletedAt = &now
		if row.StartedAt != nil {
			metrics.FlowCompletionLatency.Observe(now.Sub(*row.StartedAt).Seconds())
		}
	}

	if err := c.db.WithContext(ctx).Save(&row).Error; err != nil {
		return err
	}

	c.publishFlowEvent(row.UserID, flowID, "flow:updated", &row)
	if newStatus == models.FlowStatusCompleted {
		c.publishFlowEvent(row.UserID, flowID, "flow:completed", &row)
	}
	return nil
}

func roundPercentage(total, completed int) int {
	if total == 0 {
		return 0
	}
	return int((100.0*float64(completed))/float64(total) + 0.5)
}

func statusOf(v interface{}) string {
	switch u := v.(type) {
	case JobUpdate:
		return u.Status
	case map[string]interface{}:
		if s, ok := u["status"].(string); ok {
			return s
		}
	}
	return ""
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

type removalOutcome string

const (
	removalSuccess  removalOutcome = "success"
	removalNotFound removalOutcome = "not_found"
	removalFailed   removalOutcome = "failed"
)

// RemovalReport is one line of DeleteFlow's aggregate report.
type RemovalReport struct {
	JobID     string         `json:"jobId"`
	QueueName string         `json:"queueName"`
	Status    removalOutcome `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// Delete removes every tracked job (best-effort) then the flow row
// unconditionally, per §4.5.
func (c *Coordinator) Delete(ctx context.Context, principal auth.Principal, flowID string) ([]RemovalReport, error) {
	var row models.Flow
	if err := c.db.WithContext(ctx).Where("flow_id = ?", flowID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("flow %s not found", flowID)
		}
		return nil, err
	}
	if !row.IsOwnedBy(principal.UserID) {
		return nil, apperrors.Unauthorised("flow %s is not owned by this principal", flowID)
	}

	tracked, _ := row.Progress["jobs"].(map[string]interface{})
	jobQueues := map[string]string{}
	for jobID, v := range tracked {
		if m, ok := v.(map[string]interface{}); ok {
			if q, ok := m["queueName"].(string); ok {
				jobQueues[jobID] = q
			}
		}
	}
	if row.RootJobID != "" {
		if _, ok := jobQueues[row.RootJobID]; !ok {
			jobQueues[row.RootJobID] = row.RootQueue
		}
	}

	var report []RemovalReport
	for jobID, q := range jobQueues {
		if q == "" {
			q = "flowQueue"
		}
		err := c.broker.Remove(ctx, q, jobID)
		switch {
		case err == nil:
			report = append(report, RemovalReport{JobID: jobID, QueueName: q, Status: removalSuccess})
		case apperrors.Is(err, apperrors.CodeNotFound):
			report = append(report, RemovalReport{JobID: jobID, QueueName: q, Status: removalNotFound})
		default:
			report = append(report, RemovalReport{JobID: jobID, QueueName: q, Status: removalFailed, Error: err.Error()})
		}
	}

	if err := c.db.WithContext(ctx).Delete(&row).Error; err != nil {
		return report, fmt.Errorf("flow: delete row: %w", err)
	}
	c.publishFlowEvent(row.UserID, flowID, "flow:deleted", &row)
	return report, nil
}

func (c *Coordinator) Get(ctx context.Context, principal auth.Principal, flowID string) (*models.Flow, error) {
	var row models.Flow
	if err := c.db.WithContext(ctx).Where("flow_id = ?", flowID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("flow %s not found", flowID)
		}
		return nil, err
	}
	if !row.IsOwnedBy(principal.UserID) {
		return nil, apperrors.Unauthorised("flow %s is not owned by this principal", flowID)
	}
	return &row, nil
}

func (c *Coordinator) List(ctx context.Context, principal auth.Principal, page, limit int) ([]models.Flow, int64, error) {
	var rows []models.Flow
	var total int64

	q := c.db.WithContext(ctx).Model(&models.Flow{}).Where("user_id = ?", principal.UserID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("created_at desc").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Run re-enqueues a flow's root job, leaving progress tracking untouched
// (§6's RunFlow).
func (c *Coordinator) Run(ctx context.Context, principal auth.Principal, flowID string) (string, error) {
	row, err := c.Get(ctx, principal, flowID)
	if err != nil {
		return "", err
	}
	return c.broker.Enqueue(ctx, row.RootQueue, row.RootName, map[string]interface{}{
		"userId": principal.UserID,
		"flowId": flowID,
	}, queue.Options{})
}
