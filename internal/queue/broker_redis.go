package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/logger"
)

// RedisBroker implements Broker on top of go-redis/v9, grounded on the
// list+sorted-set queue primitive used across the example pack: RPush/BLPop
// for FIFO bodies, ZAdd/ZScore/ZRem for delayed visibility and in-flight
// deadline tracking.
type RedisBroker struct {
	client *redis.Client
	prefix string
	log    *logger.Logger

	eventsMu sync.Mutex
	events   map[string]chan Event
}

func NewRedisBroker(client *redis.Client, keyPrefix string, log *logger.Logger) *RedisBroker {
	if keyPrefix == "" {
		keyPrefix = "orch"
	}
	return &RedisBroker{
		client: client,
		prefix: keyPrefix,
		log:    log,
		events: make(map[string]chan Event),
	}
}

func (b *RedisBroker) keyWaiting(queue string) string    { return fmt.Sprintf("%s:%s:waiting", b.prefix, queue) }
func (b *RedisBroker) keyDelayed(queue string) string    { return fmt.Sprintf("%s:%s:delayed", b.prefix, queue) }
func (b *RedisBroker) keyProcessing(queue string) string { return fmt.Sprintf("%s:%s:processing", b.prefix, queue) }
func (b *RedisBroker) keyState(queue string, s State) string {
	return fmt.Sprintf("%s:%s:state:%s", b.prefix, queue, s)
}
func (b *RedisBroker) keyJob(id string) string       { return fmt.Sprintf("%s:job:%s", b.prefix, id) }
func (b *RedisBroker) keySchedules() string          { return fmt.Sprintf("%s:schedules", b.prefix) }

// eventChan returns the per-queue event channel, creating it on first use.
// Guarded by eventsMu: it's called both from publish() (worker goroutines,
// one per concurrent worker) and from Events() (the event bus's Pump
// goroutine), so the map itself is concurrently read and written.
func (b *RedisBroker) eventChan(queue string) chan Event {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if ch, ok := b.events[queue]; ok {
		return ch
	}
	ch := make(chan Event, 256)
	b.events[queue] = ch
	return ch
}

func (b *RedisBroker) Events(queueName string) <-chan Event {
	return b.eventChan(queueName)
}

func (b *RedisBroker) publish(ev Event) {
	ch := b.eventChan(ev.Queue)
	select {
	case ch <- ev:
	default:
		// drop progress/delta on overflow; never drop terminal events (§4.4)
		if ev.Kind == EventCompleted || ev.Kind == EventFailed {
			<-ch
			ch <- ev
		}
	}
}

func (b *RedisBroker) saveJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.keyJob(job.ID), data, 0).Err()
}

func (b *RedisBroker) loadJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := b.client.Get(ctx, b.keyJob(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *RedisBroker) setState(ctx context.Context, job *Job, newState State) error {
	pipe := b.client.TxPipeline()
	for s := range ValidStates {
		pipe.SRem(ctx, b.keyState(job.Queue, s), job.ID)
	}
	pipe.SAdd(ctx, b.keyState(job.Queue, newState), job.ID)
	_, err := pipe.Exec(ctx)
	job.State = newState
	return err
}

// Enqueue implements §4.1's enqueue(queueName, handlerName, payload,
// options) -> jobId. Jobs with delayMs>0 go straight onto the delayed
// sorted set instead of the waiting list. A payload carrying the
// coordinator's _pendingChildren convention (§4.5: a flow node with
// children) is parked in StateWaitingChildren instead — it is never
// pushed onto any dispatch structure until resolveParent promotes it, which
// is what makes children run before their parent. _parentJobId, when
// present, is popped into the child's own ParentJobID field so resolveParent
// can find its way back to the parent on completion.
func (b *RedisBroker) Enqueue(ctx context.Context, queueName, handlerName string, payload map[string]interface{}, opts Options) (string, error) {
	opts = opts.normalise()

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		HandlerName: handlerName,
		Payload:     payload,
		Options:     opts,
		State:       StateWaiting,
		CreatedAt:   time.Now(),
		AvailableAt: time.Now(),
	}

	if payload != nil {
		if pending := toInt(payload["_pendingChildren"]); pending > 0 {
			job.PendingChildren = pending
			delete(payload, "_pendingChildren")
		}
		if parentID, ok := payload["_parentJobId"].(string); ok && parentID != "" {
			job.ParentJobID = parentID
			delete(payload, "_parentJobId")
		}
	}

	switch {
	case job.PendingChildren > 0:
		job.State = StateWaitingChildren
	case opts.DelayMs > 0:
		job.State = StateDelayed
		job.AvailableAt = job.CreatedAt.Add(time.Duration(opts.DelayMs) * time.Millisecond)
	}

	if err := b.saveJob(ctx, job); err != nil {
		return "", apperrors.BrokerUnavailable(err)
	}
	if err := b.setState(ctx, job, job.State); err != nil {
		return "", apperrors.BrokerUnavailable(err)
	}

	switch job.State {
	case StateWaitingChildren:
		// parked: promoted to waiting by resolveParent once every child
		// has reported a terminal outcome.
	case StateDelayed:
		if err := b.client.ZAdd(ctx, b.keyDelayed(queueName), redis.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return "", apperrors.BrokerUnavailable(err)
		}
	default:
		if err := b.client.RPush(ctx, b.keyWaiting(queueName), job.ID).Err(); err != nil {
			return "", apperrors.BrokerUnavailable(err)
		}
	}

	return job.ID, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (b *RedisBroker) GetJob(ctx context.Context, queueName, jobID string) (*Job, error) {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Queue != queueName {
		return nil, nil
	}
	return job, nil
}

func (b *RedisBroker) ListByState(ctx context.Context, queueName string, states []State, page, limit int) ([]*Job, int64, error) {
	idSet := make(map[string]bool)
	for _, s := range states {
		ids, err := b.client.SMembers(ctx, b.keyState(queueName, s)).Result()
		if err != nil {
			return nil, 0, apperrors.BrokerUnavailable(err)
		}
		for _, id := range ids {
			idSet[id] = true
		}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := int64(len(ids))
	start := (page - 1) * limit
	if start < 0 {
		start = 0
	}
	if start > len(ids) {
		start = len(ids)
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	jobs := make([]*Job, 0, end-start)
	for _, id := range ids[start:end] {
		job, err := b.loadJob(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, total, nil
}

func (b *RedisBroker) Remove(ctx context.Context, queueName, jobID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Queue != queueName {
		return apperrors.NotFound("job %s not found in queue %s", jobID, queueName)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.keyJob(jobID))
	pipe.LRem(ctx, b.keyWaiting(queueName), 0, jobID)
	pipe.ZRem(ctx, b.keyDelayed(queueName), jobID)
	pipe.ZRem(ctx, b.keyProcessing(queueName), jobID)
	for s := range ValidStates {
		pipe.SRem(ctx, b.keyState(queueName, s), jobID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	return nil
}

func (b *RedisBroker) dequeue(ctx context.Context, queueName string, timeoutSeconds int) (*Job, error) {
	b.promoteDueDelayed(ctx, queueName)

	result, err := b.client.BLPop(ctx, time.Duration(timeoutSeconds)*time.Second, b.keyWaiting(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	return b.loadJob(ctx, result[1])
}

func (b *RedisBroker) promoteDueDelayed(ctx context.Context, queueName string) {
	now := float64(time.Now().UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, b.keyDelayed(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		job, err := b.loadJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		b.client.ZRem(ctx, b.keyDelayed(queueName), id)
		b.setState(ctx, job, StateWaiting)
		b.saveJob(ctx, job)
		b.client.RPush(ctx, b.keyWaiting(queueName), id)
	}
}

func (b *RedisBroker) markActive(ctx context.Context, job *Job) error {
	if err := b.setState(ctx, job, StateActive); err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Minute)
	job.DeadlineAt = &deadline
	if err := b.client.ZAdd(ctx, b.keyProcessing(job.Queue), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	if err := b.saveJob(ctx, job); err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	b.publish(Event{Queue: job.Queue, JobID: job.ID, Kind: EventActive, Job: job})
	return nil
}

func (b *RedisBroker) markCompleted(ctx context.Context, job *Job, result map[string]interface{}) error {
	job.Result = result
	job.DeadlineAt = nil
	if err := b.setState(ctx, job, StateCompleted); err != nil {
		return err
	}
	b.client.ZRem(ctx, b.keyProcessing(job.Queue), job.ID)
	if err := b.saveJob(ctx, job); err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	b.publish(Event{Queue: job.Queue, JobID: job.ID, Kind: EventCompleted, Job: job, Result: result})
	b.pruneTerminal(ctx, job.Queue, StateCompleted, job.Options.RemoveOnComplete)
	b.resolveParent(ctx, job, result, true)
	return nil
}

// markFailed records failedReason and either requeues with exponential
// backoff (base x 2^n, capped, grounded on the teacher's
// DefaultRetryStrategy) or finalises as failed.
func (b *RedisBroker) markFailed(ctx context.Context, job *Job, reason string, retry bool) error {
	job.FailedReason = reason
	job.DeadlineAt = nil
	b.client.ZRem(ctx, b.keyProcessing(job.Queue), job.ID)

	if retry && job.Attempt < job.Options.Attempts {
		delay := backoffDelay(job.Attempt)
		job.AvailableAt = time.Now().Add(delay)
		if err := b.setState(ctx, job, StateDelayed); err != nil {
			return err
		}
		if err := b.saveJob(ctx, job); err != nil {
			return apperrors.BrokerUnavailable(err)
		}
		if err := b.client.ZAdd(ctx, b.keyDelayed(job.Queue), redis.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return apperrors.BrokerUnavailable(err)
		}
		return nil
	}

	if err := b.setState(ctx, job, StateFailed); err != nil {
		return err
	}
	if err := b.saveJob(ctx, job); err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	b.publish(Event{Queue: job.Queue, JobID: job.ID, Kind: EventFailed, Job: job, Error: reason})
	b.pruneTerminal(ctx, job.Queue, StateFailed, job.Options.RemoveOnFail)
	b.resolveParent(ctx, job, nil, false)
	return nil
}

// resolveParent feeds a terminal child's outcome back to its parent
// (§4.5's children-run-first DAG). On success the result is recorded under
// the parent's ChildResults and, once every child has reported in, the
// parent is promoted out of waiting-children onto its own queue's waiting
// list with _childResults injected into its payload. A failed child fails
// the parent outright instead of leaving it parked forever.
func (b *RedisBroker) resolveParent(ctx context.Context, job *Job, result map[string]interface{}, success bool) {
	if job.ParentJobID == "" {
		return
	}
	parent, err := b.loadJob(ctx, job.ParentJobID)
	if err != nil || parent == nil || parent.State != StateWaitingChildren {
		return
	}

	if !success {
		parent.FailedReason = fmt.Sprintf("child job %s failed: %s", job.ID, job.FailedReason)
		if err := b.setState(ctx, parent, StateFailed); err != nil {
			return
		}
		if err := b.saveJob(ctx, parent); err != nil {
			return
		}
		b.publish(Event{Queue: parent.Queue, JobID: parent.ID, Kind: EventFailed, Job: parent, Error: parent.FailedReason})
		return
	}

	if parent.ChildResults == nil {
		parent.ChildResults = map[string]map[string]interface{}{}
	}
	parent.ChildResults[job.ID] = result
	parent.PendingChildren--
	if parent.PendingChildren > 0 {
		b.saveJob(ctx, parent)
		return
	}

	if parent.Payload == nil {
		parent.Payload = map[string]interface{}{}
	}
	parent.Payload["_childResults"] = parent.ChildResults
	if err := b.setState(ctx, parent, StateWaiting); err != nil {
		return
	}
	if err := b.saveJob(ctx, parent); err != nil {
		return
	}
	b.client.RPush(ctx, b.keyWaiting(parent.Queue), parent.ID)
}

func (b *RedisBroker) markStuck(ctx context.Context, job *Job) error {
	job.FailedReason = "worker crashed while job was active"
	if err := b.setState(ctx, job, StateStuck); err != nil {
		return err
	}
	b.client.ZRem(ctx, b.keyProcessing(job.Queue), job.ID)
	if err := b.saveJob(ctx, job); err != nil {
		return apperrors.BrokerUnavailable(err)
	}
	b.publish(Event{Queue: job.Queue, JobID: job.ID, Kind: EventFailed, Job: job, Error: job.FailedReason})
	return nil
}

func (b *RedisBroker) publishProgress(ctx context.Context, job *Job, progress interface{}) {
	job.Progress = progress
	_ = b.saveJob(ctx, job)
	kind := EventProgress
	if _, isDelta := progress.(map[string]interface{}); isDelta {
		kind = EventDelta
	}
	b.publish(Event{Queue: job.Queue, JobID: job.ID, Kind: kind, Job: job, Progress: progress})
}

// recoverStuck scans the processing sorted set for jobs whose deadline has
// passed — a worker crash between active entry and finalisation (§4.1
// failure semantics) — and marks them stuck.
func (b *RedisBroker) recoverStuck(ctx context.Context, queueName string) ([]*Job, error) {
	now := float64(time.Now().UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, b.keyProcessing(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}

	var stuck []*Job
	for _, id := range ids {
		job, err := b.loadJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		if err := b.markStuck(ctx, job); err != nil {
			continue
		}
		stuck = append(stuck, job)
	}
	return stuck, nil
}

func (b *RedisBroker) pruneTerminal(ctx context.Context, queueName string, state State, cap int) {
	if cap <= 0 {
		return
	}
	ids, err := b.client.SMembers(ctx, b.keyState(queueName, state)).Result()
	if err != nil || len(ids) <= cap {
		return
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if job, err := b.loadJob(ctx, id); err == nil && job != nil {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	excess := len(jobs) - cap
	for i := 0; i < excess; i++ {
		b.Remove(ctx, queueName, jobs[i].ID)
	}
}

func backoffDelay(attempt int) time.Duration {
	const base = 2 * time.Second
	const maxDelay = 5 * time.Minute
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5 + 1))
	return delay + jitter - time.Duration(int64(delay)/10)
}

// --- schedules ---

func (b *RedisBroker) UpsertSchedule(ctx context.Context, schedulerID string, trigger Trigger, template Template, userID string) (*ScheduleRecord, error) {
	existing, err := b.GetSchedule(ctx, schedulerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &ScheduleRecord{
		SchedulerID: schedulerID,
		UserID:      userID,
		Trigger:     trigger,
		Template:    template,
		UpdatedAt:   now,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.FireCount = existing.FireCount
	} else {
		rec.CreatedAt = now
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := b.client.HSet(ctx, b.keySchedules(), schedulerID, data).Err(); err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}
	return rec, nil
}

func (b *RedisBroker) ListSchedules(ctx context.Context) ([]*ScheduleRecord, error) {
	vals, err := b.client.HGetAll(ctx, b.keySchedules()).Result()
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}
	out := make([]*ScheduleRecord, 0, len(vals))
	for _, v := range vals {
		var rec ScheduleRecord
		if err := json.Unmarshal([]byte(v), &rec); err == nil {
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchedulerID < out[j].SchedulerID })
	return out, nil
}

func (b *RedisBroker) GetSchedule(ctx context.Context, schedulerID string) (*ScheduleRecord, error) {
	v, err := b.client.HGet(ctx, b.keySchedules(), schedulerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}
	var rec ScheduleRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *RedisBroker) RemoveSchedule(ctx context.Context, schedulerID string) error {
	return b.client.HDel(ctx, b.keySchedules(), schedulerID).Err()
}

// saveSchedule persists a mutated record back (used by the scheduler after
// a firing to bump FireCount/NextFireAt).
func (b *RedisBroker) saveSchedule(ctx context.Context, rec *ScheduleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.keySchedules(), rec.SchedulerID, data).Err()
}

func (b *RedisBroker) Close() error {
	b.eventsMu.Lock()
	for _, ch := range b.events {
		close(ch)
	}
	b.eventsMu.Unlock()
	return b.client.Close()
}
