package queue

import "context"

// Broker is the durable queue primitive every job kind (plain jobs, flow
// nodes, scheduled firings, webhook deliveries) is enqueued through. §4.1.
type Broker interface {
	Enqueue(ctx context.Context, queueName, handlerName string, payload map[string]interface{}, opts Options) (string, error)
	GetJob(ctx context.Context, queueName, jobID string) (*Job, error)
	ListByState(ctx context.Context, queueName string, states []State, page, limit int) ([]*Job, int64, error)
	Remove(ctx context.Context, queueName, jobID string) error

	UpsertSchedule(ctx context.Context, schedulerID string, trigger Trigger, template Template, userID string) (*ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]*ScheduleRecord, error)
	GetSchedule(ctx context.Context, schedulerID string) (*ScheduleRecord, error)
	RemoveSchedule(ctx context.Context, schedulerID string) error

	// Events streams the broker's activity on queueName to a single
	// consumer. Workers publish through this; the event bus (internal/
	// eventbus) is the sole subscriber in this process.
	Events(queueName string) <-chan Event

	// internal, used by the worker pool and scheduler:
	dequeue(ctx context.Context, queueName string, timeout int) (*Job, error)
	markActive(ctx context.Context, job *Job) error
	markCompleted(ctx context.Context, job *Job, result map[string]interface{}) error
	markFailed(ctx context.Context, job *Job, reason string, retry bool) error
	markStuck(ctx context.Context, job *Job) error
	publishProgress(ctx context.Context, job *Job, progress interface{})
	recoverStuck(ctx context.Context, queueName string) ([]*Job, error)

	Close() error
}
