// Package queue implements the broker adapter (§4.1), durable queues keyed
// by name with atomic state transitions and delayed/repeat hooks, backed by
// Redis. It also hosts the worker pool (§4.3) and the cron/repeat-every
// scheduler (§4.6) that share the broker connection.
package queue

import "time"

// State is a job's lifecycle state. The canonical set from §6/§8 is used
// verbatim as the wire representation everywhere (status filters, JobView).
type State string

const (
	StateWaiting         State = "waiting"
	StateDelayed         State = "delayed"
	StateWaitingChildren State = "waiting-children"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePaused          State = "paused"
	StateStuck           State = "stuck"
)

// IsTerminal reports whether a job in this state will never transition
// again without an explicit re-submission.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStuck
}

// ValidStates is the canonical set §6 validates ListJobs status filters
// against.
var ValidStates = map[State]bool{
	StateWaiting:         true,
	StateDelayed:         true,
	StateWaitingChildren: true,
	StateActive:          true,
	StateCompleted:       true,
	StateFailed:          true,
	StatePaused:          true,
	StateStuck:           true,
}

// Options carries the per-job submission knobs from §3.
type Options struct {
	Priority         int `json:"priority,omitempty"`
	Attempts         int `json:"attempts,omitempty"`
	DelayMs          int64 `json:"delayMs,omitempty"`
	RemoveOnComplete int `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int `json:"removeOnFail,omitempty"`
}

// normalise fills in the documented defaults: priority is advisory
// 1-100, attempts is at least 1, delay is non-negative.
func (o Options) normalise() Options {
	if o.Priority <= 0 {
		o.Priority = 50
	}
	if o.Priority > 100 {
		o.Priority = 100
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.DelayMs < 0 {
		o.DelayMs = 0
	}
	return o
}

// Job is the broker-owned record described in §3. Payload is opaque to the
// broker beyond the conventional userId/flowId/_flowMetadata keys the flow
// coordinator and worker pool read out of it.
type Job struct {
	ID          string                 `json:"id"`
	Queue       string                 `json:"queue"`
	HandlerName string                 `json:"handlerName"`
	Payload     map[string]interface{} `json:"payload"`
	Options     Options                `json:"options"`
	State       State                  `json:"state"`
	Attempt     int                    `json:"attempt"`
	Progress    interface{}            `json:"progress,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	FailedReason string                `json:"failedReason,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	AvailableAt time.Time              `json:"availableAt"`
	DeadlineAt  *time.Time             `json:"deadlineAt,omitempty"`

	// ParentJobID, PendingChildren and ChildResults implement the
	// children-run-first DAG gating (§4.5): a flow node with children is
	// parked in StateWaitingChildren carrying PendingChildren == len(children);
	// each child records ParentJobID and, on completion, the broker decrements
	// the parent's PendingChildren and stores its result here, promoting the
	// parent to StateWaiting once every child has reported in.
	ParentJobID     string                            `json:"parentJobId,omitempty"`
	PendingChildren int                                `json:"pendingChildren,omitempty"`
	ChildResults    map[string]map[string]interface{} `json:"childResults,omitempty"`
}

// UserID reads the conventional payload.userId key, returning "" if absent
// or malformed. Every job submitted through the orchestrator façade carries
// this; jobs submitted directly to the broker (tests) may not.
func (j *Job) UserID() string {
	if v, ok := j.Payload["userId"].(string); ok {
		return v
	}
	return ""
}

// FlowID reads the conventional payload.flowId key injected by the flow
// coordinator (§4.5).
func (j *Job) FlowID() string {
	if v, ok := j.Payload["flowId"].(string); ok {
		return v
	}
	return ""
}

// EventKind enumerates the event-bus topics §4.4 fans broker activity out
// under.
type EventKind string

const (
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventDelta     EventKind = "delta"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is what the broker streams out of Events(queue) and what the event
// bus republishes to every interested consumer.
type Event struct {
	Queue     string
	JobID     string
	Kind      EventKind
	Job       *Job
	Progress  interface{}
	Result    map[string]interface{}
	Error     string
}

// Trigger describes a schedule's firing rule (§4.6). Exactly one of Cron or
// RepeatEveryMs should be set.
type Trigger struct {
	Cron          string     `json:"cron,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	RepeatEveryMs int64      `json:"repeatEveryMs,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	StartDate     *time.Time `json:"startDate,omitempty"`
	EndDate       *time.Time `json:"endDate,omitempty"`
}

// Template is the job shape a schedule re-injects on every firing.
type Template struct {
	HandlerName string                 `json:"handlerName"`
	Queue       string                 `json:"queue"`
	Payload     map[string]interface{} `json:"payload"`
	Options     Options                `json:"options"`
}

// ScheduleRecord is a broker-persisted schedule (§3). SchedulerID is
// deterministic: f(userId, handlerName, creationTime).
type ScheduleRecord struct {
	SchedulerID string    `json:"schedulerId"`
	UserID      string    `json:"userId"`
	Trigger     Trigger   `json:"trigger"`
	Template    Template  `json:"template"`
	FireCount   int       `json:"fireCount"`
	NextFireAt  *time.Time `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
