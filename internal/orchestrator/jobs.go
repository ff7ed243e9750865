// Package orchestrator is the façade (§6): the single entry point every
// transport adapter (REST, WebSocket) calls into. It owns permission
// checks, input validation, and response shaping, delegating durable state
// to the broker, the flow coordinator, the webhook dispatcher, and the
// API key service.
package orchestrator

import (
	"context"

	"github.com/pytake/orchestrator/internal/apikey"
	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/config"
	"github.com/pytake/orchestrator/internal/flow"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
	"github.com/pytake/orchestrator/internal/registry"
	"github.com/pytake/orchestrator/internal/webhook"
)

type Orchestrator struct {
	broker      queue.Broker
	scheduler   *queue.Scheduler
	registry    *registry.Registry
	coordinator *flow.Coordinator
	webhooks    *webhook.Dispatcher
	apikeys     *apikey.Service
	cfg         *config.Config
	log         *logger.Logger
}

func New(broker queue.Broker, scheduler *queue.Scheduler, reg *registry.Registry, coordinator *flow.Coordinator, webhooks *webhook.Dispatcher, apikeys *apikey.Service, cfg *config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		broker:      broker,
		scheduler:   scheduler,
		registry:    reg,
		coordinator: coordinator,
		webhooks:    webhooks,
		apikeys:     apikeys,
		cfg:         cfg,
		log:         log,
	}
}

func (o *Orchestrator) validateQueue(queueName string) error {
	for _, allowed := range o.cfg.Queues.Allowed {
		if allowed == queueName {
			return nil
		}
	}
	return apperrors.InvalidQueue(queueName)
}

// JobView is the read-model returned to clients, reshaping the broker's
// internal queue.Job per §6.
type JobView struct {
	ID           string                 `json:"id"`
	Queue        string                 `json:"queue"`
	HandlerName  string                 `json:"handlerName"`
	Payload      map[string]interface{} `json:"payload"`
	State        string                 `json:"state"`
	Attempt      int                    `json:"attempt"`
	Progress     interface{}            `json:"progress,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	FailedReason string                 `json:"failedReason,omitempty"`
	CreatedAt    string                 `json:"createdAt"`
	UpdatedAt    string                 `json:"updatedAt"`
}

func toJobView(j *queue.Job) JobView {
	return JobView{
		ID:           j.ID,
		Queue:        j.Queue,
		HandlerName:  j.HandlerName,
		Payload:      j.Payload,
		State:        string(j.State),
		Attempt:      j.Attempt,
		Progress:     j.Progress,
		Result:       j.Result,
		FailedReason: j.FailedReason,
		CreatedAt:    j.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:    j.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// SubmitJob validates the queue and handler, stamps the owning userId into
// the payload, and enqueues.
func (o *Orchestrator) SubmitJob(ctx context.Context, principal auth.Principal, queueName, handlerName string, payload map[string]interface{}, opts queue.Options) (string, error) {
	if len(principal.Permissions) > 0 && !principal.HasPermission("jobs:write") {
		return "", apperrors.Unauthorised("principal lacks jobs:write permission")
	}
	if err := o.validateQueue(queueName); err != nil {
		return "", err
	}
	if _, ok := o.registry.Lookup(handlerName); !ok {
		return "", apperrors.HandlerNotFound(handlerName)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["userId"] = principal.UserID

	return o.broker.Enqueue(ctx, queueName, handlerName, payload, opts)
}

func (o *Orchestrator) GetJob(ctx context.Context, principal auth.Principal, queueName, jobID string) (*JobView, error) {
	if err := o.validateQueue(queueName); err != nil {
		return nil, err
	}
	job, err := o.broker.GetJob(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.NotFound("job %s not found", jobID)
	}
	if !principal.Owns(job.UserID()) {
		return nil, apperrors.Unauthorised("job %s is not owned by this principal", jobID)
	}
	view := toJobView(job)
	return &view, nil
}

// Pagination mirrors §6's {jobs, pagination} response envelope.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

func (o *Orchestrator) ListJobs(ctx context.Context, principal auth.Principal, queueName string, status string, page, limit int) ([]JobView, Pagination, error) {
	if err := o.validateQueue(queueName); err != nil {
		return nil, Pagination{}, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}

	var states []queue.State
	if status != "" {
		s := queue.State(status)
		if !queue.ValidStates[s] {
			return nil, Pagination{}, apperrors.InvalidStatus(status)
		}
		states = []queue.State{s}
	} else {
		for s := range queue.ValidStates {
			states = append(states, s)
		}
	}

	jobs, total, err := o.broker.ListByState(ctx, queueName, states, page, limit)
	if err != nil {
		return nil, Pagination{}, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		if !principal.Owns(j.UserID()) {
			continue
		}
		views = append(views, toJobView(j))
	}

	return views, Pagination{Page: page, Limit: limit, Total: total}, nil
}

// DeleteJob is idempotent: removing a job that's already gone is a
// success, not a NotFound.
func (o *Orchestrator) DeleteJob(ctx context.Context, principal auth.Principal, queueName, jobID string) error {
	if len(principal.Permissions) > 0 && !principal.HasPermission("jobs:write") {
		return apperrors.Unauthorised("principal lacks jobs:write permission")
	}
	if err := o.validateQueue(queueName); err != nil {
		return err
	}
	job, err := o.broker.GetJob(ctx, queueName, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if !principal.Owns(job.UserID()) {
		return apperrors.Unauthorised("job %s is not owned by this principal", jobID)
	}
	err = o.broker.Remove(ctx, queueName, jobID)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return nil
	}
	return err
}
