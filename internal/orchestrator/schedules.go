package orchestrator

import (
	"context"
	"time"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/queue"
)

func (o *Orchestrator) CreateSchedule(ctx context.Context, principal auth.Principal, trigger queue.Trigger, template queue.Template) (*queue.ScheduleRecord, error) {
	if err := o.validateQueue(template.Queue); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Lookup(template.HandlerName); !ok {
		return nil, apperrors.HandlerNotFound(template.HandlerName)
	}
	if trigger.Cron == "" && trigger.RepeatEveryMs <= 0 {
		return nil, apperrors.InvalidInput("schedule requires either cron or repeatEveryMs")
	}

	schedulerID := queue.MakeSchedulerID(principal.UserID, template.HandlerName, time.Now())
	return o.scheduler.Upsert(ctx, schedulerID, trigger, template, principal.UserID)
}

func (o *Orchestrator) ListSchedules(ctx context.Context, principal auth.Principal) ([]*queue.ScheduleRecord, error) {
	all, err := o.broker.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*queue.ScheduleRecord, 0, len(all))
	for _, rec := range all {
		if principal.Owns(rec.UserID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (o *Orchestrator) GetSchedule(ctx context.Context, principal auth.Principal, schedulerID string) (*queue.ScheduleRecord, error) {
	rec, err := o.broker.GetSchedule(ctx, schedulerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NotFound("schedule %s not found", schedulerID)
	}
	if !principal.Owns(rec.UserID) {
		return nil, apperrors.Unauthorised("schedule %s is not owned by this principal", schedulerID)
	}
	return rec, nil
}

func (o *Orchestrator) DeleteSchedule(ctx context.Context, principal auth.Principal, schedulerID string) error {
	rec, err := o.GetSchedule(ctx, principal, schedulerID)
	if err != nil {
		return err
	}
	return o.scheduler.Remove(ctx, rec.SchedulerID)
}
