package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pytake/orchestrator/internal/logger"
)

// Scheduler owns every ScheduleRecord in the broker and fires its template
// job on the cron expression or repeat-every interval (§4.6). Upserting or
// removing a schedule adds or removes only that schedule's cron entry or
// repeat ticker; on start it re-reads the broker's schedule set.
type Scheduler struct {
	broker *RedisBroker
	log    *logger.Logger

	cron    *cron.Cron
	entries map[string]cron.EntryID
	repeats map[string]context.CancelFunc
}

func NewScheduler(broker *RedisBroker, log *logger.Logger) *Scheduler {
	return &Scheduler{
		broker:  broker,
		log:     log,
		// Standard 5-field cron (§4.6): no WithSeconds(), so expressions
		// like "*/5 * * * *" parse as minute/hour/day/month/weekday.
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: make(map[string]cron.EntryID),
		repeats: make(map[string]context.CancelFunc),
	}
}

// MakeSchedulerID derives the deterministic schedulerId §3 requires:
// f(userId, handlerName, creationTime).
func MakeSchedulerID(userID, handlerName string, creationTime time.Time) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%d", userID, handlerName, creationTime.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Start loads every persisted schedule and begins firing. Call once at
// startup, after the broker is connected.
func (s *Scheduler) Start(ctx context.Context) error {
	records, err := s.broker.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.arm(ctx, rec); err != nil {
			s.log.Error("failed to arm schedule", "schedulerId", rec.SchedulerID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	for _, cancel := range s.repeats {
		cancel()
	}
}

// Upsert persists rec via the broker and (re)arms its firing rule.
func (s *Scheduler) Upsert(ctx context.Context, schedulerID string, trigger Trigger, template Template, userID string) (*ScheduleRecord, error) {
	rec, err := s.broker.UpsertSchedule(ctx, schedulerID, trigger, template, userID)
	if err != nil {
		return nil, err
	}
	s.disarm(schedulerID)
	if err := s.arm(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scheduler) Remove(ctx context.Context, schedulerID string) error {
	s.disarm(schedulerID)
	return s.broker.RemoveSchedule(ctx, schedulerID)
}

func (s *Scheduler) disarm(schedulerID string) {
	if id, ok := s.entries[schedulerID]; ok {
		s.cron.Remove(id)
		delete(s.entries, schedulerID)
	}
	if cancel, ok := s.repeats[schedulerID]; ok {
		cancel()
		delete(s.repeats, schedulerID)
	}
}

func (s *Scheduler) arm(ctx context.Context, rec *ScheduleRecord) error {
	if rec.Trigger.Cron != "" {
		id, err := s.cron.AddFunc(rec.Trigger.Cron, func() { s.fire(context.Background(), rec.SchedulerID) })
		if err != nil {
			return fmt.Errorf("scheduler: invalid cron expression %q: %w", rec.Trigger.Cron, err)
		}
		s.entries[rec.SchedulerID] = id
		return nil
	}

	if rec.Trigger.RepeatEveryMs > 0 {
		runCtx, cancel := context.WithCancel(context.Background())
		s.repeats[rec.SchedulerID] = cancel
		go s.runRepeat(runCtx, rec.SchedulerID, time.Duration(rec.Trigger.RepeatEveryMs)*time.Millisecond)
		return nil
	}

	return fmt.Errorf("scheduler: schedule %s has neither cron nor repeatEveryMs set", rec.SchedulerID)
}

func (s *Scheduler) runRepeat(ctx context.Context, schedulerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, schedulerID)
		}
	}
}

// fire re-reads the record (it may have been updated concurrently),
// enforces limit/startDate/endDate, enqueues the template job, and bumps
// FireCount/NextFireAt.
func (s *Scheduler) fire(ctx context.Context, schedulerID string) {
	rec, err := s.broker.GetSchedule(ctx, schedulerID)
	if err != nil || rec == nil {
		return
	}

	now := time.Now()
	if rec.Trigger.StartDate != nil && now.Before(*rec.Trigger.StartDate) {
		return
	}
	if rec.Trigger.EndDate != nil && now.After(*rec.Trigger.EndDate) {
		s.disarm(schedulerID)
		return
	}
	if rec.Trigger.Limit > 0 && rec.FireCount >= rec.Trigger.Limit {
		s.disarm(schedulerID)
		return
	}

	payload := rec.Template.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["userId"] = rec.UserID
	payload["_scheduleMetadata"] = map[string]interface{}{
		"schedulerId": rec.SchedulerID,
		"firedAt":     now.UTC().Format(time.RFC3339Nano),
	}

	if _, err := s.broker.Enqueue(ctx, rec.Template.Queue, rec.Template.HandlerName, payload, rec.Template.Options); err != nil {
		s.log.Error("scheduled enqueue failed", "schedulerId", schedulerID, "error", err)
		return
	}

	rec.FireCount++
	next := s.nextFireAt(rec)
	rec.NextFireAt = next
	if err := s.broker.saveSchedule(ctx, rec); err != nil {
		s.log.Error("failed to persist schedule firing", "schedulerId", schedulerID, "error", err)
	}

	if rec.Trigger.Limit > 0 && rec.FireCount >= rec.Trigger.Limit {
		s.disarm(schedulerID)
	}
}

func (s *Scheduler) nextFireAt(rec *ScheduleRecord) *time.Time {
	if rec.Trigger.RepeatEveryMs > 0 {
		t := time.Now().Add(time.Duration(rec.Trigger.RepeatEveryMs) * time.Millisecond)
		return &t
	}
	if id, ok := s.entries[rec.SchedulerID]; ok {
		for _, e := range s.cron.Entries() {
			if e.ID == id {
				t := e.Next
				return &t
			}
		}
	}
	return nil
}
