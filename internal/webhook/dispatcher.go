// Package webhook implements the webhook dispatcher (§4.7): matching a
// broker event against a user's active webhook rows, and enqueuing one
// delivery job per match onto the "webhooks" queue so delivery reuses the
// worker pool's own retry machinery instead of a bespoke one.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/metrics"
	"github.com/pytake/orchestrator/internal/queue"
)

const WebhooksQueue = "webhooks"

const DeliveryHandler = "webhook.deliver"

type Dispatcher struct {
	db     *gorm.DB
	broker queue.Broker
	log    *logger.Logger
}

func NewDispatcher(db *gorm.DB, broker queue.Broker, log *logger.Logger) *Dispatcher {
	return &Dispatcher{db: db, broker: broker, log: log}
}

// Dispatch inspects a broker event and enqueues one delivery job per
// matching active webhook, falling back to the legacy single-URL field
// only for "completed" when no modern webhook matches.
func (d *Dispatcher) Dispatch(ctx context.Context, ev queue.Event) error {
	ownerID := ""
	if ev.Job != nil {
		ownerID = ev.Job.UserID()
	}
	if ownerID == "" {
		return nil
	}

	eventKind := string(ev.Kind)

	var hooks []models.Webhook
	if err := d.db.WithContext(ctx).Where("user_id = ? AND active = ?", ownerID, true).Find(&hooks).Error; err != nil {
		return err
	}

	matched := false
	for _, hook := range hooks {
		if !hook.Matches(eventKind) {
			continue
		}
		matched = true
		if err := d.enqueueDelivery(ctx, hook.URL, ownerID, ev); err != nil {
			d.log.Error("failed to enqueue webhook delivery", "url", hook.URL, "error", err)
		}
	}

	if !matched && ev.Kind == queue.EventCompleted {
		var user models.User
		if err := d.db.WithContext(ctx).Where("id = ?", ownerID).First(&user).Error; err == nil && user.LegacyWebhookURL != "" {
			if err := d.enqueueDelivery(ctx, user.LegacyWebhookURL, ownerID, ev); err != nil {
				d.log.Error("failed to enqueue legacy webhook delivery", "url", user.LegacyWebhookURL, "error", err)
			}
		}
	}

	return nil
}

func (d *Dispatcher) enqueueDelivery(ctx context.Context, url, ownerID string, ev queue.Event) error {
	body := payloadFor(ev)
	payload := map[string]interface{}{
		"userId": ownerID,
		"url":    url,
		"body":   body,
	}
	_, err := d.broker.Enqueue(ctx, WebhooksQueue, DeliveryHandler, payload, queue.Options{Attempts: 3})
	return err
}

// payloadFor shapes the outbound JSON body per §4.7's per-kind schema.
func payloadFor(ev queue.Event) map[string]interface{} {
	jobID := ev.JobID
	handlerName := ""
	userID := ""
	if ev.Job != nil {
		handlerName = ev.Job.HandlerName
		userID = ev.Job.UserID()
	}

	switch ev.Kind {
	case queue.EventCompleted:
		return map[string]interface{}{"id": jobID, "jobname": handlerName, "userId": userID, "result": ev.Result, "eventType": "completed"}
	case queue.EventFailed:
		return map[string]interface{}{"id": jobID, "jobname": handlerName, "userId": userID, "error": ev.Error, "eventType": "failed"}
	default:
		return map[string]interface{}{"id": jobID, "jobname": handlerName, "userId": userID, "progress": ev.Progress, "eventType": string(ev.Kind)}
	}
}

// DeliveryHandlerFunc is the worker-pool HandlerFunc registered under
// DeliveryHandler, performing the actual HTTP POST with a 10s timeout and
// relying on the worker pool's attempt/backoff loop for retries.
func DeliveryHandlerFunc(httpClient *http.Client) queue.HandlerFunc {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
		url, _ := job.Payload["url"].(string)
		if url == "" {
			return nil, apperrors.InvalidInput("webhook delivery job missing url")
		}
		body, err := json.Marshal(job.Payload["body"])
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			metrics.WebhookDeliveryAttempts.WithLabelValues("transport_error").Inc()
			return nil, apperrors.WebhookDeliveryFailed(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			metrics.WebhookDeliveryAttempts.WithLabelValues("http_error").Inc()
			return nil, apperrors.WebhookDeliveryFailed(fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode))
		}
		metrics.WebhookDeliveryAttempts.WithLabelValues("delivered").Inc()
		return map[string]interface{}{"status": resp.StatusCode}, nil
	}
}

// Create/List/Update/Delete implement the §6 Webhook CRUD surface, including
// the duplicate-tuple Conflict check.

func (d *Dispatcher) Create(ctx context.Context, principal auth.Principal, url, eventType, description string) (*models.Webhook, error) {
	hook := &models.Webhook{
		OwnedModel:  models.OwnedModel{UserID: principal.UserID},
		URL:         url,
		EventType:   eventType,
		Active:      true,
		Description: description,
	}
	if err := hook.Validate(); err != nil {
		return nil, apperrors.InvalidInput("%v", err)
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(&models.Webhook{}).
		Where("user_id = ? AND url = ? AND event_type = ?", principal.UserID, url, eventType).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperrors.Conflict("a webhook for this url and eventType already exists")
	}

	if err := d.db.WithContext(ctx).Create(hook).Error; err != nil {
		return nil, err
	}
	return hook, nil
}

func (d *Dispatcher) List(ctx context.Context, principal auth.Principal) ([]models.Webhook, error) {
	var hooks []models.Webhook
	err := d.db.WithContext(ctx).Where("user_id = ?", principal.UserID).Find(&hooks).Error
	return hooks, err
}

func (d *Dispatcher) get(ctx context.Context, principal auth.Principal, id string) (*models.Webhook, error) {
	var hook models.Webhook
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&hook).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("webhook %s not found", id)
		}
		return nil, err
	}
	if !hook.IsOwnedBy(principal.UserID) {
		return nil, apperrors.Unauthorised("webhook %s is not owned by this principal", id)
	}
	return &hook, nil
}

func (d *Dispatcher) Update(ctx context.Context, principal auth.Principal, id string, url, description *string, active *bool) (*models.Webhook, error) {
	hook, err := d.get(ctx, principal, id)
	if err != nil {
		return nil, err
	}
	if url != nil {
		hook.URL = *url
	}
	if description != nil {
		hook.Description = *description
	}
	if active != nil {
		hook.Active = *active
	}
	if err := hook.Validate(); err != nil {
		return nil, apperrors.InvalidInput("%v", err)
	}
	if err := d.db.WithContext(ctx).Save(hook).Error; err != nil {
		return nil, err
	}
	return hook, nil
}

func (d *Dispatcher) Delete(ctx context.Context, principal auth.Principal, id string) error {
	hook, err := d.get(ctx, principal, id)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Delete(hook).Error
}
