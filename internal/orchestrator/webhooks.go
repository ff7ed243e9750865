package orchestrator

import (
	"context"

	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
)

func (o *Orchestrator) CreateWebhook(ctx context.Context, principal auth.Principal, url, eventType, description string) (*models.Webhook, error) {
	return o.webhooks.Create(ctx, principal, url, eventType, description)
}

func (o *Orchestrator) ListWebhooks(ctx context.Context, principal auth.Principal) ([]models.Webhook, error) {
	return o.webhooks.List(ctx, principal)
}

func (o *Orchestrator) UpdateWebhook(ctx context.Context, principal auth.Principal, id string, url, description *string, active *bool) (*models.Webhook, error) {
	return o.webhooks.Update(ctx, principal, id, url, description, active)
}

func (o *Orchestrator) DeleteWebhook(ctx context.Context, principal auth.Principal, id string) error {
	return o.webhooks.Delete(ctx, principal, id)
}
