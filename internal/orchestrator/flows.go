package orchestrator

import (
	"context"

	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
	"github.com/pytake/orchestrator/internal/flow"
)

func (o *Orchestrator) CreateFlow(ctx context.Context, principal auth.Principal, flowName string, root flow.Node) (*models.Flow, error) {
	if err := o.validateQueue(root.Queue); err != nil {
		return nil, err
	}
	return o.coordinator.Create(ctx, principal, flowName, root)
}

func (o *Orchestrator) GetFlow(ctx context.Context, principal auth.Principal, flowID string) (*models.Flow, error) {
	return o.coordinator.Get(ctx, principal, flowID)
}

func (o *Orchestrator) ListFlows(ctx context.Context, principal auth.Principal, page, limit int) ([]models.Flow, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}
	rows, total, err := o.coordinator.List(ctx, principal, page, limit)
	if err != nil {
		return nil, Pagination{}, err
	}
	return rows, Pagination{Page: page, Limit: limit, Total: total}, nil
}

// UpdateFlowProgress is worker-internal: invoked from within the worker
// pool's completion path (not exposed to transport adapters), so it takes
// no principal.
func (o *Orchestrator) UpdateFlowProgress(ctx context.Context, flowID, jobID string, update flow.JobUpdate) error {
	return o.coordinator.UpdateProgress(ctx, flowID, jobID, update)
}

func (o *Orchestrator) DeleteFlow(ctx context.Context, principal auth.Principal, flowID string) ([]flow.RemovalReport, error) {
	return o.coordinator.Delete(ctx, principal, flowID)
}

func (o *Orchestrator) RunFlow(ctx context.Context, principal auth.Principal, flowID string) (string, error) {
	return o.coordinator.Run(ctx, principal, flowID)
}
