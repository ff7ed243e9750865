package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/flow"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/middleware"
	"github.com/pytake/orchestrator/internal/orchestrator"
	"github.com/pytake/orchestrator/internal/queue"
	"github.com/pytake/orchestrator/internal/realtime"
)

// api wraps the façade with the gin bindings §6's operations are exposed
// through. It owns no domain logic of its own — request parsing, principal
// extraction, and error-to-status mapping only.
type api struct {
	orch *orchestrator.Orchestrator
	hub  *realtime.Hub
	log  *logger.Logger
}

func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.Error); ok {
		c.JSON(appErr.HTTPStatus(), gin.H{"error": string(appErr.Code), "message": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": err.Error()})
}

// --- Jobs ---

type submitJobRequest struct {
	HandlerName string                 `json:"handlerName" binding:"required"`
	Payload     map[string]interface{} `json:"payload"`
	Options     queue.Options          `json:"options"`
}

func (a *api) submitJob(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	id, err := a.orch.SubmitJob(c.Request.Context(), principal, c.Param("queue"), req.HandlerName, req.Payload, req.Options)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *api) getJob(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	job, err := a.orch.GetJob(c.Request.Context(), principal, c.Param("queue"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *api) listJobs(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	page := atoiDefault(c.Query("page"), 1)
	limit := atoiDefault(c.Query("limit"), 20)
	jobs, pagination, err := a.orch.ListJobs(c.Request.Context(), principal, c.Param("queue"), c.Query("status"), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "pagination": pagination})
}

func (a *api) deleteJob(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	if err := a.orch.DeleteJob(c.Request.Context(), principal, c.Param("queue"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Schedules ---

type createScheduleRequest struct {
	Trigger  queue.Trigger  `json:"trigger" binding:"required"`
	Template queue.Template `json:"template" binding:"required"`
}

func (a *api) createSchedule(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	rec, err := a.orch.CreateSchedule(c.Request.Context(), principal, req.Trigger, req.Template)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (a *api) listSchedules(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	recs, err := a.orch.ListSchedules(c.Request.Context(), principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": recs})
}

func (a *api) getSchedule(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	rec, err := a.orch.GetSchedule(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *api) deleteSchedule(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	if err := a.orch.DeleteSchedule(c.Request.Context(), principal, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Flows ---

type createFlowRequest struct {
	FlowName string    `json:"flowName" binding:"required"`
	Root     flow.Node `json:"root" binding:"required"`
}

func (a *api) createFlow(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req createFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	row, err := a.orch.CreateFlow(c.Request.Context(), principal, req.FlowName, req.Root)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (a *api) getFlow(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	row, err := a.orch.GetFlow(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (a *api) listFlows(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	page := atoiDefault(c.Query("page"), 1)
	limit := atoiDefault(c.Query("limit"), 20)
	rows, pagination, err := a.orch.ListFlows(c.Request.Context(), principal, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": rows, "pagination": pagination})
}

func (a *api) deleteFlow(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	reports, err := a.orch.DeleteFlow(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": reports})
}

func (a *api) runFlow(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	jobID, err := a.orch.RunFlow(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rootJobId": jobID})
}

// --- Webhooks ---

type createWebhookRequest struct {
	URL         string `json:"url" binding:"required"`
	EventType   string `json:"eventType" binding:"required"`
	Description string `json:"description"`
}

func (a *api) createWebhook(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	hook, err := a.orch.CreateWebhook(c.Request.Context(), principal, req.URL, req.EventType, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

func (a *api) listWebhooks(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	hooks, err := a.orch.ListWebhooks(c.Request.Context(), principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

type updateWebhookRequest struct {
	URL         *string `json:"url"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

func (a *api) updateWebhook(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	hook, err := a.orch.UpdateWebhook(c.Request.Context(), principal, c.Param("id"), req.URL, req.Description, req.Active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (a *api) deleteWebhook(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	if err := a.orch.DeleteWebhook(c.Request.Context(), principal, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- API keys ---

type createApiKeyRequest struct {
	Name        string   `json:"name" binding:"required"`
	Permissions []string `json:"permissions"`
}

func (a *api) createApiKey(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req createApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	created, err := a.orch.CreateApiKey(principal, req.Name, req.Permissions, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": created.Key, "record": created.Record})
}

func (a *api) listApiKeys(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	keys, err := a.orch.ListApiKeys(principal)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKeys": keys})
}

type updateApiKeyRequest struct {
	Name        *string  `json:"name"`
	Permissions []string `json:"permissions"`
	IsActive    *bool    `json:"isActive"`
}

func (a *api) updateApiKey(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	var req updateApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput("%v", err))
		return
	}
	key, err := a.orch.UpdateApiKey(principal, c.Param("id"), req.Name, req.Permissions, req.IsActive, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

func (a *api) revokeApiKey(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	if err := a.orch.RevokeApiKey(principal, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Real-time ---

func (a *api) serveWebSocket(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised"})
		return
	}
	if err := a.hub.ServeWS(c.Writer, c.Request, principal.UserID); err != nil {
		a.log.Warn("websocket upgrade failed", "error", err)
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
