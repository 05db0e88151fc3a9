package handler

import (
	"context"
	"net/http"

	"mailfollowup/internal/model"
	"mailfollowup/internal/service/rules"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RuleRunner evaluates one rule on demand; *scheduler.Sweeper implements it.
type RuleRunner interface {
	RunRule(ctx context.Context, ruleID string) (int, error)
}

type RuleHandler struct {
	svc    *rules.Service
	runner RuleRunner
	logger *zap.Logger
}

func NewRuleHandler(svc *rules.Service, runner RuleRunner, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{svc: svc, runner: runner, logger: logger}
}

type createRuleRequest struct {
	Name               string                   `json:"name"`
	Description        string                   `json:"description"`
	TriggerConditions  model.TriggerConditions  `json:"trigger_conditions"`
	AutomationSettings model.AutomationSettings `json:"automation_settings"`
	AIPreferences      model.AIPreferences      `json:"ai_preferences"`
	ApprovalWorkflow   *model.ApprovalWorkflow  `json:"approval_workflow"`
	IsActive           *bool                    `json:"is_active"`
}

// Create POST /api/v1/rules
func (h *RuleHandler) Create(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	rule, err := h.svc.Create(c.Request.Context(), rules.CreateInput{
		UserID:             userID(c),
		OrganizationID:     c.GetString(CtxOrgID),
		Name:               req.Name,
		Description:        req.Description,
		TriggerConditions:  req.TriggerConditions,
		AutomationSettings: req.AutomationSettings,
		AIPreferences:      req.AIPreferences,
		ApprovalWorkflow:   req.ApprovalWorkflow,
		IsActive:           req.IsActive,
	})
	if err != nil {
		respondError(c, h.logger, "create_rule", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// List GET /api/v1/rules?active=true
func (h *RuleHandler) List(c *gin.Context) {
	items, err := h.svc.List(c.Request.Context(), userID(c), "", c.Query("active") == "true")
	if err != nil {
		respondError(c, h.logger, "list_rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": items, "count": len(items)})
}

// Get GET /api/v1/rules/:id
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.svc.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get_rule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Activate POST /api/v1/rules/:id/activate
func (h *RuleHandler) Activate(c *gin.Context) { h.setActive(c, true) }

// Deactivate POST /api/v1/rules/:id/deactivate
func (h *RuleHandler) Deactivate(c *gin.Context) { h.setActive(c, false) }

func (h *RuleHandler) setActive(c *gin.Context, active bool) {
	rule, err := h.svc.SetActive(c.Request.Context(), userID(c), c.Param("id"), active)
	if err != nil {
		respondError(c, h.logger, "set_rule_active", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Run POST /api/v1/rules/:id/run
func (h *RuleHandler) Run(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.svc.Get(c.Request.Context(), userID(c), id); err != nil {
		respondError(c, h.logger, "run_rule", err)
		return
	}
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rule runner not configured"})
		return
	}

	created, err := h.runner.RunRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "run_rule", err)
		return
	}
	h.logger.Info("Rule run on demand",
		zap.String("rule_id", id),
		zap.Int("executions_created", created),
	)
	c.JSON(http.StatusOK, gin.H{"executions_created": created})
}
