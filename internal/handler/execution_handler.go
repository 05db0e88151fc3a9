package handler

import (
	"net/http"

	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/followup"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ExecutionHandler struct {
	engine    *automation.Engine
	followups *followup.Service
	logger    *zap.Logger
}

func NewExecutionHandler(engine *automation.Engine, followups *followup.Service, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{engine: engine, followups: followups, logger: logger}
}

// Get GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c *gin.Context) {
	exec, err := h.engine.GetExecution(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get_execution", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

// ListByFollowup GET /api/v1/followups/:id/executions
func (h *ExecutionHandler) ListByFollowup(c *gin.Context) {
	ctx := c.Request.Context()
	f, err := h.followups.GetFollowup(ctx, scopeOf(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "list_executions", err)
		return
	}
	items, err := h.engine.ListExecutions(ctx, f.ID)
	if err != nil {
		respondError(c, h.logger, "list_executions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": items, "count": len(items)})
}

type approvalRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Comment  string `json:"comment"`
}

// Approve POST /api/v1/executions/:id/approval
// The caller votes as themselves; ownership of the execution is not required.
func (h *ExecutionHandler) Approve(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "approved is required")
		return
	}

	exec, err := h.engine.ProcessApproval(c.Request.Context(), automation.ApprovalInput{
		ExecutionID: c.Param("id"),
		ApproverID:  userID(c),
		Approved:    *req.Approved,
		Comment:     req.Comment,
	})
	if err != nil {
		respondError(c, h.logger, "process_approval", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

// Send POST /api/v1/executions/:id/send
func (h *ExecutionHandler) Send(c *gin.Context) {
	ctx := c.Request.Context()
	exec, err := h.engine.GetExecution(ctx, userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "send_execution", err)
		return
	}
	exec, err = h.engine.SendAutomatedFollowup(ctx, exec.ID)
	if err != nil {
		respondError(c, h.logger, "send_execution", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}
