package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/service/followup"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type FollowupHandler struct {
	svc    *followup.Service
	logger *zap.Logger
}

func NewFollowupHandler(svc *followup.Service, logger *zap.Logger) *FollowupHandler {
	return &FollowupHandler{svc: svc, logger: logger}
}

type createFollowupRequest struct {
	EmailID        string         `json:"email_id"`
	ThreadID       string         `json:"thread_id"`
	SentAt         time.Time      `json:"sent_at"`
	FollowUpDays   *int           `json:"follow_up_days"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Subject        string         `json:"subject"`
	Recipients     []string       `json:"recipients"`
	ContextSummary string         `json:"context_summary"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata"`
}

// Create POST /api/v1/followups
func (h *FollowupHandler) Create(c *gin.Context) {
	var req createFollowupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	f, err := h.svc.CreateFollowup(c.Request.Context(), followup.CreateInput{
		UserID:         userID(c),
		OrganizationID: c.GetString(CtxOrgID),
		EmailID:        req.EmailID,
		ThreadID:       req.ThreadID,
		SentAt:         req.SentAt,
		FollowUpDays:   req.FollowUpDays,
		Type:           model.FollowupType(req.Type),
		Priority:       model.Priority(req.Priority),
		Subject:        req.Subject,
		Recipients:     req.Recipients,
		ContextSummary: req.ContextSummary,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, "create_followup", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"followup": f})
}

// List GET /api/v1/followups?status=due,overdue&priority=high&limit=50
func (h *FollowupHandler) List(c *gin.Context) {
	q := followup.Query{Scope: scopeOf(c)}
	for _, s := range splitCSV(c.Query("status")) {
		q.Statuses = append(q.Statuses, model.FollowupStatus(s))
	}
	for _, p := range splitCSV(c.Query("priority")) {
		q.Priorities = append(q.Priorities, model.Priority(p))
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "invalid limit")
			return
		}
		q.Limit = limit
	}

	items := h.svc.GetFollowups(c.Request.Context(), q)
	c.JSON(http.StatusOK, gin.H{"followups": items, "count": len(items)})
}

// Due GET /api/v1/followups/due
func (h *FollowupHandler) Due(c *gin.Context) {
	items := h.svc.GetDueFollowups(c.Request.Context(), scopeOf(c))
	c.JSON(http.StatusOK, gin.H{"followups": items, "count": len(items)})
}

// ByEmail GET /api/v1/followups/by-email/:email_id
func (h *FollowupHandler) ByEmail(c *gin.Context) {
	items := h.svc.GetFollowupsByEmailID(c.Request.Context(), scopeOf(c), c.Param("email_id"))
	c.JSON(http.StatusOK, gin.H{"followups": items, "count": len(items)})
}

// Get GET /api/v1/followups/:id
func (h *FollowupHandler) Get(c *gin.Context) {
	f, err := h.svc.GetFollowup(c.Request.Context(), scopeOf(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get_followup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"followup": f})
}

type snoozeRequest struct {
	DueAt time.Time `json:"due_at" binding:"required"`
}

// Snooze POST /api/v1/followups/:id/snooze
func (h *FollowupHandler) Snooze(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "due_at is required")
		return
	}
	h.act(c, "snooze_followup", func(id string) (*model.Followup, error) {
		return h.svc.SnoozeFollowup(c.Request.Context(), id, req.DueAt)
	})
}

type timestampRequest struct {
	At *time.Time `json:"at"`
}

// Complete POST /api/v1/followups/:id/complete
func (h *FollowupHandler) Complete(c *gin.Context) {
	var req timestampRequest
	_ = c.ShouldBindJSON(&req)
	h.act(c, "complete_followup", func(id string) (*model.Followup, error) {
		return h.svc.MarkCompleted(c.Request.Context(), id, req.At)
	})
}

// Sent POST /api/v1/followups/:id/sent
func (h *FollowupHandler) Sent(c *gin.Context) {
	var req timestampRequest
	_ = c.ShouldBindJSON(&req)
	h.act(c, "mark_followup_sent", func(id string) (*model.Followup, error) {
		return h.svc.MarkSent(c.Request.Context(), id, req.At)
	})
}

// Cancel POST /api/v1/followups/:id/cancel
func (h *FollowupHandler) Cancel(c *gin.Context) {
	h.act(c, "cancel_followup", func(id string) (*model.Followup, error) {
		return h.svc.CancelFollowup(c.Request.Context(), id)
	})
}

// act checks ownership before running a lifecycle write.
func (h *FollowupHandler) act(c *gin.Context, op string, fn func(id string) (*model.Followup, error)) {
	id := c.Param("id")
	if _, err := h.svc.GetFollowup(c.Request.Context(), scopeOf(c), id); err != nil {
		respondError(c, h.logger, op, err)
		return
	}
	f, err := fn(id)
	if err != nil {
		respondError(c, h.logger, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"followup": f})
}

type bulkRequest struct {
	IDs            []string `json:"ids" binding:"required,min=1"`
	Status         *string  `json:"status"`
	Priority       *string  `json:"priority"`
	Reason         *string  `json:"reason"`
	ContextSummary *string  `json:"context_summary"`
}

// Bulk POST /api/v1/followups/bulk
func (h *FollowupHandler) Bulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ids are required")
		return
	}

	patch := followup.BulkPatch{Reason: req.Reason, ContextSummary: req.ContextSummary}
	if req.Status != nil {
		patch.Status = model.Ptr(model.FollowupStatus(*req.Status))
	}
	if req.Priority != nil {
		patch.Priority = model.Ptr(model.Priority(*req.Priority))
	}

	n, err := h.svc.BulkUpdate(c.Request.Context(), scopeOf(c), req.IDs, patch)
	if err != nil {
		h.logger.Warn("Bulk update partially failed",
			zap.String("user_id", userID(c)),
			zap.Int("updated", n),
			zap.Error(err),
		)
		c.JSON(statusOf(err), gin.H{"updated": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
