package httpserver

import (
	"context"
	"net/http"
	"time"

	"mailfollowup/internal/handler"
	"mailfollowup/internal/repository"
	"mailfollowup/pkg/otel"
	"mailfollowup/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Followups  *handler.FollowupHandler
	Rules      *handler.RuleHandler
	Executions *handler.ExecutionHandler
	// Admin is optional; the replay routes are not mounted without it.
	Admin *handler.AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, health repository.Pinger, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), RequestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if health != nil {
			if err := health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(jwtSecret))
	{
		read := RequirePermission(rbac.PermissionReadFollowup)
		write := RequirePermission(rbac.PermissionWriteFollowup)

		api.POST("/followups", write, h.Followups.Create)
		api.GET("/followups", read, h.Followups.List)
		api.GET("/followups/due", read, h.Followups.Due)
		api.GET("/followups/by-email/:email_id", read, h.Followups.ByEmail)
		api.POST("/followups/bulk", RequirePermission(rbac.PermissionBulkFollowup), h.Followups.Bulk)
		api.GET("/followups/:id", read, h.Followups.Get)
		api.POST("/followups/:id/snooze", write, h.Followups.Snooze)
		api.POST("/followups/:id/complete", write, h.Followups.Complete)
		api.POST("/followups/:id/sent", write, h.Followups.Sent)
		api.POST("/followups/:id/cancel", write, h.Followups.Cancel)
		api.GET("/followups/:id/executions", read, h.Executions.ListByFollowup)

		manage := RequirePermission(rbac.PermissionManageRules)
		api.POST("/rules", manage, h.Rules.Create)
		api.GET("/rules", manage, h.Rules.List)
		api.GET("/rules/:id", manage, h.Rules.Get)
		api.POST("/rules/:id/activate", manage, h.Rules.Activate)
		api.POST("/rules/:id/deactivate", manage, h.Rules.Deactivate)
		api.POST("/rules/:id/run", RequirePermission(rbac.PermissionRunRules), h.Rules.Run)

		api.GET("/executions/:id", read, h.Executions.Get)
		api.POST("/executions/:id/approval", RequirePermission(rbac.PermissionApprove), h.Executions.Approve)
		api.POST("/executions/:id/send", RequirePermission(rbac.PermissionSendExecution), h.Executions.Send)
	}

	if h.Admin != nil {
		admin := r.Group("/admin")
		admin.Use(AuthMiddleware(jwtSecret), RequirePermission(rbac.PermissionReplayOutbox))
		{
			admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Run(addr string) error {
	return r.Engine.Run(addr)
}
