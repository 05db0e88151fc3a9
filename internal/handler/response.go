package handler

import (
	"errors"
	"net/http"

	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/followup"
	"mailfollowup/internal/service/rules"
	"mailfollowup/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Context keys set by the auth middleware.
const (
	CtxUserID = "user_id"
	CtxOrgID  = "org_id"
	CtxRole   = "role"
)

func userID(c *gin.Context) string { return c.GetString(CtxUserID) }

func scopeOf(c *gin.Context) followup.Scope {
	return followup.Scope{UserID: userID(c)}
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, followup.ErrValidation),
		errors.Is(err, followup.ErrAutoReplySubject),
		errors.Is(err, rules.ErrValidation),
		errors.Is(err, automation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrNotApprover):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, followup.ErrTerminal),
		errors.Is(err, automation.ErrInvalidTransition),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, log *zap.Logger, op string, err error) {
	status := statusOf(err)
	l := logger.WithTrace(c.Request.Context(), log).With(
		zap.String("op", op),
		zap.String("user_id", userID(c)),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		l.Error("Request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	l.Warn("Request rejected", zap.Int("status", status))
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
