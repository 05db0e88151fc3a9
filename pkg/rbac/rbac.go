package rbac

import "slices"

// 权限常量
const (
	PermissionReadFollowup  = "followup:read"
	PermissionWriteFollowup = "followup:write"
	PermissionBulkFollowup  = "followup:bulk_update"
	PermissionManageRules   = "rule:manage"
	PermissionRunRules      = "rule:run"
	PermissionApprove       = "execution:approve"
	PermissionSendExecution = "execution:send"
	PermissionReplayOutbox  = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadFollowup,
		PermissionWriteFollowup,
		PermissionBulkFollowup,
		PermissionManageRules,
		PermissionApprove,
		PermissionSendExecution,
	},
	RoleAdmin: {
		PermissionReadFollowup,
		PermissionWriteFollowup,
		PermissionBulkFollowup,
		PermissionManageRules,
		PermissionRunRules,
		PermissionApprove,
		PermissionSendExecution,
		PermissionReplayOutbox,
	},
}

// HasPermission reports whether role grants permission. Unknown roles get nothing.
func HasPermission(role string, permission string) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// CheckPermission is HasPermission returning an error, for handlers.
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
