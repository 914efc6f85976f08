package permission

import "errors"

var (
	// ErrUserNotFound 用户不存在。
	ErrUserNotFound = errors.New("user not found")
	// ErrUserDisabled 用户被禁用。
	ErrUserDisabled = errors.New("user disabled")
	// ErrRoleNotFound 目标角色不存在。
	ErrRoleNotFound = errors.New("role not found")
)
