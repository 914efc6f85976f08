package catalog

import "errors"

var (
	// ErrInvalidInput 表示写入参数不完整或越界。
	ErrInvalidInput = errors.New("invalid input")
	// ErrUserExists 表示邮箱或 ID 已存在。
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound 用户不存在。
	ErrUserNotFound = errors.New("user not found")
	// ErrRoleExists 角色名已存在。
	ErrRoleExists = errors.New("role already exists")
	// ErrRoleNotFound 引用的角色不存在。
	ErrRoleNotFound = errors.New("role not found")
	// ErrModelExists 模型标识已存在。
	ErrModelExists = errors.New("model already exists")
	// ErrModelNotFound 模型不存在。
	ErrModelNotFound = errors.New("model not found")
)
