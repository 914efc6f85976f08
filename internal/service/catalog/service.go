// Package catalog 提供用户、角色与模型的管理写入。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/service/registry"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Service 封装目录类实体的管理操作。
type Service struct {
	repos    *domain.Repositories
	registry *registry.Service
	logger   *zap.Logger
}

// NewService 创建目录服务。
func NewService(repos *domain.Repositories, models *registry.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repos: repos, registry: models, logger: logger}
}

// UserInput 描述新建用户。
type UserInput struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	Role               string   `json:"role"`
	AdditionalRoles    []string `json:"additional_roles"`
	GrantedPermissions []string `json:"granted_permissions"`
	DeniedPermissions  []string `json:"denied_permissions"`
}

// CreateUser 创建用户，角色必须已存在。
func (s *Service) CreateUser(ctx context.Context, input UserInput) (*domain.User, error) {
	email := normalizeEmail(input.Email)
	if email == "" || strings.TrimSpace(input.Role) == "" {
		return nil, fmt.Errorf("%w: email and role are required", ErrInvalidInput)
	}
	if _, err := s.repos.Users.GetByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	roles := append([]string{input.Role}, input.AdditionalRoles...)
	if err := s.requireRoles(ctx, roles...); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	user := &domain.User{
		ID:                 id,
		Email:              email,
		Role:               strings.TrimSpace(input.Role),
		AdditionalRoles:    cleanList(input.AdditionalRoles),
		GrantedPermissions: cleanList(input.GrantedPermissions),
		DeniedPermissions:  cleanList(input.DeniedPermissions),
		Status:             StatusActive,
	}
	if err := s.repos.Users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return s.repos.Users.GetByID(ctx, user.ID)
}

// ListUsers 分页列出用户。
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*domain.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repos.Users.List(ctx, limit, offset)
}

// AccessInput 描述用户授权的局部更新。
type AccessInput struct {
	Role               *string   `json:"role"`
	AdditionalRoles    *[]string `json:"additional_roles"`
	GrantedPermissions *[]string `json:"granted_permissions"`
	DeniedPermissions  *[]string `json:"denied_permissions"`
	Status             *string   `json:"status"`
}

// UpdateAccess 修改用户的角色与显式授权/拒绝。
func (s *Service) UpdateAccess(ctx context.Context, userID string, input AccessInput) (*domain.User, error) {
	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if input.Role != nil {
		user.Role = strings.TrimSpace(*input.Role)
	}
	if input.AdditionalRoles != nil {
		user.AdditionalRoles = cleanList(*input.AdditionalRoles)
	}
	if input.GrantedPermissions != nil {
		user.GrantedPermissions = cleanList(*input.GrantedPermissions)
	}
	if input.DeniedPermissions != nil {
		user.DeniedPermissions = cleanList(*input.DeniedPermissions)
	}
	if input.Status != nil {
		switch status := strings.TrimSpace(*input.Status); status {
		case StatusActive, StatusDisabled:
			user.Status = status
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
	}
	if user.Role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if err := s.requireRoles(ctx, append([]string{user.Role}, user.AdditionalRoles...)...); err != nil {
		return nil, err
	}

	if err := s.repos.Users.UpdateAccess(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user access updated", zap.String("user_id", user.ID))
	return s.repos.Users.GetByID(ctx, user.ID)
}

func (s *Service) requireRoles(ctx context.Context, names ...string) error {
	var errs error
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := s.repos.Roles.Get(ctx, name); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrRoleNotFound, name))
				continue
			}
			return err
		}
	}
	return errs
}

// RoleInput 描述新建角色。
type RoleInput struct {
	Name        string   `json:"name"`
	Description *string  `json:"description"`
	Permissions []string `json:"permissions"`
}

// CreateRole 创建角色。
func (s *Service) CreateRole(ctx context.Context, input RoleInput) (*domain.Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &domain.Role{Name: name, Description: input.Description, Permissions: cleanList(input.Permissions)}
	if err := s.repos.Roles.Create(ctx, role); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrRoleExists
		}
		return nil, err
	}
	s.logger.Info("role created", zap.String("role", name), zap.Strings("permissions", role.Permissions))
	return s.repos.Roles.Get(ctx, name)
}

// ListRoles 列出全部角色。
func (s *Service) ListRoles(ctx context.Context) ([]*domain.Role, error) {
	return s.repos.Roles.List(ctx)
}

// UpdateRolePermissions 整体替换角色的权限集合。
func (s *Service) UpdateRolePermissions(ctx context.Context, name string, permissions []string) (*domain.Role, error) {
	if err := s.repos.Roles.UpdatePermissions(ctx, name, cleanList(permissions)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	s.logger.Info("role permissions updated", zap.String("role", name))
	return s.repos.Roles.Get(ctx, name)
}

// ModelInput 描述新建或更新的模型。
type ModelInput struct {
	Provider                string   `json:"provider"`
	ModelName               string   `json:"model_name"`
	ModelIdentifier         string   `json:"model_identifier"`
	SupportsStreaming       bool     `json:"supports_streaming"`
	SupportsFunctionCalling bool     `json:"supports_function_calling"`
	SupportsVision          bool     `json:"supports_vision"`
	MaxContextLength        int      `json:"max_context_length"`
	InputCostPer1K          float64  `json:"input_cost_per_1k"`
	OutputCostPer1K         float64  `json:"output_cost_per_1k"`
	IsFree                  bool     `json:"is_free"`
	IsLocal                 bool     `json:"is_local"`
	IsEnabled               bool     `json:"is_enabled"`
	RequiresAdminApproval   bool     `json:"requires_admin_approval"`
	AllowedForUseCases      []string `json:"allowed_for_use_cases"`
	RestrictedToRoles       []string `json:"restricted_to_roles"`
}

// defaultContextLength 为未声明上下文长度的模型补齐的默认值。
const defaultContextLength = 4096

func (in ModelInput) validate() error {
	var errs error
	if strings.TrimSpace(in.Provider) == "" {
		errs = multierr.Append(errs, errors.New("provider is required"))
	}
	if strings.TrimSpace(in.ModelName) == "" {
		errs = multierr.Append(errs, errors.New("model_name is required"))
	}
	if strings.TrimSpace(in.ModelIdentifier) == "" {
		errs = multierr.Append(errs, errors.New("model_identifier is required"))
	}
	if in.InputCostPer1K < 0 || in.OutputCostPer1K < 0 {
		errs = multierr.Append(errs, errors.New("costs must be non-negative"))
	}
	if in.MaxContextLength < 0 {
		errs = multierr.Append(errs, errors.New("max_context_length must be positive"))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errs)
	}
	return nil
}

func (in ModelInput) apply(m *domain.ModelEntry) {
	m.Provider = strings.TrimSpace(in.Provider)
	m.ModelName = strings.TrimSpace(in.ModelName)
	m.SupportsStreaming = in.SupportsStreaming
	m.SupportsFunctionCalling = in.SupportsFunctionCalling
	m.SupportsVision = in.SupportsVision
	m.MaxContextLength = in.MaxContextLength
	if m.MaxContextLength == 0 {
		m.MaxContextLength = defaultContextLength
	}
	m.InputCostPer1K = in.InputCostPer1K
	m.OutputCostPer1K = in.OutputCostPer1K
	m.IsFree = in.IsFree
	m.IsLocal = in.IsLocal
	m.IsEnabled = in.IsEnabled
	m.RequiresAdminApproval = in.RequiresAdminApproval
	m.AllowedForUseCases = cleanList(in.AllowedForUseCases)
	m.RestrictedToRoles = cleanList(in.RestrictedToRoles)
}

// CreateModel 注册模型并刷新注册表缓存。
func (s *Service) CreateModel(ctx context.Context, input ModelInput) (*domain.ModelEntry, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	model := &domain.ModelEntry{ID: uuid.NewString(), ModelIdentifier: strings.TrimSpace(input.ModelIdentifier)}
	input.apply(model)
	if err := s.repos.Models.Create(ctx, model); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrModelExists
		}
		return nil, err
	}
	s.registry.Invalidate(ctx)
	s.logger.Info("model registered",
		zap.String("model", model.ModelIdentifier),
		zap.String("provider", model.Provider),
		zap.Bool("requires_approval", model.RequiresAdminApproval),
	)
	return s.repos.Models.GetByID(ctx, model.ID)
}

// UpdateModel 更新模型属性；标识不可修改。
func (s *Service) UpdateModel(ctx context.Context, id string, input ModelInput) (*domain.ModelEntry, error) {
	model, err := s.repos.Models.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	input.ModelIdentifier = model.ModelIdentifier
	if err := input.validate(); err != nil {
		return nil, err
	}
	input.apply(model)
	if err := s.repos.Models.Update(ctx, model); err != nil {
		return nil, err
	}
	s.registry.Invalidate(ctx)
	s.logger.Info("model updated", zap.String("model", model.ModelIdentifier))
	return s.repos.Models.GetByID(ctx, id)
}

// ListModels 列出全部模型。
func (s *Service) ListModels(ctx context.Context) ([]*domain.ModelEntry, error) {
	return s.registry.List(ctx)
}

// ApproveModel 记录审批人。
func (s *Service) ApproveModel(ctx context.Context, id, approver string) (*domain.ModelEntry, error) {
	model, err := s.registry.Approve(ctx, id, approver)
	if errors.Is(err, registry.ErrModelNotFound) {
		return nil, ErrModelNotFound
	}
	return model, err
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func cleanList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
