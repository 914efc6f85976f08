// Package guardrail 实现按顺序执行的提示词/响应护栏链。
package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/cache"
)

const cacheKey = "guardrails"

// Service 负责护栏的加载与管理。
type Service struct {
	repos  *domain.Repositories
	cache  *cache.Snapshot
	logger *zap.Logger
}

// NewService 创建护栏服务，snapshot 可为 nil。
func NewService(repos *domain.Repositories, snapshot *cache.Snapshot, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repos: repos, cache: snapshot, logger: logger}
}

// Chain 返回适用于该用例与配置的有序护栏链。
// 未绑定用例或配置的护栏对所有请求生效。
func (s *Service) Chain(ctx context.Context, useCase, configID string) ([]*Compiled, error) {
	active, err := cache.Fetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]*domain.Guardrail, error) {
		return s.repos.Guardrails.List(ctx, true)
	})
	if err != nil {
		return nil, err
	}

	chain := make([]*Compiled, 0, len(active))
	for _, g := range active {
		if g.UseCase != nil && *g.UseCase != useCase {
			continue
		}
		if g.ConfigID != nil && *g.ConfigID != configID {
			continue
		}
		compiled, err := Compile(g)
		if err != nil {
			s.logger.Error("stored guardrail config is invalid", zap.String("guardrail", g.Name), zap.Error(err))
			return nil, err
		}
		chain = append(chain, compiled)
	}
	Sort(chain)
	return chain, nil
}

// List 返回全部护栏。
func (s *Service) List(ctx context.Context) ([]*domain.Guardrail, error) {
	return s.repos.Guardrails.List(ctx, false)
}

// CreateInput 定义创建护栏所需字段。
type CreateInput struct {
	Name           string
	Type           domain.GuardrailType
	Config         json.RawMessage
	Action         domain.GuardrailAction
	ExecutionOrder int
	UseCase        *string
	ConfigID       *string
	IsActive       bool
}

// Create 在写入前校验类型化配置。
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Guardrail, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	_, normalized, err := ParseConfig(input.Type, input.Action, input.Config)
	if err != nil {
		return nil, err
	}

	g := &domain.Guardrail{
		ID:             uuid.NewString(),
		Name:           name,
		Type:           input.Type,
		Config:         normalized,
		Action:         input.Action,
		ExecutionOrder: input.ExecutionOrder,
		UseCase:        input.UseCase,
		ConfigID:       input.ConfigID,
		IsActive:       input.IsActive,
	}
	if err := s.repos.Guardrails.Create(ctx, g); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	s.Invalidate(ctx)
	s.logger.Info("guardrail created", zap.String("guardrail", g.Name), zap.String("type", string(g.Type)))
	return s.repos.Guardrails.GetByID(ctx, g.ID)
}

// UpdateInput 定义可更新字段，nil 表示保持不变。
type UpdateInput struct {
	ID             string
	Config         json.RawMessage
	Action         *domain.GuardrailAction
	ExecutionOrder *int
	UseCase        *string
	ConfigID       *string
	IsActive       *bool
}

// Update 修改护栏并重新校验配置。
func (s *Service) Update(ctx context.Context, input UpdateInput) (*domain.Guardrail, error) {
	g, err := s.repos.Guardrails.GetByID(ctx, input.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrGuardrailNotFound
		}
		return nil, err
	}
	if len(input.Config) > 0 {
		g.Config = input.Config
	}
	if input.Action != nil {
		g.Action = *input.Action
	}
	if input.ExecutionOrder != nil {
		g.ExecutionOrder = *input.ExecutionOrder
	}
	if input.UseCase != nil {
		g.UseCase = emptyToNil(*input.UseCase)
	}
	if input.ConfigID != nil {
		g.ConfigID = emptyToNil(*input.ConfigID)
	}
	if input.IsActive != nil {
		g.IsActive = *input.IsActive
	}

	_, normalized, err := ParseConfig(g.Type, g.Action, g.Config)
	if err != nil {
		return nil, err
	}
	g.Config = normalized
	if err := s.repos.Guardrails.Update(ctx, g); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	return s.repos.Guardrails.GetByID(ctx, g.ID)
}

// Invalidate 清除护栏缓存。
func (s *Service) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, cacheKey)
}

func emptyToNil(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
