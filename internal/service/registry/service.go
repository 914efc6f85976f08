// Package registry 提供模型目录查询、可调用性判断与计费。
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/cache"
)

const cacheKey = "models"

var thousand = decimal.NewFromInt(1000)

// Service 封装模型注册表。
type Service struct {
	repos  *domain.Repositories
	cache  *cache.Snapshot
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewService 创建模型注册表服务，snapshot 可为 nil。
func NewService(repos *domain.Repositories, snapshot *cache.Snapshot, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repos: repos, cache: snapshot, logger: logger, nowFn: time.Now}
}

// WithClock 允许注入自定义时间函数，便于测试。
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// List 返回全部模型（带缓存）。
func (s *Service) List(ctx context.Context) ([]*domain.ModelEntry, error) {
	return cache.Fetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]*domain.ModelEntry, error) {
		return s.repos.Models.List(ctx, false)
	})
}

// Get 按标识查找模型。
func (s *Service) Get(ctx context.Context, identifier string) (*domain.ModelEntry, error) {
	models, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.ModelIdentifier == identifier {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, identifier)
}

// Callable 返回可被该用例与角色调用的模型，否则返回具体原因。
func (s *Service) Callable(ctx context.Context, identifier, useCase, role string) (*domain.ModelEntry, error) {
	m, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := checkCallable(m, useCase, role); err != nil {
		return nil, err
	}
	return m, nil
}

func checkCallable(m *domain.ModelEntry, useCase, role string) error {
	switch {
	case !m.IsEnabled:
		return fmt.Errorf("%w: %s", ErrModelDisabled, m.ModelIdentifier)
	case !m.Approved():
		return fmt.Errorf("%w: %s", ErrModelNotApproved, m.ModelIdentifier)
	case len(m.AllowedForUseCases) > 0 && !contains(m.AllowedForUseCases, useCase):
		return fmt.Errorf("%w: %s/%s", ErrModelUseCase, m.ModelIdentifier, useCase)
	case len(m.RestrictedToRoles) > 0 && !contains(m.RestrictedToRoles, role):
		return fmt.Errorf("%w: %s/%s", ErrModelRoleRestricted, m.ModelIdentifier, role)
	}
	return nil
}

// DefaultFor 选择该用例下单价最低的可调用模型，单价相同按标识排序。
func (s *Service) DefaultFor(ctx context.Context, useCase, role string) (*domain.ModelEntry, error) {
	models, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]*domain.ModelEntry, 0, len(models))
	for _, m := range models {
		if checkCallable(m, useCase, role) == nil {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoModelAvailable, useCase)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := unitPrice(candidates[i]), unitPrice(candidates[j])
		if c := pi.Cmp(pj); c != 0 {
			return c < 0
		}
		return candidates[i].ModelIdentifier < candidates[j].ModelIdentifier
	})
	return candidates[0], nil
}

func unitPrice(m *domain.ModelEntry) decimal.Decimal {
	if m.IsFree || m.IsLocal {
		return decimal.Zero
	}
	return decimal.NewFromFloat(m.InputCostPer1K).Add(decimal.NewFromFloat(m.OutputCostPer1K))
}

// Cost 按每千 token 单价计算费用，免费或本地模型为 0。
func Cost(m *domain.ModelEntry, inputTokens, outputTokens int64) float64 {
	if m == nil || m.IsFree || m.IsLocal {
		return 0
	}
	in := decimal.NewFromInt(inputTokens).Div(thousand).Mul(decimal.NewFromFloat(m.InputCostPer1K))
	out := decimal.NewFromInt(outputTokens).Div(thousand).Mul(decimal.NewFromFloat(m.OutputCostPer1K))
	return in.Add(out).Round(8).InexactFloat64()
}

// Approve 记录管理员审批并刷新缓存。
func (s *Service) Approve(ctx context.Context, id, approver string) (*domain.ModelEntry, error) {
	if err := s.repos.Models.Approve(ctx, id, approver, s.nowFn()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}
	s.Invalidate(ctx)
	s.logger.Info("model approved", zap.String("model_id", id), zap.String("approved_by", approver))
	return s.repos.Models.GetByID(ctx, id)
}

// Invalidate 清除模型缓存。
func (s *Service) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, cacheKey)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
