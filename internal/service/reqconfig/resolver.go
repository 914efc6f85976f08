package reqconfig

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
)

// strategy 描述一个优先级层及其匹配条件。
type strategy struct {
	tier  string
	match func(cfg *domain.RequestConfig, useCase string, identity domain.CallerIdentity) bool
}

// strategies 按优先级从高到低排列。
var strategies = []strategy{
	{
		tier: "user",
		match: func(cfg *domain.RequestConfig, useCase string, identity domain.CallerIdentity) bool {
			return cfg.Scope == domain.ConfigScopeUser && equals(cfg.UserID, identity.UserID) && equals(cfg.UseCase, useCase)
		},
	},
	{
		tier: "role",
		match: func(cfg *domain.RequestConfig, useCase string, identity domain.CallerIdentity) bool {
			return cfg.Scope == domain.ConfigScopeRole && equals(cfg.Role, identity.EffectiveRole) && equals(cfg.UseCase, useCase)
		},
	},
	{
		tier: "use_case",
		match: func(cfg *domain.RequestConfig, useCase string, _ domain.CallerIdentity) bool {
			return cfg.Scope == domain.ConfigScopeUseCase && cfg.IsDefault && equals(cfg.UseCase, useCase)
		},
	},
	{
		tier: "global",
		match: func(cfg *domain.RequestConfig, _ string, _ domain.CallerIdentity) bool {
			return cfg.Scope == domain.ConfigScopeGlobal && cfg.IsDefault
		},
	},
}

// Resolve 按 用户 → 角色 → 用例默认 → 全局默认 的顺序选择唯一生效的配置。
// 同一层出现多个候选时返回 ConfigConflictError，全部未命中时返回 ErrNoDefaultConfig。
func (s *Service) Resolve(ctx context.Context, useCase string, identity domain.CallerIdentity) (*domain.RequestConfig, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	for _, st := range strategies {
		var matched []*domain.RequestConfig
		for _, cfg := range active {
			if st.match(cfg, useCase, identity) {
				matched = append(matched, cfg)
			}
		}
		switch len(matched) {
		case 0:
			continue
		case 1:
			return matched[0], nil
		default:
			names := make([]string, 0, len(matched))
			for _, cfg := range matched {
				names = append(names, cfg.Name)
			}
			sort.Strings(names)
			s.logger.Error("request config conflict",
				zap.String("tier", st.tier),
				zap.String("use_case", useCase),
				zap.Strings("candidates", names),
			)
			return nil, &domain.ConfigConflictError{Tier: st.tier, UseCase: useCase, Candidates: names}
		}
	}

	s.logger.Error("no default request config", zap.String("use_case", useCase))
	return nil, domain.ErrNoDefaultConfig
}

func equals(value *string, target string) bool {
	return value != nil && *value == target
}
