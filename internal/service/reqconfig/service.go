// Package reqconfig 管理带版本的请求配置，并按优先级解析生效配置。
package reqconfig

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

const cacheKey = "configs"

// Service 提供请求配置的解析与管理。
type Service struct {
	repos  *domain.Repositories
	cache  *cache.Snapshot
	logger *zap.Logger
}

// NewService 创建请求配置服务，snapshot 可为 nil。
func NewService(repos *domain.Repositories, snapshot *cache.Snapshot, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repos: repos, cache: snapshot, logger: logger}
}

// ListActive 返回全部启用的配置（带缓存）。
func (s *Service) ListActive(ctx context.Context) ([]*domain.RequestConfig, error) {
	return cache.Fetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]*domain.RequestConfig, error) {
		return s.repos.RequestConfigs.List(ctx, true)
	})
}

// List 返回全部配置，不经过缓存。
func (s *Service) List(ctx context.Context) ([]*domain.RequestConfig, error) {
	return s.repos.RequestConfigs.List(ctx, false)
}

// Get 按 ID 查询配置。
func (s *Service) Get(ctx context.Context, id string) (*domain.RequestConfig, error) {
	cfg, err := s.repos.RequestConfigs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// CreateInput 定义创建配置所需字段。
type CreateInput struct {
	Config    domain.RequestConfig
	CreatedBy string
}

// Create 校验并创建配置，同时写入版本 1 的快照。
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.RequestConfig, error) {
	cfg := input.Config
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.ID = uuid.NewString()
	cfg.Version = 1
	cfg.CreatedBy = optionalString(input.CreatedBy)

	if err := s.check(ctx, &cfg); err != nil {
		return nil, err
	}
	if err := s.repos.RequestConfigs.Create(ctx, &cfg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}

	created, err := s.repos.RequestConfigs.GetByID(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := s.saveVersion(ctx, created, cfg.CreatedBy); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	s.logger.Info("request config created", zap.String("config_id", created.ID), zap.String("config_name", created.Name))
	return created, nil
}

// UpdateInput 定义可更新字段，nil 表示保持不变。
type UpdateInput struct {
	ConfigID          string
	ExpectedVersion   int
	Scope             *domain.ConfigScope
	UseCase           *string
	UserID            *string
	Role              *string
	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	TimeoutSeconds    *int
	RetryAttempts     *int
	PreferredModel    *string
	FallbackModel     *string
	MaxCostPerRequest *float64
	ClearCostCeiling  bool
	IsDefault         *bool
	IsActive          *bool
	UpdatedBy         string
}

// Update 应用修改并生成新版本；ExpectedVersion 为 0 时以当前版本为准。
func (s *Service) Update(ctx context.Context, input UpdateInput) (*domain.RequestConfig, error) {
	cfg, err := s.Get(ctx, input.ConfigID)
	if err != nil {
		return nil, err
	}
	expected := cfg.Version
	if input.ExpectedVersion > 0 {
		if input.ExpectedVersion != cfg.Version {
			return nil, ErrVersionMismatch
		}
		expected = input.ExpectedVersion
	}

	applyUpdate(cfg, input)
	if err := s.check(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.repos.RequestConfigs.Update(ctx, cfg, expected); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil, ErrConfigNotFound
		case errors.Is(err, domain.ErrConflict):
			return nil, ErrVersionMismatch
		}
		return nil, err
	}

	updated, err := s.repos.RequestConfigs.GetByID(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := s.saveVersion(ctx, updated, optionalString(input.UpdatedBy)); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	s.logger.Info("request config updated",
		zap.String("config_id", updated.ID),
		zap.Int("version", updated.Version),
	)
	return updated, nil
}

func applyUpdate(cfg *domain.RequestConfig, input UpdateInput) {
	if input.Scope != nil {
		cfg.Scope = *input.Scope
	}
	if input.UseCase != nil {
		cfg.UseCase = optionalString(*input.UseCase)
	}
	if input.UserID != nil {
		cfg.UserID = optionalString(*input.UserID)
	}
	if input.Role != nil {
		cfg.Role = optionalString(*input.Role)
	}
	if input.Temperature != nil {
		cfg.Temperature = *input.Temperature
	}
	if input.MaxTokens != nil {
		cfg.MaxTokens = *input.MaxTokens
	}
	if input.TopP != nil {
		cfg.TopP = *input.TopP
	}
	if input.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *input.FrequencyPenalty
	}
	if input.PresencePenalty != nil {
		cfg.PresencePenalty = *input.PresencePenalty
	}
	if input.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *input.TimeoutSeconds
	}
	if input.RetryAttempts != nil {
		cfg.RetryAttempts = *input.RetryAttempts
	}
	if input.PreferredModel != nil {
		cfg.PreferredModel = optionalString(*input.PreferredModel)
	}
	if input.FallbackModel != nil {
		cfg.FallbackModel = optionalString(*input.FallbackModel)
	}
	if input.MaxCostPerRequest != nil {
		value := *input.MaxCostPerRequest
		cfg.MaxCostPerRequest = &value
	}
	if input.ClearCostCeiling {
		cfg.MaxCostPerRequest = nil
	}
	if input.IsDefault != nil {
		cfg.IsDefault = *input.IsDefault
	}
	if input.IsActive != nil {
		cfg.IsActive = *input.IsActive
	}
}

// check 执行写入前的全部校验：取值范围、模型引用以及同层唯一性。
func (s *Service) check(ctx context.Context, cfg *domain.RequestConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	for _, ref := range []*string{cfg.PreferredModel, cfg.FallbackModel} {
		if ref == nil {
			continue
		}
		if _, err := s.repos.Models.GetByIdentifier(ctx, *ref); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return ErrUnknownModel
			}
			return err
		}
	}
	if !cfg.IsActive {
		return nil
	}

	active, err := s.repos.RequestConfigs.List(ctx, true)
	if err != nil {
		return err
	}
	for _, other := range active {
		if other.ID != cfg.ID && sameTier(cfg, other) {
			s.logger.Warn("request config tier already occupied",
				zap.String("config_name", cfg.Name),
				zap.String("existing", other.Name),
			)
			return ErrDefaultExists
		}
	}
	return nil
}

// sameTier 判断两个启用的配置是否会在解析时落入同一层并互相冲突。
func sameTier(a, b *domain.RequestConfig) bool {
	if a.Scope != b.Scope {
		return false
	}
	switch a.Scope {
	case domain.ConfigScopeGlobal:
		return a.IsDefault && b.IsDefault
	case domain.ConfigScopeUseCase:
		return a.IsDefault && b.IsDefault && sameValue(a.UseCase, b.UseCase)
	case domain.ConfigScopeUser:
		return sameValue(a.UserID, b.UserID) && sameValue(a.UseCase, b.UseCase)
	case domain.ConfigScopeRole:
		return sameValue(a.Role, b.Role) && sameValue(a.UseCase, b.UseCase)
	}
	return false
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ListVersions 返回配置的全部版本快照。
func (s *Service) ListVersions(ctx context.Context, configID string) ([]*domain.RequestConfigVersion, error) {
	if _, err := s.Get(ctx, configID); err != nil {
		return nil, err
	}
	return s.repos.RequestConfigs.ListVersions(ctx, configID)
}

func (s *Service) saveVersion(ctx context.Context, cfg *domain.RequestConfig, createdBy *string) error {
	snapshot, err := snapshotOf(cfg)
	if err != nil {
		return err
	}
	return s.repos.RequestConfigs.CreateVersion(ctx, &domain.RequestConfigVersion{
		ConfigID:  cfg.ID,
		Version:   cfg.Version,
		Snapshot:  snapshot,
		CreatedBy: createdBy,
	})
}

// snapshotOf 生成去除时间戳的配置快照，键按字母序输出。
func snapshotOf(cfg *domain.RequestConfig) (json.RawMessage, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "created_at")
	delete(fields, "updated_at")
	return json.MarshalIndent(fields, "", "  ")
}

// Invalidate 清除配置缓存。
func (s *Service) Invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, cacheKey)
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
