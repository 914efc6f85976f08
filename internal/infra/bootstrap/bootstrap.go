// Package bootstrap 在首次启动时写入默认角色、管理员、全局配置、全局配额与 PII 护栏。
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/service/guardrail"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/reqconfig"
)

const (
	defaultConfigName = "global-default"
	globalQuotaName   = "global"
	piiGuardrailName  = "pii-redaction"
	adminRole         = "admin"
)

// DefaultRoles 是首次启动写入的内置角色。
var DefaultRoles = []*domain.Role{
	{Name: adminRole, Permissions: []string{permission.Wildcard}},
	{Name: "developer", Permissions: []string{permission.Invoke, permission.Impersonate}},
	{Name: "analyst", Permissions: []string{permission.Invoke, permission.Analytics}},
	{Name: "viewer", Permissions: []string{}},
}

// Services 汇总写入种子数据所需的服务。
type Services struct {
	Repos      *domain.Repositories
	Configs    *reqconfig.Service
	Ledger     *quota.Ledger
	Guardrails *guardrail.Service
}

// Seed 幂等地写入默认数据，已存在的记录保持不变。
func Seed(ctx context.Context, svc Services, cfg config.SeedConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		logger.Info("bootstrap skipped (disabled)")
		return nil
	}
	steps := []struct {
		name string
		fn   func(context.Context, Services, config.SeedConfig, *zap.Logger) error
	}{
		{"roles", ensureRoles},
		{"admin", ensureAdmin},
		{"default config", ensureDefaultConfig},
		{"global quota", ensureGlobalQuota},
		{"pii guardrail", ensurePIIGuardrail},
	}
	for _, step := range steps {
		if err := step.fn(ctx, svc, cfg, logger); err != nil {
			return fmt.Errorf("bootstrap %s: %w", step.name, err)
		}
	}
	return nil
}

func ensureRoles(ctx context.Context, svc Services, _ config.SeedConfig, logger *zap.Logger) error {
	for _, role := range DefaultRoles {
		if _, err := svc.Repos.Roles.Get(ctx, role.Name); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		seeded := *role
		if err := svc.Repos.Roles.Create(ctx, &seeded); err != nil {
			return err
		}
		logger.Info("bootstrap role created", zap.String("role", role.Name))
	}
	return nil
}

func ensureAdmin(ctx context.Context, svc Services, cfg config.SeedConfig, logger *zap.Logger) error {
	email := strings.TrimSpace(strings.ToLower(cfg.AdminEmail))
	if email == "" {
		logger.Info("admin seeding skipped; seed admin email not set")
		return nil
	}

	if _, err := svc.Repos.Users.GetByEmail(ctx, email); err == nil {
		logger.Info("bootstrap admin exists", zap.String("email", email))
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	admin := &domain.User{
		ID:     uuid.NewString(),
		Email:  email,
		Role:   adminRole,
		Status: "active",
	}
	if err := svc.Repos.Users.Create(ctx, admin); err != nil {
		return err
	}

	logger.Info("bootstrap admin created", zap.String("user_id", admin.ID), zap.String("email", email))
	return nil
}

func ensureDefaultConfig(ctx context.Context, svc Services, _ config.SeedConfig, logger *zap.Logger) error {
	configs, err := svc.Configs.List(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if cfg.Scope == domain.ConfigScopeGlobal && cfg.IsDefault && cfg.IsActive {
			return nil
		}
	}

	created, err := svc.Configs.Create(ctx, reqconfig.CreateInput{
		Config: domain.RequestConfig{
			Name:           defaultConfigName,
			Scope:          domain.ConfigScopeGlobal,
			Temperature:    0.7,
			MaxTokens:      1000,
			TopP:           1,
			TimeoutSeconds: 30,
			RetryAttempts:  2,
			IsDefault:      true,
			IsActive:       true,
		},
		CreatedBy: "bootstrap",
	})
	if err != nil {
		return err
	}
	logger.Info("bootstrap default config created", zap.String("config_id", created.ID))
	return nil
}

func ensureGlobalQuota(ctx context.Context, svc Services, cfg config.SeedConfig, logger *zap.Logger) error {
	scopes, err := svc.Ledger.List(ctx)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		if scope.ScopeType == domain.QuotaScopeGlobal {
			return nil
		}
	}

	scope := &domain.QuotaScope{
		Name:      globalQuotaName,
		ScopeType: domain.QuotaScopeGlobal,
		IsActive:  true,
	}
	if cfg.GlobalDailyRequestLimit > 0 {
		limit := cfg.GlobalDailyRequestLimit
		scope.DailyRequestLimit = &limit
	}
	if cfg.GlobalMonthlyCostLimit > 0 {
		limit := cfg.GlobalMonthlyCostLimit
		scope.MonthlyCostLimit = &limit
	}
	created, err := svc.Ledger.CreateScope(ctx, scope)
	if err != nil {
		return err
	}
	logger.Info("bootstrap global quota created", zap.String("scope_id", created.ID))
	return nil
}

func ensurePIIGuardrail(ctx context.Context, svc Services, cfg config.SeedConfig, logger *zap.Logger) error {
	if len(cfg.PIIDetectors) == 0 {
		return nil
	}
	existing, err := svc.Guardrails.List(ctx)
	if err != nil {
		return err
	}
	for _, g := range existing {
		if g.Name == piiGuardrailName {
			return nil
		}
	}

	raw, err := json.Marshal(guardrail.PIIConfig{Detectors: cfg.PIIDetectors})
	if err != nil {
		return err
	}
	created, err := svc.Guardrails.Create(ctx, guardrail.CreateInput{
		Name:           piiGuardrailName,
		Type:           domain.GuardrailPII,
		Config:         raw,
		Action:         domain.ActionRedact,
		ExecutionOrder: 10,
		IsActive:       true,
	})
	if err != nil {
		return err
	}
	logger.Info("bootstrap pii guardrail created", zap.String("guardrail_id", created.ID), zap.Strings("detectors", cfg.PIIDetectors))
	return nil
}
