package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
)

// Validate 检查作用域绑定与上限取值。
func Validate(scope *domain.QuotaScope) error {
	var errs error
	if strings.TrimSpace(scope.Name) == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	hasUser := scope.UserID != nil && *scope.UserID != ""
	hasRole := scope.Role != nil && *scope.Role != ""
	switch scope.ScopeType {
	case domain.QuotaScopeUser:
		if !hasUser || hasRole {
			errs = multierr.Append(errs, errors.New("user scope must bind exactly one user_id"))
		}
	case domain.QuotaScopeRole:
		if !hasRole || hasUser {
			errs = multierr.Append(errs, errors.New("role scope must bind exactly one role"))
		}
	case domain.QuotaScopeGlobal:
		if hasUser || hasRole {
			errs = multierr.Append(errs, errors.New("global scope must not bind user_id or role"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown scope type %q", scope.ScopeType))
	}

	for name, limit := range map[string]*int64{
		"daily_request_limit":   scope.DailyRequestLimit,
		"monthly_request_limit": scope.MonthlyRequestLimit,
		"daily_token_limit":     scope.DailyTokenLimit,
		"monthly_token_limit":   scope.MonthlyTokenLimit,
	} {
		if limit != nil && *limit < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for name, limit := range map[string]*float64{
		"daily_cost_limit":   scope.DailyCostLimit,
		"monthly_cost_limit": scope.MonthlyCostLimit,
	} {
		if limit != nil && *limit < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScope, errs)
	}
	return nil
}

// CreateScope 校验并创建作用域，周期键初始化为当前周期。
func (l *Ledger) CreateScope(ctx context.Context, scope *domain.QuotaScope) (*domain.QuotaScope, error) {
	scope.Name = strings.TrimSpace(scope.Name)
	if err := Validate(scope); err != nil {
		return nil, err
	}
	now := l.nowFn().In(l.loc)
	scope.ID = uuid.NewString()
	scope.DailyPeriod = DailyPeriod(now)
	scope.MonthlyPeriod = MonthlyPeriod(now)
	scope.LastDailyReset = now
	scope.LastMonthlyReset = now

	if err := l.repos.Quotas.Create(ctx, scope); err != nil {
		return nil, err
	}
	l.logger.Info("quota scope created", zap.String("scope_id", scope.ID), zap.String("scope_type", string(scope.ScopeType)))
	return l.repos.Quotas.GetByID(ctx, scope.ID)
}

// LimitsInput 描述作用域上限的更新，Clear 中列出的维度被置为不限。
type LimitsInput struct {
	ScopeID             string
	DailyRequestLimit   *int64
	MonthlyRequestLimit *int64
	DailyCostLimit      *float64
	MonthlyCostLimit    *float64
	DailyTokenLimit     *int64
	MonthlyTokenLimit   *int64
	IsActive            *bool
	Clear               []domain.QuotaDimension
}

// UpdateLimits 修改作用域上限并重算 is_exceeded。
func (l *Ledger) UpdateLimits(ctx context.Context, input LimitsInput) (*domain.QuotaScope, error) {
	scope, err := l.repos.Quotas.GetByID(ctx, input.ScopeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}

	if input.DailyRequestLimit != nil {
		scope.DailyRequestLimit = input.DailyRequestLimit
	}
	if input.MonthlyRequestLimit != nil {
		scope.MonthlyRequestLimit = input.MonthlyRequestLimit
	}
	if input.DailyCostLimit != nil {
		scope.DailyCostLimit = input.DailyCostLimit
	}
	if input.MonthlyCostLimit != nil {
		scope.MonthlyCostLimit = input.MonthlyCostLimit
	}
	if input.DailyTokenLimit != nil {
		scope.DailyTokenLimit = input.DailyTokenLimit
	}
	if input.MonthlyTokenLimit != nil {
		scope.MonthlyTokenLimit = input.MonthlyTokenLimit
	}
	if input.IsActive != nil {
		scope.IsActive = *input.IsActive
	}
	for _, dim := range input.Clear {
		switch dim {
		case domain.DimensionDailyRequests:
			scope.DailyRequestLimit = nil
		case domain.DimensionMonthlyRequests:
			scope.MonthlyRequestLimit = nil
		case domain.DimensionDailyCost:
			scope.DailyCostLimit = nil
		case domain.DimensionMonthlyCost:
			scope.MonthlyCostLimit = nil
		case domain.DimensionDailyTokens:
			scope.DailyTokenLimit = nil
		case domain.DimensionMonthlyTokens:
			scope.MonthlyTokenLimit = nil
		}
	}
	if err := Validate(scope); err != nil {
		return nil, err
	}

	lock := l.lockFor(scope.ID)
	lock.Lock()
	err = l.repos.Quotas.UpdateLimits(ctx, scope)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	return l.repos.Quotas.GetByID(ctx, scope.ID)
}

// List 返回全部作用域。
func (l *Ledger) List(ctx context.Context) ([]*domain.QuotaScope, error) {
	return l.repos.Quotas.List(ctx)
}
