package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示仓储查询结果为空。
	ErrNotFound = errors.New("domain: not found")
	// ErrConflict 表示写入违反唯一性约束。
	ErrConflict = errors.New("domain: conflict")
	// ErrNoDefaultConfig 表示缺少全局默认配置，属于部署级错误。
	ErrNoDefaultConfig = errors.New("governance: no default request config")
	// ErrCancelled 表示调用方在请求处理中途取消。
	ErrCancelled = errors.New("governance: request cancelled")
)

// Error kinds recorded in request logs and returned to HTTP clients.
const (
	KindForbidden         = "forbidden"
	KindNoDefaultConfig   = "no_default_config"
	KindConfigConflict    = "configuration_conflict"
	KindQuotaExceeded     = "quota_exceeded"
	KindGuardrailBlocked  = "guardrail_blocked"
	KindProviderTransient = "provider_transient"
	KindModelUnavailable  = "model_unavailable"
	KindCostCeiling       = "cost_ceiling_exceeded"
	KindCancelled         = "cancelled"
	KindInternal          = "internal"
)

// ForbiddenError 表示权限不足，包括不被允许的角色模拟。
type ForbiddenError struct {
	UserID     string
	Permission string
	Reason     string
}

func (e *ForbiddenError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("governance: forbidden for user %q: missing permission %q", e.UserID, e.Permission)
	}
	return fmt.Sprintf("governance: forbidden for user %q: %s", e.UserID, e.Reason)
}

// ConfigConflictError 表示同一优先级层上存在多个候选配置。
type ConfigConflictError struct {
	Tier       string
	UseCase    string
	Candidates []string
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("governance: configuration conflict at tier %q for use case %q: %v", e.Tier, e.UseCase, e.Candidates)
}

// QuotaExceededError 表示某个配额主体在某个维度上已超限。
type QuotaExceededError struct {
	ScopeID   string
	ScopeName string
	ScopeType QuotaScopeType
	Dimension QuotaDimension
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("governance: quota exceeded for %s scope %q: dimension=%s", e.ScopeType, e.ScopeName, e.Dimension)
}

// GuardrailBlockedError 表示护栏阻断了提示词或响应。
type GuardrailBlockedError struct {
	Guardrail string
	Reason    string
	Stage     string
}

func (e *GuardrailBlockedError) Error() string {
	return fmt.Sprintf("governance: %s blocked by guardrail %q: %s", e.Stage, e.Guardrail, e.Reason)
}

// ProviderError 表示一次模型调用的暂时性失败（传输、超时或服务商错误）。
type ProviderError struct {
	Model string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("governance: provider error for model %q: %v", e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ModelUnavailableError 表示主模型重试与回退模型均失败。
type ModelUnavailableError struct {
	Primary  string
	Fallback string
	Attempts int
	Err      error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("governance: model unavailable (primary=%q fallback=%q attempts=%d): %v", e.Primary, e.Fallback, e.Attempts, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error {
	return e.Err
}

// CostCeilingError 表示预估成本超过单请求成本上限。
type CostCeilingError struct {
	Estimated float64
	Ceiling   float64
}

func (e *CostCeilingError) Error() string {
	return fmt.Sprintf("governance: estimated cost %.6f exceeds ceiling %.6f", e.Estimated, e.Ceiling)
}

// ErrorKind 将错误映射为稳定的错误类别。
func ErrorKind(err error) string {
	var (
		forbidden   *ForbiddenError
		conflict    *ConfigConflictError
		quota       *QuotaExceededError
		blocked     *GuardrailBlockedError
		unavailable *ModelUnavailableError
		provider    *ProviderError
		ceiling     *CostCeilingError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.Is(err, ErrNoDefaultConfig):
		return KindNoDefaultConfig
	case errors.As(err, &conflict):
		return KindConfigConflict
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &blocked):
		return KindGuardrailBlocked
	case errors.As(err, &ceiling):
		return KindCostCeiling
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.As(err, &unavailable):
		return KindModelUnavailable
	case errors.As(err, &provider):
		return KindProviderTransient
	default:
		return KindInternal
	}
}
