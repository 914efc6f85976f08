package reqconfig

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/zacharykka/genai-governor/internal/domain"
)

// Validate 检查配置的取值范围与作用域绑定，聚合返回全部问题。
func Validate(cfg *domain.RequestConfig) error {
	var errs error
	if strings.TrimSpace(cfg.Name) == "" {
		errs = multierr.Append(errs, ErrNameRequired)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		errs = multierr.Append(errs, fmt.Errorf("temperature must be within [0,2], got %v", cfg.Temperature))
	}
	if cfg.MaxTokens <= 0 || cfg.MaxTokens > 100000 {
		errs = multierr.Append(errs, fmt.Errorf("max_tokens must be within (0,100000], got %d", cfg.MaxTokens))
	}
	if cfg.TopP < 0 || cfg.TopP > 1 {
		errs = multierr.Append(errs, fmt.Errorf("top_p must be within [0,1], got %v", cfg.TopP))
	}
	if cfg.FrequencyPenalty < -2 || cfg.FrequencyPenalty > 2 {
		errs = multierr.Append(errs, fmt.Errorf("frequency_penalty must be within [-2,2], got %v", cfg.FrequencyPenalty))
	}
	if cfg.PresencePenalty < -2 || cfg.PresencePenalty > 2 {
		errs = multierr.Append(errs, fmt.Errorf("presence_penalty must be within [-2,2], got %v", cfg.PresencePenalty))
	}
	if cfg.TimeoutSeconds <= 0 || cfg.TimeoutSeconds > 300 {
		errs = multierr.Append(errs, fmt.Errorf("timeout_seconds must be within (0,300], got %d", cfg.TimeoutSeconds))
	}
	if cfg.RetryAttempts < 0 || cfg.RetryAttempts > 10 {
		errs = multierr.Append(errs, fmt.Errorf("retry_attempts must be within [0,10], got %d", cfg.RetryAttempts))
	}
	if cfg.MaxCostPerRequest != nil && *cfg.MaxCostPerRequest < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_cost_per_request must not be negative"))
	}
	errs = multierr.Append(errs, validateScope(cfg))

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

func validateScope(cfg *domain.RequestConfig) error {
	has := func(v *string) bool { return v != nil && strings.TrimSpace(*v) != "" }

	switch cfg.Scope {
	case domain.ConfigScopeGlobal:
		if has(cfg.UseCase) || has(cfg.UserID) || has(cfg.Role) {
			return fmt.Errorf("global config must not bind use_case, user_id or role")
		}
	case domain.ConfigScopeUseCase:
		if !has(cfg.UseCase) {
			return fmt.Errorf("use_case config requires use_case")
		}
		if has(cfg.UserID) || has(cfg.Role) {
			return fmt.Errorf("use_case config must not bind user_id or role")
		}
	case domain.ConfigScopeUser:
		if !has(cfg.UserID) || !has(cfg.UseCase) {
			return fmt.Errorf("user config requires user_id and use_case")
		}
		if has(cfg.Role) {
			return fmt.Errorf("user config must not bind role")
		}
	case domain.ConfigScopeRole:
		if !has(cfg.Role) || !has(cfg.UseCase) {
			return fmt.Errorf("role config requires role and use_case")
		}
		if has(cfg.UserID) {
			return fmt.Errorf("role config must not bind user_id")
		}
	default:
		return fmt.Errorf("unknown scope %q", cfg.Scope)
	}
	return nil
}
