package guardrail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/zacharykka/genai-governor/internal/domain"
)

// LengthConfig 限制文本的最大字符数。
type LengthConfig struct {
	MaxChars int `json:"max_chars"`
}

// PIIConfig 选择启用的敏感信息检测器及替换文本。
type PIIConfig struct {
	Detectors   []string `json:"detectors"`
	Replacement string   `json:"replacement,omitempty"`
}

// InjectionConfig 在内置短语之外追加提示词注入短语。
type InjectionConfig struct {
	Phrases []string `json:"phrases,omitempty"`
}

// KeywordConfig 列出需要拦截或脱敏的关键词。
type KeywordConfig struct {
	Keywords      []string `json:"keywords"`
	CaseSensitive bool     `json:"case_sensitive"`
}

var allowedActions = map[domain.GuardrailType][]domain.GuardrailAction{
	domain.GuardrailLength:          {domain.ActionBlock, domain.ActionTruncate, domain.ActionFlag},
	domain.GuardrailPII:             {domain.ActionBlock, domain.ActionRedact, domain.ActionFlag},
	domain.GuardrailPromptInjection: {domain.ActionBlock, domain.ActionRedact, domain.ActionFlag},
	domain.GuardrailKeyword:         {domain.ActionBlock, domain.ActionRedact, domain.ActionFlag},
}

// ParseConfig 按类型解析并校验护栏配置，返回可执行的规则与规范化后的 JSON。
// 所有问题会被聚合后一次返回。
func ParseConfig(kind domain.GuardrailType, action domain.GuardrailAction, raw json.RawMessage) (Rule, json.RawMessage, error) {
	actions, ok := allowedActions[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown guardrail type %q", ErrInvalidConfig, kind)
	}

	var errs error
	if !containsAction(actions, action) {
		errs = multierr.Append(errs, fmt.Errorf("action %q is not supported by %s guardrails", action, kind))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var (
		rule      Rule
		canonical any
		ruleErr   error
	)
	switch kind {
	case domain.GuardrailLength:
		var cfg LengthConfig
		ruleErr = decodeStrict(raw, &cfg)
		if ruleErr == nil {
			rule, ruleErr = newLengthRule(&cfg)
			canonical = cfg
		}
	case domain.GuardrailPII:
		var cfg PIIConfig
		ruleErr = decodeStrict(raw, &cfg)
		if ruleErr == nil {
			rule, ruleErr = newPIIRule(&cfg)
			canonical = cfg
		}
	case domain.GuardrailPromptInjection:
		var cfg InjectionConfig
		ruleErr = decodeStrict(raw, &cfg)
		if ruleErr == nil {
			rule, ruleErr = newInjectionRule(&cfg)
			canonical = cfg
		}
	case domain.GuardrailKeyword:
		var cfg KeywordConfig
		ruleErr = decodeStrict(raw, &cfg)
		if ruleErr == nil {
			rule, ruleErr = newKeywordRule(&cfg)
			canonical = cfg
		}
	}
	errs = multierr.Append(errs, ruleErr)
	if errs != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}

	normalized, err := json.Marshal(canonical)
	if err != nil {
		return nil, nil, err
	}
	return rule, normalized, nil
}

func decodeStrict(raw json.RawMessage, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func containsAction(actions []domain.GuardrailAction, action domain.GuardrailAction) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
