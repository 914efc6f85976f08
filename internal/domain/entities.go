package domain

import (
	"encoding/json"
	"time"
)

// Role 定义一个角色及其权限集合。
type Role struct {
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User 代表一个已认证的调用主体。
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Role               string    `json:"role"`
	AdditionalRoles    []string  `json:"additional_roles"`
	GrantedPermissions []string  `json:"granted_permissions"`
	DeniedPermissions  []string  `json:"denied_permissions"`
	ImpersonatedRole   *string   `json:"impersonated_role,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EffectiveRole 返回当前生效的角色：模拟中为被模拟角色，否则为基础角色。
func (u *User) EffectiveRole() string {
	if u.ImpersonatedRole != nil && *u.ImpersonatedRole != "" {
		return *u.ImpersonatedRole
	}
	return u.Role
}

// CallerIdentity 是一次请求的不可变调用方身份。
type CallerIdentity struct {
	UserID        string `json:"user_id"`
	OriginalRole  string `json:"original_role"`
	EffectiveRole string `json:"effective_role"`
	IP            string `json:"ip,omitempty"`
}

// Impersonating 表示调用方是否处于角色模拟状态。
func (c CallerIdentity) Impersonating() bool {
	return c.EffectiveRole != "" && c.EffectiveRole != c.OriginalRole
}

// ModelEntry 描述一个可调用的模型及其计费与统计信息。
type ModelEntry struct {
	ID                      string     `json:"id"`
	Provider                string     `json:"provider"`
	ModelName               string     `json:"model_name"`
	ModelIdentifier         string     `json:"model_identifier"`
	SupportsStreaming       bool       `json:"supports_streaming"`
	SupportsFunctionCalling bool       `json:"supports_function_calling"`
	SupportsVision          bool       `json:"supports_vision"`
	MaxContextLength        int        `json:"max_context_length"`
	InputCostPer1K          float64    `json:"input_cost_per_1k"`
	OutputCostPer1K         float64    `json:"output_cost_per_1k"`
	IsFree                  bool       `json:"is_free"`
	IsLocal                 bool       `json:"is_local"`
	IsEnabled               bool       `json:"is_enabled"`
	RequiresAdminApproval   bool       `json:"requires_admin_approval"`
	ApprovedBy              *string    `json:"approved_by,omitempty"`
	ApprovedAt              *time.Time `json:"approved_at,omitempty"`
	AllowedForUseCases      []string   `json:"allowed_for_use_cases"`
	RestrictedToRoles       []string   `json:"restricted_to_roles"`
	TotalRequests           int64      `json:"total_requests"`
	TotalCost               float64    `json:"total_cost"`
	AvgResponseTimeMs       float64    `json:"avg_response_time_ms"`
	SuccessRate             float64    `json:"success_rate"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Approved 表示模型是否已通过审批（无需审批的模型视为已审批）。
func (m *ModelEntry) Approved() bool {
	return !m.RequiresAdminApproval || m.ApprovedAt != nil
}

// Callable 表示模型当前是否可被调用。
func (m *ModelEntry) Callable() bool {
	return m.IsEnabled && m.Approved()
}

// ConfigScope 区分请求配置的作用域层级。
type ConfigScope string

const (
	ConfigScopeGlobal  ConfigScope = "global"
	ConfigScopeUseCase ConfigScope = "use_case"
	ConfigScopeUser    ConfigScope = "user"
	ConfigScopeRole    ConfigScope = "role"
)

// RequestConfig 是一组命名且带版本的请求参数。
type RequestConfig struct {
	ID                string      `json:"id"`
	Name              string      `json:"config_name"`
	Version           int         `json:"version"`
	Scope             ConfigScope `json:"scope"`
	UseCase           *string     `json:"use_case,omitempty"`
	UserID            *string     `json:"user_id,omitempty"`
	Role              *string     `json:"role,omitempty"`
	Temperature       float64     `json:"temperature"`
	MaxTokens         int         `json:"max_tokens"`
	TopP              float64     `json:"top_p"`
	FrequencyPenalty  float64     `json:"frequency_penalty"`
	PresencePenalty   float64     `json:"presence_penalty"`
	TimeoutSeconds    int         `json:"timeout_seconds"`
	RetryAttempts     int         `json:"retry_attempts"`
	PreferredModel    *string     `json:"preferred_model,omitempty"`
	FallbackModel     *string     `json:"fallback_model,omitempty"`
	MaxCostPerRequest *float64    `json:"max_cost_per_request,omitempty"`
	IsDefault         bool        `json:"is_default"`
	IsActive          bool        `json:"is_active"`
	CreatedBy         *string     `json:"created_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RequestConfigVersion 保存某个配置版本的快照。
type RequestConfigVersion struct {
	ConfigID  string          `json:"config_id"`
	Version   int             `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedBy *string         `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QuotaScopeType 区分配额作用的主体。
type QuotaScopeType string

const (
	QuotaScopeUser   QuotaScopeType = "user"
	QuotaScopeRole   QuotaScopeType = "role"
	QuotaScopeGlobal QuotaScopeType = "global"
)

// QuotaScope 描述一个配额主体的日/月上限与当前计数。
// 上限为 nil 表示该维度不限。
type QuotaScope struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	ScopeType              QuotaScopeType `json:"scope_type"`
	UserID                 *string        `json:"user_id,omitempty"`
	Role                   *string        `json:"role,omitempty"`
	DailyRequestLimit      *int64         `json:"daily_request_limit,omitempty"`
	MonthlyRequestLimit    *int64         `json:"monthly_request_limit,omitempty"`
	DailyCostLimit         *float64       `json:"daily_cost_limit,omitempty"`
	MonthlyCostLimit       *float64       `json:"monthly_cost_limit,omitempty"`
	DailyTokenLimit        *int64         `json:"daily_token_limit,omitempty"`
	MonthlyTokenLimit      *int64         `json:"monthly_token_limit,omitempty"`
	CurrentDailyRequests   int64          `json:"current_daily_requests"`
	CurrentMonthlyRequests int64          `json:"current_monthly_requests"`
	CurrentDailyCost       float64        `json:"current_daily_cost"`
	CurrentMonthlyCost     float64        `json:"current_monthly_cost"`
	CurrentDailyTokens     int64          `json:"current_daily_tokens"`
	CurrentMonthlyTokens   int64          `json:"current_monthly_tokens"`
	DailyPeriod            int            `json:"daily_period"`
	MonthlyPeriod          int            `json:"monthly_period"`
	LastDailyReset         time.Time      `json:"last_daily_reset"`
	LastMonthlyReset       time.Time      `json:"last_monthly_reset"`
	IsExceeded             bool           `json:"is_exceeded"`
	IsActive               bool           `json:"is_active"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// QuotaDimension 标识一个配额维度。
type QuotaDimension string

const (
	DimensionDailyRequests   QuotaDimension = "daily_requests"
	DimensionMonthlyRequests QuotaDimension = "monthly_requests"
	DimensionDailyCost       QuotaDimension = "daily_cost"
	DimensionMonthlyCost     QuotaDimension = "monthly_cost"
	DimensionDailyTokens     QuotaDimension = "daily_tokens"
	DimensionMonthlyTokens   QuotaDimension = "monthly_tokens"
)

// ExceededDimension 按固定顺序返回第一个已到达上限的维度。
func (q *QuotaScope) ExceededDimension() (QuotaDimension, bool) {
	switch {
	case q.DailyRequestLimit != nil && q.CurrentDailyRequests >= *q.DailyRequestLimit:
		return DimensionDailyRequests, true
	case q.MonthlyRequestLimit != nil && q.CurrentMonthlyRequests >= *q.MonthlyRequestLimit:
		return DimensionMonthlyRequests, true
	case q.DailyCostLimit != nil && q.CurrentDailyCost >= *q.DailyCostLimit:
		return DimensionDailyCost, true
	case q.MonthlyCostLimit != nil && q.CurrentMonthlyCost >= *q.MonthlyCostLimit:
		return DimensionMonthlyCost, true
	case q.DailyTokenLimit != nil && q.CurrentDailyTokens >= *q.DailyTokenLimit:
		return DimensionDailyTokens, true
	case q.MonthlyTokenLimit != nil && q.CurrentMonthlyTokens >= *q.MonthlyTokenLimit:
		return DimensionMonthlyTokens, true
	}
	return "", false
}

// GuardrailType 标识护栏的类型。
type GuardrailType string

const (
	GuardrailLength          GuardrailType = "length"
	GuardrailPII             GuardrailType = "pii"
	GuardrailPromptInjection GuardrailType = "prompt_injection"
	GuardrailKeyword         GuardrailType = "keyword"
)

// GuardrailAction 标识护栏命中后的动作。
type GuardrailAction string

const (
	ActionBlock    GuardrailAction = "block"
	ActionRedact   GuardrailAction = "redact"
	ActionFlag     GuardrailAction = "flag"
	ActionTruncate GuardrailAction = "truncate"
)

// Guardrail 是一条带类型配置的安全规则。
type Guardrail struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           GuardrailType   `json:"type"`
	Config         json.RawMessage `json:"config"`
	Action         GuardrailAction `json:"action"`
	ExecutionOrder int             `json:"execution_order"`
	UseCase        *string         `json:"use_case,omitempty"`
	ConfigID       *string         `json:"config_id,omitempty"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RequestLogEntry 记录一次受治理请求的最终结果，写入后不再修改。
type RequestLogEntry struct {
	ID              string    `json:"id"`
	UseCase         string    `json:"use_case"`
	ModelIdentifier *string   `json:"model_identifier,omitempty"`
	ConfigID        *string   `json:"config_id,omitempty"`
	UserID          string    `json:"user_id"`
	EffectiveRole   string    `json:"effective_role"`
	IPAddress       string    `json:"ip_address,omitempty"`
	PromptChars     int       `json:"prompt_chars"`
	ResponseChars   int       `json:"response_chars"`
	PromptHash      string    `json:"prompt_hash"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	Cost            float64   `json:"cost"`
	DurationMs      int64     `json:"duration_ms"`
	Attempts        int       `json:"attempts"`
	UsedFallback    bool      `json:"used_fallback"`
	WasSuccessful   bool      `json:"was_successful"`
	ErrorKind       *string   `json:"error_kind,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	GuardrailFlags  []string  `json:"guardrail_flags"`
	CreatedAt       time.Time `json:"created_at"`
}

// UsageSummary 聚合某段时间内的请求统计。
type UsageSummary struct {
	UseCase      string  `json:"use_case"`
	TotalCalls   int64   `json:"total_calls"`
	SuccessCalls int64   `json:"success_calls"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}
