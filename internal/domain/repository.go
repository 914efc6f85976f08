package domain

import (
	"context"
	"time"
)

// RoleRepository 定义角色存取接口。
type RoleRepository interface {
	Create(ctx context.Context, role *Role) error
	Get(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	UpdatePermissions(ctx context.Context, name string, permissions []string) error
}

// UserRepository 定义用户存取接口。
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, userID string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, error)
	UpdateAccess(ctx context.Context, user *User) error
	SetImpersonatedRole(ctx context.Context, userID string, role *string) error
}

// ModelOutcome 是一次调用对模型滚动统计的贡献。
type ModelOutcome struct {
	Success    bool
	DurationMs int64
	Cost       float64
}

// ModelRepository 定义模型注册表存取接口。
type ModelRepository interface {
	Create(ctx context.Context, model *ModelEntry) error
	GetByID(ctx context.Context, id string) (*ModelEntry, error)
	GetByIdentifier(ctx context.Context, identifier string) (*ModelEntry, error)
	List(ctx context.Context, enabledOnly bool) ([]*ModelEntry, error)
	Update(ctx context.Context, model *ModelEntry) error
	Approve(ctx context.Context, id, approver string, at time.Time) error
	RecordOutcome(ctx context.Context, identifier string, outcome ModelOutcome) error
}

// RequestConfigRepository 定义请求配置存取接口。
type RequestConfigRepository interface {
	Create(ctx context.Context, cfg *RequestConfig) error
	GetByID(ctx context.Context, id string) (*RequestConfig, error)
	GetByName(ctx context.Context, name string) (*RequestConfig, error)
	List(ctx context.Context, activeOnly bool) ([]*RequestConfig, error)
	// Update 以 expectedVersion 做乐观并发控制，成功后版本号加一。
	Update(ctx context.Context, cfg *RequestConfig, expectedVersion int) error
	CreateVersion(ctx context.Context, version *RequestConfigVersion) error
	GetVersion(ctx context.Context, configID string, version int) (*RequestConfigVersion, error)
	ListVersions(ctx context.Context, configID string) ([]*RequestConfigVersion, error)
}

// QuotaDelta 描述一次预留要占用的额度。
type QuotaDelta struct {
	Requests int64
	Cost     float64
	Tokens   int64
}

// QuotaAdjustment 描述对某个周期内计数的修正，周期不匹配的维度保持不变。
type QuotaAdjustment struct {
	DailyPeriod   int
	MonthlyPeriod int
	Requests      int64
	Cost          float64
	Tokens        int64
}

// QuotaRepository 定义配额账本的原子操作。
type QuotaRepository interface {
	Create(ctx context.Context, scope *QuotaScope) error
	GetByID(ctx context.Context, id string) (*QuotaScope, error)
	List(ctx context.Context) ([]*QuotaScope, error)
	ListApplicable(ctx context.Context, userID, role string) ([]*QuotaScope, error)
	UpdateLimits(ctx context.Context, scope *QuotaScope) error
	// ApplyDailyReset 仅当存储的日周期早于 period 时清零日计数，返回是否发生了重置。
	ApplyDailyReset(ctx context.Context, id string, period int, at time.Time) (bool, error)
	// ApplyMonthlyReset 仅当存储的月周期早于 period 时清零月计数。
	ApplyMonthlyReset(ctx context.Context, id string, period int, at time.Time) (bool, error)
	// Reserve 以单条条件更新增加计数；任一上限会被突破时不修改并返回 false。
	Reserve(ctx context.Context, id string, delta QuotaDelta) (bool, error)
	// Adjust 按周期修正计数，结果被限制在 [0, limit] 区间内。
	Adjust(ctx context.Context, id string, adj QuotaAdjustment) error
	RefreshExceeded(ctx context.Context, id string) error
}

// GuardrailRepository 定义护栏存取接口。
type GuardrailRepository interface {
	Create(ctx context.Context, guardrail *Guardrail) error
	GetByID(ctx context.Context, id string) (*Guardrail, error)
	List(ctx context.Context, activeOnly bool) ([]*Guardrail, error)
	Update(ctx context.Context, guardrail *Guardrail) error
}

// RequestLogRepository 定义请求日志接口。
type RequestLogRepository interface {
	Create(ctx context.Context, entry *RequestLogEntry) error
	ListRecent(ctx context.Context, userID string, limit int) ([]*RequestLogEntry, error)
	AggregateUsage(ctx context.Context, since time.Time) ([]*UsageSummary, error)
}

// Repositories 聚合全部仓储接口，便于依赖注入。
type Repositories struct {
	Roles          RoleRepository
	Users          UserRepository
	Models         ModelRepository
	RequestConfigs RequestConfigRepository
	Quotas         QuotaRepository
	Guardrails     GuardrailRepository
	RequestLogs    RequestLogRepository
}
