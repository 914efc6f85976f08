// Package quota 实现按 用户/角色/全局 作用域的日、月配额账本。
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/metrics"
)

// Ledger 负责配额的预留、结算与重置。
type Ledger struct {
	repos  *domain.Repositories
	logger *zap.Logger
	loc    *time.Location
	nowFn  func() time.Time
	locks  sync.Map
}

// NewLedger 创建配额账本；loc 决定日/月边界所在时区，nil 时使用 UTC。
func NewLedger(repos *domain.Repositories, loc *time.Location, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{repos: repos, logger: logger, loc: loc, nowFn: time.Now}
}

// WithClock 允许注入自定义时间函数，便于测试跨日与跨月。
func (l *Ledger) WithClock(now func() time.Time) {
	if now != nil {
		l.nowFn = now
	}
}

// Hold 是预留在单个作用域上的占用，记录预留时所处的周期。
type Hold struct {
	ScopeID       string                `json:"scope_id"`
	ScopeName     string                `json:"scope_name"`
	ScopeType     domain.QuotaScopeType `json:"scope_type"`
	DailyPeriod   int                   `json:"daily_period"`
	MonthlyPeriod int                   `json:"monthly_period"`
}

// Reservation 是一次预留的句柄，必须以 Commit 或 Release 结束。
type Reservation struct {
	ID              string
	Identity        domain.CallerIdentity
	EstimatedCost   float64
	EstimatedTokens int64
	Holds           []Hold

	mu      sync.Mutex
	settled bool
}

// settle 标记预留已结束，返回是否为首次结束。
func (r *Reservation) settle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	return true
}

// Settled 表示预留是否已提交或释放。
func (r *Reservation) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Overrun 描述结算时实际用量超出上限而被截断的维度。
type Overrun struct {
	ScopeName string                `json:"scope_name"`
	Dimension domain.QuotaDimension `json:"dimension"`
}

// CommitResult 是结算的结果。
type CommitResult struct {
	Overruns []Overrun `json:"overruns,omitempty"`
}

func (l *Ledger) lockFor(scopeID string) *sync.Mutex {
	lock, _ := l.locks.LoadOrStore(scopeID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// CheckAndReserve 依次在 用户 → 角色 → 全局 作用域上预留一次请求及预估的成本与 token。
// 任一作用域超限时回滚已完成的预留并返回 QuotaExceededError。
func (l *Ledger) CheckAndReserve(ctx context.Context, identity domain.CallerIdentity, estimatedCost float64, estimatedTokens int64) (*Reservation, error) {
	scopes, err := l.applicable(ctx, identity)
	if err != nil {
		return nil, err
	}

	now := l.nowFn().In(l.loc)
	daily, monthly := DailyPeriod(now), MonthlyPeriod(now)
	delta := domain.QuotaDelta{Requests: 1, Cost: estimatedCost, Tokens: estimatedTokens}

	reservation := &Reservation{
		ID:              uuid.NewString(),
		Identity:        identity,
		EstimatedCost:   estimatedCost,
		EstimatedTokens: estimatedTokens,
	}

	for _, scope := range scopes {
		hold, err := l.reserveScope(ctx, scope, delta, daily, monthly, now)
		if err != nil {
			if releaseErr := l.releaseHolds(context.WithoutCancel(ctx), reservation); releaseErr != nil {
				l.logger.Error("quota rollback failed", zap.String("reservation_id", reservation.ID), zap.Error(releaseErr))
			}
			reservation.settle()
			return nil, err
		}
		if hold != nil {
			reservation.Holds = append(reservation.Holds, *hold)
		}
	}

	l.logger.Debug("quota reserved",
		zap.String("reservation_id", reservation.ID),
		zap.String("user_id", identity.UserID),
		zap.Int("scopes", len(reservation.Holds)),
	)
	return reservation, nil
}

func (l *Ledger) reserveScope(ctx context.Context, scope *domain.QuotaScope, delta domain.QuotaDelta, daily, monthly int, now time.Time) (*Hold, error) {
	lock := l.lockFor(scope.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.applyResets(ctx, scope.ID, daily, monthly, now); err != nil {
		return nil, err
	}
	ok, err := l.repos.Quotas.Reserve(ctx, scope.ID, delta)
	if err != nil {
		return nil, fmt.Errorf("reserve quota scope %s: %w", scope.Name, err)
	}
	if !ok {
		current, err := l.repos.Quotas.GetByID(ctx, scope.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				l.logger.Warn("quota scope vanished during reservation", zap.String("scope_id", scope.ID))
				return nil, nil
			}
			return nil, err
		}
		dimension := breachedDimension(current, delta)
		metrics.RecordQuotaDenial(string(current.ScopeType), string(dimension))
		l.logger.Info("quota exceeded",
			zap.String("scope", current.Name),
			zap.String("scope_type", string(current.ScopeType)),
			zap.String("dimension", string(dimension)),
		)
		if err := l.repos.Quotas.RefreshExceeded(ctx, scope.ID); err != nil {
			l.logger.Warn("refresh quota exceeded flag failed", zap.String("scope_id", scope.ID), zap.Error(err))
		}
		return nil, &domain.QuotaExceededError{
			ScopeID:   current.ID,
			ScopeName: current.Name,
			ScopeType: current.ScopeType,
			Dimension: dimension,
		}
	}
	// 计数已增加，刷新失败也必须交回占用，由调用方在回滚时撤销。
	if err := l.repos.Quotas.RefreshExceeded(ctx, scope.ID); err != nil {
		l.logger.Warn("refresh quota exceeded flag failed", zap.String("scope_id", scope.ID), zap.Error(err))
	}
	return &Hold{
		ScopeID:       scope.ID,
		ScopeName:     scope.Name,
		ScopeType:     scope.ScopeType,
		DailyPeriod:   daily,
		MonthlyPeriod: monthly,
	}, nil
}

// breachedDimension 按固定顺序找出会被本次预留突破的第一个维度。
func breachedDimension(q *domain.QuotaScope, delta domain.QuotaDelta) domain.QuotaDimension {
	intBreached := func(current int64, limit *int64, d int64) bool {
		return limit != nil && (current >= *limit || current+d > *limit)
	}
	floatBreached := func(current float64, limit *float64, d float64) bool {
		return limit != nil && (current >= *limit || current+d > *limit)
	}
	switch {
	case intBreached(q.CurrentDailyRequests, q.DailyRequestLimit, delta.Requests):
		return domain.DimensionDailyRequests
	case intBreached(q.CurrentMonthlyRequests, q.MonthlyRequestLimit, delta.Requests):
		return domain.DimensionMonthlyRequests
	case floatBreached(q.CurrentDailyCost, q.DailyCostLimit, delta.Cost):
		return domain.DimensionDailyCost
	case floatBreached(q.CurrentMonthlyCost, q.MonthlyCostLimit, delta.Cost):
		return domain.DimensionMonthlyCost
	case intBreached(q.CurrentDailyTokens, q.DailyTokenLimit, delta.Tokens):
		return domain.DimensionDailyTokens
	default:
		return domain.DimensionMonthlyTokens
	}
}

// Commit 以实际成本与 token 替换预估值，结果被限制在上限以内，截断的维度在返回值中报告。
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actualCost float64, actualTokens int64) (*CommitResult, error) {
	if r == nil {
		return nil, ErrNilReservation
	}
	if !r.settle() {
		return nil, ErrAlreadySettled
	}

	result := &CommitResult{}
	var errs error
	for _, hold := range r.Holds {
		adj := domain.QuotaAdjustment{
			DailyPeriod:   hold.DailyPeriod,
			MonthlyPeriod: hold.MonthlyPeriod,
			Cost:          actualCost - r.EstimatedCost,
			Tokens:        actualTokens - r.EstimatedTokens,
		}
		overruns, err := l.adjustHold(ctx, hold, adj)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		result.Overruns = append(result.Overruns, overruns...)
	}
	if len(result.Overruns) > 0 {
		l.logger.Warn("quota commit clamped to limit",
			zap.String("reservation_id", r.ID),
			zap.Any("overruns", result.Overruns),
		)
	}
	return result, errs
}

// Release 撤销预留；重复调用为空操作，已重置的周期不会被修改。
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.settle() {
		return nil
	}
	return l.releaseHolds(ctx, r)
}

func (l *Ledger) releaseHolds(ctx context.Context, r *Reservation) error {
	var errs error
	for _, hold := range r.Holds {
		adj := domain.QuotaAdjustment{
			DailyPeriod:   hold.DailyPeriod,
			MonthlyPeriod: hold.MonthlyPeriod,
			Requests:      -1,
			Cost:          -r.EstimatedCost,
			Tokens:        -r.EstimatedTokens,
		}
		if _, err := l.adjustHold(ctx, hold, adj); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (l *Ledger) adjustHold(ctx context.Context, hold Hold, adj domain.QuotaAdjustment) ([]Overrun, error) {
	lock := l.lockFor(hold.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	var overruns []Overrun
	if adj.Cost > 0 || adj.Tokens > 0 {
		current, err := l.repos.Quotas.GetByID(ctx, hold.ScopeID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		for _, dim := range overrunDimensions(current, adj) {
			overruns = append(overruns, Overrun{ScopeName: hold.ScopeName, Dimension: dim})
		}
	}

	if err := l.repos.Quotas.Adjust(ctx, hold.ScopeID, adj); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("adjust quota scope %s: %w", hold.ScopeName, err)
	}
	if err := l.repos.Quotas.RefreshExceeded(ctx, hold.ScopeID); err != nil {
		return nil, err
	}
	return overruns, nil
}

// overrunDimensions 返回在当前周期内会因调整而超过上限的维度。
func overrunDimensions(q *domain.QuotaScope, adj domain.QuotaAdjustment) []domain.QuotaDimension {
	var dims []domain.QuotaDimension
	daily := q.DailyPeriod == adj.DailyPeriod
	monthly := q.MonthlyPeriod == adj.MonthlyPeriod
	if daily && q.DailyCostLimit != nil && q.CurrentDailyCost+adj.Cost > *q.DailyCostLimit {
		dims = append(dims, domain.DimensionDailyCost)
	}
	if monthly && q.MonthlyCostLimit != nil && q.CurrentMonthlyCost+adj.Cost > *q.MonthlyCostLimit {
		dims = append(dims, domain.DimensionMonthlyCost)
	}
	if daily && q.DailyTokenLimit != nil && q.CurrentDailyTokens+adj.Tokens > *q.DailyTokenLimit {
		dims = append(dims, domain.DimensionDailyTokens)
	}
	if monthly && q.MonthlyTokenLimit != nil && q.CurrentMonthlyTokens+adj.Tokens > *q.MonthlyTokenLimit {
		dims = append(dims, domain.DimensionMonthlyTokens)
	}
	return dims
}

// applyResets 在跨越日/月边界时清零对应计数，两者相互独立。调用方需持有作用域锁。
func (l *Ledger) applyResets(ctx context.Context, scopeID string, daily, monthly int, now time.Time) error {
	reset, err := l.repos.Quotas.ApplyDailyReset(ctx, scopeID, daily, now)
	if err != nil {
		return fmt.Errorf("apply daily reset: %w", err)
	}
	if reset {
		metrics.RecordQuotaReset("daily")
		l.logger.Info("quota daily reset", zap.String("scope_id", scopeID), zap.Int("period", daily))
	}
	reset, err = l.repos.Quotas.ApplyMonthlyReset(ctx, scopeID, monthly, now)
	if err != nil {
		return fmt.Errorf("apply monthly reset: %w", err)
	}
	if reset {
		metrics.RecordQuotaReset("monthly")
		l.logger.Info("quota monthly reset", zap.String("scope_id", scopeID), zap.Int("period", monthly))
	}
	return nil
}

// SweepResets 对全部启用的作用域执行到期重置，返回处理的作用域数量。
func (l *Ledger) SweepResets(ctx context.Context) (int, error) {
	scopes, err := l.repos.Quotas.List(ctx)
	if err != nil {
		return 0, err
	}
	now := l.nowFn().In(l.loc)
	daily, monthly := DailyPeriod(now), MonthlyPeriod(now)

	var (
		swept int
		errs  error
	)
	for _, scope := range scopes {
		if !scope.IsActive {
			continue
		}
		if scope.DailyPeriod >= daily && scope.MonthlyPeriod >= monthly {
			continue
		}
		if err := l.resetAndRefresh(ctx, scope.ID, daily, monthly, now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		swept++
	}
	return swept, errs
}

func (l *Ledger) resetAndRefresh(ctx context.Context, scopeID string, daily, monthly int, now time.Time) error {
	lock := l.lockFor(scopeID)
	lock.Lock()
	defer lock.Unlock()
	if err := l.applyResets(ctx, scopeID, daily, monthly, now); err != nil {
		return err
	}
	return l.repos.Quotas.RefreshExceeded(ctx, scopeID)
}

// Usage 返回调用方适用的全部作用域的最新计数，读取前先应用到期重置。
func (l *Ledger) Usage(ctx context.Context, identity domain.CallerIdentity) ([]*domain.QuotaScope, error) {
	scopes, err := l.applicable(ctx, identity)
	if err != nil {
		return nil, err
	}
	now := l.nowFn().In(l.loc)
	daily, monthly := DailyPeriod(now), MonthlyPeriod(now)

	views := make([]*domain.QuotaScope, 0, len(scopes))
	for _, scope := range scopes {
		if err := l.resetAndRefresh(ctx, scope.ID, daily, monthly, now); err != nil {
			return nil, err
		}
		current, err := l.repos.Quotas.GetByID(ctx, scope.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		views = append(views, current)
	}
	return views, nil
}

// applicable 返回调用方适用的作用域，按 用户 → 角色 → 全局 排序，同类按名称排序。
func (l *Ledger) applicable(ctx context.Context, identity domain.CallerIdentity) ([]*domain.QuotaScope, error) {
	scopes, err := l.repos.Quotas.ListApplicable(ctx, identity.UserID, identity.EffectiveRole)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scopes, func(i, j int) bool {
		ri, rj := scopeRank(scopes[i].ScopeType), scopeRank(scopes[j].ScopeType)
		if ri != rj {
			return ri < rj
		}
		return scopes[i].Name < scopes[j].Name
	})
	return scopes, nil
}

func scopeRank(t domain.QuotaScopeType) int {
	switch t {
	case domain.QuotaScopeUser:
		return 0
	case domain.QuotaScopeRole:
		return 1
	default:
		return 2
	}
}

// DailyPeriod 返回 YYYYMMDD 形式的日周期键。
func DailyPeriod(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// MonthlyPeriod 返回 YYYYMM 形式的月周期键。
func MonthlyPeriod(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}
