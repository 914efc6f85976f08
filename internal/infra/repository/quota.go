package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/database"
)

// ---- 配额账本 ----

type quotaRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const quotaColumns = `id, name, scope_type, user_id, role, daily_request_limit, monthly_request_limit, daily_cost_limit, monthly_cost_limit,
daily_token_limit, monthly_token_limit, current_daily_requests, current_monthly_requests, current_daily_cost, current_monthly_cost,
current_daily_tokens, current_monthly_tokens, daily_period, monthly_period, last_daily_reset, last_monthly_reset, is_exceeded, is_active,
created_at, updated_at`

type quotaRow struct {
	scopeType           string
	userID              sql.NullString
	role                sql.NullString
	dailyRequestLimit   sql.NullInt64
	monthlyRequestLimit sql.NullInt64
	dailyCostLimit      sql.NullFloat64
	monthlyCostLimit    sql.NullFloat64
	dailyTokenLimit     sql.NullInt64
	monthlyTokenLimit   sql.NullInt64
}

func scanQuota(s rowScanner) (*domain.QuotaScope, error) {
	var (
		q   domain.QuotaScope
		row quotaRow
	)
	err := s.Scan(&q.ID, &q.Name, &row.scopeType, &row.userID, &row.role, &row.dailyRequestLimit, &row.monthlyRequestLimit,
		&row.dailyCostLimit, &row.monthlyCostLimit, &row.dailyTokenLimit, &row.monthlyTokenLimit,
		&q.CurrentDailyRequests, &q.CurrentMonthlyRequests, &q.CurrentDailyCost, &q.CurrentMonthlyCost,
		&q.CurrentDailyTokens, &q.CurrentMonthlyTokens, &q.DailyPeriod, &q.MonthlyPeriod, &q.LastDailyReset, &q.LastMonthlyReset,
		&q.IsExceeded, &q.IsActive, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.ScopeType = domain.QuotaScopeType(row.scopeType)
	q.UserID = stringPtr(row.userID)
	q.Role = stringPtr(row.role)
	q.DailyRequestLimit = int64Ptr(row.dailyRequestLimit)
	q.MonthlyRequestLimit = int64Ptr(row.monthlyRequestLimit)
	q.DailyCostLimit = float64Ptr(row.dailyCostLimit)
	q.MonthlyCostLimit = float64Ptr(row.monthlyCostLimit)
	q.DailyTokenLimit = int64Ptr(row.dailyTokenLimit)
	q.MonthlyTokenLimit = int64Ptr(row.monthlyTokenLimit)
	return &q, nil
}

// sqlArgs 同步生成占位符与参数，便于同一参数在语句中多次出现。
type sqlArgs struct {
	ph   *database.PlaceholderBuilder
	args []any
}

func newSQLArgs(d database.Dialect) *sqlArgs {
	return &sqlArgs{ph: database.NewPlaceholderBuilder(d)}
}

func (a *sqlArgs) add(v any) string {
	a.args = append(a.args, v)
	return a.ph.Next()
}

func (r *quotaRepository) Create(ctx context.Context, q *domain.QuotaScope) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO quota_scopes (id, name, scope_type, user_id, role, daily_request_limit, monthly_request_limit, daily_cost_limit,
monthly_cost_limit, daily_token_limit, monthly_token_limit, daily_period, monthly_period, last_daily_reset, last_monthly_reset, is_active)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	now := time.Now().UTC()
	lastDaily := q.LastDailyReset
	if lastDaily.IsZero() {
		lastDaily = now
	}
	lastMonthly := q.LastMonthlyReset
	if lastMonthly.IsZero() {
		lastMonthly = now
	}
	_, err := r.db.ExecContext(ctx, query, q.ID, q.Name, string(q.ScopeType), nullString(q.UserID), nullString(q.Role),
		nullInt64(q.DailyRequestLimit), nullInt64(q.MonthlyRequestLimit), nullFloat64(q.DailyCostLimit), nullFloat64(q.MonthlyCostLimit),
		nullInt64(q.DailyTokenLimit), nullInt64(q.MonthlyTokenLimit), q.DailyPeriod, q.MonthlyPeriod, lastDaily.UTC(), lastMonthly.UTC(), q.IsActive)
	return mapWriteError(err)
}

func (r *quotaRepository) GetByID(ctx context.Context, id string) (*domain.QuotaScope, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM quota_scopes WHERE id = %s`, quotaColumns, ph.Next())
	q, err := scanQuota(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return q, nil
}

func (r *quotaRepository) List(ctx context.Context) ([]*domain.QuotaScope, error) {
	return r.query(ctx, `SELECT `+quotaColumns+` FROM quota_scopes ORDER BY scope_type, name`)
}

func (r *quotaRepository) ListApplicable(ctx context.Context, userID, role string) ([]*domain.QuotaScope, error) {
	a := newSQLArgs(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM quota_scopes
WHERE is_active = %s AND (
    (scope_type = 'user' AND user_id = %s) OR
    (scope_type = 'role' AND role = %s) OR
    scope_type = 'global'
)
ORDER BY name`, quotaColumns, a.add(true), a.add(userID), a.add(role))
	return r.query(ctx, query, a.args...)
}

func (r *quotaRepository) query(ctx context.Context, query string, args ...any) ([]*domain.QuotaScope, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []*domain.QuotaScope
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, q)
	}
	return scopes, rows.Err()
}

func (r *quotaRepository) UpdateLimits(ctx context.Context, q *domain.QuotaScope) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE quota_scopes SET daily_request_limit = %s, monthly_request_limit = %s, daily_cost_limit = %s, monthly_cost_limit = %s,
daily_token_limit = %s, monthly_token_limit = %s, is_active = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, nullInt64(q.DailyRequestLimit), nullInt64(q.MonthlyRequestLimit), nullFloat64(q.DailyCostLimit),
		nullFloat64(q.MonthlyCostLimit), nullInt64(q.DailyTokenLimit), nullInt64(q.MonthlyTokenLimit), q.IsActive, q.ID)
	if err != nil {
		return err
	}
	if err := expectAffected(result); err != nil {
		return err
	}
	return r.RefreshExceeded(ctx, q.ID)
}

func (r *quotaRepository) ApplyDailyReset(ctx context.Context, id string, period int, at time.Time) (bool, error) {
	a := newSQLArgs(r.dialect)
	query := fmt.Sprintf(`UPDATE quota_scopes SET current_daily_requests = 0, current_daily_cost = 0, current_daily_tokens = 0,
daily_period = %s, last_daily_reset = %s, updated_at = CURRENT_TIMESTAMP
WHERE id = %s AND daily_period < %s`, a.add(period), a.add(at.UTC()), a.add(id), a.add(period))
	return r.execChanged(ctx, query, a.args...)
}

func (r *quotaRepository) ApplyMonthlyReset(ctx context.Context, id string, period int, at time.Time) (bool, error) {
	a := newSQLArgs(r.dialect)
	query := fmt.Sprintf(`UPDATE quota_scopes SET current_monthly_requests = 0, current_monthly_cost = 0, current_monthly_tokens = 0,
monthly_period = %s, last_monthly_reset = %s, updated_at = CURRENT_TIMESTAMP
WHERE id = %s AND monthly_period < %s`, a.add(period), a.add(at.UTC()), a.add(id), a.add(period))
	return r.execChanged(ctx, query, a.args...)
}

func (r *quotaRepository) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// withinLimit 生成 "上限为空，或当前值未达上限且加上增量后不超过上限" 的条件。
func withinLimit(a *sqlArgs, current, limit string, delta any) string {
	return fmt.Sprintf("(%s IS NULL OR (%s < %s AND %s + %s <= %s))", limit, current, limit, current, a.add(delta), limit)
}

func (r *quotaRepository) Reserve(ctx context.Context, id string, delta domain.QuotaDelta) (bool, error) {
	a := newSQLArgs(r.dialect)
	sets := []string{
		fmt.Sprintf("current_daily_requests = current_daily_requests + %s", a.add(delta.Requests)),
		fmt.Sprintf("current_monthly_requests = current_monthly_requests + %s", a.add(delta.Requests)),
		fmt.Sprintf("current_daily_cost = current_daily_cost + %s", a.add(delta.Cost)),
		fmt.Sprintf("current_monthly_cost = current_monthly_cost + %s", a.add(delta.Cost)),
		fmt.Sprintf("current_daily_tokens = current_daily_tokens + %s", a.add(delta.Tokens)),
		fmt.Sprintf("current_monthly_tokens = current_monthly_tokens + %s", a.add(delta.Tokens)),
		"updated_at = CURRENT_TIMESTAMP",
	}
	conds := []string{
		fmt.Sprintf("id = %s", a.add(id)),
		withinLimit(a, "current_daily_requests", "daily_request_limit", delta.Requests),
		withinLimit(a, "current_monthly_requests", "monthly_request_limit", delta.Requests),
		withinLimit(a, "current_daily_cost", "daily_cost_limit", delta.Cost),
		withinLimit(a, "current_monthly_cost", "monthly_cost_limit", delta.Cost),
		withinLimit(a, "current_daily_tokens", "daily_token_limit", delta.Tokens),
		withinLimit(a, "current_monthly_tokens", "monthly_token_limit", delta.Tokens),
	}
	query := "UPDATE quota_scopes SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(conds, " AND ")
	return r.execChanged(ctx, query, a.args...)
}

// clampedAdjust 生成按周期生效、并被限制在 [0, limit] 内的计数更新表达式。
func (r *quotaRepository) clampedAdjust(a *sqlArgs, periodColumn string, period int, current, limit string, delta any) string {
	// 占位符不能复用，两处 shifted 各自绑定一次增量。
	shifted := func() string {
		return r.dialect.Greatest(fmt.Sprintf("%s + %s", current, a.add(delta)), "0")
	}
	match := fmt.Sprintf("%s = %s", periodColumn, a.add(period))
	capped := r.dialect.Least(shifted(), fmt.Sprintf("COALESCE(%s, %s)", limit, shifted()))
	return fmt.Sprintf("%s = CASE WHEN %s THEN %s ELSE %s END", current, match, capped, current)
}

func (r *quotaRepository) Adjust(ctx context.Context, id string, adj domain.QuotaAdjustment) error {
	a := newSQLArgs(r.dialect)
	sets := []string{
		r.clampedAdjust(a, "daily_period", adj.DailyPeriod, "current_daily_requests", "daily_request_limit", adj.Requests),
		r.clampedAdjust(a, "monthly_period", adj.MonthlyPeriod, "current_monthly_requests", "monthly_request_limit", adj.Requests),
		r.clampedAdjust(a, "daily_period", adj.DailyPeriod, "current_daily_cost", "daily_cost_limit", adj.Cost),
		r.clampedAdjust(a, "monthly_period", adj.MonthlyPeriod, "current_monthly_cost", "monthly_cost_limit", adj.Cost),
		r.clampedAdjust(a, "daily_period", adj.DailyPeriod, "current_daily_tokens", "daily_token_limit", adj.Tokens),
		r.clampedAdjust(a, "monthly_period", adj.MonthlyPeriod, "current_monthly_tokens", "monthly_token_limit", adj.Tokens),
		"updated_at = CURRENT_TIMESTAMP",
	}
	query := "UPDATE quota_scopes SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = %s", a.add(id))
	result, err := r.db.ExecContext(ctx, query, a.args...)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// RefreshExceeded 根据当前计数重算 is_exceeded 标记。
func (r *quotaRepository) RefreshExceeded(ctx context.Context, id string) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE quota_scopes SET is_exceeded = (
    (daily_request_limit IS NOT NULL AND current_daily_requests >= daily_request_limit) OR
    (monthly_request_limit IS NOT NULL AND current_monthly_requests >= monthly_request_limit) OR
    (daily_cost_limit IS NOT NULL AND current_daily_cost >= daily_cost_limit) OR
    (monthly_cost_limit IS NOT NULL AND current_monthly_cost >= monthly_cost_limit) OR
    (daily_token_limit IS NOT NULL AND current_daily_tokens >= daily_token_limit) OR
    (monthly_token_limit IS NOT NULL AND current_monthly_tokens >= monthly_token_limit)
), updated_at = CURRENT_TIMESTAMP WHERE id = %s`, ph.Next())
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}
