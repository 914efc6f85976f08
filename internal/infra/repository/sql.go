package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/database"
)

// NewSQLRepositories 构建基于 *sql.DB 的仓储集合。
func NewSQLRepositories(db *sql.DB, dialect database.Dialect) *domain.Repositories {
	return &domain.Repositories{
		Roles:          &roleRepository{db: db, dialect: dialect},
		Users:          &userRepository{db: db, dialect: dialect},
		Models:         &modelRepository{db: db, dialect: dialect},
		RequestConfigs: &requestConfigRepository{db: db, dialect: dialect},
		Quotas:         &quotaRepository{db: db, dialect: dialect},
		Guardrails:     &guardrailRepository{db: db, dialect: dialect},
		RequestLogs:    &requestLogRepository{db: db, dialect: dialect},
	}
}

// mapWriteError 将唯一约束冲突统一映射为 domain.ErrConflict。
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", domain.ErrConflict, liteErr.Error())
		}
	}
	return err
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	values := []string{}
	if strings.TrimSpace(raw) == "" {
		return values
	}
	_ = json.Unmarshal([]byte(raw), &values)
	return values
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- 角色仓储 ----

type roleRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const roleColumns = `name, description, permissions, created_at, updated_at`

func scanRole(s rowScanner) (*domain.Role, error) {
	var (
		role        domain.Role
		description sql.NullString
		permissions string
	)
	if err := s.Scan(&role.Name, &description, &permissions, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	role.Description = stringPtr(description)
	role.Permissions = decodeStrings(permissions)
	return &role, nil
}

func (r *roleRepository) Create(ctx context.Context, role *domain.Role) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO roles (name, description, permissions) VALUES (%s, %s, %s)`, ph.Next(), ph.Next(), ph.Next())
	_, err := r.db.ExecContext(ctx, query, role.Name, nullString(role.Description), encodeStrings(role.Permissions))
	return mapWriteError(err)
}

func (r *roleRepository) Get(ctx context.Context, name string) (*domain.Role, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE name = %s`, roleColumns, ph.Next())
	role, err := scanRole(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return role, nil
}

func (r *roleRepository) List(ctx context.Context) ([]*domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *roleRepository) UpdatePermissions(ctx context.Context, name string, permissions []string) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE roles SET permissions = %s, updated_at = CURRENT_TIMESTAMP WHERE name = %s`, ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, encodeStrings(permissions), name)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ---- 用户仓储 ----

type userRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const userColumns = `id, email, role, additional_roles, granted_permissions, denied_permissions, impersonated_role, status, created_at, updated_at`

type userRow struct {
	additionalRoles string
	granted         string
	denied          string
	impersonated    sql.NullString
}

func scanUser(s rowScanner) (*domain.User, error) {
	var (
		user domain.User
		row  userRow
	)
	if err := s.Scan(&user.ID, &user.Email, &user.Role, &row.additionalRoles, &row.granted, &row.denied, &row.impersonated, &user.Status, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.AdditionalRoles = decodeStrings(row.additionalRoles)
	user.GrantedPermissions = decodeStrings(row.granted)
	user.DeniedPermissions = decodeStrings(row.denied)
	user.ImpersonatedRole = stringPtr(row.impersonated)
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO users (id, email, role, additional_roles, granted_permissions, denied_permissions, status)
VALUES (%s, %s, %s, %s, %s, %s, %s)`, ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	status := user.Status
	if status == "" {
		status = "active"
	}
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Email, user.Role,
		encodeStrings(user.AdditionalRoles), encodeStrings(user.GrantedPermissions), encodeStrings(user.DeniedPermissions), status)
	return mapWriteError(err)
}

func (r *userRepository) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	return r.getBy(ctx, "id", userID)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getBy(ctx, "email", email)
}

func (r *userRepository) getBy(ctx context.Context, column, value string) (*domain.User, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s = %s`, userColumns, column, ph.Next())
	user, err := scanUser(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) List(ctx context.Context, limit, offset int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM users ORDER BY created_at, id LIMIT %s OFFSET %s`, userColumns, ph.Next(), ph.Next())
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *userRepository) UpdateAccess(ctx context.Context, user *domain.User) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE users SET role = %s, additional_roles = %s, granted_permissions = %s, denied_permissions = %s, status = %s, updated_at = CURRENT_TIMESTAMP
WHERE id = %s`, ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, user.Role, encodeStrings(user.AdditionalRoles),
		encodeStrings(user.GrantedPermissions), encodeStrings(user.DeniedPermissions), user.Status, user.ID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func (r *userRepository) SetImpersonatedRole(ctx context.Context, userID string, role *string) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE users SET impersonated_role = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s`, ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, nullString(role), userID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ---- 模型注册表 ----

type modelRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const modelColumns = `id, provider, model_name, model_identifier, supports_streaming, supports_function_calling, supports_vision,
max_context_length, input_cost_per_1k, output_cost_per_1k, is_free, is_local, is_enabled, requires_admin_approval,
approved_by, approved_at, allowed_for_use_cases, restricted_to_roles, total_requests, total_cost, avg_response_time_ms,
success_rate, created_at, updated_at`

type modelRow struct {
	approvedBy sql.NullString
	approvedAt sql.NullTime
	useCases   string
	roles      string
}

func scanModel(s rowScanner) (*domain.ModelEntry, error) {
	var (
		m   domain.ModelEntry
		row modelRow
	)
	err := s.Scan(&m.ID, &m.Provider, &m.ModelName, &m.ModelIdentifier, &m.SupportsStreaming, &m.SupportsFunctionCalling, &m.SupportsVision,
		&m.MaxContextLength, &m.InputCostPer1K, &m.OutputCostPer1K, &m.IsFree, &m.IsLocal, &m.IsEnabled, &m.RequiresAdminApproval,
		&row.approvedBy, &row.approvedAt, &row.useCases, &row.roles, &m.TotalRequests, &m.TotalCost, &m.AvgResponseTimeMs,
		&m.SuccessRate, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ApprovedBy = stringPtr(row.approvedBy)
	m.ApprovedAt = timePtr(row.approvedAt)
	m.AllowedForUseCases = decodeStrings(row.useCases)
	m.RestrictedToRoles = decodeStrings(row.roles)
	return &m, nil
}

func (r *modelRepository) Create(ctx context.Context, m *domain.ModelEntry) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO models (id, provider, model_name, model_identifier, supports_streaming, supports_function_calling, supports_vision,
max_context_length, input_cost_per_1k, output_cost_per_1k, is_free, is_local, is_enabled, requires_admin_approval, allowed_for_use_cases, restricted_to_roles)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	_, err := r.db.ExecContext(ctx, query, m.ID, m.Provider, m.ModelName, m.ModelIdentifier, m.SupportsStreaming, m.SupportsFunctionCalling,
		m.SupportsVision, m.MaxContextLength, m.InputCostPer1K, m.OutputCostPer1K, m.IsFree, m.IsLocal, m.IsEnabled, m.RequiresAdminApproval,
		encodeStrings(m.AllowedForUseCases), encodeStrings(m.RestrictedToRoles))
	return mapWriteError(err)
}

func (r *modelRepository) GetByID(ctx context.Context, id string) (*domain.ModelEntry, error) {
	return r.getBy(ctx, "id", id)
}

func (r *modelRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.ModelEntry, error) {
	return r.getBy(ctx, "model_identifier", identifier)
}

func (r *modelRepository) getBy(ctx context.Context, column, value string) (*domain.ModelEntry, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM models WHERE %s = %s`, modelColumns, column, ph.Next())
	m, err := scanModel(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *modelRepository) List(ctx context.Context, enabledOnly bool) ([]*domain.ModelEntry, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := `SELECT ` + modelColumns + ` FROM models`
	var args []any
	if enabledOnly {
		query += fmt.Sprintf(` WHERE is_enabled = %s`, ph.Next())
		args = append(args, true)
	}
	query += ` ORDER BY model_identifier`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.ModelEntry
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (r *modelRepository) Update(ctx context.Context, m *domain.ModelEntry) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE models SET provider = %s, model_name = %s, supports_streaming = %s, supports_function_calling = %s, supports_vision = %s,
max_context_length = %s, input_cost_per_1k = %s, output_cost_per_1k = %s, is_free = %s, is_local = %s, is_enabled = %s,
requires_admin_approval = %s, allowed_for_use_cases = %s, restricted_to_roles = %s, updated_at = CURRENT_TIMESTAMP
WHERE id = %s`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	result, err := r.db.ExecContext(ctx, query, m.Provider, m.ModelName, m.SupportsStreaming, m.SupportsFunctionCalling, m.SupportsVision,
		m.MaxContextLength, m.InputCostPer1K, m.OutputCostPer1K, m.IsFree, m.IsLocal, m.IsEnabled, m.RequiresAdminApproval,
		encodeStrings(m.AllowedForUseCases), encodeStrings(m.RestrictedToRoles), m.ID)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(result)
}

func (r *modelRepository) Approve(ctx context.Context, id, approver string, at time.Time) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE models SET approved_by = %s, approved_at = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s`, ph.Next(), ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, approver, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// RecordOutcome 以单条更新维护滚动平均耗时与成功率，避免读改写竞争。
func (r *modelRepository) RecordOutcome(ctx context.Context, identifier string, outcome domain.ModelOutcome) error {
	success := 0.0
	if outcome.Success {
		success = 1.0
	}
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE models SET
    avg_response_time_ms = (avg_response_time_ms * total_requests + %s) / (total_requests + 1),
    success_rate = (success_rate * total_requests + %s) / (total_requests + 1),
    total_cost = total_cost + %s,
    total_requests = total_requests + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE model_identifier = %s`, ph.Next(), ph.Next(), ph.Next(), ph.Next())

	result, err := r.db.ExecContext(ctx, query, float64(outcome.DurationMs), success, outcome.Cost, identifier)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ---- 请求配置仓储 ----

type requestConfigRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const requestConfigColumns = `id, config_name, version, scope, use_case, user_id, role, temperature, max_tokens, top_p,
frequency_penalty, presence_penalty, timeout_seconds, retry_attempts, preferred_model, fallback_model, max_cost_per_request,
is_default, is_active, created_by, created_at, updated_at`

type requestConfigRow struct {
	scope          string
	useCase        sql.NullString
	userID         sql.NullString
	role           sql.NullString
	preferredModel sql.NullString
	fallbackModel  sql.NullString
	maxCost        sql.NullFloat64
	createdBy      sql.NullString
}

func scanRequestConfig(s rowScanner) (*domain.RequestConfig, error) {
	var (
		cfg domain.RequestConfig
		row requestConfigRow
	)
	err := s.Scan(&cfg.ID, &cfg.Name, &cfg.Version, &row.scope, &row.useCase, &row.userID, &row.role, &cfg.Temperature, &cfg.MaxTokens, &cfg.TopP,
		&cfg.FrequencyPenalty, &cfg.PresencePenalty, &cfg.TimeoutSeconds, &cfg.RetryAttempts, &row.preferredModel, &row.fallbackModel, &row.maxCost,
		&cfg.IsDefault, &cfg.IsActive, &row.createdBy, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Scope = domain.ConfigScope(row.scope)
	cfg.UseCase = stringPtr(row.useCase)
	cfg.UserID = stringPtr(row.userID)
	cfg.Role = stringPtr(row.role)
	cfg.PreferredModel = stringPtr(row.preferredModel)
	cfg.FallbackModel = stringPtr(row.fallbackModel)
	cfg.MaxCostPerRequest = float64Ptr(row.maxCost)
	cfg.CreatedBy = stringPtr(row.createdBy)
	return &cfg, nil
}

func (r *requestConfigRepository) Create(ctx context.Context, cfg *domain.RequestConfig) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO request_configs (id, config_name, version, scope, use_case, user_id, role, temperature, max_tokens, top_p,
frequency_penalty, presence_penalty, timeout_seconds, retry_attempts, preferred_model, fallback_model, max_cost_per_request, is_default, is_active, created_by)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	version := cfg.Version
	if version <= 0 {
		version = 1
	}
	_, err := r.db.ExecContext(ctx, query, cfg.ID, cfg.Name, version, string(cfg.Scope), nullString(cfg.UseCase), nullString(cfg.UserID), nullString(cfg.Role),
		cfg.Temperature, cfg.MaxTokens, cfg.TopP, cfg.FrequencyPenalty, cfg.PresencePenalty, cfg.TimeoutSeconds, cfg.RetryAttempts,
		nullString(cfg.PreferredModel), nullString(cfg.FallbackModel), nullFloat64(cfg.MaxCostPerRequest), cfg.IsDefault, cfg.IsActive, nullString(cfg.CreatedBy))
	return mapWriteError(err)
}

func (r *requestConfigRepository) GetByID(ctx context.Context, id string) (*domain.RequestConfig, error) {
	return r.getBy(ctx, "id", id)
}

func (r *requestConfigRepository) GetByName(ctx context.Context, name string) (*domain.RequestConfig, error) {
	return r.getBy(ctx, "config_name", name)
}

func (r *requestConfigRepository) getBy(ctx context.Context, column, value string) (*domain.RequestConfig, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM request_configs WHERE %s = %s`, requestConfigColumns, column, ph.Next())
	cfg, err := scanRequestConfig(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (r *requestConfigRepository) List(ctx context.Context, activeOnly bool) ([]*domain.RequestConfig, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := `SELECT ` + requestConfigColumns + ` FROM request_configs`
	var args []any
	if activeOnly {
		query += fmt.Sprintf(` WHERE is_active = %s`, ph.Next())
		args = append(args, true)
	}
	query += ` ORDER BY config_name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RequestConfig
	for rows.Next() {
		cfg, err := scanRequestConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (r *requestConfigRepository) Update(ctx context.Context, cfg *domain.RequestConfig, expectedVersion int) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE request_configs SET version = version + 1, scope = %s, use_case = %s, user_id = %s, role = %s, temperature = %s,
max_tokens = %s, top_p = %s, frequency_penalty = %s, presence_penalty = %s, timeout_seconds = %s, retry_attempts = %s, preferred_model = %s,
fallback_model = %s, max_cost_per_request = %s, is_default = %s, is_active = %s, updated_at = CURRENT_TIMESTAMP
WHERE id = %s AND version = %s`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	result, err := r.db.ExecContext(ctx, query, string(cfg.Scope), nullString(cfg.UseCase), nullString(cfg.UserID), nullString(cfg.Role), cfg.Temperature,
		cfg.MaxTokens, cfg.TopP, cfg.FrequencyPenalty, cfg.PresencePenalty, cfg.TimeoutSeconds, cfg.RetryAttempts, nullString(cfg.PreferredModel),
		nullString(cfg.FallbackModel), nullFloat64(cfg.MaxCostPerRequest), cfg.IsDefault, cfg.IsActive, cfg.ID, expectedVersion)
	if err != nil {
		return mapWriteError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := r.GetByID(ctx, cfg.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: config %s is no longer at version %d", domain.ErrConflict, cfg.ID, expectedVersion)
	}
	cfg.Version = expectedVersion + 1
	return nil
}

func (r *requestConfigRepository) CreateVersion(ctx context.Context, version *domain.RequestConfigVersion) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO request_config_versions (config_id, version, snapshot, created_by) VALUES (%s, %s, %s, %s)`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next())
	_, err := r.db.ExecContext(ctx, query, version.ConfigID, version.Version, string(version.Snapshot), nullString(version.CreatedBy))
	return mapWriteError(err)
}

type configVersionRow struct {
	snapshot  string
	createdBy sql.NullString
}

func scanConfigVersion(s rowScanner) (*domain.RequestConfigVersion, error) {
	var (
		v   domain.RequestConfigVersion
		row configVersionRow
	)
	if err := s.Scan(&v.ConfigID, &v.Version, &row.snapshot, &row.createdBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Snapshot = json.RawMessage(row.snapshot)
	v.CreatedBy = stringPtr(row.createdBy)
	return &v, nil
}

func (r *requestConfigRepository) GetVersion(ctx context.Context, configID string, version int) (*domain.RequestConfigVersion, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT config_id, version, snapshot, created_by, created_at FROM request_config_versions
WHERE config_id = %s AND version = %s`, ph.Next(), ph.Next())
	v, err := scanConfigVersion(r.db.QueryRowContext(ctx, query, configID, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *requestConfigRepository) ListVersions(ctx context.Context, configID string) ([]*domain.RequestConfigVersion, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT config_id, version, snapshot, created_by, created_at FROM request_config_versions
WHERE config_id = %s ORDER BY version DESC`, ph.Next())
	rows, err := r.db.QueryContext(ctx, query, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.RequestConfigVersion
	for rows.Next() {
		v, err := scanConfigVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ---- 护栏仓储 ----

type guardrailRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const guardrailColumns = `id, name, guardrail_type, config, action, execution_order, use_case, config_id, is_active, created_at, updated_at`

type guardrailRow struct {
	kind     string
	config   string
	action   string
	useCase  sql.NullString
	configID sql.NullString
}

func scanGuardrail(s rowScanner) (*domain.Guardrail, error) {
	var (
		g   domain.Guardrail
		row guardrailRow
	)
	if err := s.Scan(&g.ID, &g.Name, &row.kind, &row.config, &row.action, &g.ExecutionOrder, &row.useCase, &row.configID, &g.IsActive, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Type = domain.GuardrailType(row.kind)
	g.Config = json.RawMessage(row.config)
	g.Action = domain.GuardrailAction(row.action)
	g.UseCase = stringPtr(row.useCase)
	g.ConfigID = stringPtr(row.configID)
	return &g, nil
}

func guardrailConfigText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (r *guardrailRepository) Create(ctx context.Context, g *domain.Guardrail) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO guardrails (id, name, guardrail_type, config, action, execution_order, use_case, config_id, is_active)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`, ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())
	_, err := r.db.ExecContext(ctx, query, g.ID, g.Name, string(g.Type), guardrailConfigText(g.Config), string(g.Action), g.ExecutionOrder,
		nullString(g.UseCase), nullString(g.ConfigID), g.IsActive)
	return mapWriteError(err)
}

func (r *guardrailRepository) GetByID(ctx context.Context, id string) (*domain.Guardrail, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM guardrails WHERE id = %s`, guardrailColumns, ph.Next())
	g, err := scanGuardrail(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

func (r *guardrailRepository) List(ctx context.Context, activeOnly bool) ([]*domain.Guardrail, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := `SELECT ` + guardrailColumns + ` FROM guardrails`
	var args []any
	if activeOnly {
		query += fmt.Sprintf(` WHERE is_active = %s`, ph.Next())
		args = append(args, true)
	}
	query += ` ORDER BY execution_order, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guardrails []*domain.Guardrail
	for rows.Next() {
		g, err := scanGuardrail(rows)
		if err != nil {
			return nil, err
		}
		guardrails = append(guardrails, g)
	}
	return guardrails, rows.Err()
}

func (r *guardrailRepository) Update(ctx context.Context, g *domain.Guardrail) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE guardrails SET name = %s, guardrail_type = %s, config = %s, action = %s, execution_order = %s, use_case = %s,
config_id = %s, is_active = %s, updated_at = CURRENT_TIMESTAMP WHERE id = %s`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())
	result, err := r.db.ExecContext(ctx, query, g.Name, string(g.Type), guardrailConfigText(g.Config), string(g.Action), g.ExecutionOrder,
		nullString(g.UseCase), nullString(g.ConfigID), g.IsActive, g.ID)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(result)
}

// ---- 请求日志仓储 ----

type requestLogRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

type requestLogRow struct {
	modelIdentifier sql.NullString
	configID        sql.NullString
	userID          sql.NullString
	effectiveRole   sql.NullString
	ipAddress       sql.NullString
	promptHash      sql.NullString
	errorKind       sql.NullString
	errorMessage    sql.NullString
	flags           string
}

func (r *requestLogRepository) Create(ctx context.Context, entry *domain.RequestLogEntry) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO request_logs (id, use_case, model_identifier, config_id, user_id, effective_role, ip_address, prompt_chars,
response_chars, prompt_hash, input_tokens, output_tokens, cost, duration_ms, attempts, used_fallback, was_successful, error_kind, error_message,
guardrail_flags, created_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	ip := sql.NullString{}
	if entry.IPAddress != "" {
		ip = sql.NullString{String: entry.IPAddress, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query, entry.ID, entry.UseCase, nullString(entry.ModelIdentifier), nullString(entry.ConfigID),
		entry.UserID, entry.EffectiveRole, ip, entry.PromptChars, entry.ResponseChars, entry.PromptHash, entry.InputTokens,
		entry.OutputTokens, entry.Cost, entry.DurationMs, entry.Attempts, entry.UsedFallback, entry.WasSuccessful,
		nullString(entry.ErrorKind), nullString(entry.ErrorMessage), encodeStrings(entry.GuardrailFlags), createdAt.UTC())
	return mapWriteError(err)
}

func (r *requestLogRepository) ListRecent(ctx context.Context, userID string, limit int) ([]*domain.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT id, use_case, model_identifier, config_id, user_id, effective_role, ip_address, prompt_chars, response_chars,
prompt_hash, input_tokens, output_tokens, cost, duration_ms, attempts, used_fallback, was_successful, error_kind, error_message,
guardrail_flags, created_at
FROM request_logs WHERE user_id = %s ORDER BY created_at DESC LIMIT %s`, ph.Next(), ph.Next())

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.RequestLogEntry
	for rows.Next() {
		var (
			e   domain.RequestLogEntry
			row requestLogRow
		)
		if err := rows.Scan(&e.ID, &e.UseCase, &row.modelIdentifier, &row.configID, &row.userID, &row.effectiveRole, &row.ipAddress,
			&e.PromptChars, &e.ResponseChars, &row.promptHash, &e.InputTokens, &e.OutputTokens, &e.Cost, &e.DurationMs, &e.Attempts,
			&e.UsedFallback, &e.WasSuccessful, &row.errorKind, &row.errorMessage, &row.flags, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ModelIdentifier = stringPtr(row.modelIdentifier)
		e.ConfigID = stringPtr(row.configID)
		e.UserID = row.userID.String
		e.EffectiveRole = row.effectiveRole.String
		e.IPAddress = row.ipAddress.String
		e.PromptHash = row.promptHash.String
		e.ErrorKind = stringPtr(row.errorKind)
		e.ErrorMessage = stringPtr(row.errorMessage)
		e.GuardrailFlags = decodeStrings(row.flags)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type usageAggregateRow struct {
	totalCalls   int64
	successCalls sql.NullInt64
	totalTokens  sql.NullInt64
	totalCost    sql.NullFloat64
}

func (r *requestLogRepository) AggregateUsage(ctx context.Context, since time.Time) ([]*domain.UsageSummary, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT use_case,
        COUNT(*) AS total_calls,
        SUM(CASE WHEN was_successful THEN 1 ELSE 0 END) AS success_calls,
        SUM(input_tokens + output_tokens) AS total_tokens,
        SUM(cost) AS total_cost
      FROM request_logs
      WHERE created_at >= %s
      GROUP BY use_case
      ORDER BY use_case`, ph.Next())

	rows, err := r.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*domain.UsageSummary
	for rows.Next() {
		var (
			summary domain.UsageSummary
			row     usageAggregateRow
		)
		if err := rows.Scan(&summary.UseCase, &row.totalCalls, &row.successCalls, &row.totalTokens, &row.totalCost); err != nil {
			return nil, err
		}
		summary.TotalCalls = row.totalCalls
		summary.SuccessCalls = row.successCalls.Int64
		summary.TotalTokens = row.totalTokens.Int64
		summary.TotalCost = row.totalCost.Float64
		stats = append(stats, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
