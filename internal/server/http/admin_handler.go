package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/middleware"
	"github.com/zacharykka/genai-governor/internal/service/catalog"
	"github.com/zacharykka/genai-governor/internal/service/guardrail"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/reqconfig"
	"github.com/zacharykka/genai-governor/pkg/httpx"
)

// AdminHandler 处理目录、配置、配额与护栏的管理接口。
type AdminHandler struct {
	catalog    *catalog.Service
	configs    *reqconfig.Service
	ledger     *quota.Ledger
	guardrails *guardrail.Service
}

// NewAdminHandler 创建 AdminHandler。
func NewAdminHandler(catalogSvc *catalog.Service, configs *reqconfig.Service, ledger *quota.Ledger, guardrails *guardrail.Service) *AdminHandler {
	return &AdminHandler{catalog: catalogSvc, configs: configs, ledger: ledger, guardrails: guardrails}
}

// RegisterRoutes 注册管理路由，调用方需预先通过 admin:manage 校验。
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/users", h.ListUsers)
	rg.POST("/users", h.CreateUser)
	rg.PATCH("/users/:id", h.UpdateUserAccess)

	rg.GET("/roles", h.ListRoles)
	rg.POST("/roles", h.CreateRole)
	rg.PUT("/roles/:name/permissions", h.UpdateRolePermissions)

	rg.GET("/models", h.ListModels)
	rg.POST("/models", h.CreateModel)
	rg.PUT("/models/:id", h.UpdateModel)
	rg.POST("/models/:id/approve", h.ApproveModel)

	rg.GET("/configs", h.ListConfigs)
	rg.POST("/configs", h.CreateConfig)
	rg.GET("/configs/:id", h.GetConfig)
	rg.PUT("/configs/:id", h.UpdateConfig)
	rg.GET("/configs/:id/versions", h.ListConfigVersions)
	rg.GET("/configs/:id/diff", h.DiffConfig)

	rg.GET("/quotas", h.ListQuotas)
	rg.POST("/quotas", h.CreateQuota)
	rg.PUT("/quotas/:id", h.UpdateQuota)

	rg.GET("/guardrails", h.ListGuardrails)
	rg.POST("/guardrails", h.CreateGuardrail)
	rg.PUT("/guardrails/:id", h.UpdateGuardrail)
}

func bind(ctx *gin.Context, dst any) bool {
	if err := ctx.ShouldBindJSON(dst); err != nil {
		httpx.RespondError(ctx, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return false
	}
	return true
}

// ListUsers 分页列出用户。
func (h *AdminHandler) ListUsers(ctx *gin.Context) {
	limit, offset := parsePagination(ctx.Query("limit"), ctx.Query("offset"))
	users, err := h.catalog.ListUsers(ctx.Request.Context(), limit, offset)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondPage(ctx, users, limit, offset)
}

// CreateUser 创建用户。
func (h *AdminHandler) CreateUser(ctx *gin.Context) {
	var req catalog.UserInput
	if !bind(ctx, &req) {
		return
	}
	user, err := h.catalog.CreateUser(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, user)
}

// UpdateUserAccess 修改用户授权。
func (h *AdminHandler) UpdateUserAccess(ctx *gin.Context) {
	var req catalog.AccessInput
	if !bind(ctx, &req) {
		return
	}
	user, err := h.catalog.UpdateAccess(ctx.Request.Context(), ctx.Param("id"), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, user)
}

// ListRoles 列出角色。
func (h *AdminHandler) ListRoles(ctx *gin.Context) {
	roles, err := h.catalog.ListRoles(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, roles)
}

// CreateRole 创建角色。
func (h *AdminHandler) CreateRole(ctx *gin.Context) {
	var req catalog.RoleInput
	if !bind(ctx, &req) {
		return
	}
	role, err := h.catalog.CreateRole(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, role)
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// UpdateRolePermissions 替换角色权限。
func (h *AdminHandler) UpdateRolePermissions(ctx *gin.Context) {
	var req rolePermissionsRequest
	if !bind(ctx, &req) {
		return
	}
	role, err := h.catalog.UpdateRolePermissions(ctx.Request.Context(), ctx.Param("name"), req.Permissions)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, role)
}

// ListModels 列出模型。
func (h *AdminHandler) ListModels(ctx *gin.Context) {
	models, err := h.catalog.ListModels(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, models)
}

// CreateModel 注册模型。
func (h *AdminHandler) CreateModel(ctx *gin.Context) {
	var req catalog.ModelInput
	if !bind(ctx, &req) {
		return
	}
	model, err := h.catalog.CreateModel(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, model)
}

// UpdateModel 更新模型。
func (h *AdminHandler) UpdateModel(ctx *gin.Context) {
	var req catalog.ModelInput
	if !bind(ctx, &req) {
		return
	}
	model, err := h.catalog.UpdateModel(ctx.Request.Context(), ctx.Param("id"), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, model)
}

// ApproveModel 审批需要管理员批准的模型。
func (h *AdminHandler) ApproveModel(ctx *gin.Context) {
	model, err := h.catalog.ApproveModel(ctx.Request.Context(), ctx.Param("id"), ctx.GetString(middleware.UserContextKey))
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, model)
}

// ListConfigs 列出请求配置。
func (h *AdminHandler) ListConfigs(ctx *gin.Context) {
	configs, err := h.configs.List(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, configs)
}

// CreateConfig 创建请求配置。
func (h *AdminHandler) CreateConfig(ctx *gin.Context) {
	var req domain.RequestConfig
	if !bind(ctx, &req) {
		return
	}
	cfg, err := h.configs.Create(ctx.Request.Context(), reqconfig.CreateInput{
		Config:    req,
		CreatedBy: ctx.GetString(middleware.UserContextKey),
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, cfg)
}

// GetConfig 返回单个配置。
func (h *AdminHandler) GetConfig(ctx *gin.Context) {
	cfg, err := h.configs.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, cfg)
}

type updateConfigRequest struct {
	ExpectedVersion   int                 `json:"expected_version"`
	Scope             *domain.ConfigScope `json:"scope"`
	UseCase           *string             `json:"use_case"`
	UserID            *string             `json:"user_id"`
	Role              *string             `json:"role"`
	Temperature       *float64            `json:"temperature"`
	MaxTokens         *int                `json:"max_tokens"`
	TopP              *float64            `json:"top_p"`
	FrequencyPenalty  *float64            `json:"frequency_penalty"`
	PresencePenalty   *float64            `json:"presence_penalty"`
	TimeoutSeconds    *int                `json:"timeout_seconds"`
	RetryAttempts     *int                `json:"retry_attempts"`
	PreferredModel    *string             `json:"preferred_model"`
	FallbackModel     *string             `json:"fallback_model"`
	MaxCostPerRequest *float64            `json:"max_cost_per_request"`
	ClearCostCeiling  bool                `json:"clear_cost_ceiling"`
	IsDefault         *bool               `json:"is_default"`
	IsActive          *bool               `json:"is_active"`
}

// UpdateConfig 修改配置并生成新版本。
func (h *AdminHandler) UpdateConfig(ctx *gin.Context) {
	var req updateConfigRequest
	if !bind(ctx, &req) {
		return
	}
	cfg, err := h.configs.Update(ctx.Request.Context(), reqconfig.UpdateInput{
		ConfigID:          ctx.Param("id"),
		ExpectedVersion:   req.ExpectedVersion,
		Scope:             req.Scope,
		UseCase:           req.UseCase,
		UserID:            req.UserID,
		Role:              req.Role,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
		TopP:              req.TopP,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		TimeoutSeconds:    req.TimeoutSeconds,
		RetryAttempts:     req.RetryAttempts,
		PreferredModel:    req.PreferredModel,
		FallbackModel:     req.FallbackModel,
		MaxCostPerRequest: req.MaxCostPerRequest,
		ClearCostCeiling:  req.ClearCostCeiling,
		IsDefault:         req.IsDefault,
		IsActive:          req.IsActive,
		UpdatedBy:         ctx.GetString(middleware.UserContextKey),
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, cfg)
}

// ListConfigVersions 列出配置的历史版本。
func (h *AdminHandler) ListConfigVersions(ctx *gin.Context) {
	versions, err := h.configs.ListVersions(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, versions)
}

// DiffConfig 对比两个配置版本，缺省为当前版本与上一版本。
func (h *AdminHandler) DiffConfig(ctx *gin.Context) {
	from := parseQueryInt(ctx.Query("from"), 0)
	to := parseQueryInt(ctx.Query("to"), 0)
	diff, err := h.configs.DiffVersions(ctx.Request.Context(), ctx.Param("id"), from, to)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"diff": diff})
}

// ListQuotas 列出全部配额作用域。
func (h *AdminHandler) ListQuotas(ctx *gin.Context) {
	scopes, err := h.ledger.List(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, scopes)
}

// CreateQuota 创建配额作用域。
func (h *AdminHandler) CreateQuota(ctx *gin.Context) {
	var req domain.QuotaScope
	if !bind(ctx, &req) {
		return
	}
	scope, err := h.ledger.CreateScope(ctx.Request.Context(), &req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, scope)
}

type updateQuotaRequest struct {
	DailyRequestLimit   *int64                  `json:"daily_request_limit"`
	MonthlyRequestLimit *int64                  `json:"monthly_request_limit"`
	DailyCostLimit      *float64                `json:"daily_cost_limit"`
	MonthlyCostLimit    *float64                `json:"monthly_cost_limit"`
	DailyTokenLimit     *int64                  `json:"daily_token_limit"`
	MonthlyTokenLimit   *int64                  `json:"monthly_token_limit"`
	IsActive            *bool                   `json:"is_active"`
	Clear               []domain.QuotaDimension `json:"clear"`
}

// UpdateQuota 修改配额上限。
func (h *AdminHandler) UpdateQuota(ctx *gin.Context) {
	var req updateQuotaRequest
	if !bind(ctx, &req) {
		return
	}
	scope, err := h.ledger.UpdateLimits(ctx.Request.Context(), quota.LimitsInput{
		ScopeID:             ctx.Param("id"),
		DailyRequestLimit:   req.DailyRequestLimit,
		MonthlyRequestLimit: req.MonthlyRequestLimit,
		DailyCostLimit:      req.DailyCostLimit,
		MonthlyCostLimit:    req.MonthlyCostLimit,
		DailyTokenLimit:     req.DailyTokenLimit,
		MonthlyTokenLimit:   req.MonthlyTokenLimit,
		IsActive:            req.IsActive,
		Clear:               req.Clear,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, scope)
}

// ListGuardrails 列出护栏。
func (h *AdminHandler) ListGuardrails(ctx *gin.Context) {
	guardrails, err := h.guardrails.List(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, guardrails)
}

type createGuardrailRequest struct {
	Name           string                 `json:"name" binding:"required"`
	Type           domain.GuardrailType   `json:"type" binding:"required"`
	Config         json.RawMessage        `json:"config"`
	Action         domain.GuardrailAction `json:"action" binding:"required"`
	ExecutionOrder int                    `json:"execution_order"`
	UseCase        *string                `json:"use_case"`
	ConfigID       *string                `json:"config_id"`
	IsActive       *bool                  `json:"is_active"`
}

// CreateGuardrail 创建护栏。
func (h *AdminHandler) CreateGuardrail(ctx *gin.Context) {
	var req createGuardrailRequest
	if !bind(ctx, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	g, err := h.guardrails.Create(ctx.Request.Context(), guardrail.CreateInput{
		Name:           req.Name,
		Type:           req.Type,
		Config:         req.Config,
		Action:         req.Action,
		ExecutionOrder: req.ExecutionOrder,
		UseCase:        req.UseCase,
		ConfigID:       req.ConfigID,
		IsActive:       active,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, g)
}

type updateGuardrailRequest struct {
	Config         json.RawMessage         `json:"config"`
	Action         *domain.GuardrailAction `json:"action"`
	ExecutionOrder *int                    `json:"execution_order"`
	UseCase        *string                 `json:"use_case"`
	ConfigID       *string                 `json:"config_id"`
	IsActive       *bool                   `json:"is_active"`
}

// UpdateGuardrail 修改护栏。
func (h *AdminHandler) UpdateGuardrail(ctx *gin.Context) {
	var req updateGuardrailRequest
	if !bind(ctx, &req) {
		return
	}
	g, err := h.guardrails.Update(ctx.Request.Context(), guardrail.UpdateInput{
		ID:             ctx.Param("id"),
		Config:         req.Config,
		Action:         req.Action,
		ExecutionOrder: req.ExecutionOrder,
		UseCase:        req.UseCase,
		ConfigID:       req.ConfigID,
		IsActive:       req.IsActive,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, g)
}

func parsePagination(limitStr, offsetStr string) (int, int) {
	limit := 50
	offset := 0

	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
		}
	}
	if offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func parseQueryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil && v > 0 {
		return v
	}
	return fallback
}
