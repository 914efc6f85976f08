package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/middleware"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/routing"
	"github.com/zacharykka/genai-governor/internal/service/usage"
	"github.com/zacharykka/genai-governor/pkg/httpx"
)

// GovernanceHandler 处理调用方视角的治理接口。
type GovernanceHandler struct {
	permissions *permission.Service
	governor    *routing.Engine
	ledger      *quota.Ledger
	recorder    *usage.Recorder
}

// NewGovernanceHandler 构造治理处理器。
func NewGovernanceHandler(permissions *permission.Service, governor *routing.Engine, ledger *quota.Ledger, recorder *usage.Recorder) *GovernanceHandler {
	return &GovernanceHandler{permissions: permissions, governor: governor, ledger: ledger, recorder: recorder}
}

// RegisterRoutes 注册需要已认证身份的路由。
func (h *GovernanceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/permissions/me", h.Permissions)
	rg.POST("/roles/switch", h.SwitchRole)
	rg.POST("/roles/restore", h.RestoreRole)
	rg.GET("/quotas/me", h.Quotas)
	rg.GET("/requests/me", h.RecentRequests)
}

type switchRoleRequest struct {
	Role string `json:"role" binding:"required,min=1,max=64"`
}

type governRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Permissions 返回调用方当前的有效权限。
func (h *GovernanceHandler) Permissions(ctx *gin.Context) {
	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	effective, _, err := h.permissions.Resolve(ctx.Request.Context(), identity.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, effective)
}

// SwitchRole 开始角色模拟并返回新凭证。
func (h *GovernanceHandler) SwitchRole(ctx *gin.Context) {
	var req switchRoleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		httpx.RespondError(ctx, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return
	}
	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	cred, err := h.permissions.SwitchRole(ctx.Request.Context(), identity.UserID, strings.TrimSpace(req.Role))
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, cred)
}

// RestoreRole 结束角色模拟并返回新凭证。
func (h *GovernanceHandler) RestoreRole(ctx *gin.Context) {
	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	cred, err := h.permissions.Restore(ctx.Request.Context(), identity.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, cred)
}

// Govern 对指定用例执行一次受治理的模型调用。
func (h *GovernanceHandler) Govern(ctx *gin.Context) {
	var req governRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		httpx.RespondError(ctx, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return
	}
	useCase := strings.TrimSpace(ctx.Param("useCase"))
	if useCase == "" {
		httpx.RespondError(ctx, http.StatusBadRequest, "INVALID_PAYLOAD", "use case is required", nil)
		return
	}

	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	result, err := h.governor.Govern(ctx.Request.Context(), routing.Request{
		UseCase:  useCase,
		Identity: identity,
		Prompt:   req.Prompt,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, result)
}

// Quotas 返回适用于调用方的配额及当前用量。
func (h *GovernanceHandler) Quotas(ctx *gin.Context) {
	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	scopes, err := h.ledger.Usage(ctx.Request.Context(), identity)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, scopes)
}

// RecentRequests 返回调用方最近的请求日志。
func (h *GovernanceHandler) RecentRequests(ctx *gin.Context) {
	identity, ok := callerIdentity(ctx)
	if !ok {
		return
	}
	limit, _ := parsePagination(ctx.Query("limit"), "")
	entries, err := h.recorder.Recent(ctx.Request.Context(), identity.UserID, limit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondList(ctx, entries)
}

// callerIdentity 读取 RequireIdentity 写入的身份，缺失时直接返回 401。
func callerIdentity(ctx *gin.Context) (domain.CallerIdentity, bool) {
	identity, ok := middleware.IdentityFrom(ctx)
	if !ok || identity.UserID == "" {
		httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "caller identity missing", nil)
		return domain.CallerIdentity{}, false
	}
	return identity, true
}

// UsageSummary 按用例汇总最近若干天的调用量与成本。
func (h *GovernanceHandler) UsageSummary(ctx *gin.Context) {
	days := parseQueryInt(ctx.Query("days"), 7)
	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := h.recorder.Summary(ctx.Request.Context(), since)
	if err != nil {
		respondError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"since": since, "items": summary})
}
