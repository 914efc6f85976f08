package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/service/catalog"
	"github.com/zacharykka/genai-governor/internal/service/guardrail"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/reqconfig"
	"github.com/zacharykka/genai-governor/pkg/httpx"
)

// statusClientClosedRequest 表示调用方在处理完成前断开。
const statusClientClosedRequest = 499

var (
	notFoundErrors = []error{
		domain.ErrNotFound,
		catalog.ErrUserNotFound,
		catalog.ErrRoleNotFound,
		catalog.ErrModelNotFound,
		permission.ErrUserNotFound,
		permission.ErrRoleNotFound,
		reqconfig.ErrConfigNotFound,
		reqconfig.ErrVersionNotFound,
		quota.ErrScopeNotFound,
		guardrail.ErrGuardrailNotFound,
	}
	invalidErrors = []error{
		catalog.ErrInvalidInput,
		reqconfig.ErrNameRequired,
		reqconfig.ErrInvalidConfig,
		reqconfig.ErrUnknownModel,
		quota.ErrInvalidScope,
		guardrail.ErrNameRequired,
		guardrail.ErrInvalidConfig,
	}
	conflictErrors = []error{
		domain.ErrConflict,
		catalog.ErrUserExists,
		catalog.ErrRoleExists,
		catalog.ErrModelExists,
		reqconfig.ErrDefaultExists,
		reqconfig.ErrDuplicateName,
		reqconfig.ErrVersionMismatch,
		guardrail.ErrDuplicateName,
	}
)

// respondError 将领域错误与服务错误映射为 HTTP 状态码与稳定错误码。
func respondError(ctx *gin.Context, err error) {
	var (
		conflict *domain.ConfigConflictError
		exceeded *domain.QuotaExceededError
		blocked  *domain.GuardrailBlockedError
		ceiling  *domain.CostCeilingError
	)

	switch domain.ErrorKind(err) {
	case domain.KindForbidden:
		httpx.RespondError(ctx, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case domain.KindNoDefaultConfig:
		httpx.RespondError(ctx, http.StatusInternalServerError, "NO_DEFAULT_CONFIG", err.Error(), nil)
	case domain.KindConfigConflict:
		errors.As(err, &conflict)
		httpx.RespondError(ctx, http.StatusInternalServerError, "CONFIGURATION_CONFLICT", err.Error(), gin.H{
			"tier":       conflict.Tier,
			"candidates": conflict.Candidates,
		})
	case domain.KindQuotaExceeded:
		errors.As(err, &exceeded)
		httpx.RespondError(ctx, http.StatusTooManyRequests, "QUOTA_EXCEEDED", err.Error(), gin.H{
			"scope":      exceeded.ScopeName,
			"scope_type": exceeded.ScopeType,
			"dimension":  exceeded.Dimension,
		})
	case domain.KindGuardrailBlocked:
		errors.As(err, &blocked)
		httpx.RespondError(ctx, http.StatusUnprocessableEntity, "GUARDRAIL_BLOCKED", err.Error(), gin.H{
			"guardrail": blocked.Guardrail,
			"reason":    blocked.Reason,
			"stage":     blocked.Stage,
		})
	case domain.KindCostCeiling:
		errors.As(err, &ceiling)
		httpx.RespondError(ctx, http.StatusUnprocessableEntity, "COST_CEILING_EXCEEDED", err.Error(), gin.H{
			"estimated": ceiling.Estimated,
			"ceiling":   ceiling.Ceiling,
		})
	case domain.KindCancelled:
		httpx.RespondError(ctx, statusClientClosedRequest, "REQUEST_CANCELLED", err.Error(), nil)
	case domain.KindModelUnavailable:
		httpx.RespondError(ctx, http.StatusServiceUnavailable, "MODEL_UNAVAILABLE", err.Error(), nil)
	case domain.KindProviderTransient:
		httpx.RespondError(ctx, http.StatusBadGateway, "PROVIDER_ERROR", err.Error(), nil)
	default:
		switch {
		case matchesAny(err, notFoundErrors):
			httpx.RespondError(ctx, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		case matchesAny(err, invalidErrors):
			httpx.RespondError(ctx, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
		case matchesAny(err, conflictErrors):
			httpx.RespondError(ctx, http.StatusConflict, "CONFLICT", err.Error(), nil)
		case errors.Is(err, permission.ErrUserDisabled):
			httpx.RespondError(ctx, http.StatusForbidden, "USER_DISABLED", err.Error(), nil)
		default:
			httpx.RespondError(ctx, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
