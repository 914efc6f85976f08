package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	authutil "github.com/zacharykka/genai-governor/pkg/auth"
	"github.com/zacharykka/genai-governor/pkg/httpx"
)

const (
	// UserContextKey 在上下文中存储用户 ID。
	UserContextKey = "user_id"
	// UserRoleContextKey 在上下文中存储令牌中的生效角色。
	UserRoleContextKey = "user_role"
	// ClaimsContextKey 存储解析后的令牌载荷。
	ClaimsContextKey = "auth_claims"
	// IdentityContextKey 存储按存储状态构造的调用方身份。
	IdentityContextKey = "caller_identity"
)

// TokenParser 解析访问令牌。
type TokenParser interface {
	Parse(token string) (*authutil.Claims, error)
}

// Authorizer 构造调用方身份并做权限判定。
type Authorizer interface {
	Identity(ctx context.Context, userID, ip string) (domain.CallerIdentity, error)
	Authorize(ctx context.Context, identity domain.CallerIdentity, perm string) error
}

// AuthGuard 校验 Bearer Token 并注入用户信息。
func AuthGuard(parser TokenParser) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "missing credentials", nil)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "malformed authorization header", nil)
			return
		}

		claims, err := parser.Parse(strings.TrimSpace(parts[1]))
		if err != nil || claims.UserID == "" {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}

		ctx.Set(UserContextKey, claims.UserID)
		ctx.Set(UserRoleContextKey, claims.Role)
		ctx.Set(ClaimsContextKey, claims)
		ctx.Next()
	}
}

// RequireIdentity 根据存储中的用户状态构造 CallerIdentity，令牌中的角色只作参考。
func RequireIdentity(authz Authorizer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := ctx.GetString(UserContextKey)
		identity, err := authz.Identity(ctx.Request.Context(), userID, ctx.ClientIP())
		if err != nil {
			respondIdentityError(ctx, err)
			return
		}
		ctx.Set(IdentityContextKey, identity)
		ctx.Next()
	}
}

// RequirePermission 要求调用方的生效权限包含 perm，需在 RequireIdentity 之后使用。
func RequirePermission(authz Authorizer, perm string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity, ok := IdentityFrom(ctx)
		if !ok {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "caller identity missing", nil)
			return
		}
		if err := authz.Authorize(ctx.Request.Context(), identity, perm); err != nil {
			respondIdentityError(ctx, err)
			return
		}
		ctx.Next()
	}
}

// IdentityFrom 从上下文读取调用方身份。
func IdentityFrom(ctx *gin.Context) (domain.CallerIdentity, bool) {
	val, ok := ctx.Get(IdentityContextKey)
	if !ok {
		return domain.CallerIdentity{}, false
	}
	identity, ok := val.(domain.CallerIdentity)
	return identity, ok
}

func respondIdentityError(ctx *gin.Context, err error) {
	var forbidden *domain.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		httpx.RespondError(ctx, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, permission.ErrUserNotFound):
		httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	case errors.Is(err, permission.ErrUserDisabled):
		httpx.RespondError(ctx, http.StatusForbidden, "USER_DISABLED", err.Error(), nil)
	default:
		httpx.RespondError(ctx, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}
