package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/metrics"
	authutil "github.com/zacharykka/genai-governor/pkg/auth"
)

const (
	// RequestIDHeader 用于透传请求 ID。
	RequestIDHeader = "X-Request-ID"
	// RequestIDContextKey 在上下文中存储请求 ID。
	RequestIDContextKey = "request_id"
)

// RequestLogger 负责记录每一次 HTTP 请求，并上报请求耗时指标。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		requestID := ctx.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(RequestIDContextKey, requestID)
		ctx.Writer.Header().Set(RequestIDHeader, requestID)

		ctx.Next()

		duration := time.Since(start)
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := ctx.Writer.Status()
		metrics.RecordHTTPRequest(ctx.Request.Method, route, status, duration)

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", ctx.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", ctx.ClientIP()),
			zap.Int("size", ctx.Writer.Size()),
		}
		if userID := ctx.GetString(UserContextKey); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if claims, ok := ctx.Get(ClaimsContextKey); ok {
			if c, ok := claims.(*authutil.Claims); ok && c.Impersonating() {
				fields = append(fields, zap.String("effective_role", c.Role), zap.String("original_role", c.OriginalRole))
			}
		}
		if status >= 500 {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}
