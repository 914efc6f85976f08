package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/pkg/httpx"
)

// LimitRequestBody 限制请求体大小；声明长度超限时直接返回 413，其余情况由读取方感知截断。
func LimitRequestBody(maxBytes int64) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if maxBytes <= 0 {
			ctx.Next()
			return
		}
		if ctx.Request.ContentLength > maxBytes {
			httpx.RespondError(ctx, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", gin.H{"max_bytes": maxBytes})
			return
		}
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBytes)
		ctx.Next()
	}
}
