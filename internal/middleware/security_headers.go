package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/genai-governor/internal/config"
)

type headerPair struct {
	name  string
	value string
}

// SecurityHeaders 设置通用安全响应头；模型响应可能含敏感内容，默认禁止缓存。
func SecurityHeaders(cfg config.SecurityHeadersConfig) gin.HandlerFunc {
	var pairs []headerPair
	add := func(name, value string) {
		if value = strings.TrimSpace(value); value != "" {
			pairs = append(pairs, headerPair{name: name, value: value})
		}
	}
	if cfg.ContentTypeNosniff {
		add("X-Content-Type-Options", "nosniff")
	}
	add("X-Frame-Options", cfg.FrameOptions)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)
	add("X-XSS-Protection", cfg.XSSProtection)
	add("Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy)
	add("Cross-Origin-Embedder-Policy", cfg.CrossOriginEmbedderPolicy)
	add("Cross-Origin-Resource-Policy", cfg.CrossOriginResourcePolicy)
	add("Cache-Control", cfg.CacheControl)

	return func(ctx *gin.Context) {
		headers := ctx.Writer.Header()
		for _, p := range pairs {
			headers.Set(p.name, p.value)
		}
		ctx.Next()
	}
}
