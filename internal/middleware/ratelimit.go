package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/zacharykka/genai-governor/pkg/httpx"
)

// KeyFunc 提取用于限流的 key。
type KeyFunc func(*gin.Context) string

// NewLimiter 按 "120-M" 格式的速率构建限流器；配置了 Redis 时多实例共享计数。
func NewLimiter(formatted string, client *redis.Client) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return limiter.New(memorystore.NewStore(), rate), nil
	}
	store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "genai-governor:ratelimit"})
	if err != nil {
		return nil, err
	}
	return limiter.New(store, rate), nil
}

// RateLimit 返回基于 limiter 的 Gin 中间件。
func RateLimit(l *limiter.Limiter, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = KeyByClientIP()
	}

	return func(ctx *gin.Context) {
		key := keyFunc(ctx)
		if key == "" {
			key = ctx.ClientIP()
		}

		state, err := l.Get(ctx.Request.Context(), key)
		if err != nil {
			httpx.RespondError(ctx, http.StatusInternalServerError, "RATE_LIMIT_ERROR", err.Error(), nil)
			return
		}

		headers := ctx.Writer.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(state.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(state.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(state.Reset, 10))

		if state.Reached {
			wait := time.Until(time.Unix(state.Reset, 0))
			if wait < time.Second {
				wait = time.Second
			}
			headers.Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
			httpx.RespondError(ctx, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests", nil)
			return
		}

		ctx.Next()
	}
}

// KeyByClientIP 使用客户端 IP 作为限流 key。
func KeyByClientIP() KeyFunc {
	return func(ctx *gin.Context) string {
		return ctx.ClientIP()
	}
}

// KeyByUserOrIP 优先使用用户 ID，否则回退到 IP。
func KeyByUserOrIP() KeyFunc {
	return func(ctx *gin.Context) string {
		if userID := ctx.GetString(UserContextKey); userID != "" {
			return "user:" + userID
		}
		return "ip:" + ctx.ClientIP()
	}
}
