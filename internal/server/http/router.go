package http

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/infra/cache"
	"github.com/zacharykka/genai-governor/internal/infra/database"
	"github.com/zacharykka/genai-governor/internal/metrics"
	"github.com/zacharykka/genai-governor/internal/middleware"
	"github.com/zacharykka/genai-governor/internal/service/permission"
)

// HealthDependencies 汇总健康检查所需的依赖。
type HealthDependencies struct {
	DB    *sql.DB
	Redis *redis.Client
}

// RouterOptions 用于自定义路由行为，例如注入中间件。
type RouterOptions struct {
	Middlewares       []gin.HandlerFunc
	HealthHandler     gin.HandlerFunc
	HealthDeps        *HealthDependencies
	TokenParser       middleware.TokenParser
	Authorizer        middleware.Authorizer
	Limiter           *limiter.Limiter
	GovernanceHandler *GovernanceHandler
	AdminHandler      *AdminHandler
}

// NewEngine 根据环境配置初始化 Gin 引擎，并注册基础路由。
func NewEngine(cfg *config.Config, logger *zap.Logger, opts RouterOptions) *gin.Engine {
	ginMode := gin.DebugMode
	if cfg.App.Env == "production" {
		ginMode = gin.ReleaseMode
	} else if cfg.App.Env == "test" {
		ginMode = gin.TestMode
	}
	gin.SetMode(ginMode)

	engine := gin.New()

	engine.Use(gin.Recovery())
	if len(cfg.Server.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(buildCORSConfig(cfg.Server)))
	}
	engine.Use(middleware.SecurityHeaders(cfg.Server.SecurityHeaders))
	if cfg.Server.MaxRequestBody > 0 {
		engine.Use(middleware.LimitRequestBody(cfg.Server.MaxRequestBody))
	}

	for _, mw := range opts.Middlewares {
		if mw != nil {
			engine.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler(cfg, opts.HealthDeps)
	}

	engine.GET("/healthz", healthHandler)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	if opts.TokenParser == nil || opts.Authorizer == nil {
		logger.Warn("auth dependencies missing; api routes not registered")
		return engine
	}

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthGuard(opts.TokenParser), middleware.RequireIdentity(opts.Authorizer))

	if h := opts.GovernanceHandler; h != nil {
		h.RegisterRoutes(api)

		genai := api.Group("/genai")
		if opts.Limiter != nil {
			genai.Use(middleware.RateLimit(opts.Limiter, middleware.KeyByUserOrIP()))
		}
		genai.POST("/:useCase", h.Govern)

		analytics := api.Group("/analytics")
		analytics.Use(middleware.RequirePermission(opts.Authorizer, permission.Analytics))
		analytics.GET("/usage", h.UsageSummary)
	}

	if opts.AdminHandler != nil {
		admin := api.Group("/admin")
		admin.Use(middleware.RequirePermission(opts.Authorizer, permission.AdminManage))
		opts.AdminHandler.RegisterRoutes(admin)
	}

	logger.Info("http router ready", zap.String("env", cfg.App.Env))

	return engine
}

// buildCORSConfig 将配置中的来源列表转换为 cors 配置，支持 "*" 与 "https://*.example.com" 形式的通配。
func buildCORSConfig(cfg config.ServerConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	var exact []string
	var patterns [][2]string
	for _, origin := range cfg.CORS.AllowOrigins {
		clean := strings.TrimSpace(origin)
		switch {
		case clean == "":
			continue
		case clean == "*":
			corsCfg.AllowAllOrigins = true
			corsCfg.AllowCredentials = false
			return corsCfg
		case strings.Contains(clean, "*"):
			idx := strings.Index(clean, "*")
			patterns = append(patterns, [2]string{clean[:idx], clean[idx+1:]})
		default:
			exact = append(exact, clean)
		}
	}

	if len(patterns) == 0 {
		corsCfg.AllowOrigins = exact
		return corsCfg
	}

	corsCfg.AllowOriginFunc = func(origin string) bool {
		for _, allowed := range exact {
			if origin == allowed {
				return true
			}
		}
		for _, p := range patterns {
			if len(origin) > len(p[0])+len(p[1]) && strings.HasPrefix(origin, p[0]) && strings.HasSuffix(origin, p[1]) {
				return true
			}
		}
		return false
	}
	return corsCfg
}

func defaultHealthHandler(cfg *config.Config, deps *HealthDependencies) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		httpStatus := http.StatusOK
		result := gin.H{
			"status":  "ok",
			"service": cfg.App.Name,
			"env":     cfg.App.Env,
		}

		if deps != nil {
			dependencies := gin.H{}
			if deps.DB != nil {
				if err := database.Health(ctx.Request.Context(), deps.DB); err != nil {
					httpStatus = http.StatusServiceUnavailable
					result["status"] = "degraded"
					dependencies["database"] = gin.H{
						"status": "error",
						"error":  err.Error(),
					}
				} else {
					dependencies["database"] = gin.H{"status": "ok"}
				}
			} else {
				dependencies["database"] = gin.H{"status": "missing"}
			}

			// Redis 为可选依赖，未启用时快照缓存退回进程内。
			if deps.Redis != nil {
				if err := cache.Health(ctx.Request.Context(), deps.Redis); err != nil {
					httpStatus = http.StatusServiceUnavailable
					result["status"] = "degraded"
					dependencies["redis"] = gin.H{
						"status": "error",
						"error":  err.Error(),
					}
				} else {
					dependencies["redis"] = gin.H{"status": "ok"}
				}
			} else {
				dependencies["redis"] = gin.H{"status": "disabled"}
			}

			result["dependencies"] = dependencies
		}

		ctx.JSON(httpStatus, result)
	}
}
