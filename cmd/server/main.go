package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/app"
	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/infra"
	"github.com/zacharykka/genai-governor/internal/middleware"
	httpserver "github.com/zacharykka/genai-governor/internal/server/http"
	"github.com/zacharykka/genai-governor/pkg/logger"
)

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigDir, opts.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, cleanup, err := infra.Initialize(ctx, cfg, log)
	if err != nil {
		log.Fatal("初始化依赖失败", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := cleanup(closeCtx); err != nil {
			log.Error("释放资源失败", zap.Error(err))
		}
	}()

	engine := httpserver.NewEngine(cfg, log, httpserver.RouterOptions{
		Middlewares: []gin.HandlerFunc{
			middleware.RequestLogger(log),
		},
		HealthDeps: &httpserver.HealthDependencies{
			DB:    container.DB,
			Redis: container.Redis,
		},
		TokenParser: container.Signer,
		Authorizer:  container.Permissions,
		Limiter:     container.Limiter,
		GovernanceHandler: httpserver.NewGovernanceHandler(
			container.Permissions,
			container.Governor,
			container.Ledger,
			container.Recorder,
		),
		AdminHandler: httpserver.NewAdminHandler(
			container.Catalog,
			container.Configs,
			container.Ledger,
			container.Guardrails,
		),
	})

	application := app.New(cfg, log, engine, container.Ledger)

	if err := application.Run(ctx); err != nil {
		log.Error("服务运行异常", zap.Error(err))
	}
}

// options 控制命令行参数。
type options struct {
	ConfigDir string
	Env       string
}

func parseFlags() options {
	var opts options
	pflag.StringVar(&opts.ConfigDir, "config-dir", "./config", "配置文件目录")
	pflag.StringVar(&opts.Env, "env", "", "强制指定运行环境，覆盖 GENAI_GOVERNOR_ENV")
	pflag.Parse()
	return opts
}
