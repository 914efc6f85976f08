package infra

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/infra/bootstrap"
	"github.com/zacharykka/genai-governor/internal/infra/cache"
	"github.com/zacharykka/genai-governor/internal/infra/database"
	"github.com/zacharykka/genai-governor/internal/infra/provider"
	"github.com/zacharykka/genai-governor/internal/infra/repository"
	"github.com/zacharykka/genai-governor/internal/middleware"
	"github.com/zacharykka/genai-governor/internal/service/catalog"
	"github.com/zacharykka/genai-governor/internal/service/guardrail"
	"github.com/zacharykka/genai-governor/internal/service/permission"
	"github.com/zacharykka/genai-governor/internal/service/quota"
	"github.com/zacharykka/genai-governor/internal/service/registry"
	"github.com/zacharykka/genai-governor/internal/service/reqconfig"
	"github.com/zacharykka/genai-governor/internal/service/routing"
	"github.com/zacharykka/genai-governor/internal/service/usage"
	authutil "github.com/zacharykka/genai-governor/pkg/auth"
	logcomp "github.com/zacharykka/genai-governor/pkg/logger"
)

// Container 持有应用依赖资源，负责集中关闭。
type Container struct {
	DB    *sql.DB
	Redis *redis.Client
	Repos *domain.Repositories

	Signer      *authutil.Signer
	Permissions *permission.Service
	Models      *registry.Service
	Configs     *reqconfig.Service
	Ledger      *quota.Ledger
	Guardrails  *guardrail.Service
	Catalog     *catalog.Service
	Recorder    *usage.Recorder
	Providers   *provider.Registry
	Governor    *routing.Engine
	Limiter     *limiter.Limiter
}

// Initialize 构建各类依赖并返回关闭函数。
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, func(context.Context) error, error) {
	container := &Container{}

	cleanup := func(ctx context.Context) error {
		var errs error
		if container.Recorder != nil {
			errs = multierr.Append(errs, container.Recorder.Close(ctx))
		}
		if container.DB != nil {
			if err := container.DB.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if container.Redis != nil {
			if err := container.Redis.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		return errs
	}
	fail := func(err error) (*Container, func(context.Context) error, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, nil, multierr.Append(err, cleanup(closeCtx))
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	container.DB = db

	dialect := database.NewDialect(cfg.Database.Driver)
	if cfg.Database.AutoMigrate {
		if _, err := database.Migrate(ctx, db, dialect, cfg.Database.MigrationsDir, logger); err != nil {
			return fail(fmt.Errorf("migrate database: %w", err))
		}
	}
	container.Repos = repository.NewSQLRepositories(db, dialect)

	redisClient, err := cache.New(ctx, cfg.Redis, logger)
	if err != nil {
		return fail(err)
	}
	container.Redis = redisClient

	snapshot := func(prefix string) *cache.Snapshot {
		return cache.NewSnapshot(redisClient, cache.Namespace(cfg.App.Name, prefix), cfg.Governance.CacheTTL, logger)
	}

	container.Signer = authutil.NewSigner(cfg.Auth.AccessTokenSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.Issuer)
	container.Permissions = permission.NewService(container.Repos, container.Signer, logcomp.Component(logger, "permission"))
	container.Models = registry.NewService(container.Repos, snapshot("models"), logcomp.Component(logger, "registry"))
	container.Configs = reqconfig.NewService(container.Repos, snapshot("configs"), logcomp.Component(logger, "reqconfig"))
	container.Ledger = quota.NewLedger(container.Repos, cfg.Governance.Location(), logcomp.Component(logger, "quota"))
	container.Guardrails = guardrail.NewService(container.Repos, snapshot("guardrails"), logcomp.Component(logger, "guardrail"))
	container.Catalog = catalog.NewService(container.Repos, container.Models, logcomp.Component(logger, "catalog"))
	container.Recorder = usage.NewRecorder(container.Repos, cfg.Governance.RecorderQueueSize, logcomp.Component(logger, "usage"))
	container.Providers = provider.NewRegistry(cfg.Providers, logcomp.Component(logger, "provider"))

	container.Governor = routing.NewEngine(routing.Dependencies{
		Permissions: container.Permissions,
		Configs:     container.Configs,
		Models:      container.Models,
		Ledger:      container.Ledger,
		Guardrails:  container.Guardrails,
		Invoker:     container.Providers,
		Recorder:    container.Recorder,
	}, logcomp.Component(logger, "routing"))

	container.Limiter, err = middleware.NewLimiter(cfg.Governance.RateLimit, redisClient)
	if err != nil {
		return fail(fmt.Errorf("build rate limiter: %w", err))
	}

	if err := bootstrap.Seed(ctx, bootstrap.Services{
		Repos:      container.Repos,
		Configs:    container.Configs,
		Ledger:     container.Ledger,
		Guardrails: container.Guardrails,
	}, cfg.Seed, logcomp.Component(logger, "bootstrap")); err != nil {
		return fail(err)
	}

	return container, cleanup, nil
}
