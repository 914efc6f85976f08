package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
)

// ResetSweeper 周期性地将跨周期的配额计数清零。
type ResetSweeper interface {
	SweepResets(ctx context.Context) (int, error)
}

// Application 负责组织配置、日志与 HTTP Server 的生命周期。
type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *gin.Engine
	server  *http.Server
	sweeper ResetSweeper
	wg      sync.WaitGroup
}

// New 构建应用实例，并初始化 HTTP 服务配置；sweeper 可为 nil。
func New(cfg *config.Config, logger *zap.Logger, engine *gin.Engine, sweeper ResetSweeper) *Application {
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		server:  httpServer,
		sweeper: sweeper,
	}
}

// Run 启动 HTTP 服务与后台任务，并监听上下文取消，实现优雅退出。
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("starting http server", zap.String("addr", a.server.Addr))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer func() {
		stopSweep()
		a.wg.Wait()
	}()
	a.startResetSweeper(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startResetSweeper 按 resetSweepInterval 运行配额重置，间隔为 0 或未配置 sweeper 时不启动。
func (a *Application) startResetSweeper(ctx context.Context) {
	interval := a.cfg.Governance.ResetSweepInterval
	if a.sweeper == nil || interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			a.sweepOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (a *Application) sweepOnce(ctx context.Context) {
	reset, err := a.sweeper.SweepResets(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("quota reset sweep failed", zap.Error(err))
		}
		return
	}
	if reset > 0 {
		a.logger.Info("quota counters reset", zap.Int("scopes", reset))
	}
}

// shutdown 执行优雅停机逻辑。
func (a *Application) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down http server")
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Engine 暴露 Gin 引擎实例，方便注册额外路由。
func (a *Application) Engine() *gin.Engine {
	return a.engine
}
