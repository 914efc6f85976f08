// Package database 负责治理存储的连接、方言与迁移。
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"

	// 驱动注册
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// New 根据配置打开 SQLite 或 PostgreSQL 连接池。
// SQLite 只允许单个写连接，配额的条件更新依赖这一点避免 SQLITE_BUSY。
func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.MaxOpen
	if !NewDialect(cfg.Driver).IsPostgres() && maxOpen != 1 {
		if maxOpen > 1 {
			logger.Warn("sqlite supports a single writer; capping pool", zap.Int("configured_max_open", maxOpen))
		}
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.Driver, err)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver), zap.Int("max_open", maxOpen))
	return db, nil
}

// Health 检查数据库连通性，供 /healthz 使用。
func Health(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}
