// Package cache 提供 Redis 客户端与解析器快照缓存。
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/config"
)

// New 构建 Redis 客户端并验证连通性；未配置地址时返回 nil，快照缓存退化为进程内缓存。
func New(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Enabled() {
		logger.Info("redis disabled; snapshot cache stays process local")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// Namespace 拼接快照键前缀，如 "genai-governor:models"。
func Namespace(app string, parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	for _, p := range append([]string{app}, parts...) {
		if p = strings.Trim(strings.TrimSpace(p), ":"); p != "" {
			segments = append(segments, p)
		}
	}
	return strings.Join(segments, ":")
}

// Health 检查 Redis 连通性。
func Health(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errors.New("redis not initialized")
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(healthCtx).Err()
}
