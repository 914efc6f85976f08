package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Snapshot 是读多写少数据的两级 TTL 缓存：进程内 map 加可选的 Redis。
// 缓存失败只记录日志，始终回退到 loader。
type Snapshot struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewSnapshot 创建快照缓存；client 为 nil 时仅使用进程内缓存，ttl<=0 时关闭缓存。
func NewSnapshot(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Snapshot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshot{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]localEntry),
	}
}

// Fetch 依次读取进程内缓存、Redis，均未命中时调用 load 并回填。
func Fetch[T any](ctx context.Context, s *Snapshot, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if s == nil || s.ttl <= 0 {
		return load(ctx)
	}

	if payload, ok := s.getLocal(key); ok {
		var value T
		if err := json.Unmarshal(payload, &value); err == nil {
			return value, nil
		}
	}

	if s.client != nil {
		payload, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
		switch {
		case err == nil:
			var value T
			if err := json.Unmarshal(payload, &value); err == nil {
				s.setLocal(key, payload)
				return value, nil
			}
		case !errors.Is(err, redis.Nil):
			s.logger.Warn("snapshot cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	value, err := load(ctx)
	if err != nil {
		return zero, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("snapshot cache encode failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	s.setLocal(key, payload)
	if s.client != nil {
		if err := s.client.Set(ctx, s.redisKey(key), payload, s.ttl).Err(); err != nil {
			s.logger.Warn("snapshot cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

// Invalidate 删除指定键的两级缓存。
func (s *Snapshot) Invalidate(ctx context.Context, keys ...string) {
	if s == nil || len(keys) == 0 {
		return
	}
	s.mu.Lock()
	for _, key := range keys {
		delete(s.local, key)
	}
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	redisKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		redisKeys = append(redisKeys, s.redisKey(key))
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		s.logger.Warn("snapshot cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// WithClock 替换缓存使用的时钟，便于测试过期。
func (s *Snapshot) WithClock(now func() time.Time) *Snapshot {
	s.now = now
	return s
}

func (s *Snapshot) redisKey(key string) string {
	return s.prefix + ":" + key
}

func (s *Snapshot) getLocal(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.local[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}

func (s *Snapshot) setLocal(key string, payload []byte) {
	s.mu.Lock()
	s.local[key] = localEntry{payload: payload, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
}
