package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Fetch 依次查询本地缓存、二级缓存和 load，并回填缓存。
// 二级缓存的故障只记录日志，不影响调用结果。
func Fetch[T any](ctx context.Context, s *Store, name, key string, load func(ctx context.Context) (T, error), ttl ...time.Duration) (T, error) {
	var zero T

	value, ok, err := s.Get(name, key)
	if err != nil {
		return zero, err
	}
	if ok {
		if typed, match := value.(T); match {
			return typed, nil
		}
	}

	if typed, remaining, found := fetchTier[T](ctx, s, name, key); found {
		c := s.caches[name]
		life := c.ttl(ttl)
		if remaining > 0 && remaining < life {
			life = remaining
		}
		c.set(key, typed, s.now().Add(life))
		return typed, nil
	}

	loaded, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if err := s.Set(name, key, loaded, ttl...); err != nil {
		return zero, err
	}
	return loaded, nil
}

// fetchTier 读取二级缓存，同时返回条目的剩余有效期，回填本地缓存时不得超过它。
func fetchTier[T any](ctx context.Context, s *Store, name, key string) (T, time.Duration, bool) {
	var zero T
	if s.tier == nil {
		return zero, 0, false
	}
	payload, remaining, ok, err := s.tier.Get(ctx, name, key)
	if err != nil {
		s.logger.Warn("二级缓存读取失败", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
		return zero, 0, false
	}
	if !ok {
		return zero, 0, false
	}
	var typed T
	if err := json.Unmarshal(payload, &typed); err != nil {
		s.logger.Warn("二级缓存解码失败", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
		return zero, 0, false
	}
	return typed, remaining, true
}
