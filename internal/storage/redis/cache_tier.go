package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "chainmcp:cache"
	scanBatch     = 200
)

// CacheTier 把命名缓存的条目存入 Redis，供多个实例共享。
type CacheTier struct {
	client goredis.UniversalClient
	prefix string
}

// NewCacheTier 构造二级缓存。prefix 为空时使用默认前缀。
func NewCacheTier(client goredis.UniversalClient, prefix string) *CacheTier {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &CacheTier{client: client, prefix: prefix}
}

func (t *CacheTier) key(cache, key string) string {
	return t.prefix + ":" + cache + ":" + key
}

// Get 读取条目及其剩余有效期，不存在时返回 found=false。
// 没有过期时间的条目 remaining 为 0。
func (t *CacheTier) Get(ctx context.Context, cache, key string) (payload []byte, remaining time.Duration, found bool, err error) {
	k := t.key(cache, key)
	var getCmd *goredis.StringCmd
	var ttlCmd *goredis.DurationCmd
	_, pipeErr := t.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		getCmd = p.Get(ctx, k)
		ttlCmd = p.PTTL(ctx, k)
		return nil
	})
	payload, err = getCmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, 0, false, nil
	}
	if err == nil {
		err = pipeErr
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	if remaining = ttlCmd.Val(); remaining < 0 {
		remaining = 0
	}
	return payload, remaining, true, nil
}

// Set 写入条目并设置过期时间。
func (t *CacheTier) Set(ctx context.Context, cache, key string, value []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, t.key(cache, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Del 删除条目。
func (t *CacheTier) Del(ctx context.Context, cache, key string) error {
	if err := t.client.Del(ctx, t.key(cache, key)).Err(); err != nil {
		return fmt.Errorf("Redis 删除缓存失败: %w", err)
	}
	return nil
}

// Flush 删除某个缓存下的全部条目。先完整扫描出键集合再删除，
// 集群模式下逐个主节点扫描。
func (t *CacheTier) Flush(ctx context.Context, cache string) error {
	keys, err := t.scan(ctx, t.key(cache, "*"))
	if err != nil {
		return fmt.Errorf("Redis 扫描缓存失败: %w", err)
	}
	for start := 0; start < len(keys); start += scanBatch {
		batch := keys[start:min(start+scanBatch, len(keys))]
		_, err := t.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
			for _, k := range batch {
				p.Del(ctx, k)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("Redis 清空缓存失败: %w", err)
		}
	}
	return nil
}

func (t *CacheTier) scan(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := t.client.(*goredis.ClusterClient)
	if !ok {
		return scanKeys(ctx, t.client, pattern)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
		found, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func scanKeys(ctx context.Context, c goredis.Cmdable, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	iter := c.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, iter.Err()
}
