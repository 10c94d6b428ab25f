package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 的连接参数。
type Config struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// NewClient 创建 Redis 客户端并确认连通性。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
