package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisNotifier 将告警以 JSON 形式 PUBLISH 到 Redis 频道，供外部订阅者消费。
type RedisNotifier struct {
	client  goredis.UniversalClient
	channel string
}

// NewRedisNotifier 创建 Redis 告警通知器。
func NewRedisNotifier(client goredis.UniversalClient, channel string) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if channel == "" {
		channel = "chainmcp:alerts"
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 发布告警。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布告警失败: %w", err)
	}
	return nil
}
