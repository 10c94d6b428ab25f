package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述告警交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// publisher 是 *amqp.Channel 中通知器用到的部分。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQNotifier 将告警发布到 topic 交换机，路由键为 "<routing_key>.<type>"。
type RabbitMQNotifier struct {
	conn       *amqp.Connection
	ch         publisher
	exchange   string
	routingKey string
}

// NewRabbitMQNotifier 连接 RabbitMQ 并声明持久化的 topic 交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "chainmcp.alerts"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	n := newRabbitMQNotifier(ch, exchange, cfg.RoutingKey)
	n.conn = conn
	return n, nil
}

func newRabbitMQNotifier(ch publisher, exchange, routingKey string) *RabbitMQNotifier {
	if routingKey == "" {
		routingKey = "alert"
	}
	return &RabbitMQNotifier{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布持久化消息。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 通知器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	return n.ch.PublishWithContext(ctx, n.exchange, n.routingKey+"."+string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if ch, ok := n.ch.(*amqp.Channel); ok {
		_ = ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
