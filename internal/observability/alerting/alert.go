package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRedis    Channel = "redis"
	ChannelRabbitMQ Channel = "rabbitmq"
	ChannelStore    Channel = "store"
)

// Type 为告警类型。
type Type string

const (
	TypePriceMove     Type = "price_move"
	TypeWhaleTransfer Type = "whale_transfer"
	TypeConnection    Type = "connection"
)

// Event 描述一次需要告警的事件。
type Event struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	Severity      xerrors.Severity  `json:"severity"`
	Message       string            `json:"message"`
	Asset         string            `json:"asset,omitempty"`
	Price         float64           `json:"price,omitempty"`
	PreviousPrice float64           `json:"previous_price,omitempty"`
	ChangePercent float64           `json:"change_percent,omitempty"`
	AmountUSD     float64           `json:"amount_usd,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewEvent 创建带唯一 ID 的告警事件。
func NewEvent(typ Type, severity xerrors.Severity, message string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Severity:   severity,
		Message:    message,
		OccurredAt: at.UTC(),
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	logger    *slog.Logger
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set, logger: logger.Named("alerting")}
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	metrics.ObserveAlert(string(event.Type))
	var errs []error
	for _, ch := range d.Channels() {
		notifier := d.notifiers[ch]
		if err := notifier.Notify(ctx, event); err != nil {
			d.logger.Warn("告警投递失败",
				slog.String("channel", string(ch)),
				slog.String("alert_id", event.ID),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
