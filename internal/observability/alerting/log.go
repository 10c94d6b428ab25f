package alerting

import (
	"context"
	"log/slog"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/pkg/logger"
)

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 以结构化字段记录告警。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("alert_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("severity", string(event.Severity)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Asset != "" {
		attrs = append(attrs, slog.String("asset", event.Asset))
	}
	if event.Price != 0 {
		attrs = append(attrs, slog.Float64("price", event.Price))
	}
	if event.ChangePercent != 0 {
		attrs = append(attrs, slog.Float64("change_percent", event.ChangePercent))
	}
	if event.AmountUSD != 0 {
		attrs = append(attrs, slog.Float64("amount_usd", event.AmountUSD))
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	log.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}
