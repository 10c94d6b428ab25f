package alerting

import (
	"context"
	"errors"
)

// Recorder 持久化告警历史。
type Recorder interface {
	SaveAlert(ctx context.Context, event Event) error
}

// StoreNotifier 将告警写入历史存储，供 recent_alerts 工具查询。
type StoreNotifier struct {
	Recorder Recorder
}

// Channel 返回存储渠道。
func (n *StoreNotifier) Channel() Channel { return ChannelStore }

// Notify 保存告警。
func (n *StoreNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Recorder == nil {
		return errors.New("告警存储未配置")
	}
	return n.Recorder.SaveAlert(ctx, event)
}
