package resilience

import (
	"context"
	"time"
)

// OperationContext 描述一次受保护调用的身份信息。按值传递，构造后不再修改。
type OperationContext struct {
	Operation string
	StartedAt time.Time
	Metadata  map[string]string
}

// NewOperationContext 创建操作上下文，metadata 会被复制。
func NewOperationContext(operation string, metadata map[string]string) OperationContext {
	return OperationContext{
		Operation: operation,
		StartedAt: time.Now(),
		Metadata:  cloneMetadata(metadata),
	}
}

// With 返回追加了一个键值的新副本。
func (o OperationContext) With(key, value string) OperationContext {
	clone := o
	clone.Metadata = cloneMetadata(o.Metadata)
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]string, 1)
	}
	clone.Metadata[key] = value
	return clone
}

func (o OperationContext) fields() map[string]string {
	fields := cloneMetadata(o.Metadata)
	if fields == nil {
		fields = make(map[string]string, 1)
	}
	if o.Operation != "" {
		fields["operation"] = o.Operation
	}
	return fields
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Sleeper 阻塞指定时长，ctx 取消时提前返回其错误。
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext 是基于计时器的默认 Sleeper。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
