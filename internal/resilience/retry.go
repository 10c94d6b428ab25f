package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/pkg/logger"
)

// Executor 以指数退避重试上游调用，并把所有失败归一为分类错误。
type Executor struct {
	policy RetryPolicy
	logger *slog.Logger
	sleep  Sleeper
	jitter func() float64
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithSleeper 替换重试间隔的等待实现，测试中用于跳过真实等待。
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithJitter 替换抖动源，返回值需位于 [0, 1)。
func WithJitter(fn func() float64) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(policy RetryPolicy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy: policy.normalize(),
		sleep:  SleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("retry")
	}
	return e
}

// Policy 返回默认策略。
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Execute 执行 op，失败时按策略重试。返回的错误总是 *xerrors.Error。
func (e *Executor) Execute(ctx context.Context, opCtx OperationContext, op func(ctx context.Context) error, opts ...PolicyOption) error {
	policy := e.policy.apply(opts)

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			metrics.ObserveRetry(opCtx.Operation, "success")
			return nil
		}

		classified := WrapError(FromUpstreamError(err), opCtx)
		if !classified.Retryable() || !policy.retryable(classified.Kind()) {
			metrics.ObserveRetry(opCtx.Operation, "fatal")
			e.logger.Debug("不可重试的错误",
				slog.String("operation", opCtx.Operation),
				slog.String("kind", string(classified.Kind())),
				slog.Int("attempt", attempt),
				slog.Any("error", classified))
			return classified
		}
		if attempt > policy.MaxRetries {
			metrics.ObserveRetry(opCtx.Operation, "exhausted")
			e.logger.Warn("重试次数耗尽",
				slog.String("operation", opCtx.Operation),
				slog.String("kind", string(classified.Kind())),
				slog.Int("attempts", attempt),
				slog.Duration("elapsed", time.Since(opCtx.StartedAt)),
				slog.Any("error", classified))
			return classified
		}

		delay := classified.RetryAfter()
		if delay <= 0 {
			delay = policy.Backoff(attempt, e.jitter())
		}
		metrics.ObserveRetry(opCtx.Operation, "retry")
		e.logger.Info("调用失败，准备重试",
			slog.String("operation", opCtx.Operation),
			slog.String("kind", string(classified.Kind())),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		if err := e.sleep(ctx, delay); err != nil {
			return WrapError(FromUpstreamError(err), opCtx)
		}
	}
}

// WithRetry 是 Execute 的泛型版本，返回 op 的结果。
func WithRetry[T any](ctx context.Context, e *Executor, opCtx OperationContext, op func(ctx context.Context) (T, error), opts ...PolicyOption) (T, error) {
	var result T
	err := e.Execute(ctx, opCtx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// WrapError 保证返回分类错误：已分类的错误补充操作上下文后返回，
// 其余错误归为 unknown 且不可重试，保留原始信息。
func WrapError(err error, opCtx OperationContext) *xerrors.Error {
	if err == nil {
		return nil
	}
	if classified, ok := xerrors.From(err); ok {
		return classified.Annotate(opCtx.fields())
	}
	return xerrors.Wrap(xerrors.KindUnknown, err, err.Error(), xerrors.WithRetryable(false)).Annotate(opCtx.fields())
}

// FromUpstreamError 将 JSON-RPC 错误码、HTTP 状态码以及网络错误映射为分类错误。
func FromUpstreamError(err error) *xerrors.Error {
	return xerrors.Classify(err)
}
