package resilience

import (
	"context"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// Result 保存并行调用中单个操作的结果，下标与输入一致。
type Result[T any] struct {
	Value T
	Err   error
}

// OK 表示该操作是否成功。
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// ParallelOptions 控制 WithParallel 的行为。
type ParallelOptions struct {
	// FailFast 为 true 时第一个失败会取消其余操作并立即返回。
	FailFast bool
	// Limit 限制同时运行的操作数，<= 0 表示不限制。
	Limit int
}

// WithParallel 并发执行 ops，每个操作独立经过重试循环。
//
// 默认模式下返回与 ops 等长的结果，失败的位置带有错误；FailFast 模式下
// 返回第一个失败。
func WithParallel[T any](ctx context.Context, e *Executor, opCtx OperationContext, ops []func(ctx context.Context) (T, error), opts ParallelOptions, policyOpts ...PolicyOption) ([]Result[T], error) {
	results := make([]Result[T], len(ops))
	if len(ops) == 0 {
		return results, nil
	}

	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	if opts.Limit > 0 {
		g.SetLimit(opts.Limit)
	}

	for i, op := range ops {
		itemCtx := opCtx.With("index", strconv.Itoa(i))
		g.Go(func() error {
			value, err := WithRetry(gctx, e, itemCtx, op, policyOpts...)
			results[i] = Result[T]{Value: value, Err: err}
			if err != nil && opts.FailFast {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	failed := 0
	for i, res := range results {
		if res.Err != nil {
			failed++
			e.logger.Warn("并行操作失败",
				slog.String("operation", opCtx.Operation),
				slog.Int("index", i),
				slog.Any("error", res.Err))
		}
	}
	if failed > 0 {
		e.logger.Info("并行操作完成",
			slog.String("operation", opCtx.Operation),
			slog.Int("total", len(ops)),
			slog.Int("failed", failed))
	}
	return results, nil
}

// Successes 按原顺序返回成功操作的值。
func Successes[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, res := range results {
		if res.OK() {
			values = append(values, res.Value)
		}
	}
	return values
}
