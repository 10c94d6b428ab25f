package resilience

import (
	"context"
)

// Guard 把限流、重试与熔断串成上游调用的固定路径：
// 先按上游名取得限流配额，再在重试循环内经过该上游的熔断器。
// 任一字段为 nil 时跳过对应环节。
type Guard struct {
	Limiter  *RateLimiter
	Executor *Executor
	Breakers *Breakers
}

// Protect 在 g 的保护下执行 op。upstream 同时是限流桶名与熔断器键。
func Protect[T any](ctx context.Context, g *Guard, upstream string, opCtx OperationContext, op func(ctx context.Context) (T, error), opts ...PolicyOption) (T, error) {
	var zero T
	if g == nil {
		g = &Guard{}
	}
	opCtx = opCtx.With("upstream", upstream)

	if g.Limiter != nil {
		if err := g.Limiter.WaitForLimit(ctx, upstream); err != nil {
			return zero, WrapError(FromUpstreamError(err), opCtx)
		}
	}

	call := op
	if g.Breakers != nil {
		breaker := g.Breakers.Get(upstream)
		call = func(ctx context.Context) (T, error) {
			var out T
			err := breaker.Call(ctx, func(ctx context.Context) error {
				v, err := op(ctx)
				if err != nil {
					return err
				}
				out = v
				return nil
			})
			return out, err
		}
	}

	if g.Executor == nil {
		v, err := call(ctx)
		if err != nil {
			return zero, WrapError(FromUpstreamError(err), opCtx)
		}
		return v, nil
	}
	return WithRetry(ctx, g.Executor, opCtx, call, opts...)
}
