package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainMCP/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(clock *fakeClock, maxFailures int) *Guard {
	return &Guard{
		Limiter: NewRateLimiter(
			WithLimiterClock(clock.Now),
			WithLimiterSleeper(clock.Sleep),
			WithLimiterLogger(discardLogger()),
		),
		Executor: newTestExecutor(clock, DefaultRetryPolicy()),
		Breakers: NewBreakers(maxFailures, time.Minute,
			WithBreakerClock(clock.Now),
			WithBreakerLogger(discardLogger())),
	}
}

func TestProtectRetriesThroughBreaker(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	guard := newTestGuard(clock, 5)

	var calls atomic.Int32
	got, err := Protect(context.Background(), guard, "rpc", NewOperationContext("get_block_number", nil), func(context.Context) (uint64, error) {
		if calls.Add(1) < 3 {
			return 0, xerrors.New(xerrors.KindNetwork, "connection reset")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, guard.Breakers.Get("rpc").State().Open)
	assert.Zero(t, guard.Breakers.Get("rpc").State().Failures)
}

func TestProtectStopsCallingOnceBreakerOpens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	guard := newTestGuard(clock, 2)

	var calls atomic.Int32
	_, err := Protect(context.Background(), guard, "coingecko", NewOperationContext("price", nil), func(context.Context) (float64, error) {
		calls.Add(1)
		return 0, xerrors.New(xerrors.KindUpstreamUnavailable, "502 bad gateway")
	})

	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits later attempts")
	assert.Equal(t, xerrors.KindUpstreamUnavailable, xerrors.KindOf(err))
	classified, _ := xerrors.From(err)
	assert.Equal(t, "coingecko", classified.Metadata()["breaker"])
	assert.Equal(t, "coingecko", classified.Metadata()["upstream"])
	assert.True(t, guard.Breakers.Get("coingecko").State().Open)
}

func TestProtectWaitsForRateLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	guard := newTestGuard(clock, 5)
	guard.Limiter.Configure("rpc", 1, time.Minute)
	start := clock.Now()

	op := func(context.Context) (string, error) { return "ok", nil }
	for i := 0; i < 2; i++ {
		got, err := Protect(context.Background(), guard, "rpc", NewOperationContext("get_gas_price", nil), op)
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
	}

	assert.GreaterOrEqual(t, clock.Now().Sub(start), time.Minute, "second call waits for the next window")
}

func TestProtectRateLimitCancelled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	guard := newTestGuard(clock, 5)
	guard.Limiter.Configure("rpc", 1, time.Minute)
	require.True(t, guard.Limiter.CheckLimit("rpc"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	_, err := Protect(ctx, guard, "rpc", NewOperationContext("get_balance", nil), func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})

	require.Error(t, err)
	assert.Zero(t, calls.Load())
	_, ok := xerrors.From(err)
	assert.True(t, ok)
}

func TestProtectWithoutGuardStillClassifies(t *testing.T) {
	t.Parallel()

	_, err := Protect(context.Background(), nil, "rpc", NewOperationContext("get_balance", nil), func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})

	assert.Equal(t, xerrors.KindUnknown, xerrors.KindOf(err))
}
