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

func newTestExecutor(clock *fakeClock, policy RetryPolicy) *Executor {
	return NewExecutor(policy,
		WithSleeper(clock.Sleep),
		WithJitter(func() float64 { return 0 }),
		WithExecutorLogger(discardLogger()),
	)
}

func TestExecuteRetriesRetryableUntilExhausted(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("get_block_number", nil), func(context.Context) error {
		calls.Add(1)
		return xerrors.New(xerrors.KindNetwork, "connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	classified, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindNetwork, classified.Kind())
	assert.True(t, classified.Retryable())
	assert.Equal(t, "get_block_number", classified.Metadata()["operation"])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("get_balance", nil), func(context.Context) error {
		calls.Add(1)
		return xerrors.New(xerrors.KindValidation, "bad address")
	})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
	assert.Empty(t, clock.Sleeps())
}

func TestExecuteRespectsRetryableKinds(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("op", nil), func(context.Context) error {
		calls.Add(1)
		return xerrors.New(xerrors.KindTimeout, "")
	}, WithRetryableKinds(xerrors.KindNetwork))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, xerrors.KindTimeout, xerrors.KindOf(err))
}

func TestWithRetryReturnsValueAfterRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	value, err := WithRetry(context.Background(), exec, NewOperationContext("get_gas_price", nil), func(context.Context) (uint64, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("i/o timeout")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(42), value)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, clock.Sleeps(), 2)
}

func TestExecuteUsesRetryAfterHintVerbatim(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("coingecko", nil), func(context.Context) error {
		if calls.Add(1) == 1 {
			return xerrors.New(xerrors.KindRateLimited, "slow down", xerrors.WithRetryAfter(7*time.Second))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, clock.Sleeps())
}

func TestExecuteCapsBackoffAtMaxDelay(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 10,
	})

	_ = exec.Execute(context.Background(), NewOperationContext("op", nil), func(context.Context) error {
		return xerrors.New(xerrors.KindUpstreamUnavailable, "")
	})

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 5 * time.Second}, clock.Sleeps())
}

func TestExecuteZeroRetriesMakesSingleAttempt(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("op", nil), func(context.Context) error {
		calls.Add(1)
		return xerrors.New(xerrors.KindNetwork, "")
	}, WithMaxRetries(0))

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteWrapsUnknownErrors(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	exec := newTestExecutor(clock, DefaultRetryPolicy())

	var calls atomic.Int32
	err := exec.Execute(context.Background(), NewOperationContext("op", map[string]string{"chain": "mainnet"}), func(context.Context) error {
		calls.Add(1)
		return errors.New("unexpected payload shape")
	})

	classified, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindUnknown, classified.Kind())
	assert.False(t, classified.Retryable())
	assert.Equal(t, "unexpected payload shape", classified.Message())
	assert.Equal(t, "mainnet", classified.Metadata()["chain"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteAbortsWhenContextCanceledDuringWait(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(DefaultRetryPolicy(), WithExecutorLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(ctx, NewOperationContext("op", nil), func(context.Context) error {
			calls.Add(1)
			return xerrors.New(xerrors.KindNetwork, "")
		}, WithBaseDelay(time.Hour))
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not return after cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestWrapErrorIsIdempotent(t *testing.T) {
	t.Parallel()

	opCtx := NewOperationContext("op", nil)
	first := WrapError(errors.New("raw"), opCtx)
	second := WrapError(first, opCtx)

	assert.Equal(t, first.Kind(), second.Kind())
	assert.Equal(t, first.Message(), second.Message())
	assert.Equal(t, first.Retryable(), second.Retryable())
	assert.Nil(t, WrapError(nil, opCtx))
}

func TestFromUpstreamErrorMapsJSONRPC(t *testing.T) {
	t.Parallel()

	err := FromUpstreamError(&rpcCodeError{code: -32005, msg: "request limit reached"})
	assert.Equal(t, xerrors.KindRateLimited, err.Kind())
	assert.True(t, err.Retryable())
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	assert.Equal(t, time.Second, policy.Backoff(1, 0))
	high := policy.Backoff(1, 0.999)
	assert.Greater(t, high, time.Second)
	assert.LessOrEqual(t, high, 1100*time.Millisecond)
	assert.Equal(t, 30*time.Second, policy.Backoff(20, 0))
}

func TestOperationContextWithCopies(t *testing.T) {
	t.Parallel()

	base := NewOperationContext("op", map[string]string{"a": "1"})
	derived := base.With("b", "2")

	assert.Equal(t, "2", derived.Metadata["b"])
	_, leaked := base.Metadata["b"]
	assert.False(t, leaked)
}

type rpcCodeError struct {
	code int
	msg  string
}

func (e *rpcCodeError) Error() string  { return e.msg }
func (e *rpcCodeError) ErrorCode() int { return e.code }
