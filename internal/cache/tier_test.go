package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	storageredis "ChainMCP/internal/storage/redis"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quote struct {
	USD       float64 `json:"usd"`
	Change24h float64 `json:"change_24h"`
}

func TestFetchReadsThroughRedisTier(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tier := storageredis.NewCacheTier(client, "shared")

	writer, _ := newTestStore(t, WithTier(tier))
	require.NoError(t, writer.Set(Prices, "ethereum", quote{USD: 3000, Change24h: 1.5}))
	assert.True(t, srv.Exists("shared:prices:ethereum"))

	reader, _ := newTestStore(t, WithTier(tier))
	value, err := Fetch(context.Background(), reader, Prices, "ethereum", func(context.Context) (quote, error) {
		t.Fatal("loader must not run when the shared tier has the entry")
		return quote{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, quote{USD: 3000, Change24h: 1.5}, value)

	cached, ok, err := reader.Get(Prices, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok, "tier hit back-fills the local cache")
	assert.Equal(t, quote{USD: 3000, Change24h: 1.5}, cached)

	require.NoError(t, writer.Flush(Prices))
	assert.False(t, srv.Exists("shared:prices:ethereum"))
}

func TestTierBackfillKeepsRemainingLifetime(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tier := storageredis.NewCacheTier(client, "shared")

	writer, _ := newTestStore(t, WithTier(tier))
	require.NoError(t, writer.Set(Prices, "bitcoin", quote{USD: 60000}, time.Minute))
	srv.FastForward(50 * time.Second)

	reader, clock := newTestStore(t, WithTier(tier))
	_, err := Fetch(context.Background(), reader, Prices, "bitcoin", func(context.Context) (quote, error) {
		t.Fatal("loader must not run when the shared tier has the entry")
		return quote{}, nil
	}, time.Minute)
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	_, ok, err := reader.Get(Prices, "bitcoin")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok, err = reader.Get(Prices, "bitcoin")
	require.NoError(t, err)
	assert.False(t, ok, "local copy must expire with the shared entry, not a fresh ttl")
}

type failingTier struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTier) record() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *failingTier) Get(context.Context, string, string) ([]byte, time.Duration, bool, error) {
	f.record()
	return nil, 0, false, errors.New("tier down")
}

func (f *failingTier) Set(context.Context, string, string, []byte, time.Duration) error {
	f.record()
	return errors.New("tier down")
}

func (f *failingTier) Del(context.Context, string, string) error {
	f.record()
	return errors.New("tier down")
}

func (f *failingTier) Flush(context.Context, string) error {
	f.record()
	return errors.New("tier down")
}

func TestTierFailuresNeverFailCalls(t *testing.T) {
	t.Parallel()

	tier := &failingTier{}
	store, _ := newTestStore(t, WithTier(tier))

	value, err := Fetch(context.Background(), store, Balances, "0xabc", func(context.Context) (string, error) {
		return "0x10", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0x10", value)
	require.NoError(t, store.Del(Balances, "0xabc"))
	require.NoError(t, store.Flush(Balances))
	assert.Equal(t, 4, tier.calls)
}
