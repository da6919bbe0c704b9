package crosstab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestRedisTransport(t *testing.T, client *redis.Client, log logger.Logger) *RedisTransport {
	t.Helper()
	tr, err := NewRedisTransport(context.Background(), log, client, "")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRedisTransportDeliversMessages(t *testing.T) {
	_, client := newTestRedis(t)
	log := logger.NewTestLogger()
	tr := newTestRedisTransport(t, client, log)
	assert.True(t, tr.Available())

	var mu sync.Mutex
	var got []Message
	tr.OnMessage(func(_ context.Context, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})

	msg, err := NewMessage(TypeInvalidate, InvalidatePayload{Key: "shifts"}, "tab-a", time.UnixMilli(42))
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), msg))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeInvalidate, got[0].Type)
	assert.Equal(t, "tab-a", got[0].Source)
	assert.Equal(t, int64(42), got[0].Timestamp)
	var p InvalidatePayload
	require.NoError(t, got[0].DecodePayload(&p))
	assert.Equal(t, "shifts", p.Key)
}

func TestRedisTransportUnsubscribeHandler(t *testing.T) {
	_, client := newTestRedis(t)
	tr := newTestRedisTransport(t, client, logger.NewTestLogger())

	var mu sync.Mutex
	var first, second int
	off := tr.OnMessage(func(context.Context, Message) {
		mu.Lock()
		defer mu.Unlock()
		first++
	})
	tr.OnMessage(func(context.Context, Message) {
		mu.Lock()
		defer mu.Unlock()
		second++
	})
	off()

	msg, err := NewMessage(TypeInvalidate, InvalidatePayload{Key: "x"}, "a", time.Now())
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), msg))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, first)
}

func TestRedisTransportDropsGarbage(t *testing.T) {
	_, client := newTestRedis(t)
	log := logger.NewTestLogger()
	newTestRedisTransport(t, client, log)

	require.NoError(t, client.Publish(context.Background(), DefaultChannel, "not msgpack").Err())
	require.Eventually(t, func() bool {
		return log.Contains("ERROR", "failed to decode")
	}, time.Second, 10*time.Millisecond)
}

func TestRedisTransportClose(t *testing.T) {
	_, client := newTestRedis(t)
	tr, err := NewRedisTransport(context.Background(), logger.NewTestLogger(), client, "custom")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.False(t, tr.Available())

	msg, err := NewMessage(TypeInvalidate, InvalidatePayload{Key: "x"}, "a", time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(context.Background(), msg), ErrClosed)
	assert.NoError(t, client.Ping(context.Background()).Err(), "client stays open")
}

func TestRedisTransportSubscribeFails(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()
	_, err := NewRedisTransport(context.Background(), logger.NewTestLogger(), client, "")
	assert.Error(t, err)
}

func TestSyncOverRedis(t *testing.T) {
	_, client := newTestRedis(t)
	other := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	t.Cleanup(func() { other.Close() })

	logA, logB := logger.NewTestLogger(), logger.NewTestLogger()
	a := newTab(t, newTestRedisTransport(t, client, logA), "tab-a")
	b := newTab(t, newTestRedisTransport(t, other, logB), "tab-b")
	b.store.Set("shifts:week", "old", time.Minute)
	b.store.Set("shifts:month", "old", time.Minute)
	b.store.Set("vehicles", "keep", time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.UpdateAcrossTabs(context.Background(), "cart", map[string]any{"count": 6}))
	require.Eventually(t, func() bool {
		return b.store.Has("cart")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]any{"count": 6.0}, cached(t, b.store, "cart"))
	at, ok := b.sync.LastApplied("cart")
	require.True(t, ok)
	assert.Equal(t, int64(100), at.UnixMilli())

	require.NoError(t, a.sync.InvalidateAcrossTabs(context.Background(), "shifts"))
	require.Eventually(t, func() bool {
		return !b.store.Has("shifts:week") && !b.store.Has("shifts:month")
	}, time.Second, 10*time.Millisecond)
	assert.True(t, b.store.Has("vehicles"))

	require.Eventually(t, func() bool {
		return a.sync.Stats().Echoes == 2
	}, time.Second, 10*time.Millisecond)
}
