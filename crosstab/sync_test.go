package crosstab

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) At(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

type tab struct {
	sync  *Sync
	store *cache.Store
	log   *logger.TestLogger
	clock *clock
}

func newTab(t *testing.T, transport Transport, name string, opts ...Option) *tab {
	t.Helper()
	log := logger.NewTestLogger()
	store := cache.NewStore(context.Background(), cache.WithLogger(log), cache.WithCleanupInterval(0))
	c := &clock{now: time.UnixMilli(0)}
	s := New(context.Background(), store, transport, append([]Option{
		WithLogger(log),
		WithSourceID(name),
		WithClock(c.Now),
		WithResyncInterval(0),
	}, opts...)...)
	t.Cleanup(func() {
		s.Close()
		store.Close()
	})
	return &tab{sync: s, store: store, log: log, clock: c}
}

func newTabs(t *testing.T, opts ...Option) (*tab, *tab) {
	t.Helper()
	bus := NewMemoryBus()
	return newTab(t, bus.Connect(), "tab-a", opts...), newTab(t, bus.Connect(), "tab-b", opts...)
}

func cached(t *testing.T, store *cache.Store, key string) any {
	t.Helper()
	entry, ok := store.Lookup(key)
	require.True(t, ok, "key %s is cached", key)
	return entry.Value
}

func TestCartServerWinsAppliesNewerUpdate(t *testing.T) {
	a, b := newTabs(t, WithStrategy(ServerWins))
	a.store.Set("cart", map[string]any{"count": 5.0}, time.Minute)
	b.store.Set("cart", map[string]any{"count": 5.0}, time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.UpdateAcrossTabs(context.Background(), "cart", map[string]any{"count": 6}))

	assert.Equal(t, map[string]any{"count": 6.0}, cached(t, b.store, "cart"))
	assert.Equal(t, map[string]any{"count": 6}, cached(t, a.store, "cart"))
	at, ok := b.sync.LastApplied("cart")
	require.True(t, ok)
	assert.Equal(t, int64(100), at.UnixMilli())
	assert.Empty(t, b.sync.Conflicts())
}

func TestCartClientWinsIgnoresOlderUpdate(t *testing.T) {
	a, b := newTabs(t)
	b.store.Set("cart", map[string]any{"count": 5.0}, time.Minute)

	var conflicts []Conflict
	b.sync.OnConflict(func(c Conflict) { conflicts = append(conflicts, c) })

	b.clock.At(150)
	b.sync.Touch("cart")
	b.store.Set("cart", map[string]any{"count": 7.0}, time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.PublishUpdate(context.Background(), "cart", map[string]any{"count": 6}))

	assert.Equal(t, map[string]any{"count": 7.0}, cached(t, b.store, "cart"))
	assert.Equal(t, map[Strategy]uint64{ClientWins: 1}, b.sync.Conflicts())
	require.Len(t, conflicts, 1)
	assert.Equal(t, "cart", conflicts[0].Key)
	assert.Equal(t, "tab-a", conflicts[0].Source)
	assert.Equal(t, int64(100), conflicts[0].Incoming.UnixMilli())
	assert.Equal(t, int64(150), conflicts[0].Local.UnixMilli())
	assert.True(t, b.log.Contains("DEBUG", "resolved with client-wins"))

	assert.True(t, a.log.Contains("DEBUG", "tab-b resolved a conflict on cart with client-wins"))
	assert.Equal(t, uint64(1), a.sync.Stats().Received)
}

func TestServerWinsOverwritesOnConflict(t *testing.T) {
	a, b := newTabs(t, WithStrategy(ServerWins))
	b.clock.At(150)
	b.sync.Touch("cart")
	b.store.Set("cart", map[string]any{"count": 7.0}, time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.PublishUpdate(context.Background(), "cart", map[string]any{"count": 6}))

	assert.Equal(t, map[string]any{"count": 6.0}, cached(t, b.store, "cart"))
	at, _ := b.sync.LastApplied("cart")
	assert.Equal(t, int64(100), at.UnixMilli())
	assert.Equal(t, map[Strategy]uint64{ServerWins: 1}, b.sync.Conflicts())
}

func TestEqualTimestampIsConflict(t *testing.T) {
	a, b := newTabs(t)
	b.clock.At(100)
	b.sync.Touch("cart")
	b.store.Set("cart", "local", time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.PublishUpdate(context.Background(), "cart", "remote"))
	assert.Equal(t, "local", cached(t, b.store, "cart"))
	assert.Equal(t, uint64(1), b.sync.Conflicts()[ClientWins])
}

func TestMergeStrategyUnionsById(t *testing.T) {
	a, b := newTabs(t, WithStrategy(MergeWins))
	b.clock.At(150)
	b.sync.Touch("shifts")
	b.store.Set("shifts", []map[string]any{
		{"id": 1, "start": "06:00"},
		{"id": 2, "start": "14:00"},
	}, time.Minute)

	a.clock.At(100)
	require.NoError(t, a.sync.PublishUpdate(context.Background(), "shifts", []map[string]any{
		{"id": 2, "start": "15:00"},
		{"id": 3, "start": "22:00"},
	}))

	assert.Equal(t, []any{
		map[string]any{"id": 1.0, "start": "06:00"},
		map[string]any{"id": 2.0, "start": "15:00"},
		map[string]any{"id": 3.0, "start": "22:00"},
	}, cached(t, b.store, "shifts"))
	at, _ := b.sync.LastApplied("shifts")
	assert.Equal(t, int64(150), at.UnixMilli(), "merge keeps the newer local time")
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	a, b := newTabs(t)
	require.NoError(t, a.sync.UpdateAcrossTabs(context.Background(), "tax", 1))
	st := a.sync.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Echoes)
	assert.Equal(t, uint64(0), st.Received)
	assert.Equal(t, uint64(1), b.sync.Stats().Received)
}

func TestInvalidateAcrossTabs(t *testing.T) {
	a, b := newTabs(t)
	for _, key := range []string{"shifts:1", "shifts:2", "tax"} {
		a.store.Set(key, key, time.Minute)
		b.store.Set(key, key, time.Minute)
	}
	b.sync.Touch("shifts:1")

	require.NoError(t, a.sync.InvalidateAcrossTabs(context.Background(), "shifts"))
	assert.Equal(t, []string{"tax"}, a.store.Keys())
	assert.Equal(t, []string{"tax"}, b.store.Keys())
	_, ok := b.sync.LastApplied("shifts:1")
	assert.False(t, ok)
}

func TestUnavailableTransportIsNoop(t *testing.T) {
	s := newTab(t, NoopTransport{}, "alone")
	require.NoError(t, s.sync.UpdateAcrossTabs(context.Background(), "cart", 3))
	require.NoError(t, s.sync.InvalidateAcrossTabs(context.Background(), "shifts"))
	assert.Equal(t, 3, cached(t, s.store, "cart"))

	var n int
	for _, e := range s.log.Logs() {
		if e.Severity == "DEBUG" && e.Formatted() == "transport unavailable, changes stay local to this tab" {
			n++
		}
	}
	assert.Equal(t, 1, n, "logged once")
	assert.Equal(t, uint64(0), s.sync.Stats().Sent)
}

func TestNilTransportIsNoop(t *testing.T) {
	s := newTab(t, nil, "alone")
	require.NoError(t, s.sync.Broadcast(context.Background(), TypeInvalidate, InvalidatePayload{Key: "x"}))
}

func TestClosedMemoryTransport(t *testing.T) {
	bus := NewMemoryBus()
	ta, tb := bus.Connect(), bus.Connect()
	a := newTab(t, ta, "tab-a")
	b := newTab(t, tb, "tab-b")
	require.NoError(t, tb.Close())
	assert.False(t, tb.Available())
	require.NoError(t, a.sync.UpdateAcrossTabs(context.Background(), "cart", 1))
	assert.False(t, b.store.Has("cart"))
	assert.ErrorIs(t, tb.Send(context.Background(), Message{Type: TypeInvalidate}), ErrClosed)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	bus := NewMemoryBus()
	sender := bus.Connect()
	b := newTab(t, bus.Connect(), "tab-b")

	require.NoError(t, sender.Send(context.Background(), Message{
		Type:      TypeDataUpdate,
		Payload:   json.RawMessage(`[1,2]`),
		Timestamp: 1,
		Source:    "tab-x",
	}))
	assert.True(t, b.log.Contains("ERROR", "dropping message from tab-x"))
	assert.Equal(t, 0, b.store.Len())
}

func TestStalenessSweep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		log := logger.NewTestLogger()
		store := cache.NewStore(context.Background(), cache.WithLogger(log), cache.WithCleanupInterval(0))
		s := New(context.Background(), store, NewMemoryBus().Connect(), WithLogger(log))

		var stale []string
		var mu sync.Mutex
		s.OnStale(func(key string) {
			mu.Lock()
			stale = append(stale, key)
			mu.Unlock()
		})

		store.Set("cart", 1, time.Hour)
		s.Touch("cart")
		time.Sleep(DefaultResyncInterval + time.Second)
		synctest.Wait()
		assert.True(t, store.Has("cart"))

		s.Touch("fresh")
		time.Sleep(DefaultResyncInterval)
		synctest.Wait()
		assert.False(t, store.Has("cart"))
		mu.Lock()
		assert.Equal(t, []string{"cart"}, stale)
		mu.Unlock()
		_, ok := s.LastApplied("cart")
		assert.False(t, ok)
		_, ok = s.LastApplied("fresh")
		assert.True(t, ok)

		s.Close()
		store.Close()
	})
}

func TestResetAndClose(t *testing.T) {
	a, b := newTabs(t)
	b.sync.Touch("cart")
	b.sync.Reset()
	assert.Equal(t, 0, b.sync.Stats().Tracked)

	require.NoError(t, b.sync.Close())
	require.NoError(t, b.sync.Close())
	assert.ErrorIs(t, b.sync.Broadcast(context.Background(), TypeInvalidate, InvalidatePayload{Key: "x"}), ErrClosed)

	require.NoError(t, a.sync.UpdateAcrossTabs(context.Background(), "cart", 1))
	assert.False(t, b.store.Has("cart"))
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"client-wins", "server-wins", "merge"} {
		got, err := ParseStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, Strategy(s), got)
	}
	_, err := ParseStrategy("last-write-wins")
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	a, b := newTabs(t)
	b.clock.At(10)
	b.sync.Touch("k")
	require.NoError(t, a.sync.PublishUpdate(context.Background(), "k", 1))

	c := NewCollector("freshness", b.sync)
	assert.Equal(t, 7, testutil.CollectAndCount(c))
	expected := `
# HELP freshness_sync_conflicts_total Conflicting updates by resolution strategy.
# TYPE freshness_sync_conflicts_total counter
freshness_sync_conflicts_total{strategy="client-wins"} 1
freshness_sync_conflicts_total{strategy="merge"} 0
freshness_sync_conflicts_total{strategy="server-wins"} 0
# HELP freshness_sync_received_total Messages received from other tabs.
# TYPE freshness_sync_received_total counter
freshness_sync_received_total 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"freshness_sync_conflicts_total", "freshness_sync_received_total"))
}
