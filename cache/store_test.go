package cache

import (
	"context"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	s := NewStore(context.Background(), append([]Option{WithLogger(log)}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s, log
}

func TestSetGetNoSpuriousExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t)
		s.Set("cart", map[string]int{"count": 5}, time.Millisecond)
		val, ok := s.Get("cart")
		require.True(t, ok)
		assert.Equal(t, map[string]int{"count": 5}, val)
		s.Close()
	})
}

func TestExpiredEntryIsRemovedOnGet(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t)
		s.Set("keep", "value-1", time.Minute)
		s.Set("short", "value-22", time.Millisecond)
		entry, ok := s.Lookup("short")
		require.True(t, ok)
		before := s.Stats().TotalBytes

		time.Sleep(2 * time.Millisecond)

		val, ok := s.Get("short")
		assert.False(t, ok)
		assert.Nil(t, val)
		st := s.Stats()
		assert.Equal(t, before-entry.Size, st.TotalBytes)
		assert.Equal(t, int64(len("value-1")), st.TotalBytes)
		assert.Equal(t, 1, st.Entries)
		assert.Equal(t, uint64(1), st.Misses)
		s.Close()
	})
}

func TestStatsRates(t *testing.T) {
	s, _ := newTestStore(t)
	st := s.Stats()
	assert.Zero(t, st.HitRate)
	assert.Zero(t, st.MissRate)

	s.Set("a", "1", time.Minute)
	s.Get("a")
	s.Get("a")
	s.Get("a")
	s.Get("missing")

	st = s.Stats()
	assert.Equal(t, uint64(3), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.75, st.HitRate, 1e-9)
	assert.InDelta(t, 0.25, st.MissRate, 1e-9)
}

func TestLookupDoesNotCount(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("a", "1", time.Minute)
	_, ok := s.Lookup("a")
	assert.True(t, ok)
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	st := s.Stats()
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.Misses)
}

func TestOverwriteAdjustsTotalBytes(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("a", "12345", time.Minute)
	assert.Equal(t, int64(5), s.Stats().TotalBytes)
	s.Set("a", "12", time.Minute)
	assert.Equal(t, int64(2), s.Stats().TotalBytes)
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Zero(t, s.Stats().TotalBytes)
}

func TestDefaultTTL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t, WithDefaultTTL(time.Second))
		s.Set("a", "1", 0)
		e, ok := s.Lookup("a")
		require.True(t, ok)
		assert.Equal(t, time.Second, e.TTL)
		time.Sleep(1001 * time.Millisecond)
		assert.False(t, s.Has("a"))
		s.Close()
	})
}

func TestSizeEstimationFailureDegradesToZero(t *testing.T) {
	s, log := newTestStore(t, WithSizer(func(val any) (int64, error) {
		if val == "bad" {
			return 0, errors.New("cannot encode")
		}
		if val == "panic" {
			panic("boom")
		}
		return 10, nil
	}))

	s.Set("good", "good", time.Minute)
	s.Set("bad", "bad", time.Minute)
	s.Set("panic", "panic", time.Minute)

	_, ok := s.Get("bad")
	assert.True(t, ok)
	assert.Equal(t, int64(10), s.Stats().TotalBytes)
	assert.True(t, log.Contains("WARNING", "size estimation for bad failed"))
	assert.True(t, log.Contains("WARNING", "size estimation for panic panicked"))
}

func TestMsgpackSizerUnsupportedValue(t *testing.T) {
	_, err := MsgpackSizer(make(chan int))
	assert.Error(t, err)

	n, err := MsgpackSizer(map[string]any{"count": 6})
	require.NoError(t, err)
	assert.Positive(t, n)

	n, err = MsgpackSizer(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvictWithinBudgetIsNoop(t *testing.T) {
	s, _ := newTestStore(t, WithEvictOnSet(false))
	s.Set("a", "1234", time.Minute)
	assert.Equal(t, 0, s.Evict(4))
	assert.Equal(t, 1, s.Len())
}

func TestEvictExpiredFirst(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t, WithEvictOnSet(false))
		s.Set("old", strings.Repeat("x", 10), time.Millisecond)
		s.Set("fresh-1", strings.Repeat("x", 10), time.Hour)
		s.Set("fresh-2", strings.Repeat("x", 10), time.Hour)
		time.Sleep(5 * time.Millisecond)

		removed := s.Evict(25)
		assert.Equal(t, 1, removed)
		assert.Equal(t, []string{"fresh-1", "fresh-2"}, s.Keys())
		assert.Equal(t, int64(20), s.Stats().TotalBytes)
		s.Close()
	})
}

func TestEvictOldestThirty(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t, WithEvictOnSet(false))
		for _, key := range []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"} {
			s.Set(key, strings.Repeat("x", 10), time.Hour)
			time.Sleep(time.Millisecond)
		}
		removed := s.Evict(90)
		assert.Equal(t, 3, removed)
		assert.Equal(t, []string{"k3", "k4", "k5", "k6", "k7", "k8", "k9"}, s.Keys())
		st := s.Stats()
		assert.Equal(t, int64(70), st.TotalBytes)
		assert.Equal(t, uint64(3), st.Evictions)
		s.Close()
	})
}

func TestEvictRoundsUp(t *testing.T) {
	s, _ := newTestStore(t, WithEvictOnSet(false))
	s.Set("only", "1234567890", time.Hour)
	assert.Equal(t, 1, s.Evict(5))
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Stats().TotalBytes)
}

func TestEvictOnSet(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t, WithMaxBytes(25))
		s.Set("a", strings.Repeat("x", 10), time.Hour)
		time.Sleep(time.Millisecond)
		s.Set("b", strings.Repeat("x", 10), time.Hour)
		time.Sleep(time.Millisecond)
		s.Set("c", strings.Repeat("x", 10), time.Hour)

		assert.Equal(t, []string{"b", "c"}, s.Keys())
		assert.Equal(t, int64(20), s.Stats().TotalBytes)
		s.Close()
	})
}

func TestPeriodicEviction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, _ := newTestStore(t, WithMaxBytes(5), WithEvictOnSet(false), WithCleanupInterval(time.Minute))
		s.Set("a", "1234567890", time.Hour)
		assert.Equal(t, 1, s.Len())

		time.Sleep(time.Minute + time.Millisecond)
		synctest.Wait()

		assert.Zero(t, s.Len())
		s.Close()
	})
}

func TestDeletePrefix(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("shifts:week:1", "a", time.Minute)
	s.Set("shifts:week:2", "b", time.Minute)
	s.Set("calendar:month", "c", time.Minute)

	removed := s.DeletePrefix("shifts")
	assert.Equal(t, []string{"shifts:week:1", "shifts:week:2"}, removed)
	assert.Equal(t, []string{"calendar:month"}, s.Keys())
	assert.Equal(t, int64(1), s.Stats().TotalBytes)
}

func TestClearResetsCounters(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("a", "1", time.Minute)
	s.Get("a")
	s.Get("b")
	s.Clear()

	st := s.Stats()
	assert.Equal(t, Stats{}, st)
	assert.Empty(t, s.Keys())
}

func TestTypedGet(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("count", 6, time.Minute)

	n, ok := Get[int](s, "count")
	assert.True(t, ok)
	assert.Equal(t, 6, n)

	str, ok := Get[string](s, "count")
	assert.False(t, ok)
	assert.Empty(t, str)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewStore(context.Background(), WithLogger(logger.NewTestLogger()))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
