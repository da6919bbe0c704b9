package virtual

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestVisibleRangeUniform(t *testing.T) {
	w := New(Options{ItemHeight: 50, ViewportHeight: 500, Overscan: 3}, makeItems(1000))

	tests := []struct {
		name     string
		offset   float64
		expected Range
	}{
		{"middle", 2500, Range{47, 63}},
		{"top clamps start", 0, Range{0, 13}},
		{"partial item", 2525, Range{47, 63}},
		{"bottom clamps end", 49500, Range{987, 1000}},
		{"past the end", 60000, Range{1000, 1000}},
		{"negative offset", -100, Range{0, 13}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, w.VisibleRange(tt.offset))
		})
	}
}

func TestComputeVisibleRange(t *testing.T) {
	w := New(Options{ItemHeight: 50, ViewportHeight: 500, Overscan: 3}, makeItems(1000))
	res := w.ComputeVisibleRange(2500)

	assert.Equal(t, Range{47, 63}, res.Range)
	assert.Equal(t, float64(50000), res.TotalHeight)
	require.Len(t, res.Items, 16)
	first := res.Items[0]
	assert.Equal(t, 47, first.Index)
	assert.Equal(t, 47, first.Data)
	assert.Equal(t, float64(2350), first.Offset)
	assert.Equal(t, float64(50), first.Height)
	assert.False(t, first.Visible)
	assert.True(t, res.Items[3].Visible)
	assert.True(t, res.Items[12].Visible)
	assert.False(t, res.Items[13].Visible)
}

func TestEmptyList(t *testing.T) {
	w := New[string](Options{ItemHeight: 40, ViewportHeight: 400, Overscan: 3}, nil)
	res := w.ComputeVisibleRange(0)
	assert.Equal(t, Range{}, res.Range)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.TotalHeight)
	assert.Zero(t, w.ScrollToIndex(10))
	assert.Zero(t, w.ScrollToBottom())
	assert.False(t, w.IsItemInView(0))
}

func TestDefaultOverscan(t *testing.T) {
	w := New(Options{ItemHeight: 10, ViewportHeight: 100, }, makeItems(100))
	assert.Equal(t, Range{7, 23}, w.VisibleRange(100))
}

func TestExactOverscan(t *testing.T) {
	assert.Equal(t, NoOverscan, ExactOverscan(0))
	assert.Equal(t, NoOverscan, ExactOverscan(-4))
	assert.Equal(t, 2, ExactOverscan(2))

	w := New(Options{ItemHeight: 10, ViewportHeight: 100, Overscan: ExactOverscan(0)}, makeItems(100))
	assert.Equal(t, Range{10, 20}, w.VisibleRange(100))
	w = New(Options{ItemHeight: 10, ViewportHeight: 100, Overscan: -7}, makeItems(100))
	assert.Equal(t, Range{10, 20}, w.VisibleRange(100))
}

func TestHeightFunc(t *testing.T) {
	// even rows 20, odd rows 40: every pair is 60 high
	w := New(Options{
		ItemHeight:     30,
		ViewportHeight: 120,
		Overscan:       1,
		Height: func(i int) float64 {
			if i%2 == 0 {
				return 20
			}
			return 40
		},
	}, makeItems(100))

	assert.Equal(t, float64(3000), w.TotalHeight())
	assert.Equal(t, float64(120), w.OffsetOf(4))
	// offset 120 is the top of item 4; the viewport ends at 240 = top of item 8
	assert.Equal(t, Range{3, 9}, w.VisibleRange(120))
}

func TestUpdateItemHeight(t *testing.T) {
	w := New(Options{ItemHeight: 50, ViewportHeight: 100, Overscan: NoOverscan}, makeItems(10))
	assert.Equal(t, float64(500), w.TotalHeight())

	assert.False(t, w.UpdateItemHeight(0, 50), "same height is not recorded")
	assert.True(t, w.UpdateItemHeight(0, 150))
	assert.False(t, w.UpdateItemHeight(0, 150))
	assert.False(t, w.UpdateItemHeight(42, 10))
	assert.False(t, w.UpdateItemHeight(1, 0))

	assert.Equal(t, float64(600), w.TotalHeight())
	assert.Equal(t, float64(200), w.OffsetOf(2))
	assert.Equal(t, Range{0, 1}, w.VisibleRange(50))
	assert.Equal(t, Range{1, 3}, w.VisibleRange(150))
}

func TestSetItemsDropsStaleHeights(t *testing.T) {
	w := New(Options{ItemHeight: 10, ViewportHeight: 50, Overscan: NoOverscan}, makeItems(5))
	w.UpdateItemHeight(4, 100)
	assert.Equal(t, float64(140), w.TotalHeight())
	w.SetItems(makeItems(3))
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, float64(30), w.TotalHeight())
}

func TestScrollTo(t *testing.T) {
	var requested []float64
	w := New(Options{
		ItemHeight:     50,
		ViewportHeight: 500,
		Overscan:       3,
		OnScroll:       func(offset float64) { requested = append(requested, offset) },
	}, makeItems(1000))

	assert.Equal(t, float64(5000), w.ScrollToIndex(100))
	assert.True(t, w.IsItemInView(100))
	assert.True(t, w.IsItemInView(109))
	assert.False(t, w.IsItemInView(110))
	assert.False(t, w.IsItemInView(99))

	assert.Equal(t, float64(49500), w.ScrollToIndex(5000))
	assert.Equal(t, float64(49500), w.ScrollToBottom())
	assert.Equal(t, float64(0), w.ScrollToTop())
	assert.Equal(t, float64(0), w.ScrollOffset())
	assert.Equal(t, []float64{5000, 49500, 49500, 0}, requested)
}

func TestScrollingFlagDebounce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ended := 0
		w := New(Options{ItemHeight: 10, ViewportHeight: 100, OnScrollEnd: func() { ended++ }}, makeItems(100))
		assert.False(t, w.IsScrolling())

		w.OnScroll(10)
		assert.True(t, w.IsScrolling())
		time.Sleep(100 * time.Millisecond)
		w.OnScroll(20)
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		assert.True(t, w.IsScrolling(), "second event restarts the window")
		assert.Equal(t, float64(20), w.ScrollOffset())

		time.Sleep(60 * time.Millisecond)
		synctest.Wait()
		assert.False(t, w.IsScrolling())
		assert.Equal(t, 1, ended)
		w.Close()
	})
}

func TestCloseStopsScrollTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ended := 0
		w := New(Options{ItemHeight: 10, ViewportHeight: 100, OnScrollEnd: func() { ended++ }}, makeItems(10))
		w.OnScroll(5)
		w.Close()
		time.Sleep(time.Second)
		synctest.Wait()
		assert.False(t, w.IsScrolling())
		assert.Zero(t, ended)
	})
}
