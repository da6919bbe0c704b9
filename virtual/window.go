// Package virtual computes which slice of a long list has to be materialized
// for a given viewport, with overscan and measured item heights.
package virtual

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultOverscan is the number of extra items rendered on each side of the viewport.
const DefaultOverscan = 3

// NoOverscan turns overscan off in Options.
const NoOverscan = -1

// ExactOverscan returns the Options.Overscan value that renders exactly n
// extra items, so that a count of zero means none rather than the default.
func ExactOverscan(n int) int {
	if n <= 0 {
		return NoOverscan
	}
	return n
}

// DefaultScrollDebounce is how long after the last scroll event the window
// still reports that the user is scrolling.
const DefaultScrollDebounce = 150 * time.Millisecond

// HeightFunc returns the estimated height of the item at index.
type HeightFunc func(index int) float64

// ScrollFunc receives the offsets requested by ScrollToIndex, ScrollToTop and ScrollToBottom.
type ScrollFunc func(offset float64)

// Options configures a Window.
type Options struct {
	// ItemHeight is the uniform (or fallback) item height. Must be positive.
	ItemHeight float64
	// Height overrides ItemHeight per index. Measured heights win over both.
	Height HeightFunc
	// ViewportHeight is the visible height of the scroll container.
	ViewportHeight float64
	// Overscan is applied on both sides of the viewport. Zero means
	// DefaultOverscan; use NoOverscan (any negative value) for none.
	Overscan int
	// ScrollDebounce defaults to DefaultScrollDebounce.
	ScrollDebounce time.Duration
	// OnScroll is called with every scroll request.
	OnScroll ScrollFunc
	// OnScrollEnd is called once the scrolling flag clears.
	OnScrollEnd func()
}

// Range is the half-open index interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Contains reports whether index lies inside the range.
func (r Range) Contains(index int) bool {
	return index >= r.Start && index < r.End
}

// Item is a materialized row.
type Item[T any] struct {
	Index   int
	Data    T
	Offset  float64
	Height  float64
	Visible bool
}

// Result is the output of ComputeVisibleRange.
type Result[T any] struct {
	Range       Range
	Items       []Item[T]
	TotalHeight float64
}

// Window holds the list, the viewport geometry and the height cache.
type Window[T any] struct {
	mu        sync.Mutex
	opts      Options
	items     []T
	measured  map[int]float64
	offsets   []float64 // offsets[i] is the top of item i; offsets[len] is the total height
	dirty     bool
	scrollTop float64
	scrolling bool
	scrollGen uint64
	timer     *time.Timer
}

// New returns a Window over items.
func New[T any](opts Options, items []T) *Window[T] {
	if opts.ItemHeight <= 0 {
		opts.ItemHeight = 1
	}
	switch {
	case opts.Overscan == 0:
		opts.Overscan = DefaultOverscan
	case opts.Overscan < 0:
		opts.Overscan = 0
	}
	if opts.ScrollDebounce <= 0 {
		opts.ScrollDebounce = DefaultScrollDebounce
	}
	return &Window[T]{
		opts:     opts,
		items:    items,
		measured: make(map[int]float64),
		dirty:    true,
	}
}

// SetItems replaces the backing sequence. Measured heights beyond the new
// length are dropped.
func (w *Window[T]) SetItems(items []T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = items
	for i := range w.measured {
		if i >= len(items) {
			delete(w.measured, i)
		}
	}
	w.dirty = true
}

// Len returns the number of items.
func (w *Window[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// SetViewportHeight updates the viewport height.
func (w *Window[T]) SetViewportHeight(h float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opts.ViewportHeight = h
}

// ScrollOffset returns the last offset seen by OnScroll or requested by a ScrollTo call.
func (w *Window[T]) ScrollOffset() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scrollTop
}

// uniform reports whether every item height equals ItemHeight.
func (w *Window[T]) uniform() bool {
	return w.opts.Height == nil && len(w.measured) == 0
}

func (w *Window[T]) heightOf(i int) float64 {
	if h, ok := w.measured[i]; ok {
		return h
	}
	if w.opts.Height != nil {
		if h := w.opts.Height(i); h > 0 {
			return h
		}
	}
	return w.opts.ItemHeight
}

// layout rebuilds the offset table when needed. O(n) over all items.
func (w *Window[T]) layout() {
	if !w.dirty && len(w.offsets) == len(w.items)+1 {
		return
	}
	offsets := make([]float64, len(w.items)+1)
	for i := range w.items {
		offsets[i+1] = offsets[i] + w.heightOf(i)
	}
	w.offsets = offsets
	w.dirty = false
}

func (w *Window[T]) totalHeight() float64 {
	if w.uniform() {
		return float64(len(w.items)) * w.opts.ItemHeight
	}
	w.layout()
	return w.offsets[len(w.items)]
}

func (w *Window[T]) offsetOf(i int) float64 {
	if w.uniform() {
		return float64(i) * w.opts.ItemHeight
	}
	w.layout()
	return w.offsets[i]
}

// visibleRange computes the materialized range for scrollOffset.
func (w *Window[T]) visibleRange(scrollOffset float64) Range {
	count := len(w.items)
	if count == 0 {
		return Range{}
	}
	if scrollOffset < 0 {
		scrollOffset = 0
	}
	overscan := w.opts.Overscan
	var first, span int
	if w.uniform() {
		h := w.opts.ItemHeight
		first = int(math.Floor(scrollOffset / h))
		span = int(math.Ceil(w.opts.ViewportHeight / h))
	} else {
		w.layout()
		// first item whose bottom edge is below the scroll offset
		first = sort.Search(count, func(i int) bool { return w.offsets[i+1] > scrollOffset })
		bottom := scrollOffset + w.opts.ViewportHeight
		last := sort.Search(count, func(i int) bool { return w.offsets[i] >= bottom })
		span = last - first
	}
	start := max(0, first-overscan)
	end := min(count, first+span+overscan)
	if start > end {
		start = end
	}
	return Range{Start: start, End: end}
}

// VisibleRange returns the range that must be materialized at scrollOffset.
func (w *Window[T]) VisibleRange(scrollOffset float64) Range {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visibleRange(scrollOffset)
}

// ComputeVisibleRange materializes the items needed at scrollOffset.
func (w *Window[T]) ComputeVisibleRange(scrollOffset float64) Result[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.visibleRange(scrollOffset)
	bottom := scrollOffset + w.opts.ViewportHeight
	items := make([]Item[T], 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		top := w.offsetOf(i)
		h := w.heightOf(i)
		items = append(items, Item[T]{
			Index:   i,
			Data:    w.items[i],
			Offset:  top,
			Height:  h,
			Visible: top+h > scrollOffset && top < bottom,
		})
	}
	return Result[T]{Range: r, Items: items, TotalHeight: w.totalHeight()}
}

// TotalHeight returns the summed height of all items, using the estimate
// for items that have not been measured yet.
func (w *Window[T]) TotalHeight() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalHeight()
}

// OffsetOf returns the top offset of the item at index, clamped to the list.
func (w *Window[T]) OffsetOf(index int) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.items) == 0 {
		return 0
	}
	return w.offsetOf(clamp(index, 0, len(w.items)-1))
}

// IsItemInView reports whether any part of the item at index lies inside
// the viewport at the current scroll offset.
func (w *Window[T]) IsItemInView(index int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if index < 0 || index >= len(w.items) {
		return false
	}
	top := w.offsetOf(index)
	return top+w.heightOf(index) > w.scrollTop && top < w.scrollTop+w.opts.ViewportHeight
}

// UpdateItemHeight records a measured height. It returns false and leaves
// the offset table untouched when the height is unchanged.
func (w *Window[T]) UpdateItemHeight(index int, height float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if index < 0 || index >= len(w.items) || height <= 0 {
		return false
	}
	if w.heightOf(index) == height {
		return false
	}
	w.measured[index] = height
	w.dirty = true
	return true
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
