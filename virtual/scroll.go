package virtual

import "time"

// ScrollToIndex scrolls so that the item at index sits at the top of the
// viewport, clamped so the viewport never runs past the end of the list.
func (w *Window[T]) ScrollToIndex(index int) float64 {
	w.mu.Lock()
	var target float64
	if n := len(w.items); n > 0 {
		target = w.offsetOf(clamp(index, 0, n-1))
		target = min(target, w.maxOffset())
	}
	return w.requestScroll(target)
}

// ScrollToTop scrolls to offset 0.
func (w *Window[T]) ScrollToTop() float64 {
	w.mu.Lock()
	return w.requestScroll(0)
}

// ScrollToBottom scrolls so the last item is at the bottom of the viewport.
func (w *Window[T]) ScrollToBottom() float64 {
	w.mu.Lock()
	return w.requestScroll(w.maxOffset())
}

func (w *Window[T]) maxOffset() float64 {
	return max(0, w.totalHeight()-w.opts.ViewportHeight)
}

// requestScroll is called with the mutex held and releases it before
// invoking the OnScroll callback.
func (w *Window[T]) requestScroll(offset float64) float64 {
	w.scrollTop = offset
	cb := w.opts.OnScroll
	w.mu.Unlock()
	if cb != nil {
		cb(offset)
	}
	return offset
}

// OnScroll records a scroll event from the container. The scrolling flag
// stays set until no event has arrived for the debounce window.
func (w *Window[T]) OnScroll(offset float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scrollTop = offset
	w.scrolling = true
	w.scrollGen++
	gen := w.scrollGen
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.ScrollDebounce, func() { w.scrollEnded(gen) })
}

// scrollEnded ignores timers superseded by a later scroll event.
func (w *Window[T]) scrollEnded(gen uint64) {
	w.mu.Lock()
	if !w.scrolling || gen != w.scrollGen {
		w.mu.Unlock()
		return
	}
	w.scrolling = false
	w.timer = nil
	cb := w.opts.OnScrollEnd
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// IsScrolling reports whether a scroll event arrived within the debounce window.
func (w *Window[T]) IsScrolling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scrolling
}

// Close cancels a pending scroll-end timer.
func (w *Window[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.scrolling = false
}
