package crosstab

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryBus connects transports living in the same process, one per tab.
// Messages go through their wire encoding so receivers see exactly what a
// remote tab would.
type MemoryBus struct {
	endpoints map[*MemoryTransport]struct{}
	mu        sync.Mutex
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*MemoryTransport]struct{})}
}

// Connect returns a new transport attached to the bus.
func (b *MemoryBus) Connect() *MemoryTransport {
	t := &MemoryTransport{bus: b, handlers: make(map[int]Handler)}
	b.mu.Lock()
	b.endpoints[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *MemoryBus) snapshot() []*MemoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Collect(maps.Keys(b.endpoints))
}

func (b *MemoryBus) detach(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, t)
}

// MemoryTransport is one endpoint of a MemoryBus. Delivery is synchronous and
// includes the sender itself.
type MemoryTransport struct {
	bus      *MemoryBus
	handlers map[int]Handler
	next     int
	closed   bool
	mu       sync.Mutex
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	for _, ep := range t.bus.snapshot() {
		ep.deliver(ctx, buf)
	}
	return nil
}

func (t *MemoryTransport) deliver(ctx context.Context, buf []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	ids := slices.Sorted(maps.Keys(t.handlers))
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.handlers[id])
	}
	t.mu.Unlock()

	for _, h := range handlers {
		msg, err := Decode(buf)
		if err != nil {
			return
		}
		h(ctx, msg)
	}
}

func (t *MemoryTransport) OnMessage(handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.handlers[id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *MemoryTransport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.handlers = make(map[int]Handler)
	t.mu.Unlock()
	t.bus.detach(t)
	return nil
}
