package trigger

import (
	"context"
	"sync"
)

// MemoryBus dispatches events synchronously to subscribers in the calling
// goroutine. Used in tests and single-process deployments.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Enqueue(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	handlers := append([]Handler(nil), b.handlers[evt.Subject]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
