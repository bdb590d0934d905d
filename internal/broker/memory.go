package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-process
// deployments. Delivery is synchronous: Publish invokes matching handlers
// before returning, which makes test assertions deterministic.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	pattern string
	handler Handler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySub)}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if matchPattern(sub.pattern, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{pattern: pattern, handler: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]*memorySub)
	b.closed = true
	b.mu.Unlock()
	return nil
}
