package events

import (
	"context"
	"sync"
)

// LocalBus is the in-process Bus used when Redis is not configured.
// Slow subscribers drop events rather than block the publisher.
type LocalBus struct {
	mu     sync.Mutex
	subs   []chan ProgressEvent
	closed bool
}

// NewLocalBus creates an in-process event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish delivers the event to every subscriber without blocking.
func (b *LocalBus) Publish(ctx context.Context, ev ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving all subsequent events. The
// channel is closed when the bus is closed.
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan ProgressEvent, error) {
	ch := make(chan ProgressEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

// Close closes all subscriber channels.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}
