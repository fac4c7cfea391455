package pubsub

import (
	"context"
	"sync"
)

var _ Bus = (*Memory)(nil)

// Memory is the in-process bus used by a single server instance.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan Event]struct{})}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Memory) Publish(_ context.Context, topic string, ev Event) error {
	ev.Version = Version

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[topic][ch]; !ok {
			return // already closed by Close
		}
		delete(b.subs[topic], ch)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
