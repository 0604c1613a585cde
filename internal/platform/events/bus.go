package events

import (
	"context"
	"sync"
)

// Bus is an in-process fanout of messages. Publish never blocks: a subscriber
// whose buffer is full misses the message.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Message
	seq  uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Message)}
}

func (b *Bus) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber. The returned func unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Name() string { return "bus" }

// Deliver lets the bus act as a dispatcher sink.
func (b *Bus) Deliver(_ context.Context, m Message) error {
	b.Publish(m)
	return nil
}
