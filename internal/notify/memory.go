package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/weftlabs/weft/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds the channel of a single fleet member.
type subscriber struct {
	ch chan schema.Notification
}

// MemoryBus is an in-process Bus using channels. Every subscriber sees every
// nudge; the lease arbitrates which executor actually runs the state.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends the nudge to all subscribers.
// Non-blocking: if a subscriber's channel is full the nudge is dropped for
// that subscriber.
func (b *MemoryBus) Publish(ctx context.Context, n schema.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			// backpressure: drop nudge for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription. The consumer name is ignored; the
// memory bus broadcasts. The returned cancel ends the subscription and
// closes the channel, so consumers ranging over it terminate.
func (b *MemoryBus) Subscribe(ctx context.Context, _ string) (<-chan schema.Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan schema.Notification, defaultChannelBuffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	// The write lock excludes Publish, so the close cannot race a send.
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel, nil
}
