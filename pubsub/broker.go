// Package pubsub provides a small generic pub/sub broker used to expose the
// orchestration state stream to presentation layers. Publishing is
// non-blocking: slow subscribers drop updates instead of stalling the event
// processor.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Update wraps a published payload with its emission time.
type Update[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker fans out published values to any number of subscribers.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Update[T]]struct{}
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default buffer size.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Update[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel receiving every subsequent publish. The channel
// is closed when ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Update[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Update[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Update[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return // Close drains everything
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish delivers payload to all subscribers. Full subscriber buffers drop
// the update rather than block the publisher.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	u := Update[T]{Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- u:
		default:
		}
	}
}

// Close shuts down the broker and closes every subscriber channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}
