package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx := context.Background()
	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)

	b.Publish(42)

	for _, sub := range []<-chan Update[int]{a, c} {
		select {
		case u := <-sub:
			if u.Payload != 42 {
				t.Errorf("payload: %d", u.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	sub := b.Subscribe(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	u := <-sub
	if u.Payload != 0 {
		t.Errorf("first buffered payload: %d", u.Payload)
	}
}

func TestBroker_SubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	sub := b.Subscribe(context.Background())
	if _, ok := <-sub; ok {
		t.Error("expected closed channel after broker shutdown")
	}
}

func TestBroker_ContextCancellationClosesSubscription(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after context cancellation")
		}
	}
}
