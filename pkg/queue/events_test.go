package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asachs01/relayq/pkg/queue"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := queue.NewEventBus(4)
	defer bus.Close()

	ch := bus.Subscribe(context.Background())
	bus.Publish(queue.Event{Type: queue.EventRequestEnqueued, Zone: "a"})

	select {
	case ev := <-ch:
		assert.Equal(t, queue.EventRequestEnqueued, ev.Type)
		assert.Equal(t, "a", ev.Zone)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	bus := queue.NewEventBus(1)
	defer bus.Close()

	ch := bus.Subscribe(context.Background())

	// Publishing past the buffer must never block.
	done := make(chan struct{})
	go func() {
		for ri := 0; ri < 100; ri++ {
			bus.Publish(queue.Event{Type: queue.EventQueueFull})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffered event is still readable.
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestEventBus_ContextUnsubscribes(t *testing.T) {
	t.Parallel()

	bus := queue.NewEventBus(4)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "channel should close after ctx cancel")
}

func TestEventBus_CloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	bus := queue.NewEventBus(4)
	ch := bus.Subscribe(context.Background())
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Subscribing to a closed bus returns a closed channel.
	ch2 := bus.Subscribe(context.Background())
	_, ok = <-ch2
	assert.False(t, ok)
}
