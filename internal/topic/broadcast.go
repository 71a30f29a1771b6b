package topic

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/segment"
	"github.com/coachpo/simplebus/internal/telemetry"
)

// liveEvent pairs a committed event with its log position so subscriptions
// can stitch the backlog-to-live seam without duplicates.
type liveEvent struct {
	evt *schema.Event
	pos segment.Position
}

// liveSub is one subscriber's endpoint into the broadcast. The writer never
// blocks on it: a full buffer counts a skip instead.
type liveSub struct {
	id      string
	ch      chan liveEvent
	skipped atomic.Uint64
}

// broadcaster fans committed events out to live subscribers. The owning
// writer is the only publisher; subscriptions attach and detach from their
// own goroutines.
type broadcaster struct {
	topic string

	mu     sync.RWMutex
	subs   map[string]*liveSub
	closed bool

	lagged      metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

func newBroadcaster(topic string, lagged metric.Int64Counter, subscribers metric.Int64UpDownCounter) *broadcaster {
	return &broadcaster{
		topic:       topic,
		subs:        make(map[string]*liveSub),
		closed:      false,
		lagged:      lagged,
		subscribers: subscribers,
	}
}

// attach registers a new live endpoint with the given buffer depth.
func (b *broadcaster) attach(buffer int) (*liveSub, error) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &liveSub{
		id: uuid.NewString(),
		ch: make(chan liveEvent, buffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.New("topic/subscribe", errs.CodeShutdown, errs.WithTopic(b.topic))
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if b.subscribers != nil {
		b.subscribers.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.TopicAttributes(b.topic)...))
	}
	return sub, nil
}

// detach removes the endpoint and closes its channel. Safe to call more than
// once; only the first call closes.
func (b *broadcaster) detach(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if ok && b.subscribers != nil {
		b.subscribers.Add(context.Background(), -1,
			metric.WithAttributes(telemetry.TopicAttributes(b.topic)...))
	}
}

// publish delivers the event to every attached subscriber without blocking.
// A subscriber whose buffer is full loses the event and has its skip counter
// advanced; the subscription surfaces the gap as a Lagged signal.
//
// The read lock is held across the sends so a concurrent detach cannot close
// a channel mid-send.
func (b *broadcaster) publish(evt *schema.Event, pos segment.Position) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- liveEvent{evt: evt, pos: pos}:
		default:
			sub.skipped.Add(1)
			if b.lagged != nil {
				b.lagged.Add(context.Background(), 1,
					metric.WithAttributes(telemetry.DropAttributes(b.topic, "buffer_full")...))
			}
		}
	}
}

// close seals the broadcaster and closes every subscriber channel, which the
// subscriptions observe as the terminal signal.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
