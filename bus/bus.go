// Package bus exposes the embedded SimpleBus handle: durable, ordered,
// topic-scoped event streams with replay by timestamp or event id.
package bus

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/observability"
	"github.com/coachpo/simplebus/internal/topic"
)

// Bus is the process-scoped engine handle. It is explicitly constructed with
// Open and torn down with Shutdown; there is no hidden singleton. The topic
// registry lock is taken only on topic-open and shutdown paths, never on the
// publish or delivery hot paths.
type Bus struct {
	cfg  config.Config
	meta *metaStore

	mu     sync.Mutex
	topics map[string]*Topic
	closed bool

	lifecycle conc.WaitGroup
}

// Topic is a handle onto one named stream.
type Topic struct {
	name string
	w    *topic.Writer
}

// Open validates the configuration, loads the bus metadata, and recovers
// every known topic before returning. No topic serves a publish until its
// recovery has completed.
func Open(cfg config.Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.New("bus/open", errs.CodeIoFailure, errs.WithCause(err))
	}
	meta, err := openMeta(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:    cfg,
		meta:   meta,
		topics: make(map[string]*Topic),
		closed: false,
	}

	for _, name := range meta.topics() {
		w, err := topic.Open(name, cfg)
		if err != nil {
			b.stopAll()
			return nil, fmt.Errorf("recover topic %s: %w", name, err)
		}
		b.register(name, w)
	}

	observability.Log().Info("bus opened",
		observability.Field{Key: "data_dir", Value: cfg.DataDir},
		observability.Field{Key: "topics", Value: len(b.topics)},
		observability.Field{Key: "durability", Value: string(cfg.Durability.Mode)})
	return b, nil
}

func (b *Bus) register(name string, w *topic.Writer) {
	t := &Topic{name: name, w: w}
	b.topics[name] = t
	b.lifecycle.Go(w.Run)
}

// Topic returns the handle for name, creating the topic (directory, meta
// entry, writer) lazily on first open.
func (b *Bus) Topic(name string) (*Topic, error) {
	if err := schema.ValidateTopicName(name, b.cfg.MaxTopicNameBytes); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New("bus/topic", errs.CodeShutdown, errs.WithTopic(name))
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	w, err := topic.Open(name, b.cfg)
	if err != nil {
		return nil, err
	}
	if err := b.meta.add(name); err != nil {
		w.Stop()
		return nil, err
	}
	b.register(name, w)
	return b.topics[name], nil
}

// Topics lists the names of the known topics.
func (b *Bus) Topics() []string {
	return b.meta.topics()
}

// Shutdown drains every topic writer, fsyncs, closes files, and signals
// every subscription with the terminal delivery. Idempotent; the context
// bounds the wait.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stopping := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		stopping = append(stopping, t)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, t := range stopping {
			t.w.Stop()
		}
		b.lifecycle.Wait()
	}()

	select {
	case <-done:
		observability.Log().Info("bus shut down",
			observability.Field{Key: "topics", Value: len(stopping)})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus shutdown: %w", ctx.Err())
	}
}

// stopAll tears down partially opened topics when Open fails midway.
func (b *Bus) stopAll() {
	for _, t := range b.topics {
		t.w.Stop()
	}
	b.lifecycle.Wait()
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Publish appends the payload and waits for the durability acknowledgement,
// returning the minted event id. It suspends while the writer queue is full.
func (t *Topic) Publish(ctx context.Context, payload []byte, headers map[string]string) (schema.EventID, error) {
	return t.w.Publish(ctx, payload, headers)
}

// TryPublish is the back-pressure-sensitive variant: a full writer queue
// fails immediately with QueueFull.
func (t *Topic) TryPublish(ctx context.Context, payload []byte, headers map[string]string) (schema.EventID, error) {
	return t.w.TryPublish(ctx, payload, headers)
}

// Subscription is a per-consumer stream handle over one topic.
type Subscription struct {
	inner *topic.Subscription
}

// Next yields the next delivery: an event, a Lagged gap signal, or the
// terminal End. The context bounds the wait.
func (s *Subscription) Next(ctx context.Context) (schema.Delivery, error) {
	return s.inner.Next(ctx)
}

// Close drops the subscription; it is removed from the broadcast set at once.
func (s *Subscription) Close() {
	s.inner.Close()
}

// Subscribe opens a stream at the given cursor: the replayed backlog first,
// then live events, contiguous and duplicate-free within this run.
func (t *Topic) Subscribe(ctx context.Context, from schema.StartFrom, inclusive bool) (*Subscription, error) {
	inner, err := t.w.Subscribe(ctx, from, inclusive)
	if err != nil {
		return nil, err
	}
	return &Subscription{inner: inner}, nil
}
