// Package topic implements the per-topic single-writer engine: the append
// hot path, durability batching, live broadcast, and subscriptions.
package topic

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/codec"
	"github.com/coachpo/simplebus/internal/ident"
	"github.com/coachpo/simplebus/internal/index"
	"github.com/coachpo/simplebus/internal/observability"
	"github.com/coachpo/simplebus/internal/segment"
	"github.com/coachpo/simplebus/internal/telemetry"
)

type publishRequest struct {
	payload []byte
	headers map[string]string
	ack     chan publishResult
}

type publishResult struct {
	id  schema.EventID
	err error
}

type pendingAck struct {
	ack chan publishResult
	id  schema.EventID
}

// Writer is the ordering authority for one topic. Exactly one Writer appends
// to a topic's files and writes its indices; publishers reach it only through
// its request queue. Subscriptions do not go through the writer: they read the
// indices and segment files directly under their locks and attach to or
// detach from the broadcast set themselves.
type Writer struct {
	name   string
	cfg    config.Config
	limits codec.Limits

	store *segment.Store
	index *index.Index
	gen   *ident.Generator
	bcast *broadcaster

	requests chan *publishRequest
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	lastTS     int64
	pending    []pendingAck
	flushTimer *time.Timer
	flushArmed bool

	metrics writerMetrics
}

type writerMetrics struct {
	published     metric.Int64Counter
	publishMillis metric.Float64Histogram
	fsyncs        metric.Int64Counter
	fsyncMillis   metric.Float64Histogram
	lagged        metric.Int64Counter
	subscribers   metric.Int64UpDownCounter
	truncations   metric.Int64Counter
}

func newWriterMetrics() writerMetrics {
	meter := otel.Meter("simplebus")
	var m writerMetrics
	m.published, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events committed to topic logs"),
		metric.WithUnit("{event}"))
	m.publishMillis, _ = meter.Float64Histogram("bus.publish.duration",
		metric.WithDescription("Latency of the writer append path"),
		metric.WithUnit("ms"))
	m.fsyncs, _ = meter.Int64Counter("bus.fsync.count",
		metric.WithDescription("Number of fsync calls issued by topic writers"),
		metric.WithUnit("{call}"))
	m.fsyncMillis, _ = meter.Float64Histogram("bus.fsync.duration",
		metric.WithDescription("Latency of fsync calls"),
		metric.WithUnit("ms"))
	m.lagged, _ = meter.Int64Counter("bus.subscriber.lagged",
		metric.WithDescription("Number of live events dropped on slow subscribers"),
		metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of attached live subscribers"),
		metric.WithUnit("{subscriber}"))
	m.truncations, _ = meter.Int64Counter("bus.recovery.truncations",
		metric.WithDescription("Number of partial tails repaired during recovery"),
		metric.WithUnit("{segment}"))
	return m
}

// Open recovers the topic's on-disk state and constructs its writer. The
// caller starts the loop with Run; no publish is served before recovery has
// completed.
func Open(name string, cfg config.Config) (*Writer, error) {
	limits := codec.Limits{
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		MaxTopicNameBytes: cfg.MaxTopicNameBytes,
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		name:       name,
		cfg:        cfg,
		limits:     limits,
		store:      nil,
		index:      index.New(cfg.TimestampIndexStride),
		gen:        ident.New(),
		bcast:      nil,
		requests:   make(chan *publishRequest, cfg.ChannelCapacity),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		lastTS:     0,
		pending:    nil,
		flushTimer: time.NewTimer(time.Hour),
		flushArmed: false,
		metrics:    newWriterMetrics(),
	}
	if !w.flushTimer.Stop() {
		<-w.flushTimer.C
	}
	w.bcast = newBroadcaster(name, w.metrics.lagged, w.metrics.subscribers)

	dir := filepath.Join(cfg.DataDir, "topics", name)
	if err := w.recover(dir); err != nil {
		cancel()
		return nil, err
	}
	return w, nil
}

// Name returns the topic name.
func (w *Writer) Name() string { return w.name }

// Run processes publish requests until Stop. It is the only goroutine that
// appends to the store, writes the indices, and broadcasts; subscriptions
// read the store and indices and attach to the broadcast set from their own
// goroutines.
func (w *Writer) Run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		case <-w.flushTimer.C:
			w.flushArmed = false
			w.flushBatch()
		case <-w.ctx.Done():
			w.shutdown()
			return
		}
	}
}

// Stop drains the writer and waits for it to exit. Idempotent.
func (w *Writer) Stop() {
	w.cancel()
	<-w.done
}

// Publish enqueues a payload and waits for the writer's acknowledgement.
// It suspends while the writer queue is full; callers bound the wait with
// their context.
func (w *Writer) Publish(ctx context.Context, payload []byte, headers map[string]string) (schema.EventID, error) {
	req := &publishRequest{payload: payload, headers: headers, ack: make(chan publishResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return schema.ZeroEventID, fmt.Errorf("enqueue publish: %w", ctx.Err())
	case <-w.ctx.Done():
		return schema.ZeroEventID, errs.New("topic/publish", errs.CodeShutdown, errs.WithTopic(w.name))
	}
	return w.await(ctx, req)
}

// TryPublish is the non-suspending variant: a full writer queue surfaces
// QueueFull immediately.
func (w *Writer) TryPublish(ctx context.Context, payload []byte, headers map[string]string) (schema.EventID, error) {
	if w.ctx.Err() != nil {
		return schema.ZeroEventID, errs.New("topic/publish", errs.CodeShutdown, errs.WithTopic(w.name))
	}
	req := &publishRequest{payload: payload, headers: headers, ack: make(chan publishResult, 1)}
	select {
	case w.requests <- req:
	default:
		return schema.ZeroEventID, errs.New("topic/publish", errs.CodeQueueFull, errs.WithTopic(w.name))
	}
	return w.await(ctx, req)
}

func (w *Writer) await(ctx context.Context, req *publishRequest) (schema.EventID, error) {
	select {
	case res := <-req.ack:
		return res.id, res.err
	case <-ctx.Done():
		// Once enqueued the record is appended or the writer is gone; the
		// caller merely stops waiting.
		return schema.ZeroEventID, fmt.Errorf("await publish ack: %w", ctx.Err())
	case <-w.done:
		select {
		case res := <-req.ack:
			return res.id, res.err
		default:
			return schema.ZeroEventID, errs.New("topic/publish", errs.CodeShutdown, errs.WithTopic(w.name))
		}
	}
}

func (w *Writer) handle(req *publishRequest) {
	start := time.Now()
	err := w.append(req)
	result := "success"
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = "error"
		}
		req.ack <- publishResult{id: schema.ZeroEventID, err: err}
	}
	if w.metrics.publishMillis != nil {
		w.metrics.publishMillis.Record(context.Background(),
			float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.OperationAttributes(w.name, "publish", result)...))
	}
}

// append runs the hot path for one request: mint, encode, rotate if needed,
// append, index, durability, broadcast. On success the ack is signalled here
// (or deferred to the batch flush); on failure the caller signals it.
func (w *Writer) append(req *publishRequest) error {
	id, err := w.gen.Next()
	if err != nil {
		return errs.New("topic/publish", errs.CodeIoFailure, errs.WithTopic(w.name), errs.WithCause(err))
	}
	ts := time.Now().UnixNano()
	if ts < w.lastTS {
		// Clock retreat: never let the log regress.
		ts = w.lastTS
	}

	evt := &schema.Event{
		ID:          id,
		TSUnixNanos: ts,
		Topic:       w.name,
		Payload:     req.payload,
		Headers:     req.headers,
	}
	frame, err := codec.Encode(evt, w.limits)
	if err != nil {
		return err
	}

	if w.store.NeedsRotate(len(frame)) {
		sealed := w.store.ActiveSegment()
		if err := w.store.Rotate(); err != nil {
			return err
		}
		observability.Log().Info("segment rotated",
			observability.Field{Key: "topic", Value: w.name},
			observability.Field{Key: "sealed_segment", Value: sealed},
			observability.Field{Key: "active_segment", Value: w.store.ActiveSegment()})
	}

	pos, err := w.store.Append(frame)
	if err != nil {
		// Indices stay untouched on append failure.
		return err
	}
	w.lastTS = ts
	w.index.Put(id, ts, pos)
	if w.metrics.published != nil {
		w.metrics.published.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.TopicAttributes(w.name)...))
	}

	switch w.cfg.Durability.Mode {
	case config.FsyncAlways:
		syncErr := w.sync()
		w.bcast.publish(evt, pos)
		req.ack <- publishResult{id: id, err: syncErr}
	case config.FsyncBatch:
		w.pending = append(w.pending, pendingAck{ack: req.ack, id: id})
		w.bcast.publish(evt, pos)
		if len(w.pending) >= w.cfg.Durability.MaxEvents {
			w.disarmFlush()
			w.flushBatch()
		} else {
			w.armFlush()
		}
	case config.OSBuffered:
		w.bcast.publish(evt, pos)
		req.ack <- publishResult{id: id, err: nil}
	}
	return nil
}

func (w *Writer) sync() error {
	start := time.Now()
	err := w.store.Sync()
	if w.metrics.fsyncs != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		w.metrics.fsyncs.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.OperationAttributes(w.name, "fsync", result)...))
	}
	if w.metrics.fsyncMillis != nil {
		w.metrics.fsyncMillis.Record(context.Background(),
			float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.TopicAttributes(w.name)...))
	}
	return err
}

// flushBatch fsyncs once and releases every accumulated ack.
func (w *Writer) flushBatch() {
	if len(w.pending) == 0 {
		return
	}
	err := w.sync()
	for _, p := range w.pending {
		p.ack <- publishResult{id: p.id, err: err}
	}
	w.pending = w.pending[:0]
}

func (w *Writer) armFlush() {
	if w.flushArmed {
		return
	}
	w.flushTimer.Reset(w.cfg.Durability.BatchInterval())
	w.flushArmed = true
}

func (w *Writer) disarmFlush() {
	if !w.flushArmed {
		return
	}
	if !w.flushTimer.Stop() {
		select {
		case <-w.flushTimer.C:
		default:
		}
	}
	w.flushArmed = false
}

// shutdown drains queued requests, flushes, and tears the topic down. New
// requests are already rejected because the writer context is cancelled.
func (w *Writer) shutdown() {
	w.disarmFlush()
	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		default:
			w.flushBatch()
			if err := w.store.Sync(); err != nil {
				observability.Log().Error("final fsync failed",
					observability.Field{Key: "topic", Value: w.name},
					observability.Field{Key: "error", Value: err.Error()})
			}
			if err := w.store.Close(); err != nil {
				observability.Log().Error("segment close failed",
					observability.Field{Key: "topic", Value: w.name},
					observability.Field{Key: "error", Value: err.Error()})
			}
			w.bcast.close()
			return
		}
	}
}
