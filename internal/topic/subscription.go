package topic

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/observability"
	"github.com/coachpo/simplebus/internal/segment"
)

// Subscription is a per-consumer stream: a replayed backlog followed by the
// live broadcast, contiguous and duplicate-free within one run.
type Subscription struct {
	topic string

	out    chan schema.Delivery
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	detach func()
}

// Next yields the next delivery. It suspends on the consumer's receive
// channel; the context bounds the wait.
func (s *Subscription) Next(ctx context.Context) (schema.Delivery, error) {
	select {
	case d, ok := <-s.out:
		if !ok {
			return schema.Delivery{Kind: schema.DeliveryEnd, Event: nil, Skipped: 0}, nil
		}
		return d, nil
	case <-ctx.Done():
		return schema.Delivery{}, fmt.Errorf("subscription next: %w", ctx.Err())
	case <-s.ctx.Done():
		return schema.Delivery{Kind: schema.DeliveryEnd, Event: nil, Skipped: 0}, nil
	}
}

// Close drops the subscription. Non-blocking; the writer forgets the
// endpoint immediately and the pump goroutine winds down.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.detach()
	})
}

// replayFilter drops records ahead of the cursor's true start. The filters
// stay armed across the backlog-to-live seam until their first match.
type replayFilter struct {
	tsFloor   int64
	tsActive  bool
	skipID    schema.EventID
	skipArmed bool
}

func (f *replayFilter) drops(evt *schema.Event) bool {
	if f.skipArmed && evt.ID == f.skipID {
		f.skipArmed = false
		return true
	}
	if f.tsActive {
		if evt.TSUnixNanos < f.tsFloor {
			return true
		}
		f.tsActive = false
	}
	return false
}

// Subscribe resolves the cursor against the topic's indices and returns a
// subscription whose pump replays the backlog up to the end-of-log snapshot,
// then joins the live broadcast.
func (w *Writer) Subscribe(ctx context.Context, from schema.StartFrom, inclusive bool) (*Subscription, error) {
	if w.ctx.Err() != nil {
		return nil, errs.New("topic/subscribe", errs.CodeShutdown, errs.WithTopic(w.name))
	}

	filter := &replayFilter{tsFloor: 0, tsActive: false, skipID: schema.ZeroEventID, skipArmed: false}
	var start segment.Position
	resolved := true

	switch from.Kind {
	case schema.CursorBeginning:
		start = segment.Position{Segment: w.store.FirstSegment(), Offset: 0}
	case schema.CursorNow:
		resolved = false // start at the snapshot taken below
	case schema.CursorTimestamp:
		start = w.index.SeekTimestamp(from.Timestamp, segment.Position{Segment: w.store.FirstSegment(), Offset: 0})
		filter.tsFloor = from.Timestamp
		filter.tsActive = true
	case schema.CursorEventID:
		pos, ok := w.index.Lookup(from.Event)
		if !ok {
			return nil, errs.New("topic/subscribe", errs.CodeCursorNotFound,
				errs.WithTopic(w.name), errs.WithMessage(from.Event.String()))
		}
		start = pos
		if !inclusive {
			filter.skipID = from.Event
			filter.skipArmed = true
		}
	default:
		return nil, errs.New("topic/subscribe", errs.CodeCursorNotFound,
			errs.WithTopic(w.name), errs.WithMessage("unknown cursor kind"))
	}

	// Attach to the broadcast before snapshotting the end of log; events
	// landing in between are seen twice and deduplicated by position.
	live, err := w.bcast.attach(w.cfg.SubscriberBuffer)
	if err != nil {
		return nil, err
	}
	end := w.store.EndPosition()
	if !resolved {
		start = end
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		topic:  w.name,
		out:    make(chan schema.Delivery),
		ctx:    subCtx,
		cancel: cancel,
		once:   sync.Once{},
		detach: func() { w.bcast.detach(live.id) },
	}
	go s.pump(w, live, start, end, filter)
	return s, nil
}

// pump drives one subscription: backlog replay from the store, then the live
// channel, discarding live events positioned before the end-of-log snapshot.
func (s *Subscription) pump(w *Writer, live *liveSub, start, end segment.Position, filter *replayFilter) {
	defer close(s.out)
	defer s.Close()

	if start.Before(end) {
		sc := w.store.NewScanner(start, end)
		for {
			evt, _, err := sc.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Committed bytes failed to decode mid-replay; surface the
				// terminal signal rather than a torn stream.
				observability.Log().Error("backlog replay aborted",
					observability.Field{Key: "topic", Value: s.topic},
					observability.Field{Key: "error", Value: err.Error()})
				sc.Close()
				s.deliver(schema.Delivery{Kind: schema.DeliveryEnd, Event: nil, Skipped: 0})
				return
			}
			if filter.drops(evt) {
				continue
			}
			if !s.deliver(schema.Delivery{Kind: schema.DeliveryEvent, Event: evt, Skipped: 0}) {
				sc.Close()
				return
			}
		}
		sc.Close()
	}

	for {
		select {
		case le, ok := <-live.ch:
			if !ok {
				// Bus shutdown closed the broadcast.
				s.deliver(schema.Delivery{Kind: schema.DeliveryEnd, Event: nil, Skipped: 0})
				return
			}
			if le.pos.Before(end) {
				// Already delivered during replay.
				continue
			}
			if n := live.skipped.Swap(0); n > 0 {
				if !s.deliver(schema.Delivery{Kind: schema.DeliveryLagged, Event: nil, Skipped: n}) {
					return
				}
			}
			if filter.drops(le.evt) {
				continue
			}
			if !s.deliver(schema.Delivery{Kind: schema.DeliveryEvent, Event: le.evt, Skipped: 0}) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) deliver(d schema.Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-s.ctx.Done():
		return false
	}
}
