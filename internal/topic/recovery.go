package topic

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/codec"
	"github.com/coachpo/simplebus/internal/observability"
	"github.com/coachpo/simplebus/internal/segment"
	"github.com/coachpo/simplebus/internal/telemetry"
)

// recover opens the topic's segment store and rebuilds the in-memory indices
// by scanning every segment in order. A damaged tail in the final segment is
// truncated away; damage anywhere else aborts startup.
func (w *Writer) recover(dir string) error {
	store, err := segment.Open(dir, w.cfg.MaxSegmentBytes, codec.Limits{
		MaxPayloadBytes:   w.cfg.MaxPayloadBytes,
		MaxTopicNameBytes: w.cfg.MaxTopicNameBytes,
	})
	if err != nil {
		return err
	}
	w.store = store

	var maxIDMS uint64
	var lastTS int64
	records := uint64(0)

	segments := store.Segments()
	for i, no := range segments {
		end, scanErr := store.ScanSegment(no, 0, func(pos segment.Position, evt *schema.Event) error {
			w.index.Put(evt.ID, evt.TSUnixNanos, pos)
			if ms := evt.ID.TimestampMS(); ms > maxIDMS {
				maxIDMS = ms
			}
			if evt.TSUnixNanos > lastTS {
				lastTS = evt.TSUnixNanos
			}
			records++
			return nil
		})
		if scanErr == nil {
			continue
		}

		code := errs.CodeOf(scanErr)
		repairable := code == errs.CodeCorruptRecord || code == errs.CodeTruncatedTail
		final := i == len(segments)-1
		if !repairable {
			store.Close()
			return scanErr
		}
		if !final {
			store.Close()
			return errs.New("topic/recover", errs.CodeUnrecoverableSegment,
				errs.WithTopic(w.name), errs.WithSegment(no), errs.WithOffset(end), errs.WithCause(scanErr))
		}

		if err := store.Truncate(no, end); err != nil {
			store.Close()
			return err
		}
		observability.Log().Info("truncated damaged tail",
			observability.Field{Key: "topic", Value: w.name},
			observability.Field{Key: "segment", Value: no},
			observability.Field{Key: "offset", Value: end},
			observability.Field{Key: "reason", Value: string(code)})
		if w.metrics.truncations != nil {
			w.metrics.truncations.Add(context.Background(), 1,
				metric.WithAttributes(telemetry.TopicAttributes(w.name)...))
		}
	}

	if records > 0 {
		w.gen.Seed(maxIDMS + 1)
		w.lastTS = lastTS
	}
	observability.Log().Debug("topic recovered",
		observability.Field{Key: "topic", Value: w.name},
		observability.Field{Key: "records", Value: records},
		observability.Field{Key: "segments", Value: len(segments)})
	return nil
}
