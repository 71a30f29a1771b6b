package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/internal/observability"
)

// StreamFrame is one websocket message on the subscribe stream. Exactly one
// of the three shapes is populated: an event, a lagged gap, or the terminal
// end marker.
type StreamFrame struct {
	EventID     string            `json:"event_id,omitempty"`
	TSUnixNanos int64             `json:"ts_unix_nanos,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Lagged      uint64            `json:"lagged,omitempty"`
	End         bool              `json:"end,omitempty"`
}

func frameForDelivery(d schema.Delivery) StreamFrame {
	switch d.Kind {
	case schema.DeliveryEvent:
		return StreamFrame{
			EventID:     d.Event.ID.String(),
			TSUnixNanos: d.Event.TSUnixNanos,
			Topic:       d.Event.Topic,
			Payload:     d.Event.Payload,
			Headers:     d.Event.Headers,
		}
	case schema.DeliveryLagged:
		return StreamFrame{Lagged: d.Skipped}
	default:
		return StreamFrame{End: true}
	}
}

func (s *httpServer) handleStream(w http.ResponseWriter, r *http.Request, name string) {
	from, err := parseCursor(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	inclusive := !strings.EqualFold(r.URL.Query().Get("exclusive"), "true")

	topic, err := s.bus.Topic(name)
	if err != nil {
		writeBusError(w, err)
		return
	}
	sub, err := topic.Subscribe(r.Context(), from, inclusive)
	if err != nil {
		writeBusError(w, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("websocket accept failed",
			observability.Field{Key: "topic", Value: name},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	// Surface client disconnects: reads fail once the peer goes away.
	readCtx, cancelRead := context.WithCancel(ctx)
	go func() {
		defer cancelRead()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		d, err := sub.Next(readCtx)
		if err != nil {
			// Consumer gone or context done; nothing left to write.
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		frame, err := json.Marshal(frameForDelivery(d))
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
		if d.Kind == schema.DeliveryEnd {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
