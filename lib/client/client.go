// Package client provides a reconnecting network client for a SimpleBus
// daemon: publish over HTTP, subscribe over a websocket stream with resume
// from the last-seen event id.
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/simplebus/core/schema"
)

const maxReconnectInterval = 30 * time.Second

// Frame mirrors the daemon's stream message: an event, a lagged gap, or the
// terminal end marker.
type Frame struct {
	EventID     string            `json:"event_id,omitempty"`
	TSUnixNanos int64             `json:"ts_unix_nanos,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Lagged      uint64            `json:"lagged,omitempty"`
	End         bool              `json:"end,omitempty"`
}

// Handler consumes one frame. Returning an error stops the subscription.
type Handler func(Frame) error

// Client talks to one SimpleBus daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client for the daemon at baseURL (e.g. http://host:8080).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type publishBody struct {
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

type publishReply struct {
	EventID string `json:"event_id"`
}

type errorReply struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Publish posts one event and returns the minted event id.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) (string, error) {
	body, err := json.Marshal(publishBody{Payload: payload, Headers: headers})
	if err != nil {
		return "", fmt.Errorf("encode publish body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/topics/"+topic+"/events", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply errorReply
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		return "", fmt.Errorf("publish %s: http %d code=%s %s", topic, resp.StatusCode, reply.Code, reply.Error)
	}
	var reply publishReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode publish reply: %w", err)
	}
	return reply.EventID, nil
}

// Subscribe streams the topic from the given cursor until the handler errors,
// the stream ends, or the context is cancelled. Across disconnects it
// resumes from the last delivered event id (exclusive) under exponential
// backoff, so a network drop costs no events.
func (c *Client) Subscribe(ctx context.Context, topic, cursor string, handler Handler) error {
	if cursor == "" {
		cursor = "beginning"
	}
	lastID := ""
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		from, exclusive := cursor, false
		if lastID != "" {
			from, exclusive = "id:"+lastID, true
		}
		err := c.streamOnce(ctx, topic, from, exclusive, &lastID, handler)
		if err == nil {
			return nil // clean end-of-stream or handler stop
		}
		if ctx.Err() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, topic, from string, exclusive bool, lastID *string, handler Handler) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/v1/topics/" + topic + "/stream?from=" + from
	if exclusive {
		wsURL += "&exclusive=true"
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(-1)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if frame.End {
			return nil
		}
		if frame.EventID != "" {
			if _, err := schema.ParseEventID(frame.EventID); err != nil {
				return fmt.Errorf("malformed event id %q: %w", frame.EventID, err)
			}
			*lastID = frame.EventID
		}
		if err := handler(frame); err != nil {
			return nil
		}
	}
}
