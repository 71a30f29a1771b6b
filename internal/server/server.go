// Package server exposes the embedded bus over HTTP: publish via POST,
// subscribe via a websocket stream.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/simplebus/bus"
	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
)

const (
	maxJSONBodyBytes int64 = 32 << 20

	topicsPrefix = "/v1/topics/"
	healthPath   = "/healthz"
)

// publishPayload is the POST body for one publish. Payload travels base64
// encoded, as Go's JSON codecs render []byte.
type publishPayload struct {
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

type httpServer struct {
	bus     *bus.Bus
	limiter *rate.Limiter
}

// NewHandler builds the HTTP handler for the given bus. A non-zero publish
// rate installs a process-wide limiter on the publish endpoint.
func NewHandler(b *bus.Bus, cfg config.ServerConfig) http.Handler {
	var limiter *rate.Limiter
	if cfg.PublishRatePerSec > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRatePerSec), burst)
	}
	s := &httpServer{bus: b, limiter: limiter}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(topicsPrefix, s.handleTopics)
	return mux
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTopics routes /v1/topics/{topic}/events and /v1/topics/{topic}/stream.
func (s *httpServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, topicsPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "", "not found")
		return
	}
	name, action := parts[0], parts[1]

	switch action {
	case "events":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
			return
		}
		s.handlePublish(w, r, name)
	case "stream":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
			return
		}
		s.handleStream(w, r, name)
	default:
		writeError(w, http.StatusNotFound, "", "not found")
	}
}

func (s *httpServer) handlePublish(w http.ResponseWriter, r *http.Request, name string) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "", "publish rate exceeded")
		return
	}

	var body publishPayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "", fmt.Sprintf("decode body: %v", err))
		return
	}

	topic, err := s.bus.Topic(name)
	if err != nil {
		writeBusError(w, err)
		return
	}
	id, err := topic.TryPublish(r.Context(), body.Payload, body.Headers)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publishReply{EventID: id.String()})
}

// parseCursor maps the `from` query parameter onto the cursor closed set:
// beginning | now | ts:<unix_nanos> | id:<event_id>.
func parseCursor(raw string) (schema.StartFrom, error) {
	value := strings.TrimSpace(raw)
	switch {
	case value == "" || value == "beginning":
		return schema.FromBeginning(), nil
	case value == "now":
		return schema.FromNow(), nil
	case strings.HasPrefix(value, "ts:"):
		nanos, err := strconv.ParseInt(value[len("ts:"):], 10, 64)
		if err != nil {
			return schema.StartFrom{}, fmt.Errorf("parse cursor timestamp: %w", err)
		}
		return schema.FromTimestamp(nanos), nil
	case strings.HasPrefix(value, "id:"):
		id, err := schema.ParseEventID(value[len("id:"):])
		if err != nil {
			return schema.StartFrom{}, err
		}
		return schema.FromEventID(id), nil
	default:
		return schema.StartFrom{}, fmt.Errorf("unknown cursor %q", value)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorReply{Error: msg, Code: code})
}

// writeBusError maps engine error codes onto HTTP statuses.
func writeBusError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeQueueFull:
		status = http.StatusTooManyRequests
	case errs.CodeShutdown:
		status = http.StatusServiceUnavailable
	case errs.CodeLimitExceeded:
		status = http.StatusRequestEntityTooLarge
	case errs.CodeCursorNotFound:
		status = http.StatusNotFound
	case errs.CodeIoFailure:
		status = http.StatusInternalServerError
	}
	var e *errs.E
	msg := err.Error()
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	writeError(w, status, string(code), msg)
}
