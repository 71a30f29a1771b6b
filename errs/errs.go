// Package errs provides structured error types and helpers for the SimpleBus engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a bus-specific error category.
type Code string

const (
	// CodeCorruptRecord indicates a CRC or framing mismatch mid-segment.
	CodeCorruptRecord Code = "corrupt_record"
	// CodeTruncatedTail indicates an incomplete final record in the active segment.
	CodeTruncatedTail Code = "truncated_tail"
	// CodeUnrecoverableSegment indicates corruption in a non-final segment.
	CodeUnrecoverableSegment Code = "unrecoverable_segment"
	// CodeLimitExceeded indicates a payload, topic, or header size over the configured limit.
	CodeLimitExceeded Code = "limit_exceeded"
	// CodeCursorNotFound indicates a subscribe cursor naming an unknown event id.
	CodeCursorNotFound Code = "cursor_not_found"
	// CodeQueueFull indicates publish back-pressure on the writer queue.
	CodeQueueFull Code = "queue_full"
	// CodeShutdown indicates the bus is shutting down or already closed.
	CodeShutdown Code = "shutdown"
	// CodeIoFailure indicates a filesystem error.
	CodeIoFailure Code = "io_failure"
)

// E captures structured error information produced across the SimpleBus stack.
type E struct {
	Op      string
	Code    Code
	Topic   string
	Segment uint32
	Offset  int64
	Field   string
	Message string

	hasSegment bool
	hasOffset  bool
	cause      error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Topic:   "",
		Segment: 0,
		Offset:  0,
		Field:   "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTopic records the topic the error belongs to.
func WithTopic(topic string) Option {
	return func(e *E) {
		e.Topic = topic
	}
}

// WithSegment records the segment number the error was observed in.
func WithSegment(segment uint32) Option {
	return func(e *E) {
		e.Segment = segment
		e.hasSegment = true
	}
}

// WithOffset records the byte offset the error was observed at.
func WithOffset(offset int64) Option {
	return func(e *E) {
		e.Offset = offset
		e.hasOffset = true
	}
}

// WithField names the limit field that was exceeded.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Topic != "" {
		parts = append(parts, "topic="+strconv.Quote(e.Topic))
	}
	if e.hasSegment {
		parts = append(parts, "segment="+strconv.FormatUint(uint64(e.Segment), 10))
	}
	if e.hasOffset {
		parts = append(parts, "offset="+strconv.FormatInt(e.Offset, 10))
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the bus error code from err, walking the wrap chain.
// It returns the empty Code when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given bus error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
