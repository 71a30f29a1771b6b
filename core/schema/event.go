package schema

import (
	"strings"

	"github.com/coachpo/simplebus/errs"
)

// MaxTopicNameBytes is the hard ceiling on topic name length; deployments may
// configure a lower limit.
const MaxTopicNameBytes = 255

// Event is the in-memory representation of one committed record.
type Event struct {
	ID          EventID           `json:"event_id"`
	TSUnixNanos int64             `json:"ts_unix_nanos"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Headers != nil {
		clone.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}

// ValidateTopicName verifies the topic name is non-empty, within the byte
// limit, and safe to use as a directory component.
func ValidateTopicName(name string, maxBytes int) error {
	if maxBytes <= 0 || maxBytes > MaxTopicNameBytes {
		maxBytes = MaxTopicNameBytes
	}
	if strings.TrimSpace(name) == "" {
		return errs.New("schema/topic", errs.CodeLimitExceeded, errs.WithField("topic"), errs.WithMessage("topic name required"))
	}
	if len(name) > maxBytes {
		return errs.New("schema/topic", errs.CodeLimitExceeded, errs.WithField("topic"), errs.WithTopic(name), errs.WithMessage("topic name too long"))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return errs.New("schema/topic", errs.CodeLimitExceeded, errs.WithField("topic"), errs.WithTopic(name), errs.WithMessage("topic name contains unsupported characters"))
		}
	}
	if name[0] == '.' {
		return errs.New("schema/topic", errs.CodeLimitExceeded, errs.WithField("topic"), errs.WithTopic(name), errs.WithMessage("topic name may not start with a dot"))
	}
	return nil
}
