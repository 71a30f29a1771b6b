package schema

import "fmt"

// CursorKind enumerates the closed set of subscription start specifications.
type CursorKind int

const (
	// CursorBeginning replays the full backlog from the first segment.
	CursorBeginning CursorKind = iota
	// CursorNow skips the backlog and delivers live events only.
	CursorNow
	// CursorTimestamp replays from the first event at or after a timestamp.
	CursorTimestamp
	// CursorEventID replays from a specific event identifier.
	CursorEventID
)

// StartFrom selects where a subscription begins reading a topic.
type StartFrom struct {
	Kind      CursorKind
	Timestamp int64
	Event     EventID
}

// FromBeginning starts at the first committed record.
func FromBeginning() StartFrom {
	return StartFrom{Kind: CursorBeginning, Timestamp: 0, Event: ZeroEventID}
}

// FromNow starts at the current end of log; no backlog is replayed.
func FromNow() StartFrom {
	return StartFrom{Kind: CursorNow, Timestamp: 0, Event: ZeroEventID}
}

// FromTimestamp starts at the first event whose timestamp is >= ts.
func FromTimestamp(tsUnixNanos int64) StartFrom {
	return StartFrom{Kind: CursorTimestamp, Timestamp: tsUnixNanos, Event: ZeroEventID}
}

// FromEventID starts at the named event. Whether the matched event itself is
// delivered is controlled by the inclusive flag passed to Subscribe.
func FromEventID(id EventID) StartFrom {
	return StartFrom{Kind: CursorEventID, Timestamp: 0, Event: id}
}

func (k CursorKind) String() string {
	switch k {
	case CursorBeginning:
		return "beginning"
	case CursorNow:
		return "now"
	case CursorTimestamp:
		return "timestamp"
	case CursorEventID:
		return "event_id"
	default:
		return fmt.Sprintf("cursor(%d)", int(k))
	}
}
