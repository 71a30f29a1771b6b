package segment

import (
	"bufio"
	"io"
	"os"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/codec"
)

// Scanner walks committed records across segment boundaries, from a start
// position up to (but not including) a fixed end snapshot. It reads through
// its own read-only handles, so it never interferes with the writer.
type Scanner struct {
	store *Store
	cur   Position
	end   Position

	f *os.File
	r *bufio.Reader
}

// NewScanner positions a scanner at start, bounded by the end snapshot.
func (s *Store) NewScanner(start, end Position) *Scanner {
	return &Scanner{store: s, cur: start, end: end, f: nil, r: nil}
}

// Next returns the next record and its position, or io.EOF once the scanner
// reaches the end snapshot. Decode failures propagate as codec envelopes.
func (sc *Scanner) Next() (*schema.Event, Position, error) {
	for {
		if !sc.cur.Before(sc.end) {
			sc.closeFile()
			return nil, Position{}, io.EOF
		}
		if sc.r == nil {
			if err := sc.openSegment(); err != nil {
				return nil, Position{}, err
			}
		}

		at := sc.cur
		evt, consumed, err := codec.DecodeFrom(sc.r, at.Offset, sc.store.Limits())
		if err == io.EOF {
			// End of a rotated segment: move to the next one.
			sc.closeFile()
			next, ok := sc.store.NextSegmentAfter(at.Segment)
			if !ok {
				return nil, Position{}, io.EOF
			}
			sc.cur = Position{Segment: next, Offset: 0}
			continue
		}
		if err != nil {
			sc.closeFile()
			return nil, Position{}, annotateSegment(err, at.Segment)
		}
		sc.cur.Offset += consumed
		return evt, at, nil
	}
}

// Pos reports the position of the next unread record.
func (sc *Scanner) Pos() Position { return sc.cur }

// Close releases the scanner's file handle.
func (sc *Scanner) Close() { sc.closeFile() }

func (sc *Scanner) openSegment() error {
	f, err := os.Open(sc.store.segmentPath(sc.cur.Segment))
	if err != nil {
		return errs.New("segment/scan", errs.CodeIoFailure, errs.WithSegment(sc.cur.Segment), errs.WithCause(err))
	}
	if _, err := f.Seek(sc.cur.Offset, io.SeekStart); err != nil {
		f.Close()
		return errs.New("segment/scan", errs.CodeIoFailure, errs.WithSegment(sc.cur.Segment), errs.WithCause(err))
	}
	sc.f = f
	sc.r = bufio.NewReaderSize(f, 1<<16)
	return nil
}

func (sc *Scanner) closeFile() {
	if sc.f != nil {
		sc.f.Close()
		sc.f = nil
		sc.r = nil
	}
}
