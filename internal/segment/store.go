// Package segment owns the append-only segment files of a single topic.
package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
	"github.com/coachpo/simplebus/internal/codec"
)

// Position addresses a record by segment number and byte offset of its first
// frame byte.
type Position struct {
	Segment uint32
	Offset  int64
}

// Less orders positions segment-first.
func (p Position) Less(other Position) bool {
	if p.Segment != other.Segment {
		return p.Segment < other.Segment
	}
	return p.Offset < other.Offset
}

// Before reports whether p addresses a byte strictly before other.
func (p Position) Before(other Position) bool { return p.Less(other) }

const segmentPattern = "log-%08d.seg"

// Store manages the segment files under one topic directory. All mutation
// goes through the owning topic writer; concurrent readers open their own
// read-only handles.
type Store struct {
	dir      string
	maxBytes int64
	limits   codec.Limits

	// mu guards the segment metadata so cursor resolution can snapshot the
	// end of log while the writer appends.
	mu         sync.RWMutex
	segments   []uint32
	active     *os.File
	activeNo   uint32
	activeSize int64
}

// Open prepares the topic directory and its active segment. A fresh directory
// starts with segment 1; otherwise the highest-numbered segment becomes the
// appendable one.
func Open(dir string, maxBytes int64, limits codec.Limits) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("segment/open", errs.CodeIoFailure, errs.WithCause(err))
	}
	if err := syncDir(filepath.Dir(dir)); err != nil {
		return nil, err
	}

	numbers, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        dir,
		maxBytes:   maxBytes,
		limits:     limits,
		segments:   numbers,
		active:     nil,
		activeNo:   0,
		activeSize: 0,
	}

	if len(numbers) == 0 {
		if err := s.createSegment(1); err != nil {
			return nil, err
		}
		return s, nil
	}

	activeNo := numbers[len(numbers)-1]
	f, err := os.OpenFile(s.segmentPath(activeNo), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.New("segment/open", errs.CodeIoFailure, errs.WithSegment(activeNo), errs.WithCause(err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.New("segment/open", errs.CodeIoFailure, errs.WithSegment(activeNo), errs.WithCause(err))
	}
	s.active = f
	s.activeNo = activeNo
	s.activeSize = info.Size()
	return s, nil
}

func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New("segment/open", errs.CodeIoFailure, errs.WithCause(err))
	}
	numbers := make([]uint32, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var no uint32
		if _, err := fmt.Sscanf(entry.Name(), segmentPattern, &no); err == nil && no > 0 {
			numbers = append(numbers, no)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

func (s *Store) segmentPath(no uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf(segmentPattern, no))
}

func (s *Store) createSegment(no uint32) error {
	f, err := os.OpenFile(s.segmentPath(no), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New("segment/create", errs.CodeIoFailure, errs.WithSegment(no), errs.WithCause(err))
	}
	if err := syncDir(s.dir); err != nil {
		f.Close()
		return err
	}
	s.mu.Lock()
	s.segments = append(s.segments, no)
	s.active = f
	s.activeNo = no
	s.activeSize = 0
	s.mu.Unlock()
	return nil
}

// syncDir fsyncs a directory so freshly created entries survive a crash, on
// platforms where that matters.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return errs.New("segment/syncdir", errs.CodeIoFailure, errs.WithCause(err))
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errs.New("segment/syncdir", errs.CodeIoFailure, errs.WithCause(err))
	}
	return nil
}

// NeedsRotate reports whether appending n more bytes would push the active
// segment past its size bound. An empty active segment always accepts the
// append so oversized single records still land somewhere.
func (s *Store) NeedsRotate(n int) bool {
	return s.activeSize > 0 && s.activeSize+int64(n) > s.maxBytes
}

// Rotate fsyncs and closes the active segment and opens the next one.
func (s *Store) Rotate() error {
	if err := s.active.Sync(); err != nil {
		return errs.New("segment/rotate", errs.CodeIoFailure, errs.WithSegment(s.activeNo), errs.WithCause(err))
	}
	if err := s.active.Close(); err != nil {
		return errs.New("segment/rotate", errs.CodeIoFailure, errs.WithSegment(s.activeNo), errs.WithCause(err))
	}
	return s.createSegment(s.activeNo + 1)
}

// Append writes one encoded frame at the end of the active segment and
// returns the record's start position. Sole mutation point for segment bytes.
func (s *Store) Append(frame []byte) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := Position{Segment: s.activeNo, Offset: s.activeSize}
	n, err := s.active.Write(frame)
	if err != nil {
		// Restore the pre-image: cut the partial tail so later appends do
		// not bury it. If the truncate fails too, recovery repairs the tail
		// on next startup.
		if truncErr := os.Truncate(s.segmentPath(s.activeNo), pos.Offset); truncErr == nil {
			s.activeSize = pos.Offset
		} else {
			s.activeSize += int64(n)
		}
		return Position{}, errs.New("segment/append", errs.CodeIoFailure,
			errs.WithSegment(pos.Segment), errs.WithOffset(pos.Offset), errs.WithCause(err))
	}
	s.activeSize += int64(n)
	return pos, nil
}

// Sync forces the active segment to stable storage.
func (s *Store) Sync() error {
	if err := s.active.Sync(); err != nil {
		return errs.New("segment/sync", errs.CodeIoFailure, errs.WithSegment(s.activeNo), errs.WithCause(err))
	}
	return nil
}

// Truncate cuts the active segment to length offset. Only the active segment
// may be truncated.
func (s *Store) Truncate(no uint32, offset int64) error {
	if no != s.activeNo {
		return errs.New("segment/truncate", errs.CodeIoFailure, errs.WithSegment(no),
			errs.WithMessage("only the active segment may be truncated"))
	}
	if err := os.Truncate(s.segmentPath(no), offset); err != nil {
		return errs.New("segment/truncate", errs.CodeIoFailure, errs.WithSegment(no), errs.WithCause(err))
	}
	s.mu.Lock()
	s.activeSize = offset
	s.mu.Unlock()
	return nil
}

// ReadRecord decodes exactly one record at the given position.
func (s *Store) ReadRecord(pos Position) (*schema.Event, error) {
	f, err := os.Open(s.segmentPath(pos.Segment))
	if err != nil {
		return nil, errs.New("segment/read", errs.CodeIoFailure, errs.WithSegment(pos.Segment), errs.WithCause(err))
	}
	defer f.Close()
	if _, err := f.Seek(pos.Offset, io.SeekStart); err != nil {
		return nil, errs.New("segment/read", errs.CodeIoFailure, errs.WithSegment(pos.Segment), errs.WithCause(err))
	}
	evt, _, err := codec.DecodeFrom(bufio.NewReader(f), pos.Offset, s.limits)
	if err == io.EOF {
		return nil, errs.New("segment/read", errs.CodeTruncatedTail,
			errs.WithSegment(pos.Segment), errs.WithOffset(pos.Offset), errs.WithMessage("no record at position"))
	}
	if err != nil {
		return nil, annotateSegment(err, pos.Segment)
	}
	return evt, nil
}

// ScanSegment walks one segment from the given offset, invoking fn for every
// valid record. It returns the offset just past the last valid record and the
// terminal decode error: nil on clean end-of-file, otherwise the
// CorruptRecord or TruncatedTail that stopped the scan.
func (s *Store) ScanSegment(no uint32, from int64, fn func(pos Position, evt *schema.Event) error) (int64, error) {
	f, err := os.Open(s.segmentPath(no))
	if err != nil {
		return from, errs.New("segment/scan", errs.CodeIoFailure, errs.WithSegment(no), errs.WithCause(err))
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return from, errs.New("segment/scan", errs.CodeIoFailure, errs.WithSegment(no), errs.WithCause(err))
	}

	r := bufio.NewReaderSize(f, 1<<16)
	offset := from
	for {
		evt, consumed, err := codec.DecodeFrom(r, offset, s.limits)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, annotateSegment(err, no)
		}
		if fn != nil {
			if err := fn(Position{Segment: no, Offset: offset}, evt); err != nil {
				return offset + consumed, err
			}
		}
		offset += consumed
	}
}

// annotateSegment stamps the segment number onto a codec envelope.
func annotateSegment(err error, no uint32) error {
	if e, ok := err.(*errs.E); ok {
		return errs.New(e.Op, e.Code,
			errs.WithSegment(no), errs.WithOffset(e.Offset), errs.WithMessage(e.Message), errs.WithCause(e.Unwrap()))
	}
	return err
}

// Segments lists the known segment numbers in ascending order.
func (s *Store) Segments() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint32(nil), s.segments...)
}

// FirstSegment returns the lowest segment number.
func (s *Store) FirstSegment() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		return 1
	}
	return s.segments[0]
}

// ActiveSegment returns the appendable segment's number.
func (s *Store) ActiveSegment() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeNo
}

// EndPosition returns the position one past the last committed byte.
func (s *Store) EndPosition() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Position{Segment: s.activeNo, Offset: s.activeSize}
}

// NextSegmentAfter returns the first known segment number greater than no.
func (s *Store) NextSegmentAfter(no uint32) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, candidate := range s.segments {
		if candidate > no {
			return candidate, true
		}
	}
	return 0, false
}

// Limits exposes the decode limits the store was opened with.
func (s *Store) Limits() codec.Limits { return s.limits }

// Close closes the active segment handle. It does not fsync; call Sync first.
func (s *Store) Close() error {
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	if err != nil {
		return errs.New("segment/close", errs.CodeIoFailure, errs.WithSegment(s.activeNo), errs.WithCause(err))
	}
	return nil
}
