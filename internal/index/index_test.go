package index

import (
	"testing"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/internal/segment"
)

func idFor(n byte) schema.EventID {
	var id schema.EventID
	id[15] = n
	return id
}

func TestLookupByID(t *testing.T) {
	ix := New(10)
	pos := segment.Position{Segment: 2, Offset: 128}
	ix.Put(idFor(7), 700, pos)

	got, ok := ix.Lookup(idFor(7))
	if !ok || got != pos {
		t.Fatalf("lookup: got %+v ok=%v", got, ok)
	}
	if _, ok := ix.Lookup(idFor(8)); ok {
		t.Fatal("unknown id must miss")
	}
	if ix.Count() != 1 {
		t.Fatalf("count %d, want 1", ix.Count())
	}
}

func TestSamplingStride(t *testing.T) {
	ix := New(3)
	for i := byte(0); i < 10; i++ {
		ix.Put(idFor(i), int64(i)*100, segment.Position{Segment: 1, Offset: int64(i) * 64})
	}
	// Records 0, 3, 6, 9 are sampled.
	if len(ix.samples) != 4 {
		t.Fatalf("samples %d, want 4", len(ix.samples))
	}
	for i := 1; i < len(ix.samples); i++ {
		if ix.samples[i].TS < ix.samples[i-1].TS {
			t.Fatal("samples must be non-decreasing in ts")
		}
	}
}

func TestSeekTimestamp(t *testing.T) {
	ix := New(2)
	for i := byte(0); i < 8; i++ {
		ix.Put(idFor(i), int64(i)*100, segment.Position{Segment: 1, Offset: int64(i) * 64})
	}
	fallback := segment.Position{Segment: 1, Offset: 0}

	// Samples sit at records 0, 2, 4, 6 (ts 0, 200, 400, 600).
	cases := []struct {
		target int64
		want   int64
	}{
		{-5, 0},   // below earliest sample: start of log
		{0, 0},    // exact first sample
		{250, 128}, // floor sample is record 2
		{400, 256}, // exact sample hit
		{9999, 384}, // above last sample: last sample
	}
	for _, tc := range cases {
		got := ix.SeekTimestamp(tc.target, fallback)
		if got.Offset != tc.want {
			t.Fatalf("seek(%d): offset %d, want %d", tc.target, got.Offset, tc.want)
		}
	}
}

func TestSeekTimestampEmptyIndex(t *testing.T) {
	ix := New(5)
	fallback := segment.Position{Segment: 3, Offset: 0}
	if got := ix.SeekTimestamp(12345, fallback); got != fallback {
		t.Fatalf("empty index must fall back, got %+v", got)
	}
}
