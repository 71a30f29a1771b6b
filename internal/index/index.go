// Package index maintains the in-memory lookup structures of one topic.
package index

import (
	"sort"
	"sync"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/internal/segment"
)

// Sample marks the position of one record boundary and its timestamp.
type Sample struct {
	TS  int64
	Pos segment.Position
}

// Index holds the id→position map and the stride-sampled timestamp sequence
// for one topic. The topic writer is the sole mutator; subscriptions read
// concurrently while resolving cursors.
type Index struct {
	mu      sync.RWMutex
	byID    map[schema.EventID]segment.Position
	samples []Sample
	stride  uint64
	count   uint64
}

// New constructs an index sampling every stride records.
func New(stride int) *Index {
	if stride <= 0 {
		stride = 1
	}
	return &Index{
		byID:    make(map[schema.EventID]segment.Position),
		samples: nil,
		stride:  uint64(stride),
		count:   0,
	}
}

// Put records a committed record. Exactly one entry exists per committed
// record; every stride-th record also lands in the timestamp samples.
func (ix *Index) Put(id schema.EventID, ts int64, pos segment.Position) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byID[id] = pos
	if ix.count%ix.stride == 0 {
		ix.samples = append(ix.samples, Sample{TS: ts, Pos: pos})
	}
	ix.count++
}

// Lookup resolves an event id to its record position.
func (ix *Index) Lookup(id schema.EventID) (segment.Position, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.byID[id]
	return pos, ok
}

// SeekTimestamp returns the position of the greatest sample whose timestamp
// is <= target, from which a forward scan finds the first qualifying record.
// Targets below the earliest sample fall back to the given start-of-log
// position.
func (ix *Index) SeekTimestamp(target int64, fallback segment.Position) segment.Position {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	// First sample with ts > target; the one before it is the floor.
	n := sort.Search(len(ix.samples), func(i int) bool { return ix.samples[i].TS > target })
	if n == 0 {
		return fallback
	}
	return ix.samples[n-1].Pos
}

// Count reports the number of committed records seen.
func (ix *Index) Count() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}
