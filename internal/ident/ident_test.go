package ident

import (
	"testing"
	"time"

	"github.com/coachpo/simplebus/core/schema"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestNextStrictlyIncreasesWithinTick(t *testing.T) {
	g := NewWithClock(fixedClock(1_700_000_000_000))

	prev, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := 0; i < 10_000; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if !prev.Less(id) {
			t.Fatalf("ids must strictly increase: %s !< %s", prev, id)
		}
		prev = id
	}
}

func TestNextFreezesOnClockRetreat(t *testing.T) {
	ms := int64(1_700_000_000_000)
	clock := ms
	g := NewWithClock(func() time.Time { return time.UnixMilli(clock) })

	first, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clock = ms - 250
	second, err := g.Next()
	if err != nil {
		t.Fatalf("mint after retreat: %v", err)
	}
	if !first.Less(second) {
		t.Fatalf("retreat must not regress ids: %s !< %s", first, second)
	}
	if second.TimestampMS() < first.TimestampMS() {
		t.Fatalf("timestamp prefix regressed: %d < %d", second.TimestampMS(), first.TimestampMS())
	}
}

func TestSuffixOverflowBorrowsNextTick(t *testing.T) {
	g := NewWithClock(fixedClock(42))
	if _, err := g.Next(); err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := range g.lastRand {
		g.lastRand[i] = 0xff
	}

	id, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := id.TimestampMS(); got != 43 {
		t.Fatalf("overflow should borrow a tick: got %d want 43", got)
	}
	var wantSuffix [10]byte
	if g.lastRand != wantSuffix {
		t.Fatalf("suffix should wrap to zero, got %x", g.lastRand)
	}
}

func TestSeedFloorsFutureIDs(t *testing.T) {
	seed := uint64(9_000_000)
	g := NewWithClock(fixedClock(1_000))
	g.Seed(seed)

	id, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if id.TimestampMS() < seed {
		t.Fatalf("seeded generator regressed: %d < %d", id.TimestampMS(), seed)
	}

	next, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !id.Less(next) {
		t.Fatalf("ids must strictly increase after seeding: %s !< %s", id, next)
	}
}

func TestTimestampPrefixMatchesClock(t *testing.T) {
	ms := int64(1_712_345_678_901)
	g := NewWithClock(fixedClock(ms))
	id, err := g.Next()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := id.TimestampMS(); got != uint64(ms) {
		t.Fatalf("prefix: got %d want %d", got, ms)
	}
	if id == schema.ZeroEventID {
		t.Fatal("minted id must not be zero")
	}
}
