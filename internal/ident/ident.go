// Package ident mints time-sortable event identifiers for topic writers.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/simplebus/core/schema"
)

const maxTimestampMS = 1<<48 - 1

// Generator produces strictly increasing EventIDs for a single topic writer.
// The high 48 bits carry a millisecond tick; the low 80 bits carry randomness
// that is incremented on same-tick collisions. When the wall clock retreats
// the generator freezes at the last-used tick until the clock catches up.
type Generator struct {
	mu       sync.Mutex
	lastMS   uint64
	lastRand [10]byte
	primed   bool

	now func() time.Time
}

// New constructs a generator reading the system wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock constructs a generator with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next mints the next identifier. Successive calls on one generator return
// strictly increasing values in byte-lexicographic order.
func (g *Generator) Next() (schema.EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().UnixMilli())
	if ms > maxTimestampMS {
		return schema.ZeroEventID, fmt.Errorf("ident: wall clock beyond 48-bit millisecond range")
	}

	switch {
	case !g.primed || ms > g.lastMS:
		if ms < g.lastMS {
			// Clock retreated across a restart seed; hold the tick.
			ms = g.lastMS
		}
		g.lastMS = ms
		if err := g.reseed(); err != nil {
			return schema.ZeroEventID, err
		}
	default:
		// Same tick, or the clock retreated: hold lastMS and increment the
		// 80-bit suffix. Overflow borrows a tick from the future.
		if g.incrementSuffix() {
			g.lastMS++
		}
	}
	g.primed = true

	return g.compose(), nil
}

// Seed advances the generator floor so that every future identifier sorts
// after any identifier whose millisecond prefix is at most ms-1. Recovery
// calls this with the maximum observed prefix plus one.
func (g *Generator) Seed(ms uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMS {
		g.lastMS = ms
		g.primed = false
	}
}

func (g *Generator) reseed() error {
	if _, err := rand.Read(g.lastRand[:]); err != nil {
		return fmt.Errorf("ident: read entropy: %w", err)
	}
	return nil
}

// incrementSuffix adds one to the 80-bit suffix, reporting carry overflow.
func (g *Generator) incrementSuffix() bool {
	for i := len(g.lastRand) - 1; i >= 0; i-- {
		g.lastRand[i]++
		if g.lastRand[i] != 0 {
			return false
		}
	}
	return true
}

func (g *Generator) compose() schema.EventID {
	var id schema.EventID
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], g.lastMS)
	copy(id[:6], ts[2:])
	copy(id[6:], g.lastRand[:])
	return id
}
