// Package clockutil provides the node's notion of wall-clock time and the
// slot arithmetic derived from it. Every component that needs "now" goes
// through a Clock instead of calling time.Now() directly, so tests can
// drive slot transitions deterministically.
package clockutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock abstracts wall-clock time. The production implementation wraps
// benbjohnson/clock's real clock; tests use its mock to advance time
// without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the actual system clock.
func Real() Clock {
	return clock.New()
}

// Both benbjohnson/clock.Clock (real) and *clock.Mock already implement
// Now/After/Sleep, so no adapter struct is needed beyond the Clock
// narrowing above.

// SlotClock converts wall-clock time into slot indices, per the fixed
// SLOT_SECONDS cadence that both TimeVote and TimeLock key off of.
type SlotClock struct {
	clock      Clock
	genesis    time.Time
	slotLength time.Duration
}

// NewSlotClock builds a SlotClock anchored at genesisTime with the given
// slot length.
func NewSlotClock(c Clock, genesisTime time.Time, slotLength time.Duration) *SlotClock {
	return &SlotClock{clock: c, genesis: genesisTime, slotLength: slotLength}
}

// CurrentSlot returns floor((now - genesis) / slot_length). Times before
// genesis return slot 0.
func (s *SlotClock) CurrentSlot() uint64 {
	return s.SlotAt(s.clock.Now())
}

// SlotAt returns the slot index containing the given instant.
func (s *SlotClock) SlotAt(t time.Time) uint64 {
	if t.Before(s.genesis) {
		return 0
	}
	elapsed := t.Sub(s.genesis)
	return uint64(elapsed / s.slotLength)
}

// SlotStart returns the wall-clock instant at which slot begins.
func (s *SlotClock) SlotStart(slot uint64) time.Time {
	return s.genesis.Add(time.Duration(slot) * s.slotLength)
}

// Now is a convenience passthrough to the underlying Clock.
func (s *SlotClock) Now() time.Time {
	return s.clock.Now()
}
