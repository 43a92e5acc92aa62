package timelock

import (
	"time"

	"github.com/timelock-chain/tlcd/config"
)

// EligibleFallbackLevel returns the highest fallback level eligible to
// produce elapsed time after a slot's boundary: 0 for the primary producer
// during [0, FALLBACK_DELAY), 1 for [FALLBACK_DELAY, 2*FALLBACK_DELAY), and
// so on up to MaxFallbackLevel, after which the slot is exhausted (ok=false)
// and the node should move on to the next slot rather than wait further.
func EligibleFallbackLevel(elapsed time.Duration) (level uint8, ok bool) {
	delay := time.Duration(config.FallbackDelaySeconds) * time.Second
	if elapsed < delay {
		return 0, true
	}
	level64 := uint64(elapsed/delay)
	if level64 > uint64(config.MaxFallbackLevel) {
		return 0, false
	}
	return uint8(level64), true
}

// ProducerForLevel returns the ranked candidate responsible for producing
// at the given fallback level (0 = primary, per Rank's ordering), or
// ok=false if the active set is too small to cover that level.
func ProducerForLevel(ranked []Candidate, level uint8) (Candidate, bool) {
	if int(level) >= len(ranked) {
		return Candidate{}, false
	}
	return ranked[level], true
}
