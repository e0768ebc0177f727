package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-based). Attempt 1 waits
// InitialDelay and each later attempt grows by Multiplier up to MaxDelay.
// With Jitter the delay is drawn from [d/2, d) so it never exceeds the cap.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(b.Multiplier, 1)
	d := float64(b.InitialDelay)
	for n := 1; n < attempt; n++ {
		d *= growth
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter && rng != nil {
		d = d/2 + rng.Float64()*d/2
	}
	return time.Duration(d)
}

// ScheduleDelay returns the delay for a 0-based attempt counter against a
// fixed schedule. Attempts past the end reuse the last entry.
func ScheduleDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}
