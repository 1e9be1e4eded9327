package wiki

import "time"

// Cadence decides when the main loop runs a harvest pass: after Interval has
// elapsed or after EveryN candidates were processed, whichever comes first.
// It is not safe for concurrent use; the runner owns it.
type Cadence struct {
	Interval time.Duration
	EveryN   int
	last     time.Time
}

// NewCadence starts the interval at now. Zero values take the defaults of
// 30 seconds and 10 candidates.
func NewCadence(interval time.Duration, everyN int, now time.Time) *Cadence {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if everyN <= 0 {
		everyN = 10
	}
	return &Cadence{Interval: interval, EveryN: everyN, last: now}
}

// Due reports whether a harvest pass should run.
func (c *Cadence) Due(now time.Time, processedSince int) bool {
	return now.Sub(c.last) >= c.Interval || processedSince >= c.EveryN
}

// Reset restarts the interval at now.
func (c *Cadence) Reset(now time.Time) {
	c.last = now
}
