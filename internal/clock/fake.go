package clock

import "time"

// FakeClock is a manually stepped clock for tests. Reset boundaries, rollover
// expiry and attach idempotency buckets all derive from the injected clock, so
// tests advance time explicitly instead of sleeping.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
