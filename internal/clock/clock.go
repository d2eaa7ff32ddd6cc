// Package clock supplies the current time to the frame renderer.
package clock

import "time"

// Instant is a count of whole seconds since the Unix epoch.
type Instant int64

// Time converts the instant to a UTC time.Time.
func (i Instant) Time() time.Time {
	return time.Unix(int64(i), 0).UTC()
}

func (i Instant) String() string {
	return i.Time().Format(time.RFC3339)
}

// FromTime truncates t to an Instant.
func FromTime(t time.Time) Instant {
	return Instant(t.Unix())
}

// Clock reports the current instant. Implementations never fail.
type Clock interface {
	Now() Instant
}

// System reads the host's wall clock.
type System struct{}

func (System) Now() Instant {
	return FromTime(time.Now())
}

// Fixed always reports the same instant. It stands in for boards without a
// real-time clock, where the firmware's build time is the best estimate.
type Fixed Instant

func (f Fixed) Now() Instant {
	return Instant(f)
}
