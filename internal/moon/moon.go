// Package moon computes the lunar phase shown on the display.
//
// The model is the mean synodic month measured from a known new moon. It
// drifts by up to roughly half a day against the true phase, which is well
// under the resolution of a percentage readout refreshed hourly.
package moon

import (
	"math"

	"sundial/internal/clock"
)

const (
	// SynodicMonth is the mean length of a lunation in days.
	SynodicMonth = 29.530588853

	// ReferenceNewMoon is the new moon of 2000-01-06 18:14 UTC.
	ReferenceNewMoon clock.Instant = 947182440

	synodicSeconds = SynodicMonth * 86400
)

var labels = [8]string{
	"New Moon",
	"Waxing Crescent",
	"First Quarter",
	"Waxing Gibbous",
	"Full Moon",
	"Waning Gibbous",
	"Last Quarter",
	"Waning Crescent",
}

// Phase returns the position of t in the lunar cycle, in [0, 1).
// Zero is new moon and 0.5 is full moon.
func Phase(t clock.Instant) float64 {
	elapsed := float64(t - ReferenceNewMoon)
	p := math.Mod(elapsed/synodicSeconds, 1)
	if p < 0 {
		p++
	}
	if p >= 1 {
		p = 0
	}
	return p
}

// Illumination returns the lit fraction of the visible disc, in [0, 1].
func Illumination(phase float64) float64 {
	return (1 - math.Cos(2*math.Pi*phase)) / 2
}

// Label names the phase. Each name covers an eighth of the cycle centred on
// its nominal phase, so "New Moon" spans (-1/16, 1/16).
func Label(phase float64) string {
	i := int(math.Floor(phase*8+0.5)) % 8
	if i < 0 {
		i += 8
	}
	return labels[i]
}

// Almanac exposes the package functions as a value for the renderer.
type Almanac struct{}

func (Almanac) Phase(t clock.Instant) float64 { return Phase(t) }

func (Almanac) Illumination(phase float64) float64 { return Illumination(phase) }

func (Almanac) Label(phase float64) string { return Label(phase) }
