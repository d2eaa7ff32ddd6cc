package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DefaultSpeed is a conservative SCK rate the JD79661 handles reliably.
const DefaultSpeed = 4 * physic.MegaHertz

// Pins names the control lines as known to gpioreg (e.g. "GPIO25").
type Pins struct {
	DC   string
	RST  string
	CS   string
	Busy string
}

// DefaultPins matches the wiring of the reference board.
var DefaultPins = Pins{DC: "GPIO6", RST: "GPIO7", CS: "GPIO8", Busy: "GPIO9"}

// Open initializes periph.io, opens the SPI port (empty name for the first
// one), connects in mode 0 with 8-bit words, resolves the control lines and
// returns a Dev that owns all of them. Close releases the port.
func Open(port string, speed physic.Frequency, pins Pins, opts *Opts) (*Dev, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}
	if speed <= 0 {
		speed = DefaultSpeed
	}

	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %q: %w", port, err)
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	lookup := func(role, name string) (gpio.PinIO, error) {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("epd: %s gpio %q not found", role, name)
		}
		return pin, nil
	}
	var lines [4]gpio.PinIO
	for i, n := range [4][2]string{{"dc", pins.DC}, {"rst", pins.RST}, {"cs", pins.CS}, {"busy", pins.Busy}} {
		if lines[i], err = lookup(n[0], n[1]); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	// DC low and RST high are the idle levels between sequences.
	if err := lines[0].Out(gpio.Low); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("epd: dc pin: %w", err)
	}
	if err := lines[1].Out(gpio.High); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("epd: rst pin: %w", err)
	}

	d, err := New(c, lines[0], lines[1], lines[2], lines[3], opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	d.port = p
	return d, nil
}
