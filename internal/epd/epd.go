// Package epd drives a JD79661 128x250 four-color e-paper panel over SPI
// with periph.io. The panel needs four extra lines besides the bus: chip
// select, data/command select, reset, and an active-low busy input.
//
// Lifecycle:
//
//	PowerUp -> WriteBuffer -> Update -> PowerDown
//
// or, to let the controller power itself off after the refresh:
//
//	PowerUp -> WriteBuffer -> SleepingUpdate
package epd

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"sundial/internal/convert"
	appLog "sundial/internal/log"
)

var (
	// ErrNotReady is returned by operations that need a powered-up panel.
	ErrNotReady = errors.New("epd: panel not powered up")
	// ErrBusyTimeout is returned when Opts.BusyTimeout elapses with the
	// busy line still asserted.
	ErrBusyTimeout = errors.New("epd: panel unresponsive (busy timeout)")
	// ErrNilBuffer is returned by WriteBuffer for a nil frame.
	ErrNilBuffer = errors.New("epd: nil framebuffer")
)

// Timing from the controller's reset and power sequences.
const (
	resetHigh     = 20 * time.Millisecond
	resetLow      = 40 * time.Millisecond
	resetSettle   = 50 * time.Millisecond
	startSettle   = 10 * time.Millisecond
	sleepSettle   = 100 * time.Millisecond
	busyPollDelay = 10 * time.Millisecond
)

type state int

const (
	uninitialized state = iota
	poweredDown
	ready
	// railsOff: awake after an auto sequence, high voltage rails off.
	railsOff
)

func (s state) String() string {
	switch s {
	case poweredDown:
		return "powered-down"
	case ready:
		return "ready"
	case railsOff:
		return "rails-off"
	default:
		return "uninitialized"
	}
}

// Opts tunes timing. The zero value polls every 10ms with no busy timeout.
type Opts struct {
	// BusyPoll is the delay between busy line reads. Defaults to 10ms.
	BusyPoll time.Duration
	// BusyTimeout bounds every busy wait. Zero waits forever, which is what
	// the controller's datasheet sequence assumes.
	BusyTimeout time.Duration
	// Sleep implements every delay. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Dev is an open handle to the panel. It owns the bus connection and the four
// control lines exclusively; callers must not share them and must not call
// Dev methods from more than one goroutine at a time.
type Dev struct {
	c    spi.Conn
	dc   gpio.PinOut
	rst  gpio.PinOut
	cs   gpio.PinOut
	busy gpio.PinIn

	port    spi.PortCloser
	maxTx   int
	poll    time.Duration
	timeout time.Duration
	sleep   func(time.Duration)

	state state
	frame convert.Framebuffer
}

var _ display.Drawer = (*Dev)(nil)

// New takes ownership of an SPI connection and the control lines. Chip
// select is driven inactive (high); nothing is sent to the panel yet.
func New(c spi.Conn, dc, rst, cs gpio.PinOut, busy gpio.PinIn, opts *Opts) (*Dev, error) {
	if c == nil || dc == nil || rst == nil || cs == nil || busy == nil {
		return nil, errors.New("epd: bus and all four control lines are required")
	}
	if opts == nil {
		opts = &Opts{}
	}
	d := &Dev{
		c:       c,
		dc:      dc,
		rst:     rst,
		cs:      cs,
		busy:    busy,
		poll:    opts.BusyPoll,
		timeout: opts.BusyTimeout,
		sleep:   opts.Sleep,
	}
	if d.poll <= 0 {
		d.poll = busyPollDelay
	}
	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	if l, ok := c.(conn.Limits); ok {
		d.maxTx = l.MaxTxSize()
	}
	if err := busy.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("epd: cs pin: %w", err)
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("JD79661{%s, %s}", d.c, d.state)
}

// Close powers the panel down if needed and releases the SPI port when the
// Dev was created by Open.
func (d *Dev) Close() error {
	err := d.Halt()
	if d.port != nil {
		if cerr := d.port.Close(); err == nil {
			err = cerr
		}
		d.port = nil
	}
	return err
}

// awake reports whether the controller accepts commands without a reset.
func (d *Dev) awake() bool {
	return d.state == ready || d.state == railsOff
}

// --- Lifecycle ---

// PowerUp resets the controller and runs the start sequence. It is valid
// from any state and is the only way back from an aborted sequence.
func (d *Dev) PowerUp() error {
	start := time.Now()
	d.state = uninitialized
	if err := d.hardwareReset(); err != nil {
		return err
	}
	if err := d.busyWait(); err != nil {
		return err
	}
	d.sleep(startSettle)
	if err := d.commandList(startSequence...); err != nil {
		return err
	}
	if err := d.busyWait(); err != nil {
		return err
	}
	d.state = ready
	appLog.Debug("epd powered up", "elapsed", time.Since(start))
	return nil
}

// PowerDown turns the high voltage rails off, then puts the controller into
// deep sleep. Only a new PowerUp (with its hardware reset) wakes it again.
func (d *Dev) PowerDown() error {
	if !d.awake() {
		return ErrNotReady
	}
	if err := d.commandList(PowerOff{}); err != nil {
		return err
	}
	if err := d.busyWait(); err != nil {
		return err
	}
	if err := d.commandList(DeepSleep{}); err != nil {
		return err
	}
	d.sleep(sleepSettle)
	d.state = poweredDown
	appLog.Debug("epd powered down")
	return nil
}

// WriteBuffer loads fb into display RAM. The panel keeps showing the old
// image until Update or SleepingUpdate.
func (d *Dev) WriteBuffer(fb *convert.Framebuffer) error {
	if fb == nil {
		return ErrNilBuffer
	}
	if !d.awake() {
		return ErrNotReady
	}
	return d.commandList(DataTransfer{Frame: fb}, DisplayStart{})
}

// Update refreshes the panel from display RAM and waits for the refresh to
// finish, which takes several seconds. After a SleepingUpdate the rails are
// switched back on first.
func (d *Dev) Update() error {
	if !d.awake() {
		return ErrNotReady
	}
	start := time.Now()
	if d.state == railsOff {
		if err := d.commandList(PowerOn{}); err != nil {
			return err
		}
		if err := d.busyWait(); err != nil {
			return err
		}
		d.state = ready
	}
	if err := d.commandList(DisplayRefresh{0x00}); err != nil {
		return err
	}
	if err := d.busyWait(); err != nil {
		return err
	}
	appLog.Debug("epd refreshed", "elapsed", time.Since(start))
	return nil
}

// SleepingUpdate has the controller power on, refresh and power off on its
// own. The controller is left awake (not in deep sleep) with its rails off:
// WriteBuffer, SleepingUpdate and PowerDown may follow directly, and Update
// issues a power on before refreshing.
func (d *Dev) SleepingUpdate() error {
	if !d.awake() {
		return ErrNotReady
	}
	start := time.Now()
	if err := d.commandList(AutoSequence{autoPowerRefreshOff}); err != nil {
		return err
	}
	if err := d.busyWait(); err != nil {
		return err
	}
	d.state = railsOff
	appLog.Debug("epd refreshed (auto power)", "elapsed", time.Since(start))
	return nil
}

// --- display.Drawer ---

func (d *Dev) ColorModel() color.Model {
	return convert.Model
}

func (d *Dev) Bounds() image.Rectangle {
	return d.frame.Bounds()
}

// Draw composites src into the Dev's frame copy, then writes and refreshes
// the whole panel. The panel must be powered up.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	if !d.awake() {
		return ErrNotReady
	}
	if err := d.frame.Draw(r, src, sp); err != nil {
		return err
	}
	if err := d.WriteBuffer(&d.frame); err != nil {
		return err
	}
	return d.Update()
}

// Halt powers the panel down if it is up.
func (d *Dev) Halt() error {
	if !d.awake() {
		return nil
	}
	return d.PowerDown()
}

// --- Wire level ---

func (d *Dev) hardwareReset() error {
	if err := d.out(d.rst, gpio.High); err != nil {
		return err
	}
	d.sleep(resetHigh)
	if err := d.out(d.rst, gpio.Low); err != nil {
		return err
	}
	d.sleep(resetLow)
	if err := d.out(d.rst, gpio.High); err != nil {
		return err
	}
	d.sleep(resetSettle)
	return nil
}

// busyWait polls until the busy line reads high (idle). The line is
// hardware driven; a refresh in flight cannot be aborted.
func (d *Dev) busyWait() error {
	var waited time.Duration
	for d.busy.Read() == gpio.Low {
		if d.timeout > 0 && waited >= d.timeout {
			d.state = uninitialized
			return ErrBusyTimeout
		}
		d.sleep(d.poll)
		waited += d.poll
	}
	return nil
}

// commandList sends each command framed as:
//
//	CS high, DC low, CS low, opcode, DC high, params, CS high
func (d *Dev) commandList(cmds ...Command) error {
	for _, c := range cmds {
		op, params := c.encode()
		if err := d.send(op, params); err != nil {
			return fmt.Errorf("epd: command 0x%02X: %w", op, err)
		}
	}
	return nil
}

func (d *Dev) send(op byte, params []byte) error {
	if err := d.out(d.cs, gpio.High); err != nil {
		return err
	}
	if err := d.out(d.dc, gpio.Low); err != nil {
		return err
	}
	if err := d.out(d.cs, gpio.Low); err != nil {
		return err
	}
	if err := d.write([]byte{op}); err != nil {
		return err
	}
	if err := d.out(d.dc, gpio.High); err != nil {
		return err
	}
	if err := d.write(params); err != nil {
		return err
	}
	return d.out(d.cs, gpio.High)
}

// write sends b in chunks no larger than the bus allows.
func (d *Dev) write(b []byte) error {
	for len(b) > 0 {
		n := len(b)
		if d.maxTx > 0 && n > d.maxTx {
			n = d.maxTx
		}
		if err := d.c.Tx(b[:n], nil); err != nil {
			return d.abort(err)
		}
		b = b[n:]
	}
	return nil
}

func (d *Dev) out(p gpio.PinOut, l gpio.Level) error {
	if err := p.Out(l); err != nil {
		return d.abort(fmt.Errorf("%s: %w", p, err))
	}
	return nil
}

// abort leaves the bus idle as far as it still can and forces a PowerUp
// before anything else is sent.
func (d *Dev) abort(err error) error {
	_ = d.cs.Out(gpio.High)
	d.state = uninitialized
	return err
}
