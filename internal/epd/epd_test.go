package epd

import (
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"sundial/internal/convert"
)

// trace interleaves pin transitions, bus writes and delays in call order.
type trace struct {
	ev   []string
	data [][]byte
}

func (t *trace) add(s string) { t.ev = append(t.ev, s) }

func (t *trace) reset() {
	t.ev = nil
	t.data = nil
}

type tracePin struct {
	*gpiotest.Pin
	tr   *trace
	fail error
}

func (p *tracePin) Out(l gpio.Level) error {
	if p.fail != nil {
		return p.fail
	}
	lv := "L"
	if l == gpio.High {
		lv = "H"
	}
	p.tr.add(p.N + "=" + lv)
	return p.Pin.Out(l)
}

// busyPin plays back a script of levels, then reads idle (high) forever.
type busyPin struct {
	*gpiotest.Pin
	script []gpio.Level
	stuck  bool
	reads  int
}

func (p *busyPin) Read() gpio.Level {
	p.reads++
	if p.stuck {
		return gpio.Low
	}
	if len(p.script) == 0 {
		return gpio.High
	}
	l := p.script[0]
	p.script = p.script[1:]
	return l
}

type fakeConn struct {
	tr     *trace
	failAt int // 1-based Tx index that fails; 0 never
	n      int
}

func (c *fakeConn) String() string { return "fakespi" }

func (c *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (c *fakeConn) Tx(w, r []byte) error {
	c.n++
	if c.failAt != 0 && c.n == c.failAt {
		return errors.New("spi: bus fault")
	}
	c.tr.data = append(c.tr.data, append([]byte(nil), w...))
	if len(w) <= 8 {
		c.tr.add(fmt.Sprintf("w:% X", w))
	} else {
		c.tr.add(fmt.Sprintf("w[%d]", len(w)))
	}
	return nil
}

func (c *fakeConn) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

type limitedConn struct {
	*fakeConn
	max int
}

func (c *limitedConn) MaxTxSize() int { return c.max }

type rig struct {
	tr   *trace
	conn *fakeConn
	dc   *tracePin
	rst  *tracePin
	cs   *tracePin
	busy *busyPin
	dev  *Dev
}

func newRig(t *testing.T, opts Opts, wrap func(*fakeConn) spi.Conn) *rig {
	t.Helper()
	tr := &trace{}
	r := &rig{
		tr:   tr,
		conn: &fakeConn{tr: tr},
		dc:   &tracePin{Pin: &gpiotest.Pin{N: "dc"}, tr: tr},
		rst:  &tracePin{Pin: &gpiotest.Pin{N: "rst"}, tr: tr},
		cs:   &tracePin{Pin: &gpiotest.Pin{N: "cs"}, tr: tr},
		busy: &busyPin{Pin: &gpiotest.Pin{N: "busy"}},
	}
	opts.Sleep = func(d time.Duration) { tr.add("sleep:" + d.String()) }
	var c spi.Conn = r.conn
	if wrap != nil {
		c = wrap(r.conn)
	}
	dev, err := New(c, r.dc, r.rst, r.cs, r.busy, &opts)
	require.NoError(t, err)
	r.dev = dev
	return r
}

// frame is the expected trace of one command.
func frame(op byte, params []byte) []string {
	ev := []string{"cs=H", "dc=L", "cs=L", fmt.Sprintf("w:%02X", op), "dc=H"}
	if len(params) > 8 {
		ev = append(ev, fmt.Sprintf("w[%d]", len(params)))
	} else if len(params) > 0 {
		ev = append(ev, fmt.Sprintf("w:% X", params))
	}
	return append(ev, "cs=H")
}

func TestNewDrivesChipSelectInactive(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	assert.Equal(t, []string{"cs=H"}, r.tr.ev)
	assert.Empty(t, r.tr.data)
	assert.Equal(t, gpio.PullDown, r.busy.P)
}

func TestNewRejectsMissingLines(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	_, err := New(r.conn, r.dc, nil, r.cs, r.busy, nil)
	assert.Error(t, err)
}

func TestPowerUpSequence(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	r.busy.script = []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.Low, gpio.High}
	r.tr.reset()

	require.NoError(t, r.dev.PowerUp())

	want := []string{
		"rst=H", "sleep:20ms", "rst=L", "sleep:40ms", "rst=H", "sleep:50ms",
		"sleep:10ms", // busy once after reset
		"sleep:10ms", // start settle
	}
	for _, c := range startSequence {
		want = append(want, frame(Encode(c))...)
	}
	want = append(want, "sleep:10ms", "sleep:10ms") // busy twice after PON
	assert.Equal(t, want, r.tr.ev)
	assert.Equal(t, ready, r.dev.state)
}

func TestStartSequenceBytes(t *testing.T) {
	want := [][]byte{
		{0x4D, 0x78},
		{0x00, 0x8F, 0x29},
		{0x01, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0x03, 0x10, 0x54, 0x44},
		{0x06, 0x05, 0x00, 0x3F, 0x0A, 0x25, 0x12, 0x1A},
		{0x50, 0x37},
		{0x60, 0x02, 0x02},
		{0x61, 0x00, 0x80, 0x00, 0xFA},
		{0xE7, 0x1C},
		{0xE3, 0x22},
		{0xB4, 0xD0},
		{0xB5, 0x03},
		{0xE9, 0x01},
		{0x30, 0x08},
		{0x04},
	}
	seq := StartSequence()
	require.Len(t, seq, len(want))
	for i, c := range seq {
		op, params := Encode(c)
		assert.Equal(t, want[i], append([]byte{op}, params...), "command %d", i)
	}
}

func TestFramingForEveryCommand(t *testing.T) {
	cmds := append(StartSequence(), PowerOff{}, DeepSleep{}, DisplayStart{}, DisplayRefresh{0}, AutoSequence{0xA5})
	for _, c := range cmds {
		r := newRig(t, Opts{}, nil)
		r.tr.reset()
		op, params := Encode(c)

		require.NoError(t, r.dev.commandList(c))

		assert.Equal(t, frame(op, params), r.tr.ev, "opcode 0x%02X", op)
		require.NotEmpty(t, r.tr.data)
		assert.Equal(t, []byte{op}, r.tr.data[0])
		var sent int
		for _, d := range r.tr.data[1:] {
			sent += len(d)
		}
		assert.Equal(t, len(params), sent, "opcode 0x%02X", op)
		assert.Equal(t, gpio.High, r.cs.L)
	}
}

func TestEncodeFixedParams(t *testing.T) {
	op, p := Encode(PowerOff{})
	assert.Equal(t, byte(0x02), op)
	assert.Equal(t, []byte{0x00}, p)

	op, p = Encode(DeepSleep{})
	assert.Equal(t, byte(0x07), op)
	assert.Equal(t, []byte{0xA5}, p)

	op, p = Encode(PowerOn{})
	assert.Equal(t, byte(0x04), op)
	assert.Empty(t, p)

	var fb convert.Framebuffer
	op, p = Encode(DataTransfer{Frame: &fb})
	assert.Equal(t, byte(0x10), op)
	assert.Len(t, p, convert.Size)
}

func TestOperationsRequirePowerUp(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	r.tr.reset()
	var fb convert.Framebuffer

	assert.ErrorIs(t, r.dev.WriteBuffer(&fb), ErrNotReady)
	assert.ErrorIs(t, r.dev.Update(), ErrNotReady)
	assert.ErrorIs(t, r.dev.SleepingUpdate(), ErrNotReady)
	assert.ErrorIs(t, r.dev.PowerDown(), ErrNotReady)
	assert.ErrorIs(t, r.dev.Draw(r.dev.Bounds(), image.NewUniform(convert.White), image.Point{}), ErrNotReady)
	assert.NoError(t, r.dev.Halt())
	assert.Empty(t, r.tr.ev)
}

func TestWriteBuffer(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()

	var fb convert.Framebuffer
	for i := range fb {
		fb[i] = byte(i)
	}
	require.NoError(t, r.dev.WriteBuffer(&fb))

	want := append(frame(0x10, fb[:]), frame(0x11, nil)...)
	assert.Equal(t, want, r.tr.ev)
	assert.Equal(t, fb[:], r.tr.data[1])
	assert.ErrorIs(t, r.dev.WriteBuffer(nil), ErrNilBuffer)
}

func TestWriteBufferChunksToBusLimit(t *testing.T) {
	r := newRig(t, Opts{}, func(c *fakeConn) spi.Conn { return &limitedConn{fakeConn: c, max: 4096} })
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()

	var fb convert.Framebuffer
	fb.Fill(convert.Red)
	require.NoError(t, r.dev.WriteBuffer(&fb))

	want := []string{"cs=H", "dc=L", "cs=L", "w:10", "dc=H", "w[4096]", "w[3904]", "cs=H"}
	want = append(want, frame(0x11, nil)...)
	assert.Equal(t, want, r.tr.ev)
	assert.Equal(t, fb[:], append(r.tr.data[1], r.tr.data[2]...))
}

func TestUpdateWaitsForBusy(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()
	r.busy.script = []gpio.Level{gpio.Low, gpio.Low, gpio.Low, gpio.High}

	require.NoError(t, r.dev.Update())

	want := append(frame(0x12, []byte{0x00}), "sleep:10ms", "sleep:10ms", "sleep:10ms")
	assert.Equal(t, want, r.tr.ev)
}

func TestSleepingUpdate(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()
	r.busy.script = []gpio.Level{gpio.Low, gpio.High}

	require.NoError(t, r.dev.SleepingUpdate())

	assert.Equal(t, append(frame(0x17, []byte{0xA5}), "sleep:10ms"), r.tr.ev)
	assert.Equal(t, railsOff, r.dev.state)
}

func TestUpdateAfterSleepingUpdatePowersOn(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	require.NoError(t, r.dev.SleepingUpdate())
	r.tr.reset()
	r.busy.script = []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High}

	require.NoError(t, r.dev.Update())

	want := append(frame(0x04, nil), "sleep:10ms")
	want = append(want, frame(0x12, []byte{0x00})...)
	want = append(want, "sleep:10ms")
	assert.Equal(t, want, r.tr.ev)
	assert.Equal(t, ready, r.dev.state)

	// Rails stay on for a second explicit refresh.
	r.tr.reset()
	require.NoError(t, r.dev.Update())
	assert.Equal(t, frame(0x12, []byte{0x00}), r.tr.ev)
}

func TestRailsOffAllowsWriteSleepingUpdateAndPowerDown(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	require.NoError(t, r.dev.SleepingUpdate())
	r.tr.reset()

	var fb convert.Framebuffer
	require.NoError(t, r.dev.WriteBuffer(&fb))
	require.NoError(t, r.dev.SleepingUpdate())
	assert.Equal(t, railsOff, r.dev.state)

	want := append(frame(0x10, fb[:]), frame(0x11, nil)...)
	want = append(want, frame(0x17, []byte{0xA5})...)
	assert.Equal(t, want, r.tr.ev)

	r.tr.reset()
	require.NoError(t, r.dev.Halt())
	want = append(frame(0x02, []byte{0x00}), frame(0x07, []byte{0xA5})...)
	want = append(want, "sleep:100ms")
	assert.Equal(t, want, r.tr.ev)
	assert.Equal(t, poweredDown, r.dev.state)
	assert.ErrorIs(t, r.dev.Update(), ErrNotReady)
}

func TestPowerDownOrder(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()
	r.busy.script = []gpio.Level{gpio.Low, gpio.High}

	require.NoError(t, r.dev.PowerDown())

	want := frame(0x02, []byte{0x00})
	want = append(want, "sleep:10ms")
	want = append(want, frame(0x07, []byte{0xA5})...)
	want = append(want, "sleep:100ms")
	assert.Equal(t, want, r.tr.ev)

	var fb convert.Framebuffer
	assert.ErrorIs(t, r.dev.WriteBuffer(&fb), ErrNotReady)

	r.tr.reset()
	require.NoError(t, r.dev.PowerUp())
	assert.Equal(t, "rst=H", r.tr.ev[0])
}

func TestBusyTimeout(t *testing.T) {
	r := newRig(t, Opts{BusyTimeout: 30 * time.Millisecond}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()
	r.busy.stuck = true

	err := r.dev.Update()
	assert.ErrorIs(t, err, ErrBusyTimeout)
	assert.Equal(t, append(frame(0x12, []byte{0x00}), "sleep:10ms", "sleep:10ms", "sleep:10ms"), r.tr.ev)
	assert.Equal(t, uninitialized, r.dev.state)
}

func TestBusyWaitHasNoDefaultBound(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	low := make([]gpio.Level, 1000)
	r.busy.script = low
	r.tr.reset()

	require.NoError(t, r.dev.busyWait())
	assert.Len(t, r.tr.ev, 1000)
	assert.Equal(t, 1001, r.busy.reads)
}

func TestBusErrorAbortsSequence(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	r.conn.failAt = 3 // opcode of the second start command
	r.tr.reset()

	err := r.dev.PowerUp()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spi: bus fault")
	assert.Contains(t, err.Error(), "0x00")
	assert.Equal(t, "cs=H", r.tr.ev[len(r.tr.ev)-1])
	assert.Equal(t, gpio.High, r.cs.L)

	var fb convert.Framebuffer
	assert.ErrorIs(t, r.dev.WriteBuffer(&fb), ErrNotReady)

	// A fresh power up recovers.
	require.NoError(t, r.dev.PowerUp())
	require.NoError(t, r.dev.WriteBuffer(&fb))
}

func TestPinErrorAbortsSequence(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.dc.fail = errors.New("gpio: write denied")
	r.tr.reset()

	var fb convert.Framebuffer
	err := r.dev.WriteBuffer(&fb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpio: write denied")
	assert.Equal(t, []string{"cs=H", "cs=H"}, r.tr.ev)
	assert.Empty(t, r.tr.data)
	assert.ErrorIs(t, r.dev.Update(), ErrNotReady)
}

func TestDrawerWritesAndRefreshes(t *testing.T) {
	r := newRig(t, Opts{}, nil)
	require.NoError(t, r.dev.PowerUp())
	r.tr.reset()

	require.NoError(t, r.dev.Draw(r.dev.Bounds(), image.NewUniform(convert.White), image.Point{}))

	want := append(frame(0x10, make([]byte, convert.Size)), frame(0x11, nil)...)
	want = append(want, frame(0x12, []byte{0x00})...)
	assert.Equal(t, want, r.tr.ev)
	for _, b := range r.tr.data[1] {
		require.Equal(t, byte(0x55), b)
	}

	r.tr.reset()
	require.NoError(t, r.dev.Halt())
	assert.Equal(t, "w:02", r.tr.ev[3])
	assert.Equal(t, image.Rect(0, 0, 128, 250), r.dev.Bounds())
}
