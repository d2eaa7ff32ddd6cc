package epd

import "sundial/internal/convert"

// Command is one entry of the JD79661 command set. The set is closed: every
// variant is declared in this file and Encode maps it to the opcode and
// parameter bytes that go on the wire.
type Command interface {
	encode() (opcode byte, params []byte)
}

// Opcodes of the named commands.
const (
	opPSR  byte = 0x00 // panel setting
	opPWR  byte = 0x01 // power setting
	opPOF  byte = 0x02 // power off
	opPON  byte = 0x04 // power on
	opBTST byte = 0x06 // booster soft start
	opDSLP byte = 0x07 // deep sleep
	opDTM  byte = 0x10 // data start transmission
	opDSP  byte = 0x11 // data stop
	opDRF  byte = 0x12 // display refresh
	opAUTO byte = 0x17 // auto sequence
	opPLL  byte = 0x30 // PLL control
	opCDI  byte = 0x50 // VCOM and data interval
	opTRES byte = 0x61 // resolution setting
)

// deepSleepCheck must follow DSLP or the controller ignores it.
const deepSleepCheck = 0xA5

// autoPowerRefreshOff makes AUTO run PON -> DRF -> POF.
const autoPowerRefreshOff = 0xA5

type (
	PanelSetting     [2]byte
	PowerSetting     [6]byte
	BoosterSoftStart [7]byte
	Resolution       [4]byte
	DisplayRefresh   [1]byte
	AutoSequence     [1]byte
	PLLControl       [1]byte
	VCOMDataInterval [1]byte

	PowerOff     struct{}
	PowerOn      struct{}
	DeepSleep    struct{}
	DisplayStart struct{}

	// DataTransfer carries a whole frame; the array type fixes its length.
	DataTransfer struct{ Frame *convert.Framebuffer }

	// Raw is a register write with no named variant (vendor registers).
	Raw struct {
		Op     byte
		Params []byte
	}
)

func (c PanelSetting) encode() (byte, []byte)     { return opPSR, c[:] }
func (c PowerSetting) encode() (byte, []byte)     { return opPWR, c[:] }
func (c BoosterSoftStart) encode() (byte, []byte) { return opBTST, c[:] }
func (c Resolution) encode() (byte, []byte)       { return opTRES, c[:] }
func (c DisplayRefresh) encode() (byte, []byte)   { return opDRF, c[:] }
func (c AutoSequence) encode() (byte, []byte)     { return opAUTO, c[:] }
func (c PLLControl) encode() (byte, []byte)       { return opPLL, c[:] }
func (c VCOMDataInterval) encode() (byte, []byte) { return opCDI, c[:] }
func (PowerOff) encode() (byte, []byte)           { return opPOF, []byte{0x00} }
func (PowerOn) encode() (byte, []byte)            { return opPON, nil }
func (DeepSleep) encode() (byte, []byte)          { return opDSLP, []byte{deepSleepCheck} }
func (DisplayStart) encode() (byte, []byte)       { return opDSP, nil }
func (c DataTransfer) encode() (byte, []byte)     { return opDTM, c.Frame[:] }
func (c Raw) encode() (byte, []byte)              { return c.Op, c.Params }

// Encode returns the opcode and parameter bytes for c.
func Encode(c Command) (opcode byte, params []byte) {
	return c.encode()
}

// startSequence brings the controller from reset to powered on, configured
// for a 128x250 panel scanning G1->G2 with data shifted S1->S2.
var startSequence = []Command{
	Raw{Op: 0x4D, Params: []byte{0x78}},
	PanelSetting{0x8F, 0x29},
	PowerSetting{0x07, 0x00, 0x00, 0x00, 0x00, 0x00},
	Raw{Op: 0x03, Params: []byte{0x10, 0x54, 0x44}}, // power off sequence
	BoosterSoftStart{0x05, 0x00, 0x3F, 0x0A, 0x25, 0x12, 0x1A},
	VCOMDataInterval{0x37},
	Raw{Op: 0x60, Params: []byte{0x02, 0x02}}, // TCON
	Resolution{0, convert.Width, 0, convert.Height},
	Raw{Op: 0xE7, Params: []byte{0x1C}},
	Raw{Op: 0xE3, Params: []byte{0x22}},
	Raw{Op: 0xB4, Params: []byte{0xD0}},
	Raw{Op: 0xB5, Params: []byte{0x03}},
	Raw{Op: 0xE9, Params: []byte{0x01}},
	PLLControl{0x08},
	PowerOn{},
}

// StartSequence returns a copy of the power-up command list.
func StartSequence() []Command {
	out := make([]Command, len(startSequence))
	copy(out, startSequence)
	return out
}
