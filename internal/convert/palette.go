package convert

import (
	"image/color"
)

// Color is one of the four inks the JD79661 can show. Its value is the 2-bit
// code stored in the framebuffer.
type Color uint8

const (
	Black  Color = 0b00
	White  Color = 0b01
	Yellow Color = 0b10
	Red    Color = 0b11
)

var colorNames = [4]string{"black", "white", "yellow", "red"}

// rgba holds the on-screen appearance of each ink, used for previews.
var rgba = [4]color.RGBA{
	{0x00, 0x00, 0x00, 0xFF},
	{0xFF, 0xFF, 0xFF, 0xFF},
	{0xFF, 0xD0, 0x00, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
}

func (c Color) RGBA() (r, g, b, a uint32) {
	return rgba[c&0b11].RGBA()
}

func (c Color) String() string {
	return colorNames[c&0b11]
}

// ParseColor maps a palette name ("black", "white", "yellow", "red") to a Color.
func ParseColor(name string) (Color, bool) {
	for i, n := range colorNames {
		if n == name {
			return Color(i), true
		}
	}
	return 0, false
}

// Model converts arbitrary colors to the nearest panel ink.
var Model = color.ModelFunc(convert)

func convert(c color.Color) color.Color {
	if pc, ok := c.(Color); ok {
		return pc
	}
	return classifyPixel(color.NRGBAModel.Convert(c).(color.NRGBA))
}

// classifyPixel decides which ink a pixel maps to.
//
// Heuristics:
//
//   - alpha < 128 → white (paper shows through)
//   - red dominance R - max(G, B) > 32 with R > 128 → red, unless green is
//     also high, in which case → yellow
//   - R and G both high with B well below them → yellow
//   - otherwise luma Y = 0.299R + 0.587G + 0.114B decides: below 128 → black,
//     else white
func classifyPixel(c color.NRGBA) Color {
	if c.A < 128 {
		return White
	}
	r, g, b := float64(c.R), float64(c.G), float64(c.B)

	maxGB := g
	if b > maxGB {
		maxGB = b
	}
	if r > 128 && r-maxGB > 32 {
		if g > 0.6*r {
			return Yellow
		}
		return Red
	}
	if r > 128 && g > 128 && b < 0.6*g {
		return Yellow
	}

	y := 0.299*r + 0.587*g + 0.114*b
	if y < 128 {
		return Black
	}
	return White
}
