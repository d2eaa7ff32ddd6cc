// Package render draws one frame of the lunar display: a background fill and
// a centered three-line text block.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sundial/internal/clock"
	"sundial/internal/moon"
	"sundial/internal/theme"
)

// Surface is anything the renderer can paint on. Draw may fail when the
// surface is backed by hardware; the error is returned unchanged.
type Surface interface {
	Bounds() image.Rectangle
	ColorModel() color.Model
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Almanac turns an instant into the values shown on screen.
type Almanac interface {
	Phase(t clock.Instant) float64
	Illumination(phase float64) float64
	Label(phase float64) string
}

// Renderer holds the drawing parameters. The zero value is not usable; use New.
type Renderer struct {
	Almanac Almanac
	Face    font.Face
}

// New returns a Renderer using the mean-month moon model and a 7x13
// fixed-width bitmap font.
func New() *Renderer {
	return &Renderer{Almanac: moon.Almanac{}, Face: basicfont.Face7x13}
}

// Percent scales a fraction to a whole percentage, rounding half away from zero.
func Percent(f float64) int {
	return int(math.Round(f * 100))
}

// Lines formats the text block.
func Lines(phase, illumination float64, label string) []string {
	return []string{
		fmt.Sprintf("Phase %02d%%", Percent(phase)),
		fmt.Sprintf("Illum %02d%%", Percent(illumination)),
		label,
	}
}

// Frame describes what was drawn.
type Frame struct {
	Instant      clock.Instant
	Phase        float64
	Illumination float64
	Label        string
	Lines        []string
}

// Compute evaluates the almanac for the clock's current instant.
func (r *Renderer) Compute(clk clock.Clock) Frame {
	now := clk.Now()
	phase := r.Almanac.Phase(now)
	illum := r.Almanac.Illumination(phase)
	label := r.Almanac.Label(phase)
	return Frame{
		Instant:      now,
		Phase:        phase,
		Illumination: illum,
		Label:        label,
		Lines:        Lines(phase, illum, label),
	}
}

// Draw fills dst with the theme background and paints the text block
// centered on it. An empty surface gets the (empty) fill and no text.
func (r *Renderer) Draw(dst Surface, th theme.Theme, clk clock.Clock) (Frame, error) {
	b := dst.Bounds()
	if err := dst.Draw(b, image.NewUniform(th.Background()), b.Min); err != nil {
		return Frame{}, err
	}
	f := r.Compute(clk)
	if b.Empty() {
		return f, nil
	}

	mask, at := r.layout(f.Lines, center(b))
	box := mask.Bounds().Add(at).Intersect(b)
	if box.Empty() {
		return f, nil
	}
	src := &textLayer{mask: mask, off: at, fg: th.Text(), bg: th.Background()}
	if err := dst.Draw(box, src, box.Min); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func center(b image.Rectangle) image.Point {
	return image.Pt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)
}

// layout rasterizes lines into an alpha mask, each line horizontally
// centered, and returns the mask with the offset that centers it on c.
func (r *Renderer) layout(lines []string, c image.Point) (*image.Alpha, image.Point) {
	m := r.Face.Metrics()
	lineH := m.Height.Ceil()
	ascent := m.Ascent.Ceil()

	w := 0
	widths := make([]int, len(lines))
	for i, l := range lines {
		widths[i] = font.MeasureString(r.Face, l).Ceil()
		if widths[i] > w {
			w = widths[i]
		}
	}
	h := lineH * len(lines)

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	d := font.Drawer{Dst: mask, Src: image.Opaque, Face: r.Face}
	for i, l := range lines {
		d.Dot = fixed.P((w-widths[i])/2, i*lineH+ascent)
		d.DrawString(l)
	}
	return mask, image.Pt(c.X-w/2, c.Y-h/2)
}

// textLayer paints fg where the glyph mask is set and bg elsewhere, in
// surface coordinates.
type textLayer struct {
	mask   *image.Alpha
	off    image.Point
	fg, bg color.Color
}

func (t *textLayer) ColorModel() color.Model { return color.RGBAModel }

func (t *textLayer) Bounds() image.Rectangle { return t.mask.Bounds().Add(t.off) }

func (t *textLayer) At(x, y int) color.Color {
	if t.mask.AlphaAt(x-t.off.X, y-t.off.Y).A >= 0x80 {
		return t.fg
	}
	return t.bg
}
