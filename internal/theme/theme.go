// Package theme picks the colors the frame renderer paints with.
package theme

import (
	"fmt"
	"image/color"

	"sundial/internal/convert"
)

// Theme supplies the background and text colors in the target display's
// color model. The renderer passes them through without interpreting them.
type Theme interface {
	Background() color.Color
	Text() color.Color
}

// Palette is a Theme made of two JD79661 inks.
type Palette struct {
	Bg convert.Color
	Fg convert.Color
}

// Default is black text on white paper.
var Default = Palette{Bg: convert.White, Fg: convert.Black}

func (p Palette) Background() color.Color { return p.Bg }

func (p Palette) Text() color.Color { return p.Fg }

// FromNames builds a Palette from ink names such as "white" and "red".
func FromNames(background, text string) (Palette, error) {
	bg, ok := convert.ParseColor(background)
	if !ok {
		return Palette{}, fmt.Errorf("theme: unknown background color %q", background)
	}
	fg, ok := convert.ParseColor(text)
	if !ok {
		return Palette{}, fmt.Errorf("theme: unknown text color %q", text)
	}
	if bg == fg {
		return Palette{}, fmt.Errorf("theme: background and text are both %s", bg)
	}
	return Palette{Bg: bg, Fg: fg}, nil
}
