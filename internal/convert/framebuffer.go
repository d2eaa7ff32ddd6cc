// Package convert holds the JD79661 framebuffer: a packed 2 bits per pixel
// image in the controller's native addressing order.
package convert

import (
	"image"
	"image/color"
)

// JD79661 panel geometry.
const (
	Width        = 128
	Height       = 250
	BitsPerPixel = 2
	RowStride    = Width * BitsPerPixel / 8 // 32 bytes per row
	Size         = Width * Height * BitsPerPixel / 8
)

// Framebuffer is the full panel image. The fixed array length is the only
// buffer size the driver accepts.
//
// Packing rules:
//
//	byteIndex = y*RowStride + x/4
//	shift     = 6 - 2*(x%4)   (leftmost pixel in the high bits)
//
// The zero value is an all-black frame.
type Framebuffer [Size]byte

func pixelOffset(x, y int) (int, uint) {
	return y*RowStride + x/4, uint(6 - 2*(x%4))
}

func inBounds(x, y int) bool {
	return x >= 0 && x < Width && y >= 0 && y < Height
}

// SetColorIndex stores a raw 2-bit value. Out-of-range coordinates are ignored.
func (f *Framebuffer) SetColorIndex(x, y int, v Color) {
	if !inBounds(x, y) {
		return
	}
	i, shift := pixelOffset(x, y)
	f[i] = f[i]&^(0b11<<shift) | byte(v&0b11)<<shift
}

// ColorIndexAt reads a raw 2-bit value; out-of-range coordinates read as White.
func (f *Framebuffer) ColorIndexAt(x, y int) Color {
	if !inBounds(x, y) {
		return White
	}
	i, shift := pixelOffset(x, y)
	return Color(f[i]>>shift) & 0b11
}

// Fill sets every pixel to c.
func (f *Framebuffer) Fill(c Color) {
	v := byte(c & 0b11)
	packed := v<<6 | v<<4 | v<<2 | v
	for i := range f {
		f[i] = packed
	}
}

func (f *Framebuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

func (f *Framebuffer) ColorModel() color.Model {
	return Model
}

func (f *Framebuffer) At(x, y int) color.Color {
	return f.ColorIndexAt(x, y)
}

func (f *Framebuffer) Set(x, y int, c color.Color) {
	f.SetColorIndex(x, y, Model.Convert(c).(Color))
}

// Draw copies src into the rectangle r, reading src starting at sp. It never
// fails; the error result lets the framebuffer stand in for drawing surfaces
// backed by hardware.
func (f *Framebuffer) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return nil
	}
	if u, ok := src.(*image.Uniform); ok {
		c := Model.Convert(u.C).(Color)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				f.SetColorIndex(x, y, c)
			}
		}
		return nil
	}
	dx, dy := sp.X-r.Min.X, sp.Y-r.Min.Y
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			f.Set(x, y, src.At(x+dx, y+dy))
		}
	}
	return nil
}
