// Package img contains routines for loading and manipulating sets of images.
package img

import (
	"image"
	"image/color"
)

var (
	GrayModel = color.ModelFunc(grayModel)
	RGBModel  = color.ModelFunc(rgbModel)
)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image type stores the pixel data as float32 values with each channel stored as a separate plane in
// row major order, i.e. the same [C, H, W] layout as the network inputs. It implements draw.Image.
type Image struct {
	Pix      []float32
	Channels int
	Height   int
	Width    int
}

// NewImage allocates a blank image with 1 or 3 channels.
func NewImage(channels, width, height int) *Image {
	return &Image{Pix: make([]float32, channels*height*width), Channels: channels, Height: height, Width: width}
}

// FromCHW creates an image from a copy of the pixel data with dims [C, H, W].
func FromCHW(pix []float32, dims []int) *Image {
	m := NewImage(dims[0], dims[2], dims[1])
	copy(m.Pix, pix)
	return m
}

func NewImageLike(src *Image) *Image {
	return NewImage(src.Channels, src.Width, src.Height)
}

func (m *Image) ColorModel() color.Model {
	if m.Channels == 1 {
		return GrayModel
	}
	return RGBModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) inside(x, y int) bool {
	return x >= 0 && x < m.Width && y >= 0 && y < m.Height
}

func (m *Image) At(x, y int) color.Color {
	if !m.inside(x, y) {
		if m.Channels == 1 {
			return Gray{}
		}
		return RGB{}
	}
	pos := y*m.Width + x
	if m.Channels == 1 {
		return Gray{Y: m.Pix[pos]}
	}
	plane := m.Width * m.Height
	return RGB{R: m.Pix[pos], G: m.Pix[pos+plane], B: m.Pix[pos+2*plane]}
}

func (m *Image) Set(x, y int, c color.Color) {
	if !m.inside(x, y) {
		return
	}
	pos := y*m.Width + x
	if m.Channels == 1 {
		m.Pix[pos] = grayModel(c).(Gray).Y
		return
	}
	plane := m.Width * m.Height
	rgb := rgbModel(c).(RGB)
	m.Pix[pos] = rgb.R
	m.Pix[pos+plane] = rgb.G
	m.Pix[pos+2*plane] = rgb.B
}

// Pixels returns the plane for the given channel
func (m *Image) Pixels(ch int) []float32 {
	plane := m.Width * m.Height
	if ch >= 0 && ch < m.Channels {
		return m.Pix[ch*plane : (ch+1)*plane]
	}
	return m.Pix
}

// Highlight returns an RGB copy of the image with a red border if on is set.
func Highlight(in *Image, on bool) *Image {
	dst := NewImage(3, in.Width, in.Height)
	for ch := 0; ch < 3; ch++ {
		copy(dst.Pixels(ch), in.Pixels(ch%in.Channels))
	}
	if !on {
		return dst
	}
	red := RGB{R: 1}
	for x := 0; x < in.Width; x++ {
		dst.Set(x, 0, red)
		dst.Set(x, in.Height-1, red)
	}
	for y := 0; y < in.Height; y++ {
		dst.Set(0, y, red)
		dst.Set(in.Width-1, y, red)
	}
	return dst
}

// Diff returns the difference between two images of the same size scaled by gain and centred on 0.5
// so that small perturbations are visible.
func Diff(a, b *Image, gain float32) *Image {
	dst := NewImageLike(a)
	for i, v := range a.Pix {
		dst.Pix[i] = clamp(0.5+gain*(v-b.Pix[i]), 0, 1)
	}
	return dst
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
