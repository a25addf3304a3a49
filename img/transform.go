package img

import (
	"math/rand"
	"sort"
	"strings"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Crop
)

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Crop:      "Crop",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Number of pixels of zero padding added on each side before a random crop
var CropPadding = 4

// Transformer applies random training set augmentation: a random crop from the image padded with zeros
// followed by a horizontal flip with probability 0.5.
type Transformer struct {
	Trans TransType
	Pad   int
}

// NewTransformer returns a transformer with the default padding.
func NewTransformer(trans TransType) Transformer {
	return Transformer{Trans: trans, Pad: CropPadding}
}

// Transform writes a randomly transformed copy of src to dst which must have the same size.
func (t Transformer) Transform(src, dst *Image, rng *rand.Rand) {
	var ox, oy int
	if t.Trans&Crop != 0 && t.Pad > 0 {
		ox = rng.Intn(2*t.Pad+1) - t.Pad
		oy = rng.Intn(2*t.Pad+1) - t.Pad
	}
	flip := t.Trans&HorizFlip != 0 && rng.Intn(2) == 1
	transform(src, dst, func(x, y int) (int, int) {
		if flip {
			x = src.Width - 1 - x
		}
		return x + ox, y + oy
	})
}

// TransformPixels applies Transform in place to n images stored consecutively in buf with dims [C, H, W].
func (t Transformer) TransformPixels(buf []float32, n int, dims []int, rng *rand.Rand) {
	size := dims[0] * dims[1] * dims[2]
	tmp := NewImage(dims[0], dims[2], dims[1])
	for i := 0; i < n; i++ {
		src := &Image{Pix: buf[i*size : (i+1)*size], Channels: dims[0], Height: dims[1], Width: dims[2]}
		copy(tmp.Pix, src.Pix)
		t.Transform(tmp, src, rng)
	}
}

// points which map outside the source image are set to zero
func transform(src, dst *Image, fn func(x, y int) (int, int)) {
	plane := src.Width * src.Height
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			sx, sy := fn(x, y)
			inside := src.inside(sx, sy)
			for ch := 0; ch < src.Channels; ch++ {
				var v float32
				if inside {
					v = src.Pix[ch*plane+sy*src.Width+sx]
				}
				dst.Pix[ch*plane+y*src.Width+x] = v
			}
		}
	}
}
