package img

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
)

func printPlane(in []float32, w int) string {
	s := []string{}
	for i := 0; i < len(in); i += w {
		s = append(s, fmt.Sprintf("%4.1f", in[i:i+w]))
	}
	return strings.Join(s, "\n")
}

func seqImage(channels, w, h int) *Image {
	m := NewImage(channels, w, h)
	for i := range m.Pix {
		m.Pix[i] = float32(i+1) / float32(len(m.Pix))
	}
	return m
}

func TestSetAt(t *testing.T) {
	m := NewImage(3, 4, 2)
	m.Set(3, 1, RGB{R: 0.25, G: 0.5, B: 0.75})
	c := m.At(3, 1).(RGB)
	if c.R != 0.25 || c.G != 0.5 || c.B != 0.75 {
		t.Errorf("got %+v", c)
	}
	if m.Pix[7] != 0.25 || m.Pix[15] != 0.5 || m.Pix[23] != 0.75 {
		t.Errorf("wrong layout: %v", m.Pix)
	}
	if m.At(4, 0).(RGB) != (RGB{}) {
		t.Error("expected zero outside bounds")
	}
}

func TestFromCHW(t *testing.T) {
	pix := []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5}
	m := FromCHW(pix, []int{1, 2, 3})
	if m.Width != 3 || m.Height != 2 || m.Channels != 1 {
		t.Fatalf("bad size %dx%dx%d", m.Channels, m.Height, m.Width)
	}
	if g := m.At(2, 1).(Gray); g.Y != 0.5 {
		t.Errorf("got %v", g)
	}
	pix[5] = 1
	if m.Pix[5] != 0.5 {
		t.Error("expected a copy of the pixels")
	}
}

func TestHighlight(t *testing.T) {
	m := NewImage(1, 4, 4)
	out := Highlight(m, true)
	if out.Channels != 3 {
		t.Fatal("expected RGB output")
	}
	if c := out.At(0, 2).(RGB); c != (RGB{R: 1}) {
		t.Errorf("border: got %+v", c)
	}
	if c := out.At(1, 1).(RGB); c != (RGB{}) {
		t.Errorf("centre: got %+v", c)
	}
	if c := Highlight(m, false).At(0, 0).(RGB); c != (RGB{}) {
		t.Errorf("no highlight: got %+v", c)
	}
}

func TestFlip(t *testing.T) {
	src := seqImage(1, 4, 2)
	dst := NewImageLike(src)
	tr := Transformer{Trans: HorizFlip}
	flipped := false
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20 && !flipped; i++ {
		tr.Transform(src, dst, rng)
		flipped = dst.Pix[0] == src.Pix[3]
	}
	t.Logf("\n%s", printPlane(dst.Pix, 4))
	if !flipped {
		t.Fatal("image was never flipped")
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			if dst.Pix[y*4+x] != src.Pix[y*4+3-x] {
				t.Errorf("pixel %d,%d: got %g", x, y, dst.Pix[y*4+x])
			}
		}
	}
}

func TestCrop(t *testing.T) {
	src := seqImage(3, 8, 8)
	dst := NewImageLike(src)
	tr := Transformer{Trans: Crop, Pad: 2}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		tr.Transform(src, dst, rng)
		// every output pixel is either zero padding or a source pixel from the same channel and a shift of at most Pad
		for ch := 0; ch < 3; ch++ {
			for j, v := range dst.Pixels(ch) {
				if v == 0 {
					continue
				}
				k := -1
				for n, s := range src.Pixels(ch) {
					if s == v {
						k = n
					}
				}
				if k < 0 {
					t.Fatalf("channel %d pixel %d: value %g not from source", ch, j, v)
				}
				if dx, dy := k%8-j%8, k/8-j/8; abs(dx) > 2 || abs(dy) > 2 {
					t.Fatalf("channel %d pixel %d: shifted by %d,%d", ch, j, dx, dy)
				}
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestAugment(t *testing.T) {
	images := []*Image{seqImage(3, 8, 8), seqImage(3, 8, 8)}
	d := NewData([]string{"a", "b"}, []int32{0, 1}, images)
	buf := make([]float32, 2*3*8*8)
	d.Input([]int{0, 1}, buf)
	before := append([]float32{}, buf...)
	d.Augment(buf, 2, rand.New(rand.NewSource(1)))
	for i := range buf {
		if buf[i] != before[i] {
			t.Fatal("no transform expected when Trans is not set")
		}
	}
	d.Trans = Crop | HorizFlip
	rng := rand.New(rand.NewSource(1))
	changed := false
	for i := 0; i < 10 && !changed; i++ {
		d.Input([]int{0, 1}, buf)
		d.Augment(buf, 2, rng)
		for j := range buf {
			changed = changed || buf[j] != before[j]
		}
	}
	if !changed {
		t.Error("augmentation did not modify the inputs")
	}
	if images[0].Pix[0] != before[0] {
		t.Error("source image was modified")
	}
}

func TestGetStats(t *testing.T) {
	a, b := NewImage(3, 2, 2), NewImage(3, 2, 2)
	for i := range a.Pix {
		a.Pix[i] = float32(i / 4)
		b.Pix[i] = float32(i/4) + 1
	}
	mean, std := GetStats([]*Image{a, b})
	for ch := 0; ch < 3; ch++ {
		if math.Abs(float64(mean[ch])-float64(ch)-0.5) > 1e-6 {
			t.Errorf("channel %d: mean %g", ch, mean[ch])
		}
		if math.Abs(float64(std[ch])-math.Sqrt(2.0/7)) > 1e-6 {
			t.Errorf("channel %d: std %g", ch, std[ch])
		}
	}
}

func TestDecodeCIFAR(t *testing.T) {
	var buf bytes.Buffer
	for n := 0; n < 3; n++ {
		buf.WriteByte(byte(n * 3))
		rec := make([]byte, cifarRecord-1)
		rec[0] = 255
		rec[2*cifarSize*cifarSize+5] = 51
		buf.Write(rec)
	}
	labels, images, err := decodeCIFAR(&buf, "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 3 || labels[2] != 6 {
		t.Fatalf("got %d images labels %v", len(images), labels)
	}
	m := images[1]
	if c := m.At(0, 0).(RGB); c.R != 1 || c.G != 0 {
		t.Errorf("pixel 0,0: %+v", c)
	}
	if c := m.At(5, 0).(RGB); math.Abs(float64(c.B)-0.2) > 1e-6 {
		t.Errorf("pixel 5,0: %+v", c)
	}
}

func TestDecodeCIFARTruncated(t *testing.T) {
	r := bytes.NewReader(make([]byte, cifarRecord+10))
	if _, _, err := decodeCIFAR(r, "test"); err == nil {
		t.Error("expected error for partial record")
	}
	bad := make([]byte, cifarRecord)
	bad[0] = 10
	if _, _, err := decodeCIFAR(bytes.NewReader(bad), "test"); err == nil {
		t.Error("expected error for invalid label")
	}
}
