package num

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum applies frequency domain masks to image planes of size H x W using a 2D discrete Fourier
// transform. Masks are stored in centred layout, i.e. with the zero frequency term at [H/2, W/2].
type Spectrum struct {
	H, W int
	pool sync.Pool
}

type fftWork struct {
	rows, cols *fourier.CmplxFFT
	plane      []complex128
	grad       []complex128
	col        []complex128
}

// NewSpectrum returns a new Spectrum for planes with the given height and width.
func NewSpectrum(h, w int) *Spectrum {
	s := &Spectrum{H: h, W: w}
	s.pool.New = func() interface{} {
		return &fftWork{
			rows:  fourier.NewCmplxFFT(w),
			cols:  fourier.NewCmplxFFT(h),
			plane: make([]complex128, h*w),
			grad:  make([]complex128, h*w),
			col:   make([]complex128, h),
		}
	}
	return s
}

// centred index for natural frequency index k in a sequence of length n
func centred(k, n int) int {
	return (k + n/2) % n
}

// index of the frequency -k in centred layout
func mirror(u, n int) int {
	return (2*(n/2) - u + n) % n
}

func (s *Spectrum) check(name string, x, mask Array) (n, c int, shared bool) {
	xd, md := x.Dims(), mask.Dims()
	if len(xd) != 4 || xd[2] != s.H || xd[3] != s.W {
		panic(fmt.Sprintf("%s: invalid input shape %v for %dx%d spectrum", name, xd, s.H, s.W))
	}
	switch {
	case SameShape(md, xd[1:]):
		shared = true
	case SameShape(md, xd):
	default:
		panic(fmt.Sprintf("%s: mask shape %v does not match input %v", name, md, xd))
	}
	return xd[0], xd[1], shared
}

// 2D transform of plane in place, inverse result is not normalised
func (w *fftWork) transform(plane []complex128, h, width int, inverse bool) {
	for r := 0; r < h; r++ {
		row := plane[r*width : (r+1)*width]
		if inverse {
			w.rows.Sequence(row, row)
		} else {
			w.rows.Coefficients(row, row)
		}
	}
	for c := 0; c < width; c++ {
		for r := 0; r < h; r++ {
			w.col[r] = plane[r*width+c]
		}
		if inverse {
			w.cols.Sequence(w.col, w.col)
		} else {
			w.cols.Coefficients(w.col, w.col)
		}
		for r := 0; r < h; r++ {
			plane[r*width+c] = w.col[r]
		}
	}
}

// multiply natural layout spectrum by centred layout mask
func (s *Spectrum) applyMask(plane []complex128, mask []float32) {
	for ky := 0; ky < s.H; ky++ {
		u := centred(ky, s.H)
		for kx := 0; kx < s.W; kx++ {
			plane[ky*s.W+kx] *= complex(float64(mask[u*s.W+centred(kx, s.W)]), 0)
		}
	}
}

// Filter computes the high frequency component hf = Re(IDFT(mask * DFT(x))) of each plane of x [N, C, H, W].
// The mask has dims [C, H, W] if shared by all samples or [N, C, H, W].
func (s *Spectrum) Filter(x, mask, hf Array) Function {
	n, nc, shared := s.check("SpectrumFilter", x, mask)
	if !SameShape(x.Dims(), hf.Dims()) {
		panic("SpectrumFilter: output must be same shape as input")
	}
	return newFunc("spectrum_filter", func(threads int) {
		in, m, out := f32(x), f32(mask), f32(hf)
		size := s.H * s.W
		scale := 1 / float64(size)
		parallel(threads, n*nc, func(_, i int) {
			w := s.pool.Get().(*fftWork)
			for j, v := range in[i*size : (i+1)*size] {
				w.plane[j] = complex(float64(v), 0)
			}
			w.transform(w.plane, s.H, s.W, false)
			s.applyMask(w.plane, s.maskPlane(m, i, nc, shared))
			w.transform(w.plane, s.H, s.W, true)
			for j, v := range w.plane {
				out[i*size+j] = float32(real(v) * scale)
			}
			s.pool.Put(w)
		})
	})
}

// FilterD back propagates the gradient g = dL/dhf - dL/dlf through the filter. Sets dx to the filtered
// gradient Re(IDFT(mask * DFT(g))) and, if dmask is not nil, accumulates the mask gradient
// Re(conj(DFT(g)) * DFT(x)) / (H*W) in centred layout. dmask has the same dims as mask.
func (s *Spectrum) FilterD(x, mask, g, dx, dmask Array) Function {
	n, nc, shared := s.check("SpectrumFilterD", x, mask)
	if !SameShape(x.Dims(), g.Dims()) || !SameShape(x.Dims(), dx.Dims()) {
		panic("SpectrumFilterD: gradients must be same shape as input")
	}
	if dmask != nil && !SameShape(dmask.Dims(), mask.Dims()) {
		panic("SpectrumFilterD: mask gradient must be same shape as mask")
	}
	return newFunc("spectrum_filter_d", func(threads int) {
		in, m, grad, out := f32(x), f32(mask), f32(g), f32(dx)
		var dm []float32
		if dmask != nil {
			dm = f32(dmask)
		}
		size := s.H * s.W
		scale := 1 / float64(size)
		// split by channel so shared mask gradients are not updated concurrently
		parallel(threads, nc, func(_, c int) {
			w := s.pool.Get().(*fftWork)
			for sample := 0; sample < n; sample++ {
				i := sample*nc + c
				for j := 0; j < size; j++ {
					w.plane[j] = complex(float64(in[i*size+j]), 0)
					w.grad[j] = complex(float64(grad[i*size+j]), 0)
				}
				w.transform(w.grad, s.H, s.W, false)
				if dm != nil {
					w.transform(w.plane, s.H, s.W, false)
					dmPlane := s.maskPlane(dm, i, nc, shared)
					for ky := 0; ky < s.H; ky++ {
						u := centred(ky, s.H)
						for kx := 0; kx < s.W; kx++ {
							k := ky*s.W + kx
							val := real(w.plane[k])*real(w.grad[k]) + imag(w.plane[k])*imag(w.grad[k])
							dmPlane[u*s.W+centred(kx, s.W)] += float32(val * scale)
						}
					}
				}
				s.applyMask(w.grad, s.maskPlane(m, i, nc, shared))
				w.transform(w.grad, s.H, s.W, true)
				for j, v := range w.grad {
					out[i*size+j] = float32(real(v) * scale)
				}
			}
			s.pool.Put(w)
		})
	})
}

func (s *Spectrum) maskPlane(m []float32, i, nc int, shared bool) []float32 {
	size := s.H * s.W
	if shared {
		i = i % nc
	}
	return m[i*size : (i+1)*size]
}

// HighPassMask sets each plane of mask to 1 where the distance from the centred zero frequency is
// greater than radius and 0 otherwise.
func HighPassMask(mask Array, radius float64) Function {
	d := mask.Dims()
	if len(d) < 2 {
		panic("HighPassMask: mask must have at least 2 dimensions")
	}
	h, w := d[len(d)-2], d[len(d)-1]
	return newFunc("high_pass_mask", func(int) {
		m := f32(mask)
		for i := range m {
			u, v := (i/w)%h, i%w
			dy, dx := float64(u-h/2), float64(v-w/2)
			if math.Sqrt(dy*dy+dx*dx) > radius {
				m[i] = 1
			} else {
				m[i] = 0
			}
		}
	})
}

// MirrorSigmoid computes a Hermitian symmetric mask from unconstrained logits in centred layout:
// mask[u,v] = sigmoid((theta[u,v] + theta[-u,-v]) / 2)
func MirrorSigmoid(theta, mask Array) Function {
	h, w := planeShape("MirrorSigmoid", theta, mask)
	return newFunc("mirror_sigmoid", func(int) {
		t, m := f32(theta), f32(mask)
		size := h * w
		for p := 0; p < len(t)/size; p++ {
			plane := t[p*size : (p+1)*size]
			for u := 0; u < h; u++ {
				for v := 0; v < w; v++ {
					s := (plane[u*w+v] + plane[mirror(u, h)*w+mirror(v, w)]) / 2
					m[p*size+u*w+v] = sigmoid(s)
				}
			}
		}
	})
}

// MirrorSigmoidD accumulates the logit gradient given the mask and the mask gradient. If dmask has
// a leading batch dimension the gradient is summed over the batch.
func MirrorSigmoidD(mask, dmask, dtheta Array) Function {
	h, w := planeShape("MirrorSigmoidD", dtheta, mask)
	if dmask.Size()%mask.Size() != 0 {
		panic("MirrorSigmoidD: invalid mask gradient shape")
	}
	return newFunc("mirror_sigmoid_d", func(int) {
		m, dm, dt := f32(mask), f32(dmask), f32(dtheta)
		n := len(m)
		ds := make([]float32, n)
		for i, g := range dm {
			k := i % n
			ds[k] += g * m[k] * (1 - m[k])
		}
		size := h * w
		for p := 0; p < n/size; p++ {
			plane := ds[p*size : (p+1)*size]
			for u := 0; u < h; u++ {
				for v := 0; v < w; v++ {
					dt[p*size+u*w+v] += (plane[u*w+v] + plane[mirror(u, h)*w+mirror(v, w)]) / 2
				}
			}
		}
	})
}

// Broadcast a shared mask [C, H, W] to each sample of dst [N, C, H, W]
func Broadcast(src, dst Array) Function {
	if dst.Size()%src.Size() != 0 {
		panic(fmt.Sprintf("Broadcast: cannot broadcast %v to %v", src.Dims(), dst.Dims()))
	}
	return newFunc("broadcast", func(int) {
		s, d := f32(src), f32(dst)
		for i := 0; i < len(d); i += len(s) {
			copy(d[i:], s)
		}
	})
}

func planeShape(name string, a, b Array) (h, w int) {
	d := a.Dims()
	if len(d) < 2 || !SameShape(d, b.Dims()) {
		panic(fmt.Sprintf("%s: invalid shape %v %v", name, d, b.Dims()))
	}
	return d[len(d)-2], d[len(d)-1]
}
