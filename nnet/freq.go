package nnet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/robustnet/num"
)

// DefaultRadius is the cutoff of the fixed high pass filter in units of frequency bins.
const DefaultRadius = 8

// FreqFilter generates a spectral mask with dims [C, H, W] in centred frequency layout. Mask elements
// are in the range [0, 1] where 1 selects the high frequency component.
type FreqFilter interface {
	// Init allocates the mask for feature maps of the given shape.
	Init(q num.Queue, shape []int)
	// Mask recomputes the mask and returns it. The array is owned by the filter.
	Mask(q num.Queue) num.Array
	// MaskGrad accumulates the parameter gradients given the mask gradient.
	MaskGrad(q num.Queue, dmask num.Array)
	// Trainable is true if the mask depends on parameters.
	Trainable() bool
	Params() []*Param
	String() string
}

// SpectralFilter is a learned filter with per channel logits theta. The mask is
// sigmoid((theta[u,v] + theta[-u,-v])/2) so it is symmetric under frequency inversion and the
// filtered feature maps are real. Logits are initialised from the high pass mask with the given radius.
type SpectralFilter struct {
	Radius float64
	theta  *Param
	mask   num.Array
}

// NewSpectralFilter creates a learned filter.
func NewSpectralFilter(radius float64) *SpectralFilter {
	return &SpectralFilter{Radius: radius}
}

func (f *SpectralFilter) String() string { return fmt.Sprintf("spectralFilter r=%g", f.Radius) }

func (f *SpectralFilter) Init(q num.Queue, shape []int) {
	f.theta = newParam(q, "freq.theta", highPassLogits(shape, f.Radius, 2), shape...)
	f.mask = q.NewArray(num.Float32, shape...)
}

func (f *SpectralFilter) Mask(q num.Queue) num.Array {
	q.Call(num.MirrorSigmoid(f.theta.W, f.mask))
	return f.mask
}

func (f *SpectralFilter) MaskGrad(q num.Queue, dmask num.Array) {
	q.Call(num.MirrorSigmoidD(f.mask, dmask, f.theta.DW))
}

func (f *SpectralFilter) Trainable() bool { return true }

func (f *SpectralFilter) Params() []*Param { return []*Param{f.theta} }

// initial logits are +scale outside the radius and -scale inside
func highPassLogits(shape []int, radius, scale float64) Initializer {
	h, w := shape[len(shape)-2], shape[len(shape)-1]
	return func(rng *rand.Rand, data []float32) {
		for i := range data {
			dy, dx := float64((i/w)%h-h/2), float64(i%w-w/2)
			if math.Sqrt(dy*dy+dx*dx) > radius {
				data[i] = float32(scale)
			} else {
				data[i] = float32(-scale)
			}
		}
	}
}

// HighPassFilter is a fixed binary mask which selects the frequencies further than Radius from the origin.
type HighPassFilter struct {
	Radius float64
	mask   num.Array
}

// NewHighPassFilter creates a fixed filter.
func NewHighPassFilter(radius float64) *HighPassFilter {
	return &HighPassFilter{Radius: radius}
}

func (f *HighPassFilter) String() string { return fmt.Sprintf("highPassFilter r=%g", f.Radius) }

func (f *HighPassFilter) Init(q num.Queue, shape []int) {
	f.mask = q.NewArray(num.Float32, shape...)
	q.Call(num.HighPassMask(f.mask, f.Radius))
}

func (f *HighPassFilter) Mask(q num.Queue) num.Array { return f.mask }

func (f *HighPassFilter) MaskGrad(q num.Queue, dmask num.Array) {}

func (f *HighPassFilter) Trainable() bool { return false }

func (f *HighPassFilter) Params() []*Param { return nil }

// Recalibration gates each channel of the high frequency component. The gate is computed from the channel
// means of the component and of the mask: [mean(hf), mean(mask)] -> linear -> relu -> linear -> sigmoid.
type Recalibration struct {
	Channels int
	mlp      Sequential
	hf       num.Array
	meanMask num.Array
	z        num.Array
	s        num.Array
	cat      num.Array
	gate     num.Array
	dst      num.Array
	dhf      num.Array
	dhf2     num.Array
	dz       num.Array
	ds       num.Array
	dg       num.Array
	dsum     num.Array
	dmask    num.Array
}

// NewRecalibration creates the gating layers for the given number of channels.
func NewRecalibration(channels int) *Recalibration {
	hidden := channels / 4
	if hidden < 1 {
		hidden = 1
	}
	return &Recalibration{
		Channels: channels,
		mlp:      Sequential{NewLinear(hidden), NewActivation("relu"), NewLinear(channels), NewActivation("sigmoid")},
	}
}

func (r *Recalibration) String() string { return "recalibration: " + r.mlp.String() }

func (r *Recalibration) Init(q num.Queue, shape []int) {
	r.mlp.Init(q, []int{2 * r.Channels})
	r.meanMask = q.NewArray(num.Float32, 1, r.Channels)
	r.dsum = q.NewArray(num.Float32, r.Channels)
	r.dmask = q.NewArray(num.Float32, shape...)
}

func (r *Recalibration) Params() []*Param { return r.mlp.Params() }

// Fprop returns hf scaled by the channel gate.
func (r *Recalibration) Fprop(q num.Queue, hf, mask num.Array, phase Phase) num.Array {
	dims := hf.Dims()
	n, c := dims[0], dims[1]
	r.hf = hf
	r.z = alloc(q, r.z, n, c)
	r.s = alloc(q, r.s, n, c)
	r.cat = alloc(q, r.cat, n, 2*c)
	r.dst = alloc(q, r.dst, dims...)
	md := mask.Dims()
	q.Call(
		num.AvgPool(hf, r.z),
		num.AvgPool(mask.Reshape(1, md[0], md[1], md[2]), r.meanMask),
		num.Copy(r.s, r.meanMask.Reshape(c)),
		num.ConcatCols(r.z, r.s, r.cat),
	)
	r.gate = r.mlp.Fprop(q, r.cat, phase)
	q.Call(num.ScaleChannels(hf, r.gate, r.dst))
	return r.dst
}

// Bprop returns the gradient with respect to hf. If maskGrad is set it also returns the gradient with
// respect to the mask, else nil.
func (r *Recalibration) Bprop(q num.Queue, grad num.Array, paramGrads, maskGrad bool) (dhf, dmask num.Array) {
	dims := r.hf.Dims()
	n, c := dims[0], dims[1]
	r.dhf = alloc(q, r.dhf, dims...)
	r.dhf2 = alloc(q, r.dhf2, dims...)
	r.dg = alloc(q, r.dg, n, c)
	r.dz = alloc(q, r.dz, n, c)
	r.ds = alloc(q, r.ds, n, c)
	q.Call(num.ScaleChannelsD(r.hf, r.gate, grad, r.dhf, r.dg))
	dcat := r.mlp.Bprop(q, r.dg, paramGrads)
	q.Call(
		num.SplitCols(dcat, r.dz, r.ds),
		num.AvgPoolD(r.dz, r.dhf2),
		num.Axpy(1, r.dhf2, r.dhf),
	)
	if !maskGrad {
		return r.dhf, nil
	}
	md := r.dmask.Dims()
	q.Call(
		num.SumRows(r.ds, r.dsum, 0),
		num.AvgPoolD(r.dsum.Reshape(1, c), r.dmask.Reshape(1, md[0], md[1], md[2])),
	)
	return r.dhf, r.dmask
}

// FreqModule splits the input into high and low frequency components with a spectral mask, recalibrates
// the high frequency part and adds the components back together: out = recal(hf, mask) + lf where
// hf = Re(IDFT(mask * DFT(x))) and lf = x - hf. Implements the Layer interface.
type FreqModule struct {
	Filter   FreqFilter
	Recal    *Recalibration
	spectrum *num.Spectrum
	shape    []int
	src      num.Array
	mask     num.Array
	hf       num.Array
	lf       num.Array
	dst      num.Array
	g        num.Array
	dsrc     num.Array
	dmask    num.Array
}

// NewFreqModule creates a new module with the given filter.
func NewFreqModule(filter FreqFilter) *FreqModule {
	return &FreqModule{Filter: filter}
}

func (m *FreqModule) String() string {
	return fmt.Sprintf("freqModule %s -> %s", m.Filter, m.Recal)
}

func (m *FreqModule) Init(q num.Queue, inShape []int) []int {
	if len(inShape) != 3 {
		panic("FreqModule: expect 3 dimensional input")
	}
	m.shape = inShape
	m.spectrum = num.NewSpectrum(inShape[1], inShape[2])
	m.Filter.Init(q, inShape)
	m.Recal = NewRecalibration(inShape[0])
	m.Recal.Init(q, inShape)
	m.dmask = q.NewArray(num.Float32, inShape...)
	return inShape
}

func (m *FreqModule) Params() []*Param {
	return append(m.Filter.Params(), m.Recal.Params()...)
}

// Mask returns the mask from the last forward pass with dims [C, H, W].
func (m *FreqModule) Mask() num.Array { return m.mask }

// Components returns the high and low frequency components from the last forward pass.
func (m *FreqModule) Components() (hf, lf num.Array) { return m.hf, m.lf }

func (m *FreqModule) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	dims := in.Dims()
	m.src = in
	m.hf = alloc(q, m.hf, dims...)
	m.lf = alloc(q, m.lf, dims...)
	m.dst = alloc(q, m.dst, dims...)
	m.mask = m.Filter.Mask(q)
	q.Call(
		m.spectrum.Filter(in, m.mask, m.hf),
		num.Copy(m.lf, in),
		num.Axpy(-1, m.hf, m.lf),
	)
	hfFine := m.Recal.Fprop(q, m.hf, m.mask, phase)
	q.Call(
		num.Copy(m.dst, hfFine),
		num.Axpy(1, m.lf, m.dst),
	)
	return m.dst
}

func (m *FreqModule) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	return m.BpropMask(q, grad, nil, paramGrads)
}

// BpropMask back propagates the output gradient together with an optional gradient with respect to the
// mask, which may have dims [C, H, W] or [N, C, H, W]. Mask gradients only update the filter parameters
// so they are ignored unless paramGrads is set.
func (m *FreqModule) BpropMask(q num.Queue, grad, dmask num.Array, paramGrads bool) num.Array {
	maskGrad := paramGrads && m.Filter.Trainable()
	dhf, dmRecal := m.Recal.Bprop(q, grad, paramGrads, maskGrad)
	dims := grad.Dims()
	m.g = alloc(q, m.g, dims...)
	m.dsrc = alloc(q, m.dsrc, dims...)
	// g = dL/dhf - dL/dlf
	q.Call(
		num.Copy(m.g, dhf),
		num.Axpy(-1, grad, m.g),
	)
	if !maskGrad {
		q.Call(
			m.spectrum.FilterD(m.src, m.mask, m.g, m.dsrc, nil),
			num.Axpy(1, grad, m.dsrc),
		)
		return m.dsrc
	}
	q.Call(
		num.Copy(m.dmask, dmRecal),
		m.spectrum.FilterD(m.src, m.mask, m.g, m.dsrc, m.dmask),
		num.Axpy(1, grad, m.dsrc),
	)
	if dmask != nil {
		size := m.dmask.Size()
		q.Call(num.SumRows(dmask.Reshape(-1, size), m.dmask.Reshape(size), 1))
	}
	m.Filter.MaskGrad(q, m.dmask)
	return m.dsrc
}
