package nnet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/robustnet/num"
)

// Phase selects how a forward pass uses and updates the batch normalisation statistics.
type Phase int

const (
	// Eval uses the running statistics.
	Eval Phase = iota
	// Attack uses the batch statistics and leaves the running statistics unchanged.
	Attack
	// Train uses the batch statistics and updates the running statistics.
	Train
)

func (p Phase) String() string {
	switch p {
	case Eval:
		return "eval"
	case Attack:
		return "attack"
	default:
		return "train"
	}
}

// Layer interface type represents one layer of the neural net. Input and output arrays have the batch
// size as the first dimension. Output arrays are owned by the layer and are overwritten by the next call.
type Layer interface {
	// Init allocates the parameters given the shape of one input sample and returns the output sample shape.
	Init(q num.Queue, inShape []int) []int
	// Fprop performs the forward pass.
	Fprop(q num.Queue, in num.Array, phase Phase) num.Array
	// Bprop back propagates the gradient from the most recent Fprop call and returns the input gradient.
	// Parameter gradients are accumulated only if paramGrads is set.
	Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array
	// Params returns the trainable parameters and state buffers.
	Params() []*Param
	String() string
}

// Initializer fills a parameter array with initial values.
type Initializer func(rng *rand.Rand, data []float32)

// HeNormal initialisation with standard deviation sqrt(2/fanIn).
func HeNormal(fanIn int) Initializer {
	scale := math.Sqrt(2 / float64(fanIn))
	return func(rng *rand.Rand, data []float32) {
		for i := range data {
			data[i] = float32(rng.NormFloat64() * scale)
		}
	}
}

// Uniform initialisation in the range [-scale, scale].
func Uniform(scale float64) Initializer {
	return func(rng *rand.Rand, data []float32) {
		for i := range data {
			data[i] = float32((2*rng.Float64() - 1) * scale)
		}
	}
}

// Constant initialisation.
func Constant(val float32) Initializer {
	return func(rng *rand.Rand, data []float32) {
		for i := range data {
			data[i] = val
		}
	}
}

// Param is a named parameter array with its gradient and momentum. Buffers such as batch norm running
// statistics are saved with the model but have no gradient and are not updated by the optimizer.
type Param struct {
	Name   string
	W      num.Array
	DW     num.Array
	V      num.Array
	Buffer bool
	Init   Initializer
}

func newParam(q num.Queue, name string, init Initializer, dims ...int) *Param {
	return &Param{
		Name: name,
		W:    q.NewArray(num.Float32, dims...),
		DW:   q.NewArray(num.Float32, dims...),
		V:    q.NewArray(num.Float32, dims...),
		Init: init,
	}
}

func newBuffer(q num.Queue, name string, init Initializer, dims ...int) *Param {
	return &Param{Name: name, W: q.NewArray(num.Float32, dims...), Buffer: true, Init: init}
}

// Reset sets the initial parameter values and clears the gradient and momentum.
func (p *Param) Reset(q num.Queue, rng *rand.Rand) {
	data := make([]float32, p.W.Size())
	p.Init(rng, data)
	q.Call(num.Write(p.W, data))
	if !p.Buffer {
		q.Call(num.Fill(p.DW, 0), num.Fill(p.V, 0))
	}
}

// base type for layers with a single input and output
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func (l *layerBase) Params() []*Param { return nil }

// returns a if it has the requested shape else allocates a new array
func alloc(q num.Queue, a num.Array, dims ...int) num.Array {
	if a == nil || !num.SameShape(a.Dims(), dims) {
		return q.NewArray(num.Float32, dims...)
	}
	return a
}

func batchShape(n int, shape []int) []int {
	return append([]int{n}, shape...)
}

// Conv is a 2D convolution layer without bias, implements Layer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	layer                     *num.ConvLayer
	w                         *Param
	layerBase
}

// NewConv creates a new convolutional layer.
func NewConv(nfeats, size, stride, pad int) *Conv {
	if stride < 1 {
		stride = 1
	}
	return &Conv{Nfeats: nfeats, Size: size, Stride: stride, Pad: pad}
}

func (l *Conv) String() string {
	return fmt.Sprintf("conv %dx%d/%d %d", l.Size, l.Size, l.Stride, l.Nfeats)
}

func (l *Conv) Init(q num.Queue, inShape []int) []int {
	if len(inShape) != 3 {
		panic("Conv: expect 3 dimensional input")
	}
	l.layer = num.NewConvLayer(inShape, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.w = newParam(q, "conv.w", HeNormal(inShape[0]*l.Size*l.Size), l.layer.FilterShape()...)
	return l.layer.OutShape(1)[1:]
}

func (l *Conv) Params() []*Param { return []*Param{l.w} }

func (l *Conv) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.src = in
	l.dst = alloc(q, l.dst, l.layer.OutShape(in.Dims()[0])...)
	q.Call(l.layer.Fprop(l.src, l.w.W, l.dst))
	return l.dst
}

func (l *Conv) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, l.src.Dims()...)
	if paramGrads {
		q.Call(l.layer.BpropFilter(l.src, grad, l.w.DW))
	}
	q.Call(l.layer.BpropData(grad, l.w.W, l.dsrc))
	return l.dsrc
}

// BatchNorm layer normalises each channel, implements Layer interface.
type BatchNorm struct {
	Momentum   float32
	Epsilon    float32
	norm       num.BatchNorm
	gamma      *Param
	beta       *Param
	runMean    *Param
	runVar     *Param
	mean       num.Array
	variance   num.Array
	xhat       num.Array
	batchStats bool
	layerBase
}

// NewBatchNorm creates a batch normalisation layer with the default momentum and epsilon.
func NewBatchNorm() *BatchNorm {
	return &BatchNorm{Momentum: 0.1, Epsilon: 1e-5}
}

func (l *BatchNorm) String() string {
	return fmt.Sprintf("batchNorm %d", l.norm.Channels)
}

func (l *BatchNorm) Init(q num.Queue, inShape []int) []int {
	ch := inShape[0]
	l.norm = num.BatchNorm{Channels: ch, Epsilon: l.Epsilon}
	l.gamma = newParam(q, "bn.gamma", Constant(1), ch)
	l.beta = newParam(q, "bn.beta", Constant(0), ch)
	l.runMean = newBuffer(q, "bn.running_mean", Constant(0), ch)
	l.runVar = newBuffer(q, "bn.running_var", Constant(1), ch)
	l.mean = q.NewArray(num.Float32, ch)
	l.variance = q.NewArray(num.Float32, ch)
	return inShape
}

func (l *BatchNorm) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.runMean, l.runVar}
}

func (l *BatchNorm) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.src = in
	dims := in.Dims()
	l.dst = alloc(q, l.dst, dims...)
	l.xhat = alloc(q, l.xhat, dims...)
	l.batchStats = phase != Eval
	if !l.batchStats {
		q.Call(l.norm.Fprop(in, l.runMean.W, l.runVar.W, l.gamma.W, l.beta.W, l.xhat, l.dst))
		return l.dst
	}
	q.Call(
		l.norm.Stats(in, l.mean, l.variance),
		l.norm.Fprop(in, l.mean, l.variance, l.gamma.W, l.beta.W, l.xhat, l.dst),
	)
	if phase == Train {
		// running variance uses the unbiased estimate
		m := float32(in.Size() / l.norm.Channels)
		unbias := float32(1)
		if m > 1 {
			unbias = m / (m - 1)
		}
		q.Call(
			num.Scale(1-l.Momentum, l.runMean.W),
			num.Axpy(l.Momentum, l.mean, l.runMean.W),
			num.Scale(1-l.Momentum, l.runVar.W),
			num.Axpy(l.Momentum*unbias, l.variance, l.runVar.W),
		)
	}
	return l.dst
}

func (l *BatchNorm) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, grad.Dims()...)
	variance := l.runVar.W
	if l.batchStats {
		variance = l.variance
	}
	q.Call(l.norm.Bprop(grad, l.xhat, l.gamma.W, variance, l.dsrc, l.gamma.DW, l.beta.DW, l.batchStats, paramGrads))
	return l.dsrc
}

// Activation layer applies a relu or sigmoid function, implements Layer interface.
type Activation struct {
	Atype string
	activ func(x, y num.Array) num.Function
	deriv func(x, grad, y num.Array) num.Function
	layerBase
}

// NewActivation creates a new activation layer of the given type.
func NewActivation(atype string) *Activation {
	l := &Activation{Atype: atype}
	switch atype {
	case "relu":
		l.activ, l.deriv = num.Relu, num.ReluD
	case "sigmoid":
		l.activ, l.deriv = num.Sigmoid, num.SigmoidD
	default:
		panic(fmt.Sprintf("activation type %s invalid", atype))
	}
	return l
}

func (l *Activation) String() string { return l.Atype }

func (l *Activation) Init(q num.Queue, inShape []int) []int { return inShape }

func (l *Activation) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.src = in
	l.dst = alloc(q, l.dst, in.Dims()...)
	q.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *Activation) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, grad.Dims()...)
	// sigmoid derivative is calculated from the output, relu can use either
	q.Call(l.deriv(l.dst, grad, l.dsrc))
	return l.dsrc
}

// Linear fully connected layer with weights of shape [Nin, Nout], implements Layer interface.
type Linear struct {
	Nout int
	w, b *Param
	layerBase
}

// NewLinear creates a new fully connected layer.
func NewLinear(nout int) *Linear {
	return &Linear{Nout: nout}
}

func (l *Linear) String() string { return fmt.Sprintf("linear %d", l.Nout) }

func (l *Linear) Init(q num.Queue, inShape []int) []int {
	if len(inShape) != 1 {
		panic("Linear: expect 1 dimensional input")
	}
	nin := inShape[0]
	scale := 1 / math.Sqrt(float64(nin))
	l.w = newParam(q, "linear.w", Uniform(scale), nin, l.Nout)
	l.b = newParam(q, "linear.b", Uniform(scale), l.Nout)
	return []int{l.Nout}
}

func (l *Linear) Params() []*Param { return []*Param{l.w, l.b} }

func (l *Linear) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.src = in
	l.dst = alloc(q, l.dst, in.Dims()[0], l.Nout)
	q.Call(
		num.Copy(l.dst, l.b.W),
		num.Gemm(1, 1, l.src, l.w.W, l.dst, num.NoTrans, num.NoTrans),
	)
	return l.dst
}

func (l *Linear) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, l.src.Dims()...)
	if paramGrads {
		q.Call(
			num.Gemm(1, 1, l.src, grad, l.w.DW, num.Trans, num.NoTrans),
			num.SumRows(grad, l.b.DW, 1),
		)
	}
	q.Call(num.Gemm(1, 0, grad, l.w.W, l.dsrc, num.NoTrans, num.Trans))
	return l.dsrc
}

// Pool layer averages each channel over the spatial dimensions: [N, C, H, W] => [N, C]
type Pool struct {
	layerBase
}

func (l *Pool) String() string { return "avgPool" }

func (l *Pool) Init(q num.Queue, inShape []int) []int {
	if len(inShape) != 3 {
		panic("Pool: expect 3 dimensional input")
	}
	return inShape[:1]
}

func (l *Pool) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.src = in
	dims := in.Dims()
	l.dst = alloc(q, l.dst, dims[0], dims[1])
	q.Call(num.AvgPool(in, l.dst))
	return l.dst
}

func (l *Pool) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, l.src.Dims()...)
	q.Call(num.AvgPoolD(grad, l.dsrc))
	return l.dsrc
}

// Normalise layer subtracts a fixed per channel mean and divides by the standard deviation.
type Normalise struct {
	Mean, Std []float32
	layerBase
}

func (l *Normalise) String() string { return fmt.Sprintf("normalise %v %v", l.Mean, l.Std) }

func (l *Normalise) Init(q num.Queue, inShape []int) []int {
	if len(l.Mean) != inShape[0] || len(l.Std) != inShape[0] {
		panic("Normalise: mean and std must have one entry per channel")
	}
	return inShape
}

func (l *Normalise) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	l.dst = alloc(q, l.dst, in.Dims()...)
	q.Call(num.Normalise(in, l.dst, l.Mean, l.Std))
	return l.dst
}

func (l *Normalise) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	l.dsrc = alloc(q, l.dsrc, grad.Dims()...)
	q.Call(num.NormaliseD(grad, l.dsrc, l.Std))
	return l.dsrc
}

// Sequential applies a list of layers in order.
type Sequential []Layer

func (s Sequential) Init(q num.Queue, inShape []int) []int {
	for _, l := range s {
		inShape = l.Init(q, inShape)
	}
	return inShape
}

func (s Sequential) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	for _, l := range s {
		in = l.Fprop(q, in, phase)
	}
	return in
}

func (s Sequential) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	for i := len(s) - 1; i >= 0; i-- {
		grad = s[i].Bprop(q, grad, paramGrads)
	}
	return grad
}

func (s Sequential) Params() []*Param {
	var p []*Param
	for _, l := range s {
		p = append(p, l.Params()...)
	}
	return p
}

func (s Sequential) String() string {
	str := ""
	for i, l := range s {
		if i > 0 {
			str += " -> "
		}
		str += l.String()
	}
	return str
}
