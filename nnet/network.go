// Package nnet contains routines for constructing, training and testing residual networks with an optional
// frequency domain recalibration module, under projected gradient descent adversarial attacks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jnb666/robustnet/num"
	"github.com/pkg/errors"
)

// Frequency filter types
const (
	FilterNone     = ""
	FilterLearned  = "spectral"
	FilterHighPass = "highpass"
)

// Arch describes a network architecture: the residual block type, number of blocks in each of the four
// stages and the frequency filter applied after the first convolution.
type Arch struct {
	Block  string
	Blocks [4]int
	Filter string
}

// Architectures lists the supported models by name.
var Architectures = map[string]Arch{
	"PreActResNet18":   {Block: PreAct, Blocks: [4]int{2, 2, 2, 2}},
	"ResNet18":         {Block: Basic, Blocks: [4]int{2, 2, 2, 2}},
	"ResNet34":         {Block: Basic, Blocks: [4]int{3, 4, 6, 3}},
	"ResNet50":         {Block: Bottleneck, Blocks: [4]int{3, 4, 6, 3}},
	"ResNet101":        {Block: Bottleneck, Blocks: [4]int{3, 4, 23, 3}},
	"ResNet152":        {Block: Bottleneck, Blocks: [4]int{3, 8, 36, 3}},
	"PreActResNet18_F": {Block: PreAct, Blocks: [4]int{2, 2, 2, 2}, Filter: FilterLearned},
	"ResNet18_F":       {Block: Basic, Blocks: [4]int{2, 2, 2, 2}, Filter: FilterLearned},
	"ResNet18_DFT_F":   {Block: Basic, Blocks: [4]int{2, 2, 2, 2}, Filter: FilterHighPass},
}

// ModelNames returns the sorted list of architecture names.
func ModelNames() []string {
	var names []string
	for name := range Architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DimError is returned if the input batch does not have the shape expected by the network.
type DimError struct {
	Dims   []int
	Expect []int
	Reason string
}

func (e *DimError) Error() string {
	return fmt.Sprintf("invalid input shape %v: %s (expecting [N %s])", e.Dims, e.Reason,
		strings.Trim(fmt.Sprint(e.Expect), "[]"))
}

// MinInputSize is the smallest spatial size which allows four halvings of the feature maps.
const MinInputSize = 16

// Network type represents a residual network model.
type Network struct {
	Config
	Arch
	stem    Sequential
	freq    *FreqModule
	body    Sequential
	inShape []int
}

// New function creates a new network for input samples with shape [C, H, W].
func New(q num.Queue, conf Config, inShape []int) (*Network, error) {
	arch, ok := Architectures[conf.Model]
	if !ok {
		return nil, errors.Errorf("unknown model %q", conf.Model)
	}
	if err := checkShape(append([]int{1}, inShape...), nil); err != nil {
		return nil, err
	}
	if conf.Data.NumClass < 2 {
		return nil, errors.Errorf("invalid number of classes: %d", conf.Data.NumClass)
	}
	width := conf.Width
	if width <= 0 {
		width = 64
	}
	n := &Network{Config: conf, Arch: arch, inShape: append([]int{}, inShape...)}
	if conf.Data.Normalise {
		mean, std := float32s(conf.Data.Mean), float32s(conf.Data.Std)
		if len(mean) != inShape[0] || len(std) != inShape[0] {
			return nil, errors.Errorf("normalise: need %d mean and std values", inShape[0])
		}
		n.stem = append(n.stem, &Normalise{Mean: mean, Std: std})
	}
	n.stem = append(n.stem, NewConv(width, 3, 1, 1), NewBatchNorm(), NewActivation("relu"))
	radius := conf.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}
	switch arch.Filter {
	case FilterLearned:
		n.freq = NewFreqModule(NewSpectralFilter(radius))
	case FilterHighPass:
		n.freq = NewFreqModule(NewHighPassFilter(radius))
	}
	in := width
	for stage, blocks := range arch.Blocks {
		planes := width << uint(stage)
		stride := 2
		if stage == 0 {
			stride = 1
		}
		for i := 0; i < blocks; i++ {
			b := NewBlock(arch.Block, in, planes, stride)
			n.body = append(n.body, b)
			in = planes * b.Expansion()
			stride = 1
		}
	}
	n.body = append(n.body, &Pool{}, NewLinear(conf.Data.NumClass))
	shape := n.stem.Init(q, inShape)
	if n.freq != nil {
		shape = n.freq.Init(q, shape)
	}
	n.body.Init(q, shape)
	return n, nil
}

func float32s(x []float64) []float32 {
	res := make([]float32, len(x))
	for i, v := range x {
		res[i] = float32(v)
	}
	return res
}

func checkShape(dims, expect []int) error {
	err := &DimError{Dims: dims, Expect: expect}
	switch {
	case len(dims) != 4:
		err.Reason = "input must have 4 dimensions"
	case dims[1] != 3:
		err.Reason = "input must have 3 channels"
	case dims[2] < MinInputSize || dims[3] < MinInputSize:
		err.Reason = fmt.Sprintf("spatial size must be at least %d", MinInputSize)
	case expect != nil && !num.SameShape(dims[1:], expect):
		err.Reason = "sample shape does not match network"
	default:
		return nil
	}
	return err
}

// CheckInput returns a *DimError if an input batch with the given dims cannot be processed by the network.
func (n *Network) CheckInput(dims []int) error {
	return checkShape(dims, n.inShape)
}

// InShape returns the shape of one input sample.
func (n *Network) InShape() []int { return n.inShape }

// HasFilter is true if the network includes the frequency module.
func (n *Network) HasFilter() bool { return n.freq != nil }

// FreqModule returns the frequency module or nil.
func (n *Network) FreqModule() *FreqModule { return n.freq }

// Params returns all of the parameters and buffers in a fixed order.
func (n *Network) Params() []*Param {
	p := n.stem.Params()
	if n.freq != nil {
		p = append(p, n.freq.Params()...)
	}
	return append(p, n.body.Params()...)
}

// InitWeights sets the initial weights, clears the gradients and resets the batch norm statistics.
func (n *Network) InitWeights(q num.Queue, rng *rand.Rand) {
	for _, p := range n.Params() {
		p.Reset(q, rng)
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights(q)
	}
}

// ZeroGrads clears the accumulated parameter gradients.
func (n *Network) ZeroGrads(q num.Queue) {
	for _, p := range n.Params() {
		if !p.Buffer {
			q.Call(num.Fill(p.DW, 0))
		}
	}
}

// Fprop feeds forward the input to get the output logits. The returned array is owned by the network.
func (n *Network) Fprop(q num.Queue, x num.Array, phase Phase) num.Array {
	out := n.stem.Fprop(q, x, phase)
	if n.freq != nil {
		out = n.freq.Fprop(q, out, phase)
	}
	out = n.body.Fprop(q, out, phase)
	if n.DebugLevel >= 3 {
		fmt.Printf("logits:\n%s\n", out.String(q))
	}
	return out
}

// FpropMask runs the forward pass and also returns a new copy of the spectral mask broadcast to each sample
// with dims [N, C, H, W]. The mask is nil if the network has no frequency module.
func (n *Network) FpropMask(q num.Queue, x num.Array, phase Phase) (logits, mask num.Array) {
	logits = n.Fprop(q, x, phase)
	if n.freq == nil {
		return logits, nil
	}
	m := n.freq.Mask()
	mask = q.NewArray(num.Float32, append([]int{x.Dims()[0]}, m.Dims()...)...)
	q.Call(num.Broadcast(m, mask))
	return logits, mask
}

// Bprop back propagates the gradient of the loss with respect to the logits from the most recent Fprop call
// and returns the gradient with respect to the input. If dMask is not nil it is the gradient with respect to
// the mask returned by FpropMask. Parameter gradients are accumulated only if paramGrads is set.
func (n *Network) Bprop(q num.Queue, dLogits, dMask num.Array, paramGrads bool) num.Array {
	grad := n.body.Bprop(q, dLogits, paramGrads)
	if n.freq != nil {
		grad = n.freq.BpropMask(q, grad, dMask, paramGrads)
	}
	return n.stem.Bprop(q, grad, paramGrads)
}

// Print network description
func (n *Network) String() string {
	var s []string
	add := func(l Layer) {
		s = append(s, fmt.Sprintf("%2d: %s", len(s), l))
	}
	for _, l := range n.stem {
		add(l)
	}
	if n.freq != nil {
		add(n.freq)
	}
	for _, l := range n.body {
		add(l)
	}
	return fmt.Sprintf("== %s %v ==\n%s", n.Model, n.inShape, strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights(q num.Queue) {
	for i, p := range n.Params() {
		fmt.Printf("== param %d %s ==\n%s\n", i, p.Name, p.W.String(q))
	}
}

// SetSeed returns a new random number generator. A random seed is used if seed <= 0.
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
