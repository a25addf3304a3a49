package nnet

import (
	"fmt"

	"github.com/jnb666/robustnet/num"
)

// Residual block types
const (
	PreAct     = "preact"
	Basic      = "basic"
	Bottleneck = "bottleneck"
)

// Expansion is the ratio of output channels to planes for each block type.
func Expansion(kind string) int {
	if kind == Bottleneck {
		return 4
	}
	return 1
}

// Shortcut is the skip connection of a residual block: either the identity or a projection.
type Shortcut interface {
	Layer
	Identity() bool
}

type identity struct{}

func (identity) Init(q num.Queue, inShape []int) []int { return inShape }

func (identity) Fprop(q num.Queue, in num.Array, phase Phase) num.Array { return in }

func (identity) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array { return grad }

func (identity) Params() []*Param { return nil }

func (identity) String() string { return "identity" }

func (identity) Identity() bool { return true }

type projection struct {
	Sequential
}

func (projection) Identity() bool { return false }

func (p projection) String() string { return "projection: " + p.Sequential.String() }

// NewShortcut returns the shortcut for a block with the given number of input and output channels and stride.
// A projection is used if the stride is not 1 or the channel count changes: a 1x1 convolution which is
// followed by batch normalisation except for pre-activation blocks.
func NewShortcut(kind string, in, out, stride int) Shortcut {
	if stride == 1 && in == out {
		return identity{}
	}
	layers := Sequential{NewConv(out, 1, stride, 0)}
	if kind != PreAct {
		layers = append(layers, NewBatchNorm())
	}
	return projection{Sequential: layers}
}

// Block is a residual block: out = post(branch(pre(x)) + shortcut(x')) where x' is pre(x) for a
// pre-activation block with a projecting shortcut and x otherwise.
type Block struct {
	Kind     string
	In       int
	Planes   int
	Stride   int
	Shortcut Shortcut
	pre      Sequential
	branch   Sequential
	post     Layer
	inShape  []int
	outShape []int
	sum      num.Array
	dsum     num.Array
	dsrc     num.Array
}

// NewBlock creates a residual block of the given kind. The shortcut is chosen when the block is created.
func NewBlock(kind string, in, planes, stride int) *Block {
	b := &Block{Kind: kind, In: in, Planes: planes, Stride: stride}
	out := planes * Expansion(kind)
	b.Shortcut = NewShortcut(kind, in, out, stride)
	relu := func() Layer { return NewActivation("relu") }
	switch kind {
	case PreAct:
		b.pre = Sequential{NewBatchNorm(), relu()}
		b.branch = Sequential{
			NewConv(planes, 3, stride, 1), NewBatchNorm(), relu(),
			NewConv(planes, 3, 1, 1),
		}
	case Basic:
		b.branch = Sequential{
			NewConv(planes, 3, stride, 1), NewBatchNorm(), relu(),
			NewConv(planes, 3, 1, 1), NewBatchNorm(),
		}
		b.post = relu()
	case Bottleneck:
		b.branch = Sequential{
			NewConv(planes, 1, 1, 0), NewBatchNorm(), relu(),
			NewConv(planes, 3, stride, 1), NewBatchNorm(), relu(),
			NewConv(out, 1, 1, 0), NewBatchNorm(),
		}
		b.post = relu()
	default:
		panic("invalid block type: " + kind)
	}
	return b
}

func (b *Block) String() string {
	return fmt.Sprintf("%s block %d->%d/%d %s", b.Kind, b.In, b.Planes*Expansion(b.Kind), b.Stride, b.Shortcut)
}

func (b *Block) Init(q num.Queue, inShape []int) []int {
	if inShape[0] != b.In {
		panic(fmt.Sprintf("Block: expecting %d input channels, got %v", b.In, inShape))
	}
	b.inShape = inShape
	shape := b.pre.Init(q, inShape)
	b.outShape = b.branch.Init(q, shape)
	scShape := b.Shortcut.Init(q, shape)
	if !num.SameShape(scShape, b.outShape) {
		panic(fmt.Sprintf("Block: shortcut shape %v does not match %v", scShape, b.outShape))
	}
	if b.post != nil {
		b.post.Init(q, b.outShape)
	}
	return b.outShape
}

// Expansion returns the ratio of output channels to planes.
func (b *Block) Expansion() int { return Expansion(b.Kind) }

// OutShape returns the output shape for a single sample.
func (b *Block) OutShape() []int { return b.outShape }

func (b *Block) Params() []*Param {
	p := b.pre.Params()
	p = append(p, b.branch.Params()...)
	return append(p, b.Shortcut.Params()...)
}

func (b *Block) Fprop(q num.Queue, in num.Array, phase Phase) num.Array {
	x := b.pre.Fprop(q, in, phase)
	out := b.branch.Fprop(q, x, phase)
	if b.Shortcut.Identity() {
		x = in
	}
	sc := b.Shortcut.Fprop(q, x, phase)
	b.sum = alloc(q, b.sum, out.Dims()...)
	q.Call(
		num.Copy(b.sum, out),
		num.Axpy(1, sc, b.sum),
	)
	if b.post != nil {
		return b.post.Fprop(q, b.sum, phase)
	}
	return b.sum
}

func (b *Block) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	if b.post != nil {
		grad = b.post.Bprop(q, grad, paramGrads)
	}
	dx := b.branch.Bprop(q, grad, paramGrads)
	dsc := b.Shortcut.Bprop(q, grad, paramGrads)
	if !b.Shortcut.Identity() || len(b.pre) == 0 {
		// shortcut input is the same as the branch input
		b.dsum = alloc(q, b.dsum, dx.Dims()...)
		q.Call(
			num.Copy(b.dsum, dx),
			num.Axpy(1, dsc, b.dsum),
		)
		return b.pre.Bprop(q, b.dsum, paramGrads)
	}
	dx = b.pre.Bprop(q, dx, paramGrads)
	b.dsrc = alloc(q, b.dsrc, dx.Dims()...)
	q.Call(
		num.Copy(b.dsrc, dx),
		num.Axpy(1, dsc, b.dsrc),
	)
	return b.dsrc
}
