package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/robustnet/num"
	"gonum.org/v1/gonum/diff/fd"
)

const (
	delta  = 1e-2
	relTol = 0.05
	absTol = 2e-3
)

var (
	elemStep = &fd.Settings{Formula: fd.Central, Step: delta}
	dirStep  = &fd.Settings{Formula: fd.Central, Step: 1e-3}
)

func newQueue() num.Queue {
	return num.NewDevice().NewQueue(2)
}

func randArray(size int, min, max float32, rng *rand.Rand) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func newArray(q num.Queue, data []float32, dims ...int) num.Array {
	a := q.NewArray(num.Float32, dims...)
	q.Call(num.Write(a, data)).Finish()
	return a
}

// gradient checker for a layer with loss = sum(weight * output)
type gradCheck struct {
	t      *testing.T
	q      num.Queue
	layer  Layer
	phase  Phase
	x      num.Array
	weight []float32
}

func newGradCheck(t *testing.T, q num.Queue, l Layer, phase Phase, inShape []int, n int, rng *rand.Rand) *gradCheck {
	outShape := l.Init(q, inShape)
	for _, p := range l.Params() {
		p.Reset(q, rng)
	}
	xdims := batchShape(n, inShape)
	g := &gradCheck{t: t, q: q, layer: l, phase: phase}
	g.x = newArray(q, randArray(num.Prod(xdims), -1, 1, rng), xdims...)
	g.weight = randArray(n*num.Prod(outShape), -1, 1, rng)
	return g
}

func (g *gradCheck) loss() float64 {
	out := readFloats(g.q, g.layer.Fprop(g.q, g.x, g.phase))
	sum := 0.0
	for i, v := range out {
		sum += float64(v) * float64(g.weight[i])
	}
	return sum
}

// analytic gradients with respect to the input and each parameter
func (g *gradCheck) backward() (dx []float32, dw [][]float32) {
	q := g.q
	for _, p := range g.layer.Params() {
		if !p.Buffer {
			q.Call(num.Fill(p.DW, 0))
		}
	}
	out := g.layer.Fprop(q, g.x, g.phase)
	grad := newArray(q, g.weight, out.Dims()...)
	dx = readFloats(q, g.layer.Bprop(q, grad, true))
	for _, p := range g.layer.Params() {
		if !p.Buffer {
			dw = append(dw, readFloats(q, p.DW))
		}
	}
	return dx, dw
}

// numeric gradient for element i of array a
func (g *gradCheck) numeric(a num.Array, i int) float64 {
	data := readFloats(g.q, a)
	x0 := data[i]
	grad := fd.Derivative(func(x float64) float64 {
		data[i] = float32(x)
		g.q.Call(num.Write(a, data))
		return g.loss()
	}, float64(x0), elemStep)
	data[i] = x0
	g.q.Call(num.Write(a, data)).Finish()
	return grad
}

func (g *gradCheck) compare(name string, a num.Array, analytic []float32, samples int, rng *rand.Rand) {
	failed := 0
	for n := 0; n < samples; n++ {
		i := rng.Intn(a.Size())
		ng := g.numeric(a, i)
		if math.Abs(ng-float64(analytic[i])) > absTol+relTol*math.Abs(ng) {
			g.t.Errorf("%s[%d]: numeric grad %.5f analytic %.5f", name, i, ng, analytic[i])
			if failed++; failed > 5 {
				return
			}
		}
	}
}

// compare the derivative along a random direction, which is less sensitive to relu kinks
func (g *gradCheck) directional(name string, a num.Array, analytic []float32, rng *rand.Rand) {
	data := readFloats(g.q, a)
	v := randArray(len(data), -1, 1, rng)
	shifted := make([]float32, len(data))
	ng := fd.Derivative(func(scale float64) float64 {
		for i, x := range data {
			shifted[i] = x + float32(scale)*v[i]
		}
		g.q.Call(num.Write(a, shifted))
		return g.loss()
	}, 0, dirStep)
	g.q.Call(num.Write(a, data)).Finish()
	ag := 0.0
	for i, d := range analytic {
		ag += float64(d) * float64(v[i])
	}
	g.t.Logf("%s: numeric %.5f analytic %.5f", name, ng, ag)
	if math.Abs(ng-ag) > absTol+relTol*math.Abs(ng) {
		g.t.Errorf("%s: numeric directional grad %.5f analytic %.5f", name, ng, ag)
	}
}

func (g *gradCheck) run(samples int, rng *rand.Rand) {
	dx, dw := g.backward()
	g.compare("dx", g.x, dx, samples, rng)
	i := 0
	for _, p := range g.layer.Params() {
		if !p.Buffer {
			g.compare(p.Name, p.W, dw[i], samples, rng)
			i++
		}
	}
}

func (g *gradCheck) runDirectional(rng *rand.Rand) {
	dx, dw := g.backward()
	g.directional("dx", g.x, dx, rng)
	i := 0
	for _, p := range g.layer.Params() {
		if !p.Buffer {
			g.directional(p.Name, p.W, dw[i], rng)
			i++
		}
	}
}

func TestConvGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(1))
	for _, stride := range []int{1, 2} {
		l := NewConv(4, 3, stride, 1)
		g := newGradCheck(t, q, l, Train, []int{2, 6, 6}, 2, rng)
		t.Log(l)
		g.run(20, rng)
	}
}

func TestConvShape(t *testing.T) {
	q := newQueue()
	for _, test := range []struct {
		size, stride, pad int
		expect            []int
	}{
		{3, 1, 1, []int{8, 32, 32}},
		{3, 2, 1, []int{8, 16, 16}},
		{1, 2, 0, []int{8, 16, 16}},
		{1, 1, 0, []int{8, 32, 32}},
	} {
		out := NewConv(8, test.size, test.stride, test.pad).Init(q, []int{3, 32, 32})
		if !num.SameShape(out, test.expect) {
			t.Errorf("conv %dx%d/%d: got shape %v expect %v", test.size, test.size, test.stride, out, test.expect)
		}
	}
}

func TestBatchNormGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(2))
	l := NewBatchNorm()
	g := newGradCheck(t, q, l, Attack, []int{3, 4, 4}, 4, rng)
	g.run(20, rng)
}

func TestBatchNormRunningStats(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(3))
	l := NewBatchNorm()
	l.Init(q, []int{2, 2, 2})
	for _, p := range l.Params() {
		p.Reset(q, rng)
	}
	// channel 0 is all 1, channel 1 alternates 0 and 2
	x := newArray(q, []float32{1, 1, 1, 1, 0, 2, 0, 2}, 1, 2, 2, 2)
	l.Fprop(q, x, Attack)
	if mean := readFloats(q, l.runMean.W); mean[0] != 0 || mean[1] != 0 {
		t.Error("running mean updated in attack phase:", mean)
	}
	l.Fprop(q, x, Train)
	mean, variance := readFloats(q, l.runMean.W), readFloats(q, l.runVar.W)
	t.Log("mean", mean, "var", variance)
	if math.Abs(float64(mean[0])-0.1) > 1e-6 || math.Abs(float64(mean[1])-0.1) > 1e-6 {
		t.Error("running mean: got", mean)
	}
	// unbiased variance of channel 1 is 4/3
	if math.Abs(float64(variance[0])-0.9) > 1e-6 || math.Abs(float64(variance[1])-(0.9+0.4/3)) > 1e-5 {
		t.Error("running variance: got", variance)
	}
	out := readFloats(q, l.Fprop(q, x, Eval))
	t.Log("eval", out)
	if math.Abs(float64(out[0])-0.9/math.Sqrt(0.9+1e-5)) > 1e-4 {
		t.Error("eval output: got", out)
	}
}

func TestLinearGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(4))
	g := newGradCheck(t, q, NewLinear(5), Train, []int{7}, 3, rng)
	g.run(20, rng)
}

func TestPoolGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(5))
	g := newGradCheck(t, q, &Pool{}, Train, []int{3, 4, 4}, 2, rng)
	g.run(10, rng)
}

func TestNormaliseGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(6))
	l := &Normalise{Mean: []float32{0.5, 0.4, 0.3}, Std: []float32{0.25, 0.2, 0.3}}
	g := newGradCheck(t, q, l, Train, []int{3, 4, 4}, 2, rng)
	g.run(10, rng)
}

func TestFreqModuleGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(7))
	for _, filter := range []FreqFilter{NewSpectralFilter(3), NewHighPassFilter(3)} {
		m := NewFreqModule(filter)
		g := newGradCheck(t, q, m, Attack, []int{4, 8, 8}, 2, rng)
		t.Log(m)
		g.run(20, rng)
	}
}

func TestFreqComponents(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(8))
	for _, filter := range []FreqFilter{NewSpectralFilter(DefaultRadius), NewHighPassFilter(DefaultRadius)} {
		m := NewFreqModule(filter)
		m.Init(q, []int{2, 32, 32})
		for _, p := range m.Params() {
			p.Reset(q, rng)
		}
		xd := randArray(2*2*32*32, 0, 1, rng)
		m.Fprop(q, newArray(q, xd, 2, 2, 32, 32), Eval)
		hfa, lfa := m.Components()
		hf, lf := readFloats(q, hfa), readFloats(q, lfa)
		maxDiff := 0.0
		for i, x := range xd {
			maxDiff = math.Max(maxDiff, math.Abs(float64(hf[i]+lf[i]-x)))
		}
		t.Logf("%s: max |hf+lf-x| = %.3g", filter, maxDiff)
		if maxDiff > 1e-4 {
			t.Errorf("%s: components do not sum to input", filter)
		}
	}
}

func TestHighPassFilter(t *testing.T) {
	q := newQueue()
	f := NewHighPassFilter(DefaultRadius)
	f.Init(q, []int{1, 32, 32})
	mask := readFloats(q, f.Mask(q))
	for _, test := range []struct {
		y, x   int
		expect float32
	}{
		{16, 16, 0}, {16, 24, 0}, {16, 25, 1}, {24, 16, 0}, {21, 21, 0}, {22, 22, 1}, {0, 0, 1},
	} {
		if got := mask[test.y*32+test.x]; got != test.expect {
			t.Errorf("mask[%d,%d]: got %g expect %g", test.y, test.x, got, test.expect)
		}
	}
	// constant input has no high frequency component
	m := NewFreqModule(f)
	m.Init(q, []int{1, 32, 32})
	for _, p := range m.Params() {
		p.Reset(q, rand.New(rand.NewSource(1)))
	}
	x := make([]float32, 32*32)
	for i := range x {
		x[i] = 0.5
	}
	m.Fprop(q, newArray(q, x, 1, 1, 32, 32), Eval)
	hf, _ := m.Components()
	for i, v := range readFloats(q, hf) {
		if math.Abs(float64(v)) > 1e-5 {
			t.Fatalf("hf[%d] = %g for constant input", i, v)
		}
	}
}

func TestSpectralFilterInit(t *testing.T) {
	q := newQueue()
	f := NewSpectralFilter(DefaultRadius)
	f.Init(q, []int{2, 32, 32})
	for _, p := range f.Params() {
		p.Reset(q, nil)
	}
	mask := readFloats(q, f.Mask(q))
	lo, hi := float32(1/(1+math.Exp(2))), float32(1/(1+math.Exp(-2)))
	for _, test := range []struct {
		ix     int
		expect float32
	}{
		{16*32 + 16, lo}, {32*32 + 16*32 + 16, lo}, {0, hi}, {32*32 + 31, hi},
	} {
		if got := mask[test.ix]; math.Abs(float64(got-test.expect)) > 1e-5 {
			t.Errorf("mask[%d]: got %g expect %g", test.ix, got, test.expect)
		}
	}
}

// replace the relu activations with sigmoid so that finite differences never cross a kink
func smoothBlock(b *Block) *Block {
	for _, seq := range []Sequential{b.pre, b.branch} {
		for i, l := range seq {
			if _, ok := l.(*Activation); ok {
				seq[i] = NewActivation("sigmoid")
			}
		}
	}
	if b.post != nil {
		b.post = NewActivation("sigmoid")
	}
	return b
}

func TestBlockGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(9))
	for _, test := range []struct {
		kind           string
		planes, stride int
	}{
		{PreAct, 2, 2}, {PreAct, 4, 1}, {Basic, 2, 2}, {Basic, 4, 1}, {Bottleneck, 2, 2}, {Bottleneck, 1, 1},
	} {
		b := smoothBlock(NewBlock(test.kind, 4, test.planes, test.stride))
		t.Log(b)
		g := newGradCheck(t, q, b, Attack, []int{4, 6, 6}, 2, rng)
		g.runDirectional(rng)
		g.run(10, rng)
	}
}

func TestBlockShape(t *testing.T) {
	q := newQueue()
	for _, test := range []struct {
		kind               string
		in, planes, stride int
		identity           bool
		expect             []int
	}{
		{PreAct, 8, 8, 1, true, []int{8, 16, 16}},
		{PreAct, 8, 16, 2, false, []int{16, 8, 8}},
		{Basic, 8, 8, 1, true, []int{8, 16, 16}},
		{Basic, 8, 8, 2, false, []int{8, 8, 8}},
		{Basic, 8, 16, 1, false, []int{16, 16, 16}},
		{Bottleneck, 8, 8, 1, false, []int{32, 16, 16}},
		{Bottleneck, 32, 8, 1, true, []int{32, 16, 16}},
		{Bottleneck, 32, 16, 2, false, []int{64, 8, 8}},
	} {
		b := NewBlock(test.kind, test.in, test.planes, test.stride)
		out := b.Init(q, []int{test.in, 16, 16})
		if !num.SameShape(out, test.expect) {
			t.Errorf("%s: got shape %v expect %v", b, out, test.expect)
		}
		if b.Shortcut.Identity() != test.identity {
			t.Errorf("%s: identity shortcut = %v", b, b.Shortcut.Identity())
		}
		if p, ok := b.Shortcut.(projection); ok {
			_, hasBN := p.Sequential[len(p.Sequential)-1].(*BatchNorm)
			if hasBN == (test.kind == PreAct) {
				t.Errorf("%s: unexpected shortcut %s", b, p)
			}
		}
	}
}
