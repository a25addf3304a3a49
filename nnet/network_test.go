package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/robustnet/num"
)

func testConfig(model string, width int) Config {
	conf := Default(model)
	conf.Width = width
	conf.RandSeed = 1
	return conf
}

func newNet(t *testing.T, q num.Queue, conf Config, shape []int, rng *rand.Rand) *Network {
	net, err := New(q, conf, shape)
	if err != nil {
		t.Fatal(err)
	}
	net.InitWeights(q, rng)
	return net
}

// wraps a network so it can be checked as a single layer
type netLayer struct {
	*Network
}

func (l netLayer) Init(q num.Queue, inShape []int) []int { return []int{l.Data.NumClass} }

func (l netLayer) Bprop(q num.Queue, grad num.Array, paramGrads bool) num.Array {
	return l.Network.Bprop(q, grad, nil, paramGrads)
}

func TestNetworkShapes(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(1))
	shape := []int{3, 16, 16}
	for _, model := range ModelNames() {
		net := newNet(t, q, testConfig(model, 4), shape, rng)
		x := newArray(q, randArray(2*num.Prod(shape), 0, 1, rng), 2, 3, 16, 16)
		logits := net.Fprop(q, x, Attack)
		if !num.SameShape(logits.Dims(), []int{2, 10}) {
			t.Errorf("%s: logits shape %v", model, logits.Dims())
		}
		dx := net.Bprop(q, newArray(q, randArray(20, -1, 1, rng), 2, 10), nil, true)
		if !num.SameShape(dx.Dims(), x.Dims()) {
			t.Errorf("%s: input gradient shape %v", model, dx.Dims())
		}
		for _, v := range readFloats(q, logits) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("%s: invalid logits", model)
			}
		}
		if hasFilter := Architectures[model].Filter != FilterNone; net.HasFilter() != hasFilter {
			t.Errorf("%s: HasFilter = %v", model, net.HasFilter())
		}
		t.Logf("%s: %d params ok", model, len(net.Params()))
	}
}

func TestParamCount(t *testing.T) {
	q := newQueue()
	net, err := New(q, Default("ResNet18"), []int{3, 32, 32})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, p := range net.Params() {
		if !p.Buffer {
			count += p.W.Size()
		}
	}
	t.Log("ResNet18 trainable params:", count)
	if count != 11173962 {
		t.Errorf("got %d params expect 11173962", count)
	}
}

func TestCheckInput(t *testing.T) {
	q := newQueue()
	net, err := New(q, testConfig("ResNet18", 2), []int{3, 32, 32})
	if err != nil {
		t.Fatal(err)
	}
	for _, dims := range [][]int{{3, 32, 32}, {2, 1, 32, 32}, {2, 3, 8, 8}, {2, 3, 16, 16}, {2, 4, 32, 32}} {
		err := net.CheckInput(dims)
		if _, ok := err.(*DimError); !ok {
			t.Errorf("%v: expected DimError got %v", dims, err)
		} else {
			t.Log(err)
		}
	}
	if err = net.CheckInput([]int{7, 3, 32, 32}); err != nil {
		t.Error(err)
	}
}

func TestNewErrors(t *testing.T) {
	q := newQueue()
	conf := testConfig("ResNet19", 2)
	if _, err := New(q, conf, []int{3, 32, 32}); err == nil {
		t.Error("expected error for unknown model")
	}
	conf = testConfig("ResNet18", 2)
	if _, err := New(q, conf, []int{3, 8, 8}); err == nil {
		t.Error("expected error for small input")
	}
	conf.Data.NumClass = 1
	if _, err := New(q, conf, []int{3, 32, 32}); err == nil {
		t.Error("expected error for single class")
	}
	conf = testConfig("ResNet18", 2)
	conf.Data.Normalise = true
	conf.Data.Mean = []float64{0.5}
	if _, err := New(q, conf, []int{3, 32, 32}); err == nil {
		t.Error("expected error for normalise settings")
	}
}

func TestNetworkGrad(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(2))
	for _, model := range []string{"PreActResNet18_F", "ResNet18_DFT_F"} {
		conf := testConfig(model, 2)
		conf.Data.Normalise = true
		conf.Data.Mean = []float64{0.5, 0.5, 0.5}
		conf.Data.Std = []float64{0.25, 0.25, 0.25}
		net := newNet(t, q, conf, []int{3, 16, 16}, rng)
		g := newGradCheck(t, q, netLayer{net}, Attack, []int{3, 16, 16}, 2, rng)
		dx, _ := g.backward()
		g.directional(model+" dx", g.x, dx, rng)
	}
}

func TestMaskGradient(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(3))
	net := newNet(t, q, testConfig("ResNet18_F", 2), []int{3, 16, 16}, rng)
	x := newArray(q, randArray(2*3*16*16, 0, 1, rng), 2, 3, 16, 16)
	net.ZeroGrads(q)
	logits, mask := net.FpropMask(q, x, Train)
	if !num.SameShape(mask.Dims(), []int{2, 2, 16, 16}) {
		t.Fatal("mask shape", mask.Dims())
	}
	dmask := q.NewArray(num.Float32, mask.Dims()...)
	dlogits := q.NewArray(num.Float32, logits.Dims()...)
	q.Call(num.Fill(dmask, 1), num.Fill(dlogits, 0))
	net.Bprop(q, dlogits, dmask, true)
	theta := net.FreqModule().Filter.Params()[0]
	m, dw := readFloats(q, net.FreqModule().Mask()), readFloats(q, theta.DW)
	for i, v := range m {
		expect := 2 * v * (1 - v)
		if math.Abs(float64(dw[i]-expect)) > 1e-5 {
			t.Fatalf("dtheta[%d]: got %g expect %g", i, dw[i], expect)
		}
	}
	// mask gradient is ignored if parameter gradients are not required
	net.ZeroGrads(q)
	net.FpropMask(q, x, Attack)
	net.Bprop(q, dlogits, dmask, false)
	for i, v := range readFloats(q, theta.DW) {
		if v != 0 {
			t.Fatalf("dtheta[%d] = %g", i, v)
		}
	}
	if _, mask = newNet(t, q, testConfig("ResNet18", 2), []int{3, 16, 16}, rng).FpropMask(q, x, Eval); mask != nil {
		t.Error("expected nil mask for model without filter")
	}
}

func TestStateRestore(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(4))
	conf := testConfig("ResNet18_F", 2)
	net1 := newNet(t, q, conf, []int{3, 16, 16}, rng)
	net2 := newNet(t, q, conf, []int{3, 16, 16}, rng)
	x := newArray(q, randArray(2*3*16*16, 0, 1, rng), 2, 3, 16, 16)
	net1.Fprop(q, x, Train)
	if err := net2.Restore(q, net1.State(q)); err != nil {
		t.Fatal(err)
	}
	out1, out2 := readFloats(q, net1.Fprop(q, x, Eval)), readFloats(q, net2.Fprop(q, x, Eval))
	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("logits differ after restore: %v %v", out1, out2)
		}
	}
	other := newNet(t, q, testConfig("ResNet18", 2), []int{3, 16, 16}, rng)
	if err := other.Restore(q, net1.State(q)); err == nil {
		t.Error("expected error restoring state from a different model")
	}
}
