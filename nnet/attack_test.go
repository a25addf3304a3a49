package nnet

import (
	"math/rand"
	"testing"

	"github.com/jnb666/robustnet/num"
)

func TestPGDBounds(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(1))
	shape := []int{3, 32, 32}
	net := newNet(t, q, testConfig("ResNet18_F", 4), shape, rng)
	xd := randArray(4*num.Prod(shape), 0, 1, rng)
	// include some saturated pixels
	for i := 0; i < len(xd); i += 7 {
		xd[i] = float32(i % 2)
	}
	x := newArray(q, xd, 4, 3, 32, 32)
	y := q.NewArray(num.Int32, 4)
	q.Call(num.Write(y, []int32{0, 3, 5, 9}))
	before := net.State(q)

	attack := PGD{Epsilon: 8.0 / 255, Step: 2.0 / 255, Iters: 10}
	adv := readFloats(q, attack.Generate(q, net, x, y, Attack, rng))
	moved := 0
	for i, v := range adv {
		d := v - xd[i]
		if d > attack.Epsilon+1e-6 || d < -attack.Epsilon-1e-6 {
			t.Fatalf("pixel %d: perturbation %g exceeds %g", i, d, attack.Epsilon)
		}
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d: value %g out of range", i, v)
		}
		if d != 0 {
			moved++
		}
	}
	t.Logf("%d of %d pixels perturbed", moved, len(adv))
	if moved == 0 {
		t.Error("no pixels perturbed")
	}
	// weights and batch norm statistics are unchanged
	after := net.State(q)
	for i, p := range before.Params {
		for j, v := range p.Value {
			if after.Params[i].Value[j] != v {
				t.Fatalf("param %s changed by attack", p.Name)
			}
		}
	}
}

func TestPGDRandomStart(t *testing.T) {
	q := newQueue()
	rng := rand.New(rand.NewSource(2))
	shape := []int{3, 16, 16}
	net := newNet(t, q, testConfig("ResNet18", 2), shape, rng)
	xd := randArray(2*num.Prod(shape), 0, 1, rng)
	x := newArray(q, xd, 2, 3, 16, 16)
	y := q.NewArray(num.Int32, 2)
	q.Call(num.Write(y, []int32{1, 2}))
	attack := PGD{Epsilon: 0.1, Step: 0.01}
	adv := readFloats(q, attack.Generate(q, net, x, y, Eval, rng))
	same := 0
	for i, v := range adv {
		if d := v - xd[i]; d > 0.1+1e-6 || d < -0.1-1e-6 {
			t.Fatalf("pixel %d: random start outside ball", i)
		}
		if v == xd[i] {
			same++
		}
	}
	if same == len(adv) {
		t.Error("expected random perturbation with zero iterations")
	}
}

func TestAttackSettings(t *testing.T) {
	conf := Default("ResNet18")
	a := conf.TrainAttack()
	if a.Iters != 10 || a.Epsilon != float32(8.0/255) || a.Step != float32(2.0/255) {
		t.Errorf("train attack: %+v", a)
	}
	if a = conf.TestAttack(conf.ADV.PGDAttackTest); a.Iters != 20 || a.Epsilon != float32(8.0/255) {
		t.Errorf("test attack: %+v", a)
	}
}
