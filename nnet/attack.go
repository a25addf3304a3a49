package nnet

import (
	"math/rand"

	"github.com/jnb666/robustnet/num"
)

// Model is the interface used to generate adversarial examples.
type Model interface {
	Fprop(q num.Queue, x num.Array, phase Phase) num.Array
	Bprop(q num.Queue, dLogits, dMask num.Array, paramGrads bool) num.Array
}

// PGD generates adversarial examples with the projected gradient descent attack within an L-infinity ball
// of radius Epsilon.
type PGD struct {
	Epsilon float32
	Step    float32
	Iters   int
}

// Generate returns a new array with an adversarial example for each sample in x with labels y. The attack
// starts from a uniform random point in the ball and takes Iters signed gradient steps to increase the
// cross entropy loss, each followed by projection onto the ball and the [0, 1] range. Model weights are
// not updated. Use the Attack phase during training so the batch norm running statistics are unchanged.
func (p PGD) Generate(q num.Queue, model Model, x, y num.Array, phase Phase, rng *rand.Rand) num.Array {
	adv := q.NewArray(num.Float32, x.Dims()...)
	noise := make([]float32, x.Size())
	for i := range noise {
		noise[i] = (2*rng.Float32() - 1) * p.Epsilon
	}
	q.Call(
		num.Write(adv, noise),
		num.Axpy(1, x, adv),
		num.Clamp(adv, 0, 1),
	)
	var loss Loss
	for i := 0; i < p.Iters; i++ {
		logits := model.Fprop(q, adv, phase)
		loss.Classes = logits.Dims()[1]
		_, _, grad := loss.CrossEntropy(q, logits, y)
		dx := model.Bprop(q, grad, nil, false)
		q.Call(
			num.AxpySign(p.Step, dx, adv),
			num.ClampNear(adv, x, p.Epsilon),
			num.Clamp(adv, 0, 1),
		)
	}
	q.Finish()
	return adv
}
