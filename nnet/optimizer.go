package nnet

import (
	"github.com/jnb666/robustnet/num"
)

// SGD optimizer with momentum and L2 weight decay. The momentum for each parameter is held in Param.V.
type SGD struct {
	Momentum    float32
	WeightDecay float32
	Nesterov    bool
}

// NewSGD returns the optimizer for the given config.
func NewSGD(conf Config) SGD {
	return SGD{Momentum: float32(conf.Momentum), WeightDecay: float32(conf.Lambda), Nesterov: conf.Nesterov}
}

// Step updates each trainable parameter with the accumulated gradients:
//
//	g = dw + decay*w, v = momentum*v + g, w = w - eta*v  (or w - eta*(g + momentum*v) for Nesterov)
//
// The gradient arrays are modified.
func (o SGD) Step(q num.Queue, params []*Param, eta float64) {
	lr := float32(eta)
	for _, p := range params {
		if p.Buffer {
			continue
		}
		if o.WeightDecay != 0 {
			q.Call(num.Axpy(o.WeightDecay, p.W, p.DW))
		}
		q.Call(
			num.Scale(o.Momentum, p.V),
			num.Axpy(1, p.DW, p.V),
		)
		if o.Nesterov {
			q.Call(
				num.Axpy(o.Momentum, p.V, p.DW),
				num.Axpy(-lr, p.DW, p.W),
			)
		} else {
			q.Call(num.Axpy(-lr, p.V, p.W))
		}
	}
}

// StepSchedule is a piecewise constant learning rate which is divided by 10 at each of the given epochs.
type StepSchedule struct {
	Base  float64
	Steps []int
}

// Rate returns the learning rate for the given epoch, where the first epoch is zero.
func (s StepSchedule) Rate(epoch int) float64 {
	lr := s.Base
	for _, step := range s.Steps {
		if epoch >= step {
			lr /= 10
		}
	}
	return lr
}
