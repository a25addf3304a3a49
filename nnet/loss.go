package nnet

import (
	"math"

	"github.com/jnb666/robustnet/num"
	"github.com/pkg/errors"
)

// ErrMaskSaturated is returned by the mask penalty if every mask element selects the high frequency
// component so that the high to low frequency ratio is undefined.
var ErrMaskSaturated = errors.New("mask penalty: all mask elements are high frequency")

// Labels returns target probabilities for each sample: 1-factor for the true class and factor/(classes-1)
// for the others. A zero factor gives one hot targets.
func Labels(labels []int32, classes int, factor float64) []float64 {
	t := make([]float64, len(labels)*classes)
	other := factor / float64(classes-1)
	for i, label := range labels {
		for j := 0; j < classes; j++ {
			if j == int(label) {
				t[i*classes+j] = 1 - factor
			} else {
				t[i*classes+j] = other
			}
		}
	}
	return t
}

// log of softmax for each row of x with k columns
func logSoftmax(x []float32, k int) []float64 {
	res := make([]float64, len(x))
	for row := 0; row < len(x)/k; row++ {
		in := x[row*k : (row+1)*k]
		max := float64(in[0])
		for _, v := range in {
			max = math.Max(max, float64(v))
		}
		sum := 0.0
		for _, v := range in {
			sum += math.Exp(float64(v) - max)
		}
		lse := max + math.Log(sum)
		for j, v := range in {
			res[row*k+j] = float64(v) - lse
		}
	}
	return res
}

// CrossEntropy returns the batch mean of the softmax cross entropy between the logits and the target
// probabilities. If grad is not nil the gradient with respect to the logits is added to it.
func CrossEntropy(logits []float32, targets []float64, k int, grad []float32) float64 {
	logp := logSoftmax(logits, k)
	n := float64(len(logits) / k)
	loss := 0.0
	for i, lp := range logp {
		loss -= targets[i] * lp
		if grad != nil {
			grad[i] += float32((math.Exp(lp) - targets[i]) / n)
		}
	}
	return loss / n
}

// KLDivergence returns the batch mean of KL(softmax(nat) || softmax(adv)). If the gradients are not nil
// then scale times the gradient with respect to each set of logits is added to them.
func KLDivergence(nat, adv []float32, k int, scale float64, dNat, dAdv []float32) float64 {
	logp, logq := logSoftmax(nat, k), logSoftmax(adv, k)
	n := len(nat) / k
	loss := 0.0
	for row := 0; row < n; row++ {
		kl := 0.0
		for j := row * k; j < (row+1)*k; j++ {
			kl += math.Exp(logp[j]) * (logp[j] - logq[j])
		}
		loss += kl
		for j := row * k; j < (row+1)*k; j++ {
			p := math.Exp(logp[j])
			if dNat != nil {
				dNat[j] += float32(scale * p * (logp[j] - logq[j] - kl) / float64(n))
			}
			if dAdv != nil {
				dAdv[j] += float32(scale * (math.Exp(logq[j]) - p) / float64(n))
			}
		}
	}
	return loss / float64(n)
}

// MaskPenalty returns (sum(m)/sum(1-m) - ratio/(1-ratio))^2 / (N*C) for a mask with dims [N, C, H, W].
// ratio is the target fraction of high frequency elements. If dmask is not nil then scale times the
// gradient is added to it. Returns ErrMaskSaturated if sum(1-m) is zero.
func MaskPenalty(mask []float32, dims []int, ratio, scale float64, dmask []float32) (float64, error) {
	var s1, s0 float64
	for _, m := range mask {
		s1 += float64(m)
		s0 += float64(1 - m)
	}
	if s0 <= 0 {
		return 0, ErrMaskSaturated
	}
	nc := float64(dims[0] * dims[1])
	diff := s1/s0 - ratio/(1-ratio)
	if dmask != nil {
		// d(s1/s0)/dm is the same for every element
		g := float32(scale * 2 * diff * float64(len(mask)) / (s0 * s0 * nc))
		for i := range dmask {
			dmask[i] += g
		}
	}
	return diff * diff / nc, nil
}

// MaskBalance is a diagnostic which counts the mask elements which are exactly one or zero and returns
// |k*#(m=1) - #(m=0)| / (N*C*H*H) where k = (1-ratio)/ratio.
func MaskBalance(mask []float32, dims []int, ratio float64) float64 {
	var ones, zeros float64
	for _, m := range mask {
		switch m {
		case 1:
			ones++
		case 0:
			zeros++
		}
	}
	k := (1 - ratio) / ratio
	return math.Abs(k*ones-zeros) / float64(dims[2]*dims[2]*dims[1]*dims[0])
}

// Correct returns the number of rows where the largest logit is at the label index.
func Correct(logits []float32, labels []int32, k int) int {
	correct := 0
	for i, label := range labels {
		row := logits[i*k : (i+1)*k]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == int(label) {
			correct++
		}
	}
	return correct
}

// read array contents to a new slice
func readFloats(q num.Queue, a num.Array) []float32 {
	data := make([]float32, a.Size())
	q.Call(num.Read(a, data)).Finish()
	return data
}

func readLabels(q num.Queue, a num.Array) []int32 {
	data := make([]int32, a.Size())
	q.Call(num.Read(a, data)).Finish()
	return data
}

// Loss holds the arrays used to compute a classification loss and its gradient.
type Loss struct {
	Classes   int
	Smoothing float64 // target distribution as for Labels
	grad      num.Array
}

// CrossEntropy computes the loss for the logits given the labels and returns it with the number of correct
// predictions and the gradient with respect to the logits, which is owned by l.
func (l *Loss) CrossEntropy(q num.Queue, logits, labels num.Array) (loss float64, correct int, grad num.Array) {
	x, y := readFloats(q, logits), readLabels(q, labels)
	g := make([]float32, len(x))
	loss = CrossEntropy(x, Labels(y, l.Classes, l.Smoothing), l.Classes, g)
	l.grad = alloc(q, l.grad, logits.Dims()...)
	q.Call(num.Write(l.grad, g))
	return loss, Correct(x, y, l.Classes), l.grad
}
