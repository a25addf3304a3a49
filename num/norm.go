package num

import (
	"fmt"
	"math"
)

// BatchNorm holds the settings for batch normalisation of input with dims [N, C, H, W]. Statistics are
// calculated per channel over the batch and spatial dimensions.
type BatchNorm struct {
	Channels int
	Epsilon  float32
}

func (b BatchNorm) shape(name string, x Array) (n, hw int) {
	d := x.Dims()
	if len(d) < 2 || d[1] != b.Channels {
		panic(fmt.Sprintf("%s: invalid input shape %v for %d channels", name, d, b.Channels))
	}
	return d[0], Prod(d[2:])
}

// Stats calculates the per channel batch mean and biased variance.
func (b BatchNorm) Stats(x, mean, variance Array) Function {
	n, hw := b.shape("BatchNormStats", x)
	return newFunc("batchnorm_stats", func(threads int) {
		in, m, v := f32(x), f32(mean), f32(variance)
		parallel(threads, b.Channels, func(_, c int) {
			sum := 0.0
			for i := 0; i < n; i++ {
				for _, val := range in[(i*b.Channels+c)*hw : (i*b.Channels+c+1)*hw] {
					sum += float64(val)
				}
			}
			mu := sum / float64(n*hw)
			sum = 0
			for i := 0; i < n; i++ {
				for _, val := range in[(i*b.Channels+c)*hw : (i*b.Channels+c+1)*hw] {
					d := float64(val) - mu
					sum += d * d
				}
			}
			m[c] = float32(mu)
			v[c] = float32(sum / float64(n*hw))
		})
	})
}

// Fprop normalises x with the given mean and variance: xhat = (x-mean)/sqrt(var+eps), y = gamma*xhat + beta
func (b BatchNorm) Fprop(x, mean, variance, gamma, beta, xhat, y Array) Function {
	n, hw := b.shape("BatchNormFprop", x)
	return newFunc("batchnorm_fprop", func(threads int) {
		in, m, v, g, bias, xh, out := f32(x), f32(mean), f32(variance), f32(gamma), f32(beta), f32(xhat), f32(y)
		parallel(threads, b.Channels, func(_, c int) {
			invStd := float32(1 / math.Sqrt(float64(v[c]+b.Epsilon)))
			for i := 0; i < n; i++ {
				start := (i*b.Channels + c) * hw
				for j := start; j < start+hw; j++ {
					xh[j] = (in[j] - m[c]) * invStd
					out[j] = g[c]*xh[j] + bias[c]
				}
			}
		})
	})
}

// Bprop calculates the input gradient dx. If batchStats is set the forward pass used the batch statistics
// so the gradient includes the terms from the mean and variance, else they are treated as constants.
// If paramGrads is set the gamma and beta gradients are accumulated into dgamma and dbeta.
func (b BatchNorm) Bprop(dy, xhat, gamma, variance, dx, dgamma, dbeta Array, batchStats, paramGrads bool) Function {
	n, hw := b.shape("BatchNormBprop", dy)
	return newFunc("batchnorm_bprop", func(threads int) {
		grad, xh, g, v, out := f32(dy), f32(xhat), f32(gamma), f32(variance), f32(dx)
		var dg, db []float32
		if paramGrads {
			dg, db = f32(dgamma), f32(dbeta)
		}
		m := float32(n * hw)
		parallel(threads, b.Channels, func(_, c int) {
			sumDy, sumDyXh := 0.0, 0.0
			for i := 0; i < n; i++ {
				start := (i*b.Channels + c) * hw
				for j := start; j < start+hw; j++ {
					sumDy += float64(grad[j])
					sumDyXh += float64(grad[j] * xh[j])
				}
			}
			if paramGrads {
				dg[c] += float32(sumDyXh)
				db[c] += float32(sumDy)
			}
			scale := g[c] / float32(math.Sqrt(float64(v[c]+b.Epsilon)))
			meanDy, meanDyXh := float32(sumDy)/m, float32(sumDyXh)/m
			for i := 0; i < n; i++ {
				start := (i*b.Channels + c) * hw
				for j := start; j < start+hw; j++ {
					if batchStats {
						out[j] = scale * (grad[j] - meanDy - xh[j]*meanDyXh)
					} else {
						out[j] = scale * grad[j]
					}
				}
			}
		})
	})
}

// Normalise applies a fixed per channel affine transform: y = (x - mean[c]) / std[c]
func Normalise(x, y Array, mean, std []float32) Function {
	d := x.Dims()
	if len(d) != 4 || d[1] != len(mean) || d[1] != len(std) || !SameShape(d, y.Dims()) {
		panic(fmt.Sprintf("Normalise: invalid shape %v for %d channels", d, len(mean)))
	}
	return newFunc("normalise", func(int) {
		in, out := f32(x), f32(y)
		hw := d[2] * d[3]
		for i := 0; i < d[0]*d[1]; i++ {
			c := i % d[1]
			for j := i * hw; j < (i+1)*hw; j++ {
				out[j] = (in[j] - mean[c]) / std[c]
			}
		}
	})
}

// NormaliseD is the gradient of Normalise: dx = dy / std[c]
func NormaliseD(dy, dx Array, std []float32) Function {
	d := dy.Dims()
	if len(d) != 4 || d[1] != len(std) || !SameShape(d, dx.Dims()) {
		panic(fmt.Sprintf("NormaliseD: invalid shape %v for %d channels", d, len(std)))
	}
	return newFunc("normalise_d", func(int) {
		grad, out := f32(dy), f32(dx)
		hw := d[2] * d[3]
		for i := 0; i < d[0]*d[1]; i++ {
			c := i % d[1]
			for j := i * hw; j < (i+1)*hw; j++ {
				out[j] = grad[j] / std[c]
			}
		}
	})
}
