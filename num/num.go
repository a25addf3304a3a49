// Package num contains numeric Array processing routines such as optimised matix multiplication,
// convolution, batch normalisation and frequency domain filtering.
//
// Operations are created as Function values and executed in order when they are passed to Queue.Call
// and Queue.Finish is called. Functions which work on a batch of data split the work over the number of
// threads given when the queue was created.
package num

import (
	"fmt"
	"math"
	"reflect"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Function which may be called via the queue
type Function struct {
	name string
	call func(threads int)
}

func newFunc(name string, call func(threads int)) Function {
	return Function{name: name, call: call}
}

// Name of the operation, used for profiling.
func (f Function) Name() string { return f.name }

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunc("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, f32(a))
		case []int32:
			copy(d, i32(a))
		default:
			panic(fmt.Sprintf("Read: invalid type %s", reflect.TypeOf(data)))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunc("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(f32(a), d)
		case []int32:
			copy(i32(a), d)
		default:
			panic(fmt.Sprintf("Write: invalid type %s", reflect.TypeOf(data)))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunc("fill", func(int) {
		if a.Dtype() == Int32 {
			x := i32(a)
			for i := range x {
				x[i] = int32(scalar)
			}
			return
		}
		x := f32(a)
		for i := range x {
			x[i] = scalar
		}
	})
}

// Copy from src to dst, a vector is broadcast to each row of a matrix if the sizes differ.
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if src.Size() == dst.Size() {
		return newFunc("copy", func(int) {
			if dst.Dtype() == Int32 {
				copy(i32(dst), i32(src))
			} else {
				copy(f32(dst), f32(src))
			}
		})
	}
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] && dst.Dtype() == Float32 {
		return newFunc("tile", func(int) {
			s, d := f32(src), f32(dst)
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunc("neq", func(int) {
		a, b, r := i32(x), i32(y), i32(res)
		for i := range r {
			if a[i] != b[i] {
				r[i] = 1
			} else {
				r[i] = 0
			}
		}
	})
}

// Convert labels with dims [N] to one hot representation with dims [N, classes]
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[0] || ydim[1] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunc("onehot", func(int) {
		labels, out := i32(x), f32(y)
		for i := range out {
			out[i] = 0
		}
		for i, label := range labels {
			out[i*classes+int(label)] = 1
		}
	})
}

// Convert from one hot or probability format with dims [N, classes] back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[0] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return newFunc("unhot", func(int) {
		in, labels := f32(x), i32(y)
		k := xdim[1]
		for i := range labels {
			row := in[i*k : (i+1)*k]
			best := 0
			for j, v := range row {
				if v > row[best] {
					best = j
				}
			}
			labels[i] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunc("scale", func(int) {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return newFunc("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Element wise product: z <- x*y
func Mul(x, y, z Array) Function {
	return binaryFunc("mul", x, y, z, func(a, b float32) float32 { return a * b })
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunc("sum", func(int) {
		sum := 0.0
		if a.Dtype() == Int32 {
			for _, v := range i32(a) {
				sum += float64(v)
			}
		} else {
			for _, v := range f32(a) {
				sum += float64(v)
			}
		}
		f32(total)[0] = float32(sum) * scale
	})
}

// Sum the rows of a matrix with dims [N, K] to a vector with dims [K]: y <- sum(x) + beta*y
func SumRows(x, y Array, beta float32) Function {
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic(fmt.Sprintf("SumRows: invalid shape %v => %v", xdim, ydim))
	}
	return newFunc("sum_rows", func(int) {
		in, out := f32(x), f32(y)
		k := xdim[1]
		for j := range out {
			out[j] *= beta
		}
		for i := 0; i < xdim[0]; i++ {
			for j, v := range in[i*k : (i+1)*k] {
				out[j] += v
			}
		}
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return newFunc("gemm", func(int) {
		blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, sigmoid)
}

// Sigmoid derivative given the output y of the forward pass: dx = grad * y * (1-y)
func SigmoidD(y, grad, dx Array) Function {
	return binaryFunc("sigmoid_d", y, grad, dx, func(y, g float32) float32 { return g * y * (1 - y) })
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

// Relu derivative given the input or output of the forward pass
func ReluD(x, grad, dx Array) Function {
	return binaryFunc("relu_d", x, grad, dx, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Softmax activation function applied to each row of a matrix with dims [N, K]
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return newFunc("softmax", func(int) {
		in, out := f32(x), f32(res)
		k := xdim[1]
		for i := 0; i < xdim[0]; i++ {
			softmax(in[i*k:(i+1)*k], out[i*k:(i+1)*k])
		}
	})
}

// Add the sign of each element of grad to x: x <- x + alpha*sign(grad). Zero gradient gives zero step.
func AxpySign(alpha float32, grad, x Array) Function {
	if !SameShape(grad.Dims(), x.Dims()) {
		panic("AxpySign: arrays must be same shape")
	}
	return newFunc("axpy_sign", func(int) {
		g, out := f32(grad), f32(x)
		for i, v := range g {
			out[i] += alpha * sign(v)
		}
	})
}

// Project x onto the L-infinity ball of radius eps around ref: x <- min(max(x, ref-eps), ref+eps)
func ClampNear(x, ref Array, eps float32) Function {
	if !SameShape(ref.Dims(), x.Dims()) {
		panic("ClampNear: arrays must be same shape")
	}
	return newFunc("clamp_near", func(int) {
		r, out := f32(ref), f32(x)
		for i, v := range out {
			out[i] = clamp(v, r[i]-eps, r[i]+eps)
		}
	})
}

// Clamp each element of x to the range [lo, hi]
func Clamp(x Array, lo, hi float32) Function {
	return newFunc("clamp", func(int) {
		out := f32(x)
		for i, v := range out {
			out[i] = clamp(v, lo, hi)
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic(fmt.Sprintf("%s: arrays must be same size", name))
	}
	return newFunc(name, func(int) {
		in, out := f32(x), f32(y)
		for i, v := range in {
			out[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(a, b float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic(fmt.Sprintf("%s: arrays must be same size", name))
	}
	return newFunc(name, func(int) {
		a, b, out := f32(x), f32(y), f32(z)
		for i := range out {
			out[i] = fn(a[i], b[i])
		}
	})
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func softmax(in, out []float32) {
	max := in[0]
	for _, v := range in {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for j, v := range in {
		e := math.Exp(float64(v - max))
		out[j] = float32(e)
		sum += e
	}
	for j := range out {
		out[j] = float32(float64(out[j]) / sum)
	}
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: f32(a)}
}

func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: f32(a)}
}
