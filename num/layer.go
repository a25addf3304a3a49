package num

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvLayer holds the geometry for a 2D convolution over input with dims [N, C, H, W] and filter weights
// with dims [F, C, Size, Size]. The batch size is taken from the arrays when each function is run.
type ConvLayer struct {
	C, H, W      int
	F, Size      int
	Stride, Pad  int
	OutH, OutW   int
	colPool      sync.Pool
	filterPool   sync.Pool
	filterLength int
}

// NewConvLayer returns the convolution descriptor for input image shape [C, H, W].
func NewConvLayer(inShape []int, nFeats, size, stride, pad int) *ConvLayer {
	if len(inShape) != 3 {
		panic(fmt.Sprintf("ConvLayer: expect [C H W] input shape, got %v", inShape))
	}
	if stride < 1 {
		stride = 1
	}
	c := &ConvLayer{C: inShape[0], H: inShape[1], W: inShape[2], F: nFeats, Size: size, Stride: stride, Pad: pad}
	c.OutH = (c.H+2*pad-size)/stride + 1
	c.OutW = (c.W+2*pad-size)/stride + 1
	if c.OutH < 1 || c.OutW < 1 {
		panic(fmt.Sprintf("ConvLayer: input %v too small for filter size %d", inShape, size))
	}
	colSize := c.C * size * size * c.OutH * c.OutW
	c.colPool.New = func() interface{} { return make([]float32, colSize) }
	c.filterLength = nFeats * c.C * size * size
	c.filterPool.New = func() interface{} { return make([]float32, c.filterLength) }
	return c
}

// FilterShape is the shape of the weight array.
func (c *ConvLayer) FilterShape() []int {
	return []int{c.F, c.C, c.Size, c.Size}
}

// OutShape is the output shape for a batch of n images.
func (c *ConvLayer) OutShape(n int) []int {
	return []int{n, c.F, c.OutH, c.OutW}
}

func (c *ConvLayer) String() string {
	return fmt.Sprintf("conv %dx%d/%d %d->%d", c.Size, c.Size, c.Stride, c.C, c.F)
}

func (c *ConvLayer) check(name string, x, y Array) int {
	xd, yd := x.Dims(), y.Dims()
	if len(xd) != 4 || xd[1] != c.C || xd[2] != c.H || xd[3] != c.W {
		panic(fmt.Sprintf("%s: invalid input shape %v for %s", name, xd, c))
	}
	if !SameShape(yd, c.OutShape(xd[0])) {
		panic(fmt.Sprintf("%s: invalid output shape %v expecting %v", name, yd, c.OutShape(xd[0])))
	}
	return xd[0]
}

// Fprop computes y = conv(x, w)
func (c *ConvLayer) Fprop(x, w, y Array) Function {
	n := c.check("ConvFprop", x, y)
	return newFunc("conv_fprop", func(threads int) {
		in, filter, out := f32(x), f32(w), f32(y)
		inSize, outSize := c.C*c.H*c.W, c.F*c.OutH*c.OutW
		parallel(threads, n, func(worker, i int) {
			col := c.colPool.Get().([]float32)
			c.im2col(in[i*inSize:(i+1)*inSize], col)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, c.filterMatrix(filter), c.colMatrix(col),
				0, c.outMatrix(out[i*outSize:(i+1)*outSize]))
			c.colPool.Put(col)
		})
	})
}

// BpropData computes the gradient with respect to the input: dx = conv_transpose(dy, w)
func (c *ConvLayer) BpropData(dy, w, dx Array) Function {
	n := c.check("ConvBpropData", dx, dy)
	return newFunc("conv_bprop_data", func(threads int) {
		grad, filter, out := f32(dy), f32(w), f32(dx)
		inSize, outSize := c.C*c.H*c.W, c.F*c.OutH*c.OutW
		parallel(threads, n, func(worker, i int) {
			col := c.colPool.Get().([]float32)
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, c.filterMatrix(filter), c.outMatrix(grad[i*outSize:(i+1)*outSize]),
				0, c.colMatrix(col))
			c.col2im(col, out[i*inSize:(i+1)*inSize])
			c.colPool.Put(col)
		})
	})
}

// BpropFilter accumulates the gradient with respect to the weights: dw <- dw + dot(dy, im2col(x))
func (c *ConvLayer) BpropFilter(x, dy, dw Array) Function {
	n := c.check("ConvBpropFilter", x, dy)
	if dw.Size() != c.filterLength {
		panic("ConvBpropFilter: invalid filter gradient shape")
	}
	return newFunc("conv_bprop_filter", func(threads int) {
		in, grad, out := f32(x), f32(dy), f32(dw)
		inSize, outSize := c.C*c.H*c.W, c.F*c.OutH*c.OutW
		if threads > n {
			threads = n
		}
		partial := make([][]float32, threads)
		parallel(threads, n, func(worker, i int) {
			if partial[worker] == nil {
				partial[worker] = c.filterPool.Get().([]float32)
				for j := range partial[worker] {
					partial[worker][j] = 0
				}
			}
			col := c.colPool.Get().([]float32)
			c.im2col(in[i*inSize:(i+1)*inSize], col)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, c.outMatrix(grad[i*outSize:(i+1)*outSize]), c.colMatrix(col),
				1, c.filterMatrix(partial[worker]))
			c.colPool.Put(col)
		})
		for _, p := range partial {
			if p != nil {
				for j, v := range p {
					out[j] += v
				}
				c.filterPool.Put(p)
			}
		}
	})
}

func (c *ConvLayer) filterMatrix(data []float32) blas32.General {
	k := c.C * c.Size * c.Size
	return blas32.General{Rows: c.F, Cols: k, Stride: k, Data: data}
}

func (c *ConvLayer) colMatrix(data []float32) blas32.General {
	k, n := c.C*c.Size*c.Size, c.OutH*c.OutW
	return blas32.General{Rows: k, Cols: n, Stride: n, Data: data}
}

func (c *ConvLayer) outMatrix(data []float32) blas32.General {
	n := c.OutH * c.OutW
	return blas32.General{Rows: c.F, Cols: n, Stride: n, Data: data}
}

// unpack one image into columns: col[(ch*size+ky)*size+kx][oy*outW+ox] = img[ch][oy*stride-pad+ky][ox*stride-pad+kx]
func (c *ConvLayer) im2col(img, col []float32) {
	ix := 0
	for ch := 0; ch < c.C; ch++ {
		plane := img[ch*c.H*c.W:]
		for ky := 0; ky < c.Size; ky++ {
			for kx := 0; kx < c.Size; kx++ {
				for oy := 0; oy < c.OutH; oy++ {
					y := oy*c.Stride - c.Pad + ky
					for ox := 0; ox < c.OutW; ox++ {
						x := ox*c.Stride - c.Pad + kx
						if y >= 0 && y < c.H && x >= 0 && x < c.W {
							col[ix] = plane[y*c.W+x]
						} else {
							col[ix] = 0
						}
						ix++
					}
				}
			}
		}
	}
}

// inverse of im2col, overlapping entries are summed
func (c *ConvLayer) col2im(col, img []float32) {
	for i := range img {
		img[i] = 0
	}
	ix := 0
	for ch := 0; ch < c.C; ch++ {
		plane := img[ch*c.H*c.W:]
		for ky := 0; ky < c.Size; ky++ {
			for kx := 0; kx < c.Size; kx++ {
				for oy := 0; oy < c.OutH; oy++ {
					y := oy*c.Stride - c.Pad + ky
					for ox := 0; ox < c.OutW; ox++ {
						x := ox*c.Stride - c.Pad + kx
						if y >= 0 && y < c.H && x >= 0 && x < c.W {
							plane[y*c.W+x] += col[ix]
						}
						ix++
					}
				}
			}
		}
	}
}

// Global average pooling over the spatial dimensions: x [N, C, H, W] => y [N, C]
func AvgPool(x, y Array) Function {
	xd, yd := x.Dims(), y.Dims()
	if len(xd) != 4 || len(yd) != 2 || xd[0] != yd[0] || xd[1] != yd[1] {
		panic(fmt.Sprintf("AvgPool: invalid shape %v => %v", xd, yd))
	}
	return newFunc("avg_pool", func(int) {
		in, out := f32(x), f32(y)
		hw := xd[2] * xd[3]
		for i := range out {
			sum := float32(0)
			for _, v := range in[i*hw : (i+1)*hw] {
				sum += v
			}
			out[i] = sum / float32(hw)
		}
	})
}

// Gradient of global average pooling: dy [N, C] => dx [N, C, H, W]
func AvgPoolD(dy, dx Array) Function {
	yd, xd := dy.Dims(), dx.Dims()
	if len(xd) != 4 || len(yd) != 2 || xd[0] != yd[0] || xd[1] != yd[1] {
		panic(fmt.Sprintf("AvgPoolD: invalid shape %v => %v", yd, xd))
	}
	return newFunc("avg_pool_d", func(int) {
		grad, out := f32(dy), f32(dx)
		hw := xd[2] * xd[3]
		for i, g := range grad {
			v := g / float32(hw)
			for j := i * hw; j < (i+1)*hw; j++ {
				out[j] = v
			}
		}
	})
}

// Scale each channel by a per sample gate value: y[n,c,h,w] = x[n,c,h,w] * g[n,c]
func ScaleChannels(x, g, y Array) Function {
	hw := checkChannels("ScaleChannels", x, g, y)
	return newFunc("scale_channels", func(int) {
		in, gate, out := f32(x), f32(g), f32(y)
		for i, s := range gate {
			for j := i * hw; j < (i+1)*hw; j++ {
				out[j] = in[j] * s
			}
		}
	})
}

// Gradient of ScaleChannels: dx = dy * g and dg[n,c] = sum_hw(dy * x)
func ScaleChannelsD(x, g, dy, dx, dg Array) Function {
	hw := checkChannels("ScaleChannelsD", x, g, dy)
	return newFunc("scale_channels_d", func(int) {
		in, gate, grad, dIn, dGate := f32(x), f32(g), f32(dy), f32(dx), f32(dg)
		for i, s := range gate {
			sum := float32(0)
			for j := i * hw; j < (i+1)*hw; j++ {
				sum += grad[j] * in[j]
				dIn[j] = grad[j] * s
			}
			dGate[i] = sum
		}
	})
}

func checkChannels(name string, x, g, y Array) int {
	xd, gd := x.Dims(), g.Dims()
	if len(xd) != 4 || len(gd) != 2 || xd[0] != gd[0] || xd[1] != gd[1] || !SameShape(xd, y.Dims()) {
		panic(fmt.Sprintf("%s: invalid shape %v with gate %v", name, xd, gd))
	}
	return xd[2] * xd[3]
}

// Concatenate the columns of two matrices: a [N, K1], b [N, K2] => y [N, K1+K2]
func ConcatCols(a, b, y Array) Function {
	k1, k2, n := concatShape("ConcatCols", a, b, y)
	return newFunc("concat", func(int) {
		da, db, out := f32(a), f32(b), f32(y)
		for i := 0; i < n; i++ {
			copy(out[i*(k1+k2):], da[i*k1:(i+1)*k1])
			copy(out[i*(k1+k2)+k1:], db[i*k2:(i+1)*k2])
		}
	})
}

// Split the columns of y [N, K1+K2] into a [N, K1] and b [N, K2]
func SplitCols(y, a, b Array) Function {
	k1, k2, n := concatShape("SplitCols", a, b, y)
	return newFunc("split", func(int) {
		da, db, in := f32(a), f32(b), f32(y)
		for i := 0; i < n; i++ {
			copy(da[i*k1:(i+1)*k1], in[i*(k1+k2):])
			copy(db[i*k2:(i+1)*k2], in[i*(k1+k2)+k1:])
		}
	})
}

func concatShape(name string, a, b, y Array) (k1, k2, n int) {
	ad, bd, yd := a.Dims(), b.Dims(), y.Dims()
	if len(ad) != 2 || len(bd) != 2 || len(yd) != 2 || ad[0] != bd[0] || ad[0] != yd[0] || ad[1]+bd[1] != yd[1] {
		panic(fmt.Sprintf("%s: invalid shapes %v %v %v", name, ad, bd, yd))
	}
	return ad[1], bd[1], ad[0]
}
