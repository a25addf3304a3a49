package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray.
// Data is stored internally in row major order, so a batch of images has dims [N, C, H, W].
type Array interface {
	// Dims returns the shape of the array with the slowest varying dimension first
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	f []float32
	i []int32
}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	return newArrayCPU(dtype, dims)
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArrayCPU(a.Dtype(), a.Dims())
}

func newArrayCPU(dtype DataType, dims []int) *arrayCPU {
	dims = append([]int{}, dims...)
	a := &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims, dtype: dtype}}
	if dtype == Int32 {
		a.i = make([]int32, a.size)
	} else {
		a.f = make([]float32, a.size)
	}
	return a
}

func (a *arrayCPU) Release() {}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), f: a.f, i: a.i}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

func f32(a Array) []float32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Float32 {
		panic(fmt.Sprintf("expecting Float32 array, got %T", a))
	}
	return arr.f
}

func i32(a Array) []int32 {
	arr, ok := a.(*arrayCPU)
	if !ok || arr.dtype != Int32 {
		panic(fmt.Sprintf("expecting Int32 array, got %T", a))
	}
	return arr.i
}

// common array functions
type arrayBase struct {
	size  int
	dims  []int
	dtype DataType
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) Dtype() DataType { return a.dtype }

func (a arrayBase) reshape(dims []int) arrayBase {
	dims = append([]int{}, dims...)
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic(fmt.Sprintf("Reshape: %v to %v must be to array of same size", a.dims, dims))
	}
	return arrayBase{size: n, dims: dims, dtype: a.dtype}
}

func toString(a Array, q Queue) string {
	var data interface{}
	if a.Dtype() == Int32 {
		data = make([]int32, a.Size())
	} else {
		data = make([]float32, a.Size())
	}
	q.Call(Read(a, data)).Finish()
	return format(a.Dims(), data, 0, "") + "\n"
}

func format(dims []int, data interface{}, at int, indent string) string {
	if len(dims) == 0 {
		return formatValue(data, at)
	}
	stride := Prod(dims[1:])
	items := []string{}
	for i := 0; i < dims[0]; i++ {
		if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
			items = append(items, "...")
			i = dims[0] - PrintEdgeitems - 1
			continue
		}
		items = append(items, format(dims[1:], data, at+i*stride, indent+" "))
	}
	if len(dims) == 1 {
		return "[" + strings.Join(items, " ") + "]"
	}
	return "[" + strings.Join(items, "\n"+indent+" ") + "]"
}

func formatValue(data interface{}, at int) string {
	switch d := data.(type) {
	case []int32:
		return fmt.Sprintf("%5d", d[at])
	case []float32:
		val := d[at]
		if abs(val) < 1 {
			val = float32(int(10000*val+0.5*sign(val))) / 10000
		}
		return fmt.Sprintf("%7.5g", val)
	}
	return "?"
}

func abs(x float32) float32 {
	if x >= 0 {
		return x
	}
	return -x
}

func sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Total size of one of more arrays in bytes
func Bytes(arr ...Array) (bytes int) {
	for _, a := range arr {
		if a != nil {
			bytes += 4 * a.Size()
		}
	}
	return bytes
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
