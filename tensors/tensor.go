// Package tensors implements the dense float32 tensor used throughout the
// training engine.
//
// It is deliberately small: a shape plus a flat data slice, with only the
// operations the batch pipeline, the step executor and the optimizers need.
// Shape mismatches are programming errors and panic with an exception, they
// are not returned as errors.
package tensors

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense float32 tensor. The zero value is not usable, create
// them with New, FromFlat, Zeros or Ones.
type Tensor struct {
	dims []int
	data []float32
}

// New creates a zero-initialized tensor with the given dimensions.
func New(dims ...int) *Tensor {
	size := checkDims(dims)
	return &Tensor{dims: append([]int{}, dims...), data: make([]float32, size)}
}

// FromFlat creates a tensor that takes ownership of data, which must have
// exactly the number of elements implied by dims.
func FromFlat(data []float32, dims ...int) *Tensor {
	size := checkDims(dims)
	if len(data) != size {
		exceptions.Panicf("tensors.FromFlat: data has %d elements, shape %v requires %d", len(data), dims, size)
	}
	return &Tensor{dims: append([]int{}, dims...), data: data}
}

// Ones creates a tensor with every element set to 1.
func Ones(dims ...int) *Tensor {
	t := New(dims...)
	for ii := range t.data {
		t.data[ii] = 1
	}
	return t
}

func checkDims(dims []int) int {
	if len(dims) == 0 {
		exceptions.Panicf("tensors: tensor must have at least one dimension")
	}
	size := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("tensors: invalid dimensions %v", dims)
		}
		size *= d
	}
	return size
}

// Dims returns the tensor dimensions. The returned slice is owned by the
// tensor, don't modify it.
func (t *Tensor) Dims() []int { return t.dims }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.dims[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat backing slice, in row-major order.
func (t *Tensor) Data() []float32 { return t.data }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.dims)
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for ii, d := range t.dims {
		if o.dims[ii] != d {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.dims...)
	copy(c.data, t.data)
	return c
}

// CopyFrom copies the contents of o into t. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) {
	if !t.SameShape(o) {
		exceptions.Panicf("tensors.CopyFrom: shape %v != %v", t.dims, o.dims)
	}
	copy(t.data, o.data)
}

// Equal reports whether t and o have the same shape and identical contents.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for ii, v := range t.data {
		if o.data[ii] != v {
			return false
		}
	}
	return true
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.flatIndex(indices)]
}

// Set assigns the element at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.dims) {
		exceptions.Panicf("tensors: %d indices for rank-%d tensor", len(indices), len(t.dims))
	}
	flat := 0
	for ii, idx := range indices {
		if idx < 0 || idx >= t.dims[ii] {
			exceptions.Panicf("tensors: index %d out of range for axis %d of shape %v", idx, ii, t.dims)
		}
		flat = flat*t.dims[ii] + idx
	}
	return flat
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for ii := range t.data {
		t.data[ii] = value
	}
}

// AddScalar adds value to every element, in place.
func (t *Tensor) AddScalar(value float32) {
	for ii := range t.data {
		t.data[ii] += value
	}
}

// MulScalar multiplies every element by value, in place.
func (t *Tensor) MulScalar(value float32) {
	for ii := range t.data {
		t.data[ii] *= value
	}
}

// Clip limits every element to the range [min, max], in place.
func (t *Tensor) Clip(min, max float32) {
	for ii, v := range t.data {
		if v < min {
			t.data[ii] = min
		} else if v > max {
			t.data[ii] = max
		}
	}
}

// Mul multiplies t element-wise by o, in place. Shapes must match.
func (t *Tensor) Mul(o *Tensor) {
	if !t.SameShape(o) {
		exceptions.Panicf("tensors.Mul: shape %v != %v", t.dims, o.dims)
	}
	for ii := range t.data {
		t.data[ii] *= o.data[ii]
	}
}

// SumSquares returns the sum of the squared elements as float64 to limit
// accumulation error.
func (t *Tensor) SumSquares() float64 {
	var total float64
	for _, v := range t.data {
		total += float64(v) * float64(v)
	}
	return total
}

// IsFinite reports whether every element is neither NaN nor Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Stack creates a new tensor with one extra leading axis, stacking the given
// tensors. All tensors must share the same shape.
func Stack(ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("tensors.Stack: no tensors to stack")
	}
	first := ts[0]
	for _, t := range ts[1:] {
		if !first.SameShape(t) {
			exceptions.Panicf("tensors.Stack: shape %v != %v", first.dims, t.dims)
		}
	}
	dims := append([]int{len(ts)}, first.dims...)
	out := New(dims...)
	stride := first.Size()
	for ii, t := range ts {
		copy(out.data[ii*stride:(ii+1)*stride], t.data)
	}
	return out
}

// HWCToCHW converts a rank-3 [H, W, C] tensor to [C, H, W].
func (t *Tensor) HWCToCHW() *Tensor {
	if t.Rank() != 3 {
		exceptions.Panicf("tensors.HWCToCHW: rank-%d tensor, want rank 3", t.Rank())
	}
	h, w, c := t.dims[0], t.dims[1], t.dims[2]
	out := New(c, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out.data[(ch*h+y)*w+x] = t.data[(y*w+x)*c+ch]
			}
		}
	}
	return out
}

// CHWToHWC converts a rank-3 [C, H, W] tensor to [H, W, C].
func (t *Tensor) CHWToHWC() *Tensor {
	if t.Rank() != 3 {
		exceptions.Panicf("tensors.CHWToHWC: rank-%d tensor, want rank 3", t.Rank())
	}
	c, h, w := t.dims[0], t.dims[1], t.dims[2]
	out := New(h, w, c)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.data[(y*w+x)*c+ch] = t.data[(ch*h+y)*w+x]
			}
		}
	}
	return out
}
