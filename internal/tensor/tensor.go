package tensor

import "fmt"

// Tensor is a dense row-major float32 tensor.
//
// The data slice is flat; the last axis iterates fastest. Operations that
// change the element order (Transpose) allocate a new backing slice, while
// Reshape shares the existing one.
//
// Tensor does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Tensor struct {
	shape []int
	data  []float32
}

// New creates a tensor over existing data. The data length must match the
// product of the shape dims and every dim must be non-negative.
func New(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor: negative dim in shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v requires %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{shape: shape, data: data}, nil
}

// Shape returns the tensor's dims. The caller must not modify it.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Data returns the flat row-major values. The caller must not modify it.
func (t *Tensor) Data() []float32 { return t.data }

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int { return len(t.data) }

// Reshape returns a tensor with the same data and a new shape.
// The element count must be preserved.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return New(t.data, shape...)
}

// Transpose returns a new tensor with axes reordered so that output axis i
// is input axis perm[i]. The result owns freshly laid-out row-major data.
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.shape) {
		return nil, fmt.Errorf("tensor: permutation %v does not match rank %d", perm, len(t.shape))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("tensor: invalid permutation %v", perm)
		}
		seen[p] = true
	}

	outShape := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = t.shape[p]
	}
	inStrides := rowMajorStrides(t.shape)

	out := make([]float32, len(t.data))
	idx := make([]int, len(perm))
	for o := range out {
		off := 0
		for i, p := range perm {
			off += idx[i] * inStrides[p]
		}
		out[o] = t.data[off]

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return &Tensor{shape: outShape, data: out}, nil
}

// ScaleTrailing multiplies the tensor elementwise by a rank-1 vector
// broadcast over the trailing axis: out[..., c] = t[..., c] * scale[c].
func (t *Tensor) ScaleTrailing(scale []float32) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, fmt.Errorf("tensor: cannot broadcast over a rank-0 tensor")
	}
	last := t.shape[len(t.shape)-1]
	if len(scale) != last {
		return nil, fmt.Errorf("tensor: trailing axis is %d, scale vector has %d elements", last, len(scale))
	}
	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = v * scale[i%last]
	}
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return &Tensor{shape: shape, data: out}, nil
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}
