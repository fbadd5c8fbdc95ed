package tensor

import (
	"fmt"
)

// ShapeError reports operands whose shapes an operator cannot accept.
// Operators panic with a *ShapeError; callers at a module boundary may
// recover it into an ordinary error.
type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string {
	return "tensor: " + e.Op + ": " + e.Msg
}

func shapeErrorf(op, format string, args ...any) {
	panic(&ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// Tensor is a dense float32 array stored in row-major order.
//
// Tensor is not safe for concurrent mutation.
type Tensor struct {
	shape []int
	data  []float32
}

// New returns a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel("new", shape)
	return &Tensor{shape: cloneInts(shape), data: make([]float32, n)}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) *Tensor {
	n := numel("from data", shape)
	if n != len(data) {
		shapeErrorf("from data", "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{shape: cloneInts(shape), data: data}
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Scalar returns a one-element tensor of shape [1].
func Scalar(v float32) *Tensor {
	return &Tensor{shape: []int{1}, data: []float32{v}}
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return cloneInts(t.shape)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	return t.shape[t.axis("dim", i)]
}

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the backing slice.
func (t *Tensor) Data() []float32 {
	return t.data
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.offset(indices)]
}

// Set stores v at the given indices.
func (t *Tensor) Set(v float32, indices ...int) {
	t.data[t.offset(indices)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: cloneInts(t.shape), data: data}
}

// Reshape returns a view with a new shape sharing the same storage.
// A single -1 dimension is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = cloneInts(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				shapeErrorf("reshape", "more than one inferred dimension in %v", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			shapeErrorf("reshape", "cannot infer %v from %d elements", shape, len(t.data))
		}
		shape[infer] = len(t.data) / known
	}
	if numel("reshape", shape) != len(t.data) {
		shapeErrorf("reshape", "cannot view %v as %v", t.shape, shape)
	}
	return &Tensor{shape: shape, data: t.data}
}

// Unsqueeze returns a view with a size-1 dimension inserted at dim.
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	if dim < 0 {
		dim += len(t.shape) + 1
	}
	if dim < 0 || dim > len(t.shape) {
		shapeErrorf("unsqueeze", "dim %d out of range for rank %d", dim, len(t.shape))
	}
	shape := make([]int, 0, len(t.shape)+1)
	shape = append(shape, t.shape[:dim]...)
	shape = append(shape, 1)
	shape = append(shape, t.shape[dim:]...)
	return &Tensor{shape: shape, data: t.data}
}

// Squeeze returns a view with the size-1 dimension dim removed.
func (t *Tensor) Squeeze(dim int) *Tensor {
	dim = t.axis("squeeze", dim)
	if t.shape[dim] != 1 {
		shapeErrorf("squeeze", "dim %d has size %d", dim, t.shape[dim])
	}
	if len(t.shape) == 1 {
		return t
	}
	shape := make([]int, 0, len(t.shape)-1)
	shape = append(shape, t.shape[:dim]...)
	shape = append(shape, t.shape[dim+1:]...)
	return &Tensor{shape: shape, data: t.data}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

func (t *Tensor) axis(op string, dim int) int {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) {
		shapeErrorf(op, "dim %d out of range for shape %v", dim, t.shape)
	}
	return dim
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		shapeErrorf("index", "expected %d indices, got %d", len(t.shape), len(indices))
	}
	off := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if idx < 0 || idx >= t.shape[i] {
			shapeErrorf("index", "index %d out of bounds for dim %d of size %d", idx, i, t.shape[i])
		}
		off += idx * stride
		stride *= t.shape[i]
	}
	return off
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return equalInts(a.shape, b.shape)
}

func numel(op string, shape []int) int {
	if len(shape) == 0 {
		shapeErrorf(op, "shape cannot be empty")
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			shapeErrorf(op, "shape[%d] must be positive, got %d", i, d)
		}
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func prod(xs []int) int {
	p := 1
	for _, x := range xs {
		p *= x
	}
	return p
}

func cloneInts(xs []int) []int {
	out := make([]int, len(xs))
	copy(out, xs)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
