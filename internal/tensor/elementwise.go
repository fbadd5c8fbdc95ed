package tensor

// Add returns a + b. Operands must have equal rank; a dimension of size 1
// broadcasts against any size.
func Add(a, b *Tensor) *Tensor {
	return broadcast("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub returns a - b with the same broadcasting rules as Add.
func Sub(a, b *Tensor) *Tensor {
	return broadcast("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul returns the elementwise product with the same broadcasting rules as Add.
func Mul(a, b *Tensor) *Tensor {
	return broadcast("mul", a, b, func(x, y float32) float32 { return x * y })
}

// AddInPlace accumulates b into a. Shapes must match exactly.
func AddInPlace(a, b *Tensor) {
	if !SameShape(a, b) {
		shapeErrorf("add in place", "%v vs %v", a.shape, b.shape)
	}
	for i, v := range b.data {
		a.data[i] += v
	}
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) *Tensor {
	out := New(t.shape...)
	for i, v := range t.data {
		out.data[i] = v * s
	}
	return out
}

// ReLU returns max(t, 0).
func ReLU(t *Tensor) *Tensor {
	out := New(t.shape...)
	for i, v := range t.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	return out
}

// Greater returns a 0/1 mask of t > v.
func Greater(t *Tensor, v float32) *Tensor {
	out := New(t.shape...)
	for i, x := range t.data {
		if x > v {
			out.data[i] = 1
		}
	}
	return out
}

// ChannelAffine returns t*mul[c] + add[c] where c indexes dimension 1.
func ChannelAffine(t *Tensor, mul, add []float32) *Tensor {
	if len(t.shape) < 2 {
		shapeErrorf("channel affine", "need rank >= 2, got %v", t.shape)
	}
	c := t.shape[1]
	if len(mul) != c || len(add) != c {
		shapeErrorf("channel affine", "%d channels, got %d scales and %d shifts", c, len(mul), len(add))
	}
	inner := prod(t.shape[2:])
	out := New(t.shape...)
	for i := range t.data {
		ch := (i / inner) % c
		out.data[i] = t.data[i]*mul[ch] + add[ch]
	}
	return out
}

// Sum returns the sum of all elements accumulated in float64.
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}

// Mean returns the mean of all elements.
func Mean(t *Tensor) float64 {
	return Sum(t) / float64(len(t.data))
}

// Argmax returns the index of the maximum along dim, with dim removed.
// Ties resolve to the first index.
func Argmax(t *Tensor, dim int) *Tensor {
	dim = t.axis("argmax", dim)
	outer := prod(t.shape[:dim])
	n := t.shape[dim]
	inner := prod(t.shape[dim+1:])
	shape := make([]int, 0, len(t.shape))
	shape = append(shape, t.shape[:dim]...)
	shape = append(shape, t.shape[dim+1:]...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	out := New(shape...)
	for o := 0; o < outer; o++ {
		base := o * n * inner
		for i := 0; i < inner; i++ {
			best := t.data[base+i]
			arg := 0
			for k := 1; k < n; k++ {
				v := t.data[base+k*inner+i]
				if v > best {
					best = v
					arg = k
				}
			}
			out.data[o*inner+i] = float32(arg)
		}
	}
	return out
}

func broadcast(op string, a, b *Tensor, f func(x, y float32) float32) *Tensor {
	if equalInts(a.shape, b.shape) {
		out := New(a.shape...)
		for i := range out.data {
			out.data[i] = f(a.data[i], b.data[i])
		}
		return out
	}
	if len(a.shape) != len(b.shape) {
		shapeErrorf(op, "rank mismatch %v vs %v", a.shape, b.shape)
	}
	shape := make([]int, len(a.shape))
	for i := range shape {
		switch {
		case a.shape[i] == b.shape[i]:
			shape[i] = a.shape[i]
		case a.shape[i] == 1:
			shape[i] = b.shape[i]
		case b.shape[i] == 1:
			shape[i] = a.shape[i]
		default:
			shapeErrorf(op, "cannot broadcast %v with %v", a.shape, b.shape)
		}
	}
	as := broadcastStrides(a.shape)
	bs := broadcastStrides(b.shape)
	out := New(shape...)
	idx := make([]int, len(shape))
	for flat := range out.data {
		ao, bo := 0, 0
		for i, v := range idx {
			ao += v * as[i]
			bo += v * bs[i]
		}
		out.data[flat] = f(a.data[ao], b.data[bo])
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// broadcastStrides zeroes the stride of size-1 dimensions.
func broadcastStrides(shape []int) []int {
	s := strides(shape)
	for i, d := range shape {
		if d == 1 {
			s[i] = 0
		}
	}
	return s
}
