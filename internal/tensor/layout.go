package tensor

// Permute returns a copy with dimensions reordered so that output
// dimension i is input dimension order[i].
func Permute(t *Tensor, order ...int) *Tensor {
	if len(order) != len(t.shape) {
		shapeErrorf("permute", "order %v does not match rank %d", order, len(t.shape))
	}
	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			shapeErrorf("permute", "invalid order %v", order)
		}
		seen[o] = true
		shape[i] = t.shape[o]
	}
	inStrides := strides(t.shape)
	src := make([]int, len(order))
	for i, o := range order {
		src[i] = inStrides[o]
	}
	out := New(shape...)
	idx := make([]int, len(shape))
	for flat := range out.data {
		off := 0
		for i, v := range idx {
			off += v * src[i]
		}
		out.data[flat] = t.data[off]
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

// Narrow returns a copy of length elements of dim starting at start.
func Narrow(t *Tensor, dim, start, length int) *Tensor {
	dim = t.axis("narrow", dim)
	if start < 0 || length <= 0 || start+length > t.shape[dim] {
		shapeErrorf("narrow", "range [%d,%d) out of bounds for dim %d of size %d",
			start, start+length, dim, t.shape[dim])
	}
	outer := prod(t.shape[:dim])
	inner := prod(t.shape[dim+1:])
	shape := cloneInts(t.shape)
	shape[dim] = length
	out := New(shape...)
	span := length * inner
	for o := 0; o < outer; o++ {
		src := t.data[(o*t.shape[dim]+start)*inner:]
		copy(out.data[o*span:(o+1)*span], src[:span])
	}
	return out
}

// Select returns a copy of t indexed at index along dim, with dim
// removed. Negative index counts from the end.
func Select(t *Tensor, dim, index int) *Tensor {
	dim = t.axis("select", dim)
	if index < 0 {
		index += t.shape[dim]
	}
	if index < 0 || index >= t.shape[dim] {
		shapeErrorf("select", "index %d out of bounds for dim %d of size %d", index, dim, t.shape[dim])
	}
	n := Narrow(t, dim, index, 1)
	if len(n.shape) == 1 {
		return n
	}
	return n.Squeeze(dim)
}

// Cat concatenates tensors along dim. All other dimensions must match.
func Cat(dim int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		shapeErrorf("cat", "no tensors")
	}
	first := ts[0]
	dim = first.axis("cat", dim)
	shape := cloneInts(first.shape)
	shape[dim] = 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			shapeErrorf("cat", "rank mismatch %v vs %v", first.shape, t.shape)
		}
		for i := range t.shape {
			if i != dim && t.shape[i] != first.shape[i] {
				shapeErrorf("cat", "shape mismatch %v vs %v at dim %d", first.shape, t.shape, i)
			}
		}
		shape[dim] += t.shape[dim]
	}
	outer := prod(first.shape[:dim])
	inner := prod(first.shape[dim+1:])
	out := New(shape...)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			span := t.shape[dim] * inner
			copy(out.data[pos:pos+span], t.data[o*span:(o+1)*span])
			pos += span
		}
	}
	return out
}

// Repeat tiles t times along dim, matching torch.Tensor.repeat for a
// single dimension.
func Repeat(t *Tensor, dim, times int) *Tensor {
	dim = t.axis("repeat", dim)
	if times <= 0 {
		shapeErrorf("repeat", "times must be positive, got %d", times)
	}
	outer := prod(t.shape[:dim])
	span := prod(t.shape[dim:])
	shape := cloneInts(t.shape)
	shape[dim] *= times
	out := New(shape...)
	pos := 0
	for o := 0; o < outer; o++ {
		chunk := t.data[o*span : (o+1)*span]
		for r := 0; r < times; r++ {
			copy(out.data[pos:pos+span], chunk)
			pos += span
		}
	}
	return out
}
