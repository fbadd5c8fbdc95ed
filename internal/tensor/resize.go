package tensor

// UpsampleTrilinear resizes the last three dimensions of a 5-D tensor to
// (d, h, w) with half-pixel source coordinates (align_corners=false).
func UpsampleTrilinear(x *Tensor, d, h, w int) *Tensor {
	if len(x.shape) != 5 {
		shapeErrorf("upsample trilinear", "want 5-D input, got %v", x.shape)
	}
	if d <= 0 || h <= 0 || w <= 0 {
		shapeErrorf("upsample trilinear", "invalid output size (%d,%d,%d)", d, h, w)
	}
	n, c, id, ih, iw := x.shape[0], x.shape[1], x.shape[2], x.shape[3], x.shape[4]
	zc := linearCoeffs(id, d)
	yc := linearCoeffs(ih, h)
	xc := linearCoeffs(iw, w)

	out := New(n, c, d, h, w)
	inVol := id * ih * iw
	outVol := d * h * w
	parallelFor(n*c, func(job int) {
		src := x.data[job*inVol : (job+1)*inVol]
		dst := out.data[job*outVol : (job+1)*outVol]
		for oz, zl := range zc {
			for oy, yl := range yc {
				for ox, xl := range xc {
					var v float32
					for _, zt := range zl.taps() {
						for _, yt := range yl.taps() {
							row := (zt.idx*ih + yt.idx) * iw
							wzy := zt.weight * yt.weight
							for _, xt := range xl.taps() {
								v += wzy * xt.weight * src[row+xt.idx]
							}
						}
					}
					dst[(oz*h+oy)*w+ox] = v
				}
			}
		}
	})
	return out
}

// UpsampleNearest2d resizes the last two dimensions of a 4-D tensor to
// (h, w) using floor(dst * in / out) source indices.
func UpsampleNearest2d(x *Tensor, h, w int) *Tensor {
	if len(x.shape) != 4 {
		shapeErrorf("upsample nearest2d", "want 4-D input, got %v", x.shape)
	}
	if h <= 0 || w <= 0 {
		shapeErrorf("upsample nearest2d", "invalid output size (%d,%d)", h, w)
	}
	n, c, ih, iw := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	ys := nearestIndices(ih, h)
	xs := nearestIndices(iw, w)
	out := New(n, c, h, w)
	for plane := 0; plane < n*c; plane++ {
		src := x.data[plane*ih*iw : (plane+1)*ih*iw]
		dst := out.data[plane*h*w : (plane+1)*h*w]
		for oy, sy := range ys {
			for ox, sx := range xs {
				dst[oy*w+ox] = src[sy*iw+sx]
			}
		}
	}
	return out
}

type tap struct {
	idx    int
	weight float32
}

type lerp struct {
	lo, hi int
	frac   float32
}

func (l lerp) taps() [2]tap {
	return [2]tap{{idx: l.lo, weight: 1 - l.frac}, {idx: l.hi, weight: l.frac}}
}

func linearCoeffs(in, out int) []lerp {
	coeffs := make([]lerp, out)
	scale := float64(in) / float64(out)
	for o := range coeffs {
		src := (float64(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		lo := int(src)
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo
		if lo < in-1 {
			hi = lo + 1
		}
		coeffs[o] = lerp{lo: lo, hi: hi, frac: float32(src - float64(lo))}
	}
	return coeffs
}

func nearestIndices(in, out int) []int {
	idx := make([]int, out)
	scale := float32(in) / float32(out)
	for o := range idx {
		s := int(float32(o) * scale)
		if s > in-1 {
			s = in - 1
		}
		idx[o] = s
	}
	return idx
}
