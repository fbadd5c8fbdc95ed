package tensor

// Conv3d computes a 3D cross-correlation of x (N,C,D,H,W) with weights
// w (O,C,kD,kH,kW) plus an optional bias b (O).
func Conv3d(x, w, b *Tensor, stride, pad [3]int) *Tensor {
	if len(x.shape) != 5 || len(w.shape) != 5 {
		shapeErrorf("conv3d", "want 5-D input and weight, got %v and %v", x.shape, w.shape)
	}
	n, c, d, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3], x.shape[4]
	o, kc, kd, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3], w.shape[4]
	if kc != c {
		shapeErrorf("conv3d", "input has %d channels, weight expects %d", c, kc)
	}
	if b != nil && (len(b.shape) != 1 || b.shape[0] != o) {
		shapeErrorf("conv3d", "bias shape %v does not match %d output channels", b.shape, o)
	}
	for i, s := range stride {
		if s <= 0 || pad[i] < 0 {
			shapeErrorf("conv3d", "invalid stride %v or padding %v", stride, pad)
		}
	}
	od := (d+2*pad[0]-kd)/stride[0] + 1
	oh := (h+2*pad[1]-kh)/stride[1] + 1
	ow := (wd+2*pad[2]-kw)/stride[2] + 1
	if d+2*pad[0] < kd || h+2*pad[1] < kh || wd+2*pad[2] < kw {
		shapeErrorf("conv3d", "kernel %v larger than padded input %v", w.shape[2:], x.shape[2:])
	}

	out := New(n, o, od, oh, ow)
	inVol := d * h * wd
	outVol := od * oh * ow
	kVol := kd * kh * kw

	parallelFor(n*o, func(job int) {
		bi, oc := job/o, job%o
		dst := out.data[job*outVol : (job+1)*outVol]
		if b != nil {
			bv := b.data[oc]
			for i := range dst {
				dst[i] = bv
			}
		}
		for ic := 0; ic < c; ic++ {
			src := x.data[(bi*c+ic)*inVol : (bi*c+ic+1)*inVol]
			wBase := (oc*c + ic) * kVol
			for kz := 0; kz < kd; kz++ {
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						wv := w.data[wBase+(kz*kh+ky)*kw+kx]
						if wv == 0 {
							continue
						}
						for oz := 0; oz < od; oz++ {
							iz := oz*stride[0] - pad[0] + kz
							if iz < 0 || iz >= d {
								continue
							}
							for oy := 0; oy < oh; oy++ {
								iy := oy*stride[1] - pad[1] + ky
								if iy < 0 || iy >= h {
									continue
								}
								srow := src[(iz*h+iy)*wd : (iz*h+iy+1)*wd]
								drow := dst[(oz*oh+oy)*ow : (oz*oh+oy+1)*ow]
								for ox := range drow {
									ix := ox*stride[2] - pad[2] + kx
									if ix < 0 || ix >= wd {
										continue
									}
									drow[ox] += wv * srow[ix]
								}
							}
						}
					}
				}
			}
		}
	})
	return out
}

// Conv2d computes a 2D cross-correlation of x (N,C,H,W) with w (O,C,kH,kW).
func Conv2d(x, w, b *Tensor, stride, pad [2]int) *Tensor {
	if len(x.shape) != 4 || len(w.shape) != 4 {
		shapeErrorf("conv2d", "want 4-D input and weight, got %v and %v", x.shape, w.shape)
	}
	out := Conv3d(x.Unsqueeze(2), w.Unsqueeze(2), b,
		[3]int{1, stride[0], stride[1]},
		[3]int{0, pad[0], pad[1]})
	return out.Squeeze(2)
}
