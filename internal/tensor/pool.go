package tensor

import "math"

// MaxPool3d applies max pooling over the last three dimensions of a 5-D
// tensor. Padded positions never win.
func MaxPool3d(x *Tensor, kernel, stride, pad [3]int) *Tensor {
	if len(x.shape) != 5 {
		shapeErrorf("max pool3d", "want 5-D input, got %v", x.shape)
	}
	n, c, d, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3], x.shape[4]
	for i := range kernel {
		if kernel[i] <= 0 || stride[i] <= 0 || pad[i] < 0 || 2*pad[i] > kernel[i] {
			shapeErrorf("max pool3d", "invalid kernel %v stride %v padding %v", kernel, stride, pad)
		}
	}
	if d+2*pad[0] < kernel[0] || h+2*pad[1] < kernel[1] || wd+2*pad[2] < kernel[2] {
		shapeErrorf("max pool3d", "kernel %v larger than padded input %v", kernel, x.shape[2:])
	}
	od := (d+2*pad[0]-kernel[0])/stride[0] + 1
	oh := (h+2*pad[1]-kernel[1])/stride[1] + 1
	ow := (wd+2*pad[2]-kernel[2])/stride[2] + 1

	out := New(n, c, od, oh, ow)
	inVol := d * h * wd
	outVol := od * oh * ow
	parallelFor(n*c, func(job int) {
		src := x.data[job*inVol : (job+1)*inVol]
		dst := out.data[job*outVol : (job+1)*outVol]
		for oz := 0; oz < od; oz++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := float32(math.Inf(-1))
					for kz := 0; kz < kernel[0]; kz++ {
						iz := oz*stride[0] - pad[0] + kz
						if iz < 0 || iz >= d {
							continue
						}
						for ky := 0; ky < kernel[1]; ky++ {
							iy := oy*stride[1] - pad[1] + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kernel[2]; kx++ {
								ix := ox*stride[2] - pad[2] + kx
								if ix < 0 || ix >= wd {
									continue
								}
								if v := src[(iz*h+iy)*wd+ix]; v > best {
									best = v
								}
							}
						}
					}
					dst[(oz*oh+oy)*ow+ox] = best
				}
			}
		}
	})
	return out
}
