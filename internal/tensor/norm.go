package tensor

import "math"

// BatchNorm normalises x over dimension 1 with the given per-channel
// statistics: (x - mean) / sqrt(variance + eps) * gamma + beta. gamma and
// beta may be nil.
func BatchNorm(x, mean, variance, gamma, beta *Tensor, eps float64) *Tensor {
	if len(x.shape) < 2 {
		shapeErrorf("batch norm", "need rank >= 2, got %v", x.shape)
	}
	c := x.shape[1]
	for _, p := range []*Tensor{mean, variance, gamma, beta} {
		if p != nil && (len(p.shape) != 1 || p.shape[0] != c) {
			shapeErrorf("batch norm", "parameter shape %v does not match %d channels", p.shape, c)
		}
	}
	mul := make([]float32, c)
	add := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		inv := 1 / math.Sqrt(float64(variance.data[ch])+eps)
		g := 1.0
		if gamma != nil {
			g = float64(gamma.data[ch])
		}
		bt := 0.0
		if beta != nil {
			bt = float64(beta.data[ch])
		}
		mul[ch] = float32(inv * g)
		add[ch] = float32(bt - float64(mean.data[ch])*inv*g)
	}
	return ChannelAffine(x, mul, add)
}

// ChannelMoments returns the per-channel mean and biased variance of x
// over every dimension except 1.
func ChannelMoments(x *Tensor) (mean, variance *Tensor) {
	if len(x.shape) < 2 {
		shapeErrorf("channel moments", "need rank >= 2, got %v", x.shape)
	}
	c := x.shape[1]
	inner := prod(x.shape[2:])
	count := float64(len(x.data) / c)
	sums := make([]float64, c)
	sqs := make([]float64, c)
	for i, v := range x.data {
		ch := (i / inner) % c
		sums[ch] += float64(v)
		sqs[ch] += float64(v) * float64(v)
	}
	mean = New(c)
	variance = New(c)
	for ch := 0; ch < c; ch++ {
		m := sums[ch] / count
		mean.data[ch] = float32(m)
		variance.data[ch] = float32(math.Max(sqs[ch]/count-m*m, 0))
	}
	return mean, variance
}
