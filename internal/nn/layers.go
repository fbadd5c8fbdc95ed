package nn

import (
	"math"

	"vos3d/internal/tensor"
)

// Conv3dConfig holds the optional settings of a Conv3d layer.
type Conv3dConfig struct {
	Stride  [3]int
	Padding [3]int
	Bias    bool
}

// Conv3d is a 3D convolution layer.
type Conv3d struct {
	Weight *Parameter
	Bias   *Parameter
	Config Conv3dConfig
}

// NewConv3d registers a Conv3d under p with kaiming-normal (fan_out)
// weights and zero bias.
func NewConv3d(p *Path, in, out int, kernel [3]int, cfg Conv3dConfig) *Conv3d {
	for i := range cfg.Stride {
		if cfg.Stride[i] == 0 {
			cfg.Stride[i] = 1
		}
	}
	w := tensor.New(out, in, kernel[0], kernel[1], kernel[2])
	kaimingNormal(p.store, w, out*kernel[0]*kernel[1]*kernel[2])
	c := &Conv3d{
		Weight: p.NewParameter("weight", w, GroupWeight),
		Config: cfg,
	}
	if cfg.Bias {
		c.Bias = p.NewParameter("bias", tensor.New(out), GroupWeight)
	}
	return c
}

// Forward applies the convolution.
func (c *Conv3d) Forward(x *tensor.Tensor) *tensor.Tensor {
	var b *tensor.Tensor
	if c.Bias != nil {
		b = c.Bias.Value
	}
	return tensor.Conv3d(x, c.Weight.Value, b, c.Config.Stride, c.Config.Padding)
}

// Conv2dConfig holds the optional settings of a Conv2d layer.
type Conv2dConfig struct {
	Stride  [2]int
	Padding [2]int
	Bias    bool
}

// Conv2d is a 2D convolution layer.
type Conv2d struct {
	Weight *Parameter
	Bias   *Parameter
	Config Conv2dConfig
}

// NewConv2d registers a Conv2d under p.
func NewConv2d(p *Path, in, out int, kernel [2]int, cfg Conv2dConfig) *Conv2d {
	for i := range cfg.Stride {
		if cfg.Stride[i] == 0 {
			cfg.Stride[i] = 1
		}
	}
	w := tensor.New(out, in, kernel[0], kernel[1])
	kaimingNormal(p.store, w, out*kernel[0]*kernel[1])
	c := &Conv2d{
		Weight: p.NewParameter("weight", w, GroupWeight),
		Config: cfg,
	}
	if cfg.Bias {
		c.Bias = p.NewParameter("bias", tensor.New(out), GroupWeight)
	}
	return c
}

// Forward applies the convolution.
func (c *Conv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	var b *tensor.Tensor
	if c.Bias != nil {
		b = c.Bias.Value
	}
	return tensor.Conv2d(x, c.Weight.Value, b, c.Config.Stride, c.Config.Padding)
}

// BatchNorm normalises over the channel dimension of 5-D input.
type BatchNorm struct {
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float64
	Momentum    float32
}

// NewBatchNorm3d registers a batch norm over (N,C,D,H,W) input.
func NewBatchNorm3d(p *Path, channels int) *BatchNorm {
	return &BatchNorm{
		Weight:      p.NewParameter("weight", tensor.Full(1, channels), GroupNorm),
		Bias:        p.NewParameter("bias", tensor.New(channels), GroupNorm),
		RunningMean: p.NewBuffer("running_mean", tensor.New(channels)),
		RunningVar:  p.NewBuffer("running_var", tensor.Full(1, channels)),
		Eps:         1e-5,
		Momentum:    0.1,
	}
}

// ForwardT normalises x. In training mode batch statistics are used and
// the running statistics are updated; otherwise the running statistics
// are used.
func (bn *BatchNorm) ForwardT(x *tensor.Tensor, train bool) *tensor.Tensor {
	if x.Dims() != 5 {
		panic(&tensor.ShapeError{Op: "batch norm", Msg: "unexpected input rank for " + x.String()})
	}
	if !train {
		return tensor.BatchNorm(x, bn.RunningMean, bn.RunningVar, bn.Weight.Value, bn.Bias.Value, bn.Eps)
	}
	mean, variance := tensor.ChannelMoments(x)
	count := float32(x.Size() / x.Dim(1))
	unbiased := float32(1)
	if count > 1 {
		unbiased = count / (count - 1)
	}
	rm, rv := bn.RunningMean.Data(), bn.RunningVar.Data()
	for i := range rm {
		rm[i] = (1-bn.Momentum)*rm[i] + bn.Momentum*mean.Data()[i]
		rv[i] = (1-bn.Momentum)*rv[i] + bn.Momentum*variance.Data()[i]*unbiased
	}
	return tensor.BatchNorm(x, mean, variance, bn.Weight.Value, bn.Bias.Value, bn.Eps)
}

// MaxPool3d is a parameter-free pooling layer.
type MaxPool3d struct {
	Kernel  [3]int
	Stride  [3]int
	Padding [3]int
}

// Forward applies the pooling.
func (m MaxPool3d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.MaxPool3d(x, m.Kernel, m.Stride, m.Padding)
}

func kaimingNormal(s *Store, w *tensor.Tensor, fanOut int) {
	std := math.Sqrt(2.0 / float64(fanOut))
	data := w.Data()
	for i := range data {
		data[i] = float32(s.rng.NormFloat64() * std)
	}
}
