package model

import (
	"vos3d/internal/backbone"
	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

// Per-channel pixel statistics of the backbone's pretraining data, in
// 0-255 units.
var (
	PixelMean = [3]float32{114.7748, 107.7354, 99.4750}
	PixelStd  = [3]float32{1, 1, 1}
)

// Encoder wraps the backbone and fuses an optional single-channel
// guidance signal into the stem.
type Encoder struct {
	ResNet  *backbone.ResNet3d
	Conv1P  *nn.Conv3d
	MaxPool nn.MaxPool3d

	path *nn.Path
	mean *tensor.Tensor
	std  *tensor.Tensor
}

// NewEncoder registers an Encoder under p.
func NewEncoder(p *nn.Path, cfg backbone.Config) (*Encoder, error) {
	resnet, err := backbone.New(p.Sub("resnet"), cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		ResNet: resnet,
		Conv1P: nn.NewConv3d(p.Sub("conv1_p"), 1, cfg.BaseWidth, [3]int{7, 7, 7}, nn.Conv3dConfig{
			Stride:  [3]int{1, 2, 2},
			Padding: [3]int{3, 3, 3},
		}),
		MaxPool: nn.MaxPool3d{
			Kernel:  [3]int{1, 3, 3},
			Stride:  [3]int{1, 2, 2},
			Padding: [3]int{0, 1, 1},
		},
		path: p,
		mean: p.NewBuffer("mean", tensor.FromData(append([]float32(nil), PixelMean[:]...), 3)),
		std:  p.NewBuffer("std", tensor.FromData(append([]float32(nil), PixelStd[:]...), 3)),
	}, nil
}

// FreezeBatchNorm stops gradient updates for every normalisation
// parameter of the encoder. The layers still run in the forward pass.
func (e *Encoder) FreezeBatchNorm() int {
	return e.path.Freeze(nn.GroupNorm)
}

// ForwardT returns r5, r4, r3, r2 at strides 1/32, 1/16, 1/8 and 1/4.
// Either f or guidance may be nil, but not both.
func (e *Encoder) ForwardT(f, guidance *tensor.Tensor, train bool) (r5, r4, r3, r2 *tensor.Tensor, err error) {
	if f == nil && guidance == nil {
		return nil, nil, nil, nil, ErrNoInput
	}

	var x *tensor.Tensor
	switch {
	case f == nil:
		x = e.Conv1P.Forward(guidanceVolume(guidance))
	case guidance != nil:
		x = tensor.Add(e.ResNet.Conv1.Forward(e.normalize(f)), e.Conv1P.Forward(guidanceVolume(guidance)))
	default:
		x = e.ResNet.Conv1.Forward(e.normalize(f))
	}
	x = tensor.ReLU(e.ResNet.BN1.ForwardT(x, train))
	x = e.MaxPool.Forward(x)
	r5, r4, r3, r2 = e.ResNet.Stages(x, train)
	return r5, r4, r3, r2, nil
}

// normalize computes ((f*255 - mean) / std) / 255 per channel.
func (e *Encoder) normalize(f *tensor.Tensor) *tensor.Tensor {
	mean, std := e.mean.Data(), e.std.Data()
	mul := make([]float32, len(mean))
	add := make([]float32, len(mean))
	for c := range mean {
		mul[c] = 1 / std[c]
		add[c] = -mean[c] / std[c] / 255
	}
	return tensor.ChannelAffine(f, mul, add)
}

// guidanceVolume inserts the channel axis when it is missing and a time
// axis when the guidance is a single frame.
func guidanceVolume(g *tensor.Tensor) *tensor.Tensor {
	if g.Dims() < 4 {
		g = g.Unsqueeze(1)
	}
	if g.Dims() == 4 {
		g = g.Unsqueeze(2)
	}
	return g
}
