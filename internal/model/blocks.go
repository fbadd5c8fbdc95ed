package model

import (
	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

// InterBlock transforms the coarsest feature map before the refinement
// cascade.
type InterBlock interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
}

// RefineBlock merges a finer raw feature map f with the coarser decoder
// state pm and returns a state at f's resolution.
type RefineBlock interface {
	Forward(f, pm *tensor.Tensor) *tensor.Tensor
}

// InterBlockFactory builds an InterBlock mapping in channels to out.
type InterBlockFactory func(p *nn.Path, in, out int) InterBlock

// RefineBlockFactory builds a RefineBlock mapping in channels to out.
type RefineBlockFactory func(p *nn.Path, in, out int) RefineBlock

// GC3d is the global-context block: two separable large-kernel branches
// (7x1 then 1x7, and 1x7 then 7x1 in the spatial plane) summed.
type GC3d struct {
	convL1, convL2 *nn.Conv3d
	convR1, convR2 *nn.Conv3d
}

const gcKernel = 7

// NewGC3d registers a GC3d block under p.
func NewGC3d(p *nn.Path, in, out int) InterBlock {
	tall := [3]int{1, gcKernel, 1}
	wide := [3]int{1, 1, gcKernel}
	tallCfg := nn.Conv3dConfig{Padding: [3]int{0, gcKernel / 2, 0}, Bias: true}
	wideCfg := nn.Conv3dConfig{Padding: [3]int{0, 0, gcKernel / 2}, Bias: true}
	return &GC3d{
		convL1: nn.NewConv3d(p.Sub("conv_l1"), in, out, tall, tallCfg),
		convL2: nn.NewConv3d(p.Sub("conv_l2"), out, out, wide, wideCfg),
		convR1: nn.NewConv3d(p.Sub("conv_r1"), in, out, wide, wideCfg),
		convR2: nn.NewConv3d(p.Sub("conv_r2"), out, out, tall, tallCfg),
	}
}

func (g *GC3d) Forward(x *tensor.Tensor) *tensor.Tensor {
	left := g.convL2.Forward(g.convL1.Forward(x))
	right := g.convR2.Forward(g.convR1.Forward(x))
	return tensor.Add(left, right)
}

// Conv3dBlock is a plain 3x3x3 projection used in place of GC3d.
type Conv3dBlock struct {
	conv *nn.Conv3d
}

// NewConv3dBlock registers a Conv3dBlock under p.
func NewConv3dBlock(p *nn.Path, in, out int) InterBlock {
	return &Conv3dBlock{
		conv: nn.NewConv3d(p.Sub("conv"), in, out, [3]int{3, 3, 3}, nn.Conv3dConfig{
			Padding: [3]int{1, 1, 1},
			Bias:    true,
		}),
	}
}

func (c *Conv3dBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	return c.conv.Forward(x)
}

// Refine3d fuses a skip connection with the upsampled coarser state.
type Refine3d struct {
	convFS1, convFS2, convFS3 *nn.Conv3d
	convMM1, convMM2          *nn.Conv3d
}

// NewRefine3d registers a Refine3d block under p.
func NewRefine3d(p *nn.Path, in, out int) RefineBlock {
	return &Refine3d{
		convFS1: conv3x3(p.Sub("convFS1"), in, out),
		convFS2: conv3x3(p.Sub("convFS2"), out, out),
		convFS3: conv3x3(p.Sub("convFS3"), out, out),
		convMM1: conv3x3(p.Sub("convMM1"), out, out),
		convMM2: conv3x3(p.Sub("convMM2"), out, out),
	}
}

func (r *Refine3d) Forward(f, pm *tensor.Tensor) *tensor.Tensor {
	s := r.convFS1.Forward(f)
	sr := r.convFS2.Forward(tensor.ReLU(s))
	sr = r.convFS3.Forward(tensor.ReLU(sr))
	s = tensor.Add(s, sr)

	up := tensor.UpsampleTrilinear(pm, s.Dim(2), s.Dim(3), s.Dim(4))
	m := tensor.Add(s, up)
	mr := r.convMM1.Forward(tensor.ReLU(m))
	mr = r.convMM2.Forward(tensor.ReLU(mr))
	return tensor.Add(m, mr)
}

func conv3x3(p *nn.Path, in, out int) *nn.Conv3d {
	return nn.NewConv3d(p, in, out, [3]int{3, 3, 3}, nn.Conv3dConfig{
		Padding: [3]int{1, 1, 1},
		Bias:    true,
	})
}
