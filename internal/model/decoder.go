package model

import (
	"vos3d/internal/backbone"
	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

// DefaultMDim is the decoder's base channel width.
const DefaultMDim = 256

// PredChannels is the number of logits per voxel (background, foreground).
const PredChannels = 2

// DecoderConfig sizes a Decoder.
type DecoderConfig struct {
	Channels backbone.Channels
	// ExtraR5 widens the global-context input, e.g. by one concatenated
	// guidance channel.
	ExtraR5 int
	MDim    int
	Inter   InterBlockFactory
	Refine  RefineBlockFactory
}

// Decoder is the pyramid decoder.
type Decoder struct {
	gc     InterBlock
	convG1 *nn.Conv3d
	convG2 *nn.Conv3d
	rf4    RefineBlock
	rf3    RefineBlock
	rf2    RefineBlock
	pred5  *nn.Conv3d
	pred4  *nn.Conv3d
	pred3  *nn.Conv3d
	pred2  *nn.Conv3d
}

// NewDecoder registers a Decoder under p.
func NewDecoder(p *nn.Path, cfg DecoderConfig) *Decoder {
	if cfg.MDim <= 0 {
		cfg.MDim = DefaultMDim
	}
	if cfg.Inter == nil {
		cfg.Inter = NewGC3d
	}
	if cfg.Refine == nil {
		cfg.Refine = NewRefine3d
	}
	m := cfg.MDim
	return &Decoder{
		gc:     cfg.Inter(p.Sub("GC"), cfg.Channels.R5+cfg.ExtraR5, m),
		convG1: conv3x3(p.Sub("convG1"), m, m),
		convG2: conv3x3(p.Sub("convG2"), m, m),
		rf4:    cfg.Refine(p.Sub("RF4"), cfg.Channels.R4, m),
		rf3:    cfg.Refine(p.Sub("RF3"), cfg.Channels.R3, m),
		rf2:    cfg.Refine(p.Sub("RF2"), cfg.Channels.R2, m),
		pred5:  conv3x3(p.Sub("pred5"), m, PredChannels),
		pred4:  conv3x3(p.Sub("pred4"), m, PredChannels),
		pred3:  conv3x3(p.Sub("pred3"), m, PredChannels),
		pred2:  conv3x3(p.Sub("pred2"), m, PredChannels),
	}
}

// Forward decodes the pyramid into the full-resolution prediction p and
// the per-level predictions p2..p5. support is reserved and ignored.
func (d *Decoder) Forward(r5, r4, r3, r2, support *tensor.Tensor) (p, p2, p3, p4, p5 *tensor.Tensor) {
	x := d.gc.Forward(r5)
	r := d.convG1.Forward(tensor.ReLU(x))
	r = d.convG2.Forward(tensor.ReLU(r))
	m5 := tensor.Add(x, r)
	m4 := d.rf4.Forward(r4, m5)
	m3 := d.rf3.Forward(r3, m4)
	m2 := d.rf2.Forward(r2, m3)

	p2 = d.pred2.Forward(tensor.ReLU(m2))
	p3 = d.pred3.Forward(tensor.ReLU(m3))
	p4 = d.pred4.Forward(tensor.ReLU(m4))
	p5 = d.pred5.Forward(tensor.ReLU(m5))

	p = tensor.UpsampleTrilinear(p2, p2.Dim(2), 4*p2.Dim(3), 4*p2.Dim(4))
	return p, p2, p3, p4, p5
}
