package model

import (
	"vos3d/internal/backbone"
	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

// Resnet3d is the full multi-scale model: encoder plus pyramid decoder.
type Resnet3d struct {
	base
	Encoder *Encoder
	Decoder *Decoder
}

// NewResnet3d builds the full multi-scale model.
func NewResnet3d(env Env, params Params) (Model, error) {
	env = env.withDefaults()
	store := nn.NewStore(env.Seed)
	root := store.Root()
	enc, err := NewEncoder(root.Sub("encoder"), env.Backbone)
	if err != nil {
		return nil, err
	}
	dcfg := DecoderConfig{
		Channels: env.Backbone.OutChannels(),
		MDim:     env.MDim,
	}
	if params.InterBlock != nil {
		dcfg.Inter = params.InterBlock.Inter
	}
	if params.RefineBlock != nil {
		dcfg.Refine = params.RefineBlock.Refine
	}
	return &Resnet3d{
		base:    base{name: "Resnet3d", kind: KindResnet3d, store: store, enc: enc, tw: params.twOr(env)},
		Encoder: enc,
		Decoder: NewDecoder(root.Sub("decoder"), dcfg),
	}, nil
}

func (m *Resnet3d) ForwardT(x, guidance *tensor.Tensor, train bool) (out Output, err error) {
	defer recoverShape(m.name, &err)
	if guidance != nil && guidance.Dims() == 4 {
		guidance = guidance.Unsqueeze(2)
	}
	r5, r4, r3, r2, err := m.Encoder.ForwardT(x, guidance, train)
	if err != nil {
		return Output{}, err
	}
	p, p2, p3, p4, p5 := m.Decoder.Forward(r5, r4, r3, r2, nil)
	return Output{Pred: p, Aux: [4]*tensor.Tensor{p2, p3, p4, p5}, Bottleneck: r5}, nil
}

// Resnet3dPredictOne predicts the last frame directly from the coarsest
// feature map with 2D convolutions.
type Resnet3dPredictOne struct {
	base
	Encoder *Encoder
	convG1  *nn.Conv2d
	convG2  *nn.Conv2d
	pred    *nn.Conv2d
}

// NewResnet3dPredictOne builds the single-scale model. Its encoder uses
// the backbone's native pooling.
func NewResnet3dPredictOne(env Env, params Params) (Model, error) {
	env = env.withDefaults()
	store := nn.NewStore(env.Seed)
	root := store.Root()
	enc, err := NewEncoder(root.Sub("encoder"), env.Backbone)
	if err != nil {
		return nil, err
	}
	enc.MaxPool = backbone.NativeMaxPool()

	c5 := env.Backbone.OutChannels().R5
	cfg := nn.Conv2dConfig{Padding: [2]int{1, 1}, Bias: true}
	k := [2]int{3, 3}
	return &Resnet3dPredictOne{
		base:    base{name: "Resnet3dPredictOne", kind: KindResnet3dPredictOne, store: store, enc: enc, tw: params.twOr(env)},
		Encoder: enc,
		convG1:  nn.NewConv2d(root.Sub("convG1"), c5, c5/4, k, cfg),
		convG2:  nn.NewConv2d(root.Sub("convG2"), c5/4, c5/8, k, cfg),
		pred:    nn.NewConv2d(root.Sub("pred"), c5/8, PredChannels, k, cfg),
	}, nil
}

func (m *Resnet3dPredictOne) ForwardT(x, guidance *tensor.Tensor, train bool) (out Output, err error) {
	defer recoverShape(m.name, &err)
	r5, _, _, _, err := m.Encoder.ForwardT(x, guidance, train)
	if err != nil {
		return Output{}, err
	}
	p := m.convG1.Forward(tensor.ReLU(tensor.Select(r5, 2, -1)))
	p = m.convG2.Forward(tensor.ReLU(p))
	p = m.pred.Forward(p)
	return Output{Pred: p, Bottleneck: r5}, nil
}

// Resnet3dMaskGuidance concatenates a required guidance mask to the
// coarsest feature map before decoding.
type Resnet3dMaskGuidance struct {
	base
	Encoder *Encoder
	Decoder *Decoder
}

// NewResnet3dMaskGuidance builds the mask-guided model.
func NewResnet3dMaskGuidance(env Env, params Params) (Model, error) {
	env = env.withDefaults()
	store := nn.NewStore(env.Seed)
	root := store.Root()
	enc, err := NewEncoder(root.Sub("encoder"), env.Backbone)
	if err != nil {
		return nil, err
	}
	return &Resnet3dMaskGuidance{
		base:    base{name: "Resnet3dMaskGuidance", kind: KindResnet3dMaskGuidance, store: store, enc: enc, tw: params.twOr(env)},
		Encoder: enc,
		Decoder: NewDecoder(root.Sub("decoder"), DecoderConfig{
			Channels: env.Backbone.OutChannels(),
			ExtraR5:  1,
			MDim:     env.MDim,
		}),
	}, nil
}

// ForwardT expects guidance shaped (N,C,H,W) where C matches the temporal
// length of the coarsest feature map.
func (m *Resnet3dMaskGuidance) ForwardT(x, guidance *tensor.Tensor, train bool) (out Output, err error) {
	if guidance == nil {
		return Output{}, ErrGuidanceRequired
	}
	defer recoverShape(m.name, &err)
	r5, r4, r3, r2, err := m.Encoder.ForwardT(x, nil, train)
	if err != nil {
		return Output{}, err
	}
	ref := tensor.UpsampleNearest2d(guidance, r5.Dim(3), r5.Dim(4))
	r5 = tensor.Cat(1, r5, ref.Unsqueeze(1))
	p, p2, p3, p4, p5 := m.Decoder.Forward(r5, r4, r3, r2, nil)
	return Output{Pred: p, Aux: [4]*tensor.Tensor{p2, p3, p4, p5}, Bottleneck: r5}, nil
}
