package backbone

import (
	"fmt"
	"strconv"
	"strings"

	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

// Expansion is the channel multiplier of a bottleneck block.
const Expansion = 4

// Config describes a bottleneck 3D ResNet.
type Config struct {
	Layers    [4]int
	BaseWidth int
}

// ResNet50 is the 3-4-6-3 bottleneck network with 64 base channels.
func ResNet50() Config {
	return Config{Layers: [4]int{3, 4, 6, 3}, BaseWidth: 64}
}

// ResNet101 is the 3-4-23-3 bottleneck network with 64 base channels.
func ResNet101() Config {
	return Config{Layers: [4]int{3, 4, 23, 3}, BaseWidth: 64}
}

// Tiny keeps the ResNet topology with one block per stage and 4 base
// channels. It is meant for smoke runs and tests.
func Tiny() Config {
	return Config{Layers: [4]int{1, 1, 1, 1}, BaseWidth: 4}
}

// Preset returns a named configuration.
func Preset(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "resnet50", "":
		return ResNet50(), nil
	case "resnet101":
		return ResNet101(), nil
	case "tiny":
		return Tiny(), nil
	default:
		return Config{}, fmt.Errorf("backbone: unknown preset %q", name)
	}
}

// Validate verifies the configuration can be built.
func (c Config) Validate() error {
	if c.BaseWidth <= 0 {
		return fmt.Errorf("backbone: base width must be > 0 (got %d)", c.BaseWidth)
	}
	for i, n := range c.Layers {
		if n <= 0 {
			return fmt.Errorf("backbone: layer%d must have at least one block (got %d)", i+1, n)
		}
	}
	return nil
}

// Channels lists the output width of each pyramid level.
type Channels struct {
	R2, R3, R4, R5 int
}

// OutChannels reports the channel depth at strides 1/4, 1/8, 1/16 and 1/32.
func (c Config) OutChannels() Channels {
	w := c.BaseWidth * Expansion
	return Channels{R2: w, R3: 2 * w, R4: 4 * w, R5: 8 * w}
}

// ResNet3d is the backbone feature extractor. Its stem and stages are
// exported so that encoders can rewire the input path.
type ResNet3d struct {
	Conv1   *nn.Conv3d
	BN1     *nn.BatchNorm
	MaxPool nn.MaxPool3d
	Layer1  Stage
	Layer2  Stage
	Layer3  Stage
	Layer4  Stage
	Config  Config
}

// New registers a ResNet3d under p.
func New(p *nn.Path, cfg Config) (*ResNet3d, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := cfg.BaseWidth
	r := &ResNet3d{
		Conv1: nn.NewConv3d(p.Sub("conv1"), 3, w, [3]int{7, 7, 7}, nn.Conv3dConfig{
			Stride:  [3]int{1, 2, 2},
			Padding: [3]int{3, 3, 3},
		}),
		BN1:     nn.NewBatchNorm3d(p.Sub("bn1"), w),
		MaxPool: NativeMaxPool(),
		Config:  cfg,
	}
	in := w
	r.Layer1, in = newStage(p.Sub("layer1"), in, w, cfg.Layers[0], 1)
	r.Layer2, in = newStage(p.Sub("layer2"), in, 2*w, cfg.Layers[1], 2)
	r.Layer3, in = newStage(p.Sub("layer3"), in, 4*w, cfg.Layers[2], 2)
	r.Layer4, _ = newStage(p.Sub("layer4"), in, 8*w, cfg.Layers[3], 2)
	return r, nil
}

// NativeMaxPool is the backbone's own 3x3x3, stride-2 pooling.
func NativeMaxPool() nn.MaxPool3d {
	return nn.MaxPool3d{
		Kernel:  [3]int{3, 3, 3},
		Stride:  [3]int{2, 2, 2},
		Padding: [3]int{1, 1, 1},
	}
}

// ForwardT runs stem, pooling and the four stages, returning r5, r4, r3, r2.
func (r *ResNet3d) ForwardT(x *tensor.Tensor, train bool) (r5, r4, r3, r2 *tensor.Tensor) {
	x = r.Conv1.Forward(x)
	x = tensor.ReLU(r.BN1.ForwardT(x, train))
	x = r.MaxPool.Forward(x)
	return r.Stages(x, train)
}

// Stages runs layer1..layer4 on the pooled stem output.
func (r *ResNet3d) Stages(x *tensor.Tensor, train bool) (r5, r4, r3, r2 *tensor.Tensor) {
	r2 = r.Layer1.ForwardT(x, train)
	r3 = r.Layer2.ForwardT(r2, train)
	r4 = r.Layer3.ForwardT(r3, train)
	r5 = r.Layer4.ForwardT(r4, train)
	return r5, r4, r3, r2
}

// Stage is a sequence of bottleneck blocks.
type Stage []*Bottleneck

// ForwardT runs every block in order.
func (s Stage) ForwardT(x *tensor.Tensor, train bool) *tensor.Tensor {
	for _, b := range s {
		x = b.ForwardT(x, train)
	}
	return x
}

func newStage(p *nn.Path, in, planes, blocks, stride int) (Stage, int) {
	stage := make(Stage, 0, blocks)
	for i := 0; i < blocks; i++ {
		s := 1
		if i == 0 {
			s = stride
		}
		stage = append(stage, newBottleneck(p.Sub(strconv.Itoa(i)), in, planes, s))
		in = planes * Expansion
	}
	return stage, in
}

// Bottleneck is the 1x1x1 / 3x3x3 / 1x1x1 residual block.
type Bottleneck struct {
	Conv1, Conv2, Conv3 *nn.Conv3d
	BN1, BN2, BN3       *nn.BatchNorm
	Downsample          *Shortcut
}

// Shortcut projects the identity path when shape changes.
type Shortcut struct {
	Conv *nn.Conv3d
	BN   *nn.BatchNorm
}

func newBottleneck(p *nn.Path, in, planes, stride int) *Bottleneck {
	out := planes * Expansion
	b := &Bottleneck{
		Conv1: nn.NewConv3d(p.Sub("conv1"), in, planes, [3]int{1, 1, 1}, nn.Conv3dConfig{}),
		BN1:   nn.NewBatchNorm3d(p.Sub("bn1"), planes),
		Conv2: nn.NewConv3d(p.Sub("conv2"), planes, planes, [3]int{3, 3, 3}, nn.Conv3dConfig{
			Stride:  [3]int{stride, stride, stride},
			Padding: [3]int{1, 1, 1},
		}),
		BN2:   nn.NewBatchNorm3d(p.Sub("bn2"), planes),
		Conv3: nn.NewConv3d(p.Sub("conv3"), planes, out, [3]int{1, 1, 1}, nn.Conv3dConfig{}),
		BN3:   nn.NewBatchNorm3d(p.Sub("bn3"), out),
	}
	if stride != 1 || in != out {
		ds := p.Sub("downsample")
		b.Downsample = &Shortcut{
			Conv: nn.NewConv3d(ds.Sub("0"), in, out, [3]int{1, 1, 1}, nn.Conv3dConfig{
				Stride: [3]int{stride, stride, stride},
			}),
			BN: nn.NewBatchNorm3d(ds.Sub("1"), out),
		}
	}
	return b
}

// ForwardT applies the block.
func (b *Bottleneck) ForwardT(x *tensor.Tensor, train bool) *tensor.Tensor {
	residual := x
	out := tensor.ReLU(b.BN1.ForwardT(b.Conv1.Forward(x), train))
	out = tensor.ReLU(b.BN2.ForwardT(b.Conv2.Forward(out), train))
	out = b.BN3.ForwardT(b.Conv3.Forward(out), train)
	if b.Downsample != nil {
		residual = b.Downsample.BN.ForwardT(b.Downsample.Conv.Forward(x), train)
	}
	tensor.AddInPlace(out, residual)
	return tensor.ReLU(out)
}
