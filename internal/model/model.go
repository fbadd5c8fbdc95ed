package model

import (
	"errors"
	"fmt"

	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

var (
	// ErrNoInput is returned when neither an image nor a guidance tensor
	// is supplied.
	ErrNoInput = errors.New("model: image and guidance are both nil")
	// ErrGuidanceRequired is returned by variants that cannot run
	// without a guidance mask.
	ErrGuidanceRequired = errors.New("model: guidance mask is required")
)

// Output is the fixed six-slot result of every model: the full-resolution
// prediction, four auxiliary per-level predictions (p2..p5, nil when a
// variant does not produce them) and the coarsest raw feature map.
type Output struct {
	Pred       *tensor.Tensor
	Aux        [4]*tensor.Tensor
	Bottleneck *tensor.Tensor
}

// Model is a segmentation network assembled from an encoder and a head.
type Model interface {
	Name() string
	// ForwardT runs the network on x (N,3,T,H,W) with an optional
	// guidance mask. train selects batch statistics in normalisation
	// layers.
	ForwardT(x, guidance *tensor.Tensor, train bool) (Output, error)
	Parameters() []*nn.Parameter
	Store() *nn.Store
	// FreezeBatchNorm clears the trainable flag of the encoder's
	// normalisation parameters and returns how many were frozen.
	FreezeBatchNorm() int
	// TemporalWindow is the clip length the model was configured for.
	TemporalWindow() int
	// Kind identifies the built-in architecture, KindCustom otherwise.
	Kind() Kind
}

// recoverShape converts a tensor shape panic raised during a forward pass
// into an error.
func recoverShape(name string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	se, ok := r.(*tensor.ShapeError)
	if !ok {
		panic(r)
	}
	*err = fmt.Errorf("model: forward %s: %w", name, se)
}

type base struct {
	name  string
	kind  Kind
	store *nn.Store
	enc   *Encoder
	tw    int
}

func (b *base) Name() string                { return b.name }
func (b *base) Store() *nn.Store            { return b.store }
func (b *base) Parameters() []*nn.Parameter { return b.store.Parameters() }
func (b *base) FreezeBatchNorm() int        { return b.enc.FreezeBatchNorm() }
func (b *base) TemporalWindow() int         { return b.tw }
func (b *base) Kind() Kind                  { return b.kind }
