package model

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vos3d/internal/backbone"
	"vos3d/internal/nn"
	"vos3d/internal/tensor"
)

func tinyEnv() Env {
	return Env{Backbone: backbone.Tiny(), MDim: 8, Seed: 1, TW: 8}
}

func clip(shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data() {
		x.Data()[i] = float32(0.5 + 0.5*math.Sin(float64(i)*0.37))
	}
	return x
}

func mask(shape ...int) *tensor.Tensor {
	m := tensor.New(shape...)
	for i := range m.Data() {
		if i%3 == 0 {
			m.Data()[i] = 1
		}
	}
	return m
}

func TestResnet3dFullResolutionWithoutGuidance(t *testing.T) {
	m, err := NewResnet3d(tinyEnv(), Params{})
	require.NoError(t, err)

	out, err := m.ForwardT(clip(2, 3, 8, 112, 112), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 8, 112, 112}, out.Pred.Shape())
	assert.Equal(t, []int{2, 2, 8, 28, 28}, out.Aux[0].Shape())
	assert.Equal(t, []int{2, 2, 4, 14, 14}, out.Aux[1].Shape())
	assert.Equal(t, []int{2, 2, 2, 7, 7}, out.Aux[2].Shape())
	assert.Equal(t, []int{2, 2, 1, 4, 4}, out.Aux[3].Shape())
	assert.Equal(t, []int{2, 128, 1, 4, 4}, out.Bottleneck.Shape())
}

func TestResnet3dGuidanceOnlyFollowsGuidanceShape(t *testing.T) {
	m, err := NewResnet3d(tinyEnv(), Params{})
	require.NoError(t, err)

	out, err := m.ForwardT(nil, mask(2, 1, 4, 32, 32), false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 32, 32}, out.Pred.Shape())
}

func TestResnet3dFusesSingleFrameGuidance(t *testing.T) {
	m, err := NewResnet3d(tinyEnv(), Params{})
	require.NoError(t, err)

	withGuide, err := m.ForwardT(clip(1, 3, 4, 32, 32), mask(1, 1, 32, 32), false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 32, 32}, withGuide.Pred.Shape())

	plain, err := m.ForwardT(clip(1, 3, 4, 32, 32), nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Pred.Data(), withGuide.Pred.Data())
}

func TestResnet3dRejectsMissingInputs(t *testing.T) {
	m, err := NewResnet3d(tinyEnv(), Params{})
	require.NoError(t, err)

	_, err = m.ForwardT(nil, nil, false)
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestPredictOneReturnsSingleFrameAndAbsentAux(t *testing.T) {
	m, err := NewResnet3dPredictOne(tinyEnv(), Params{})
	require.NoError(t, err)

	out, err := m.ForwardT(clip(1, 3, 8, 64, 64), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2}, out.Pred.Shape())
	assert.Equal(t, []int{1, 128, 1, 2, 2}, out.Bottleneck.Shape())
	for i, aux := range out.Aux {
		assert.Nil(t, aux, "aux slot %d", i)
	}
}

func TestMaskGuidanceRequiresGuidance(t *testing.T) {
	m, err := NewResnet3dMaskGuidance(tinyEnv(), Params{})
	require.NoError(t, err)

	_, err = m.ForwardT(clip(1, 3, 8, 64, 64), nil, false)
	assert.ErrorIs(t, err, ErrGuidanceRequired)
}

func TestMaskGuidanceConcatenatesMaskChannel(t *testing.T) {
	m, err := NewResnet3dMaskGuidance(tinyEnv(), Params{})
	require.NoError(t, err)

	out, err := m.ForwardT(clip(1, 3, 8, 64, 64), mask(1, 1, 64, 64), false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 8, 64, 64}, out.Pred.Shape())
	assert.Equal(t, []int{1, 129, 1, 2, 2}, out.Bottleneck.Shape())
}

func TestShapeMismatchSurfacesAsError(t *testing.T) {
	m, err := NewResnet3dMaskGuidance(tinyEnv(), Params{})
	require.NoError(t, err)

	_, err = m.ForwardT(clip(1, 3, 8, 64, 64), mask(1, 3, 64, 64), false)
	require.Error(t, err)
	var shapeErr *tensor.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "cat", shapeErr.Op)
}

func TestFreezeBatchNormOnlyTouchesEncoderNorms(t *testing.T) {
	m, err := NewResnet3d(tinyEnv(), Params{})
	require.NoError(t, err)

	n := m.FreezeBatchNorm()
	assert.Greater(t, n, 0)
	for _, p := range m.Parameters() {
		if p.Group == nn.GroupNorm {
			assert.False(t, p.Trainable(), p.Name)
			continue
		}
		assert.True(t, p.Trainable(), p.Name)
	}

	// frozen parameters still participate in the forward pass
	before, err := m.ForwardT(clip(1, 3, 2, 32, 32), nil, false)
	require.NoError(t, err)
	bn := m.Store().Parameter("encoder.resnet.bn1.weight")
	require.NotNil(t, bn)
	bn.Value.Data()[0] = 5
	after, err := m.ForwardT(clip(1, 3, 2, 32, 32), nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, before.Pred.Data(), after.Pred.Data())
}

func TestEncoderNormalizesPixels(t *testing.T) {
	enc, err := NewEncoder(nn.NewStore(1).Root(), backbone.Tiny())
	require.NoError(t, err)

	x := tensor.Full(1, 1, 3, 1, 1, 1)
	got := enc.normalize(x).Data()
	for c := range got {
		want := (255 - PixelMean[c]) / PixelStd[c] / 255
		assert.InDelta(t, want, got[c], 1e-6)
	}
}

func TestFullWidthScenario(t *testing.T) {
	if os.Getenv("VOS3D_FULL_MODEL_TESTS") == "" {
		t.Skip("set VOS3D_FULL_MODEL_TESTS=1 to run the ResNet-50 forward pass")
	}
	m, err := NewResnet3d(Env{Seed: 1}, Params{})
	require.NoError(t, err)
	out, err := m.ForwardT(clip(2, 3, 8, 112, 112), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 8, 112, 112}, out.Pred.Shape())
	assert.Equal(t, 2048, out.Bottleneck.Dim(1))
}
