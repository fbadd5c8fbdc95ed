package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vos3d/internal/tensor"
)

type captured struct {
	base
	params Params
}

func (c *captured) ForwardT(x, guidance *tensor.Tensor, train bool) (Output, error) {
	return Output{}, nil
}

func TestSelectForwardsOnlyAcceptedOptions(t *testing.T) {
	var got Params
	reg := NewRegistry()
	reg.Register(Architecture{
		Name:    "EchoNet",
		Accepts: OptTW | OptNClasses,
		New: func(env Env, params Params) (Model, error) {
			got = params
			return &captured{base: base{name: "EchoNet"}, params: params}, nil
		},
	})

	opts := Options{
		Network:      "echo",
		NClasses:     5,
		TW:           12,
		EmbeddingDim: 64,
		InterBlock:   "GC3d",
		RefineBlock:  "Refine3d",
	}
	m, err := Select(reg, opts, map[string]string{"echo": "EchoNet"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "EchoNet", m.Name())
	assert.Equal(t, KindCustom, m.Kind())

	assert.Equal(t, OptTW|OptNClasses, got.Provided)
	assert.Equal(t, 12, got.TW)
	assert.Equal(t, 5, got.NClasses)
	assert.Zero(t, got.EDim)
	assert.Nil(t, got.InterBlock)
	assert.Nil(t, got.RefineBlock)
	assert.Equal(t, "{n_classes,tw}", got.Provided.String())
}

func TestSelectUnknownNetwork(t *testing.T) {
	reg := DefaultRegistry()

	_, err := Select(reg, Options{Network: "missing"}, map[string]string{}, Env{})
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = Select(reg, Options{Network: "ghost"}, map[string]string{"ghost": "GhostNet"}, Env{})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestSelectRejectsUnknownBlocks(t *testing.T) {
	reg := DefaultRegistry()
	networks := map[string]string{"r3d": "Resnet3d"}

	_, err := Select(reg, Options{Network: "r3d", InterBlock: "NoSuchBlock"}, networks, tinyEnv())
	assert.ErrorIs(t, err, ErrBlockNotFound)

	// a refine block is not usable as an inter block
	_, err = Select(reg, Options{Network: "r3d", InterBlock: "Refine3d"}, networks, tinyEnv())
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestSelectBuildsBuiltinWithBlocks(t *testing.T) {
	networks := map[string]string{"r3d": "resnet3d"}
	m, err := Select(DefaultRegistry(), Options{
		Network:     "r3d",
		TW:          4,
		InterBlock:  "Conv3dBlock",
		RefineBlock: "Refine3d",
	}, networks, tinyEnv())
	require.NoError(t, err)
	assert.Equal(t, "Resnet3d", m.Name())
	assert.Equal(t, 4, m.TemporalWindow())
	assert.NotNil(t, m.Store().Parameter("decoder.GC.conv.weight"))

	out, err := m.ForwardT(clip(1, 3, 4, 32, 32), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 32, 32}, out.Pred.Shape())
}

func TestTemporalWindowFallsBackToEnv(t *testing.T) {
	networks := map[string]string{"one": "Resnet3dPredictOne"}
	m, err := Select(DefaultRegistry(), Options{Network: "one"}, networks, tinyEnv())
	require.NoError(t, err)
	assert.Equal(t, 8, m.TemporalWindow())
}

func TestRegistryNamesMatchAcrossCase(t *testing.T) {
	reg := DefaultRegistry()
	for _, name := range []string{"Resnet3dMaskGuidance", "resnet3d_mask_guidance", " Resnet3dMaskGuidance "} {
		a, err := reg.Architecture(name)
		require.NoError(t, err, name)
		assert.Equal(t, KindResnet3dMaskGuidance, a.Kind)
	}
	assert.Equal(t, []string{"Resnet3d", "Resnet3dMaskGuidance", "Resnet3dPredictOne"}, reg.Names())
}

func TestBuiltModelsReportTheirKind(t *testing.T) {
	networks := map[string]string{
		"full": "Resnet3d",
		"one":  "Resnet3dPredictOne",
		"mask": "resnet3d_mask_guidance",
	}
	want := map[string]Kind{
		"full": KindResnet3d,
		"one":  KindResnet3dPredictOne,
		"mask": KindResnet3dMaskGuidance,
	}
	for network, kind := range want {
		m, err := Select(DefaultRegistry(), Options{Network: network}, networks, tinyEnv())
		require.NoError(t, err, network)
		assert.Equal(t, kind, m.Kind(), network)
		a, err := DefaultRegistry().Architecture(m.Name())
		require.NoError(t, err)
		assert.Equal(t, a.Kind, m.Kind(), network)
	}
}
