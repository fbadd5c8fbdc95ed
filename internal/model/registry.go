package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"

	"vos3d/internal/backbone"
)

var (
	// ErrModelNotFound is returned when a network name resolves to no
	// registered architecture.
	ErrModelNotFound = errors.New("model: architecture not found")
	// ErrBlockNotFound is returned when an inter or refine block name is
	// not registered.
	ErrBlockNotFound = errors.New("model: block not found")
)

// Kind enumerates the built-in architectures. Models built by a
// registered third-party factory report KindCustom.
type Kind int

const (
	KindCustom Kind = iota
	KindResnet3d
	KindResnet3dPredictOne
	KindResnet3dMaskGuidance
)

func (k Kind) String() string {
	switch k {
	case KindResnet3d:
		return "Resnet3d"
	case KindResnet3dPredictOne:
		return "Resnet3dPredictOne"
	case KindResnet3dMaskGuidance:
		return "Resnet3dMaskGuidance"
	default:
		return "custom"
	}
}

// Option is a configuration value an architecture may accept.
type Option uint8

const (
	OptNClasses Option = 1 << iota
	OptTW
	OptEmbeddingDim
	OptInterBlock
	OptRefineBlock
)

// OptionSet is a bit set of Options.
type OptionSet = Option

// Has reports whether every option in o is in s.
func (s Option) Has(o Option) bool {
	return s&o == o
}

func (s Option) String() string {
	names := []struct {
		opt  Option
		name string
	}{
		{OptNClasses, "n_classes"},
		{OptTW, "tw"},
		{OptEmbeddingDim, "e_dim"},
		{OptInterBlock, "inter_block"},
		{OptRefineBlock, "refine_block"},
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if s.Has(n.opt) {
			parts = append(parts, n.name)
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Options is the model section of a run configuration.
type Options struct {
	Network      string
	NClasses     int
	TW           int
	EmbeddingDim int
	InterBlock   string
	RefineBlock  string
}

// Params are the options forwarded to an architecture. Only fields whose
// bit is set in Provided carry a configured value.
type Params struct {
	Provided    OptionSet
	NClasses    int
	TW          int
	EDim        int
	InterBlock  *Block
	RefineBlock *Block
}

func (p Params) twOr(env Env) int {
	if p.Provided.Has(OptTW) && p.TW > 0 {
		return p.TW
	}
	return env.TW
}

// Env carries construction settings that are not model options.
type Env struct {
	Backbone backbone.Config
	MDim     int
	Seed     int64
	// TW is the temporal window used when the architecture does not
	// accept the tw option.
	TW int
}

// DefaultTW is the clip length assumed when none is configured.
const DefaultTW = 16

func (e Env) withDefaults() Env {
	if e.Backbone.BaseWidth == 0 {
		e.Backbone = backbone.ResNet50()
	}
	if e.MDim <= 0 {
		e.MDim = DefaultMDim
	}
	if e.TW <= 0 {
		e.TW = DefaultTW
	}
	return e
}

// Factory constructs an architecture from forwarded params.
type Factory func(env Env, params Params) (Model, error)

// Architecture is a registered, constructible network.
type Architecture struct {
	Name    string
	Kind    Kind
	Accepts OptionSet
	New     Factory
}

// Block is a registered decoder building block. Exactly one of Inter and
// Refine is set.
type Block struct {
	Name   string
	Inter  InterBlockFactory
	Refine RefineBlockFactory
}

// Registry maps names to architectures and blocks. Names are compared in
// snake case, so "Resnet3dMaskGuidance" and "resnet3d_mask_guidance" match.
type Registry struct {
	archs  map[string]Architecture
	blocks map[string]Block
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		archs:  make(map[string]Architecture),
		blocks: make(map[string]Block),
	}
}

// DefaultRegistry returns a registry holding the built-in architectures
// and blocks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Architecture{Name: "Resnet3d", Kind: KindResnet3d,
		Accepts: OptTW | OptInterBlock | OptRefineBlock, New: NewResnet3d})
	r.Register(Architecture{Name: "Resnet3dPredictOne", Kind: KindResnet3dPredictOne,
		Accepts: OptTW, New: NewResnet3dPredictOne})
	r.Register(Architecture{Name: "Resnet3dMaskGuidance", Kind: KindResnet3dMaskGuidance,
		Accepts: OptTW, New: NewResnet3dMaskGuidance})
	r.RegisterBlock(Block{Name: "GC3d", Inter: NewGC3d})
	r.RegisterBlock(Block{Name: "Conv3dBlock", Inter: NewConv3dBlock})
	r.RegisterBlock(Block{Name: "Refine3d", Refine: NewRefine3d})
	return r
}

// Register adds or replaces an architecture.
func (r *Registry) Register(a Architecture) {
	r.archs[normalizeName(a.Name)] = a
}

// RegisterBlock adds or replaces a block.
func (r *Registry) RegisterBlock(b Block) {
	r.blocks[normalizeName(b.Name)] = b
}

// Architecture looks up an architecture by name.
func (r *Registry) Architecture(name string) (Architecture, error) {
	a, ok := r.archs[normalizeName(name)]
	if !ok {
		return Architecture{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return a, nil
}

// Block looks up a block by name.
func (r *Registry) Block(name string) (Block, error) {
	b, ok := r.blocks[normalizeName(name)]
	if !ok {
		return Block{}, fmt.Errorf("%w: %q", ErrBlockNotFound, name)
	}
	return b, nil
}

// Names returns the registered architecture names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.archs))
	for _, a := range r.archs {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

// Select resolves opts.Network through networkModels, finds the matching
// architecture and builds it, forwarding only the options it accepts.
// Empty block names are not forwarded, leaving the architecture's default.
func Select(reg *Registry, opts Options, networkModels map[string]string, env Env) (Model, error) {
	className, ok := networkModels[opts.Network]
	if !ok {
		return nil, fmt.Errorf("%w: network %q has no mapping", ErrModelNotFound, opts.Network)
	}
	arch, err := reg.Architecture(className)
	if err != nil {
		return nil, err
	}
	params, err := reg.params(arch.Accepts, opts)
	if err != nil {
		return nil, err
	}
	m, err := arch.New(env, params)
	if err != nil {
		return nil, fmt.Errorf("model: build %s: %w", arch.Name, err)
	}
	return m, nil
}

func (r *Registry) params(accepts OptionSet, opts Options) (Params, error) {
	var p Params
	if accepts.Has(OptNClasses) {
		p.NClasses = opts.NClasses
		p.Provided |= OptNClasses
	}
	if accepts.Has(OptTW) {
		p.TW = opts.TW
		p.Provided |= OptTW
	}
	if accepts.Has(OptEmbeddingDim) {
		p.EDim = opts.EmbeddingDim
		p.Provided |= OptEmbeddingDim
	}
	if accepts.Has(OptInterBlock) && opts.InterBlock != "" {
		b, err := r.Block(opts.InterBlock)
		if err != nil {
			return Params{}, err
		}
		if b.Inter == nil {
			return Params{}, fmt.Errorf("%w: %q is not an inter block", ErrBlockNotFound, opts.InterBlock)
		}
		p.InterBlock = &b
		p.Provided |= OptInterBlock
	}
	if accepts.Has(OptRefineBlock) && opts.RefineBlock != "" {
		b, err := r.Block(opts.RefineBlock)
		if err != nil {
			return Params{}, err
		}
		if b.Refine == nil {
			return Params{}, fmt.Errorf("%w: %q is not a refine block", ErrBlockNotFound, opts.RefineBlock)
		}
		p.RefineBlock = &b
		p.Provided |= OptRefineBlock
	}
	return p, nil
}

func normalizeName(name string) string {
	return strcase.ToSnake(strings.TrimSpace(name))
}
