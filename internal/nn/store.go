package nn

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"vos3d/internal/tensor"
)

// Group classifies a parameter by its structural role.
type Group int

const (
	// GroupWeight covers convolution weights and biases.
	GroupWeight Group = iota
	// GroupNorm covers normalisation scales and shifts.
	GroupNorm
)

func (g Group) String() string {
	switch g {
	case GroupWeight:
		return "weight"
	case GroupNorm:
		return "norm"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

// Parameter is a learnable tensor with an explicit trainability flag.
// Gradients are produced outside this package and attached to Grad.
type Parameter struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Group     Group
	trainable bool
}

// Trainable reports whether optimisers may update the parameter.
func (p *Parameter) Trainable() bool {
	return p.trainable
}

// SetTrainable flips the trainability flag.
func (p *Parameter) SetTrainable(v bool) {
	p.trainable = v
}

// Store owns the parameters and buffers of one model.
type Store struct {
	rng     *rand.Rand
	params  []*Parameter
	buffers map[string]*tensor.Tensor
	names   map[string]struct{}
}

// NewStore creates an empty store whose initialisers draw from seed.
func NewStore(seed int64) *Store {
	return &Store{
		rng:     rand.New(rand.NewSource(seed)),
		buffers: make(map[string]*tensor.Tensor),
		names:   make(map[string]struct{}),
	}
}

// Root returns the unnamed top-level path.
func (s *Store) Root() *Path {
	return &Path{store: s}
}

// Parameters returns every parameter in registration order.
func (s *Store) Parameters() []*Parameter {
	out := make([]*Parameter, len(s.params))
	copy(out, s.params)
	return out
}

// Parameter returns the named parameter, or nil.
func (s *Store) Parameter(name string) *Parameter {
	for _, p := range s.params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Buffer returns the named buffer, or nil.
func (s *Store) Buffer(name string) *tensor.Tensor {
	return s.buffers[name]
}

// BufferNames returns the sorted buffer names.
func (s *Store) BufferNames() []string {
	names := make([]string, 0, len(s.buffers))
	for name := range s.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetTrainable sets the trainability flag on every parameter of group
// whose name starts with prefix, and returns how many were changed.
func (s *Store) SetTrainable(prefix string, group Group, trainable bool) int {
	n := 0
	for _, p := range s.params {
		if p.Group != group || !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		p.trainable = trainable
		n++
	}
	return n
}

// Counts returns the number of trainable and frozen scalar values.
func (s *Store) Counts() (trainable, frozen int) {
	for _, p := range s.params {
		if p.trainable {
			trainable += p.Value.Size()
		} else {
			frozen += p.Value.Size()
		}
	}
	return trainable, frozen
}

func (s *Store) add(name string, value *tensor.Tensor, group Group) *Parameter {
	s.claim(name)
	p := &Parameter{Name: name, Value: value, Group: group, trainable: true}
	s.params = append(s.params, p)
	return p
}

func (s *Store) addBuffer(name string, value *tensor.Tensor) *tensor.Tensor {
	s.claim(name)
	s.buffers[name] = value
	return value
}

func (s *Store) claim(name string) {
	if _, ok := s.names[name]; ok {
		panic(fmt.Sprintf("nn: duplicate variable name %q", name))
	}
	s.names[name] = struct{}{}
}

// Path is a naming scope inside a Store.
type Path struct {
	store  *Store
	prefix string
}

// Sub returns a child scope.
func (p *Path) Sub(name string) *Path {
	return &Path{store: p.store, prefix: p.join(name)}
}

// Name returns the dotted scope name.
func (p *Path) Name() string {
	return p.prefix
}

// Store returns the store backing the path.
func (p *Path) Store() *Store {
	return p.store
}

// Freeze clears the trainable flag of every parameter of group in this
// scope. Frozen parameters still take part in forward passes.
func (p *Path) Freeze(group Group) int {
	prefix := p.prefix
	if prefix != "" {
		prefix += "."
	}
	return p.store.SetTrainable(prefix, group, false)
}

// NewParameter registers a parameter under this scope.
func (p *Path) NewParameter(name string, value *tensor.Tensor, group Group) *Parameter {
	return p.store.add(p.join(name), value, group)
}

// NewBuffer registers a non-learnable tensor under this scope.
func (p *Path) NewBuffer(name string, value *tensor.Tensor) *tensor.Tensor {
	return p.store.addBuffer(p.join(name), value)
}

func (p *Path) join(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}
