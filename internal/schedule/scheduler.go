package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnknownScheduler is returned for a scheduler name the factory
	// does not know.
	ErrUnknownScheduler = errors.New("schedule: unknown lr scheduler")
	// ErrMissingInitialLR is returned when resuming a schedule whose
	// param groups never recorded an initial learning rate.
	ErrMissingInitialLR = errors.New("schedule: initial_lr not set in param group")
)

// Scheduler names accepted by GetLRSchedulers.
const (
	Exponential = "exponential"
	Step        = "step"
)

// DefaultMilestones and DefaultGamma configure the "step" scheduler.
var (
	DefaultMilestones = []int{15, 20}
	DefaultGamma      = 0.1
)

// Scheduler adjusts an optimizer's learning rates once per epoch.
type Scheduler interface {
	Name() string
	Step()
	LastEpoch() int
	LastLR() []float64
}

// rule computes a group's next rate from its current one at epoch.
type rule func(epoch int, lr float64) float64

type scheduler struct {
	name      string
	opt       *SGD
	lastEpoch int
	lastLR    []float64
	next      rule
}

func newScheduler(name string, opt *SGD, lastEpoch int, next rule) (*scheduler, error) {
	for i, g := range opt.Groups {
		if lastEpoch == -1 {
			if g.InitialLR == 0 {
				g.InitialLR = g.LR
			}
			continue
		}
		if g.InitialLR == 0 {
			return nil, fmt.Errorf("%w: group %d (%s)", ErrMissingInitialLR, i, g.Name)
		}
	}
	s := &scheduler{name: name, opt: opt, lastEpoch: lastEpoch, next: next}
	s.Step()
	return s, nil
}

func (s *scheduler) Name() string      { return s.name }
func (s *scheduler) LastEpoch() int    { return s.lastEpoch }
func (s *scheduler) LastLR() []float64 { return append([]float64(nil), s.lastLR...) }

func (s *scheduler) Step() {
	s.lastEpoch++
	for _, g := range s.opt.Groups {
		g.LR = s.next(s.lastEpoch, g.LR)
	}
	s.lastLR = s.opt.LRs()
}

// NewExponential multiplies every group's rate by gamma each epoch.
func NewExponential(opt *SGD, gamma float64, lastEpoch int) (Scheduler, error) {
	return newScheduler(Exponential, opt, lastEpoch, func(epoch int, lr float64) float64 {
		if epoch == 0 {
			return lr
		}
		return lr * gamma
	})
}

// NewMultiStep multiplies every group's rate by gamma once for each
// milestone the epoch reaches.
func NewMultiStep(opt *SGD, milestones []int, gamma float64, lastEpoch int) (Scheduler, error) {
	counts := make(map[int]int, len(milestones))
	for _, m := range milestones {
		counts[m]++
	}
	return newScheduler(Step, opt, lastEpoch, func(epoch int, lr float64) float64 {
		n, ok := counts[epoch]
		if !ok {
			return lr
		}
		return lr * math.Pow(gamma, float64(n))
	})
}

// GetLRSchedulers builds the schedulers named in names, exponential
// before step. A lastEpoch of 0 is a fresh start. No names, no
// schedulers.
func GetLRSchedulers(opt *SGD, names []string, lrDecay float64, lastEpoch int) ([]Scheduler, error) {
	if lastEpoch == 0 {
		lastEpoch = -1
	}
	want := map[string]bool{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch n {
		case Exponential, Step:
			want[n] = true
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, n)
		}
	}

	var out []Scheduler
	if want[Exponential] {
		s, err := NewExponential(opt, lrDecay, lastEpoch)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if want[Step] {
		s, err := NewMultiStep(opt, DefaultMilestones, DefaultGamma, lastEpoch)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Plan returns the learning rate for epochs 0..epochs-1 of a single group
// starting at lr under the named schedulers.
func Plan(lr float64, names []string, lrDecay float64, epochs int) ([]float64, error) {
	opt := NewSGD(nil, lr, 0)
	scheds, err := GetLRSchedulers(opt, names, lrDecay, -1)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, epochs)
	for e := 0; e < epochs; e++ {
		out = append(out, opt.Groups[0].LR)
		for _, s := range scheds {
			s.Step()
		}
	}
	return out, nil
}
