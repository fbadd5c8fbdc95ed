package schedule

import (
	"vos3d/internal/nn"
)

// ParamGroup is a set of parameters sharing a learning rate.
type ParamGroup struct {
	Name   string
	Params []*nn.Parameter
	LR     float64
	// InitialLR is the rate a scheduler decays from. Schedulers set it on
	// a fresh start; resuming requires it to be present.
	InitialLR float64
}

// SGD applies plain gradient descent to trainable parameters.
type SGD struct {
	Groups      []*ParamGroup
	WeightDecay float64
}

// NewSGD splits params into one group per structural role, all starting
// at lr. Roles with no parameters get no group.
func NewSGD(params []*nn.Parameter, lr, weightDecay float64) *SGD {
	byRole := map[nn.Group][]*nn.Parameter{}
	for _, p := range params {
		byRole[p.Group] = append(byRole[p.Group], p)
	}
	opt := &SGD{WeightDecay: weightDecay}
	for _, role := range []nn.Group{nn.GroupWeight, nn.GroupNorm} {
		if ps := byRole[role]; len(ps) > 0 {
			opt.Groups = append(opt.Groups, &ParamGroup{Name: role.String(), Params: ps, LR: lr})
		}
	}
	if len(opt.Groups) == 0 {
		opt.Groups = []*ParamGroup{{Name: nn.GroupWeight.String(), LR: lr}}
	}
	return opt
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
// Frozen parameters and parameters without a gradient are skipped.
func (o *SGD) Step() int {
	updated := 0
	for _, g := range o.Groups {
		lr := float32(g.LR)
		wd := float32(o.WeightDecay)
		for _, p := range g.Params {
			if !p.Trainable() || p.Grad == nil {
				continue
			}
			value, grad := p.Value.Data(), p.Grad.Data()
			for i := range value {
				value[i] -= lr * (grad[i] + wd*value[i])
			}
			updated++
		}
	}
	return updated
}

// ZeroGrad drops all gradients.
func (o *SGD) ZeroGrad() {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			p.Grad = nil
		}
	}
}

// LRs returns the current learning rate of each group.
func (o *SGD) LRs() []float64 {
	out := make([]float64, len(o.Groups))
	for i, g := range o.Groups {
		out[i] = g.LR
	}
	return out
}
