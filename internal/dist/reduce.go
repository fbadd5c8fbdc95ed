package dist

import (
	"context"

	"vos3d/internal/tensor"
)

// ReduceMean returns a copy of t summed over all ranks and divided by
// worldSize. A non-positive worldSize uses the group's size. The input
// is left untouched.
func ReduceMean(ctx context.Context, g *Group, t *tensor.Tensor, worldSize int) (*tensor.Tensor, error) {
	if g == nil {
		return nil, ErrNotInitialized
	}
	if worldSize <= 0 {
		worldSize = g.WorldSize()
	}
	rt := t.Clone()
	if err := g.AllReduceSum(ctx, rt.Data()); err != nil {
		return nil, err
	}
	return tensor.Scale(rt, 1/float32(worldSize)), nil
}
