package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"vos3d/internal/model"
	"vos3d/internal/tensor"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the selected architecture, parameter counts and output shapes.",
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := buildModel(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	trainable, frozen := m.Store().Counts()
	fmt.Fprintf(out, "network=%s architecture=%s kind=%s tw=%d\n", cfg.Network, m.Name(), m.Kind(), m.TemporalWindow())
	fmt.Fprintf(out, "params trainable=%d frozen=%d tensors=%d\n", trainable, frozen, len(m.Parameters()))

	s := cfg.SampleSize
	clip := tensor.Full(0.5, 1, 3, m.TemporalWindow(), s, s)
	res, err := dummyForward(m, clip, cfg.Guidance)
	if err != nil {
		return err
	}
	printShapes(out, clip, res)
	return nil
}

// dummyForward runs m on clip with an all-zero guidance mask where the
// architecture needs one.
func dummyForward(m model.Model, clip *tensor.Tensor, withGuidance bool) (model.Output, error) {
	s := clip.Dim(4)
	zero := tensor.New(clip.Dim(0), 1, clip.Dim(3), s)
	switch m.Kind() {
	case model.KindResnet3dMaskGuidance:
		return m.ForwardT(clip, zero, false)
	case model.KindResnet3d, model.KindResnet3dPredictOne:
		if withGuidance {
			return m.ForwardT(clip, zero, false)
		}
		return m.ForwardT(clip, nil, false)
	default:
		var guidance *tensor.Tensor
		if withGuidance {
			guidance = zero
		}
		res, err := m.ForwardT(clip, guidance, false)
		if errors.Is(err, model.ErrGuidanceRequired) {
			return m.ForwardT(clip, zero, false)
		}
		return res, err
	}
}

func printShapes(w io.Writer, in *tensor.Tensor, res model.Output) {
	fmt.Fprintf(w, "input      %v\n", in.Shape())
	fmt.Fprintf(w, "pred       %v\n", res.Pred.Shape())
	for i, aux := range res.Aux {
		if aux == nil {
			fmt.Fprintf(w, "aux p%d     -\n", i+2)
			continue
		}
		fmt.Fprintf(w, "aux p%d     %v\n", i+2, aux.Shape())
	}
	fmt.Fprintf(w, "bottleneck %v\n", res.Bottleneck.Shape())
}
