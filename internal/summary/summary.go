package summary

import (
	"fmt"

	"vos3d/internal/tensor"
)

// ImageWriter receives batches of (N,3,H,W) images with values in [0,1].
type ImageWriter interface {
	AddImages(tag string, batch *tensor.Tensor, step int) error
}

// ShowImageSummary writes the input frames, the optional guidance, the
// target masks and the argmax of the prediction for one step.
//
// input is (N,C,T,H,W); guidance is (N,1,T,H,W) or (N,1,H,W); target and
// pred are (N,1,T,H,W) and (N,K,T,H,W), or the same without T. A pred
// without T next to a target with T is the prediction for the last frame
// and is paired with that frame only. Incompatible shapes are returned as
// a wrapped *tensor.ShapeError.
func ShowImageSummary(w ImageWriter, step int, input, guidance, target, pred *tensor.Tensor) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		se, ok := r.(*tensor.ShapeError)
		if !ok {
			panic(r)
		}
		err = fmt.Errorf("summary: %w", se)
	}()

	for t := 0; t < input.Dim(2); t++ {
		frame := tensor.Narrow(tensor.Select(input, 2, t), 1, 0, 3)
		if err := w.AddImages(fmt.Sprintf("data/input%d", t), frame, step); err != nil {
			return err
		}
		if guidance == nil {
			continue
		}
		g := guidance
		if g.Dims() > 4 {
			g = tensor.Select(g, 2, t)
		}
		if err := w.AddImages(fmt.Sprintf("data/guidance%d", t), tensor.Repeat(g, 1, 3), step); err != nil {
			return err
		}
	}

	first := 0
	switch {
	case target.Dims() < 5:
		target = target.Unsqueeze(2)
		pred = pred.Unsqueeze(2)
	case pred.Dims() < 5:
		first = target.Dim(2) - 1
		target = tensor.Narrow(target, 2, first, 1)
		pred = pred.Unsqueeze(2)
	}
	labels := tensor.Argmax(pred, 1)
	if labels.Dim(1) != target.Dim(2) {
		return fmt.Errorf("summary: %w", &tensor.ShapeError{Op: "summary",
			Msg: fmt.Sprintf("pred has %d frames, target has %d", labels.Dim(1), target.Dim(2))})
	}
	for t := 0; t < target.Dim(2); t++ {
		tgt := tensor.Repeat(tensor.Select(target, 2, t), 1, 3)
		if err := w.AddImages(fmt.Sprintf("data/target%d", first+t), tgt, step); err != nil {
			return err
		}
		p := tensor.Repeat(tensor.Select(labels, 1, t).Unsqueeze(1), 1, 3)
		if err := w.AddImages(fmt.Sprintf("data/pred%d", first+t), p, step); err != nil {
			return err
		}
	}
	return nil
}

// Entry is one recorded AddImages call.
type Entry struct {
	Tag   string
	Step  int
	Batch *tensor.Tensor
}

// Recorder keeps every batch in memory.
type Recorder struct {
	Entries []Entry
}

func (r *Recorder) AddImages(tag string, batch *tensor.Tensor, step int) error {
	r.Entries = append(r.Entries, Entry{Tag: tag, Step: step, Batch: batch})
	return nil
}

// Tags lists the recorded tags in call order.
func (r *Recorder) Tags() []string {
	tags := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		tags[i] = e.Tag
	}
	return tags
}
