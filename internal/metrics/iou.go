package metrics

import (
	"errors"
	"fmt"
	"math"

	"vos3d/internal/tensor"
)

// ErrShapeMismatch is returned when a prediction and its ground truth do
// not cover the same frames and pixels.
var ErrShapeMismatch = errors.New("metrics: prediction and ground truth shapes differ")

// GetIoU scores two flat label maps of equal length. Values above zero
// are foreground. An empty union scores 1.
func GetIoU(gt, pred []float32) (float64, error) {
	if len(gt) != len(pred) {
		return 0, fmt.Errorf("%w: %d ground truth values, %d predicted", ErrShapeMismatch, len(gt), len(pred))
	}
	var inter, union int
	for i := range gt {
		g, p := gt[i] > 0, pred[i] > 0
		if g && p {
			inter++
		}
		if g || p {
			union++
		}
	}
	if union == 0 {
		return 1, nil
	}
	return float64(inter) / float64(union), nil
}

// ToLabel takes (T,C,H,W) logits and returns the per-pixel argmax over C,
// frame-major. Ties resolve to the lower class.
func ToLabel(pred *tensor.Tensor) []uint8 {
	t, c, h, w := pred.Dim(0), pred.Dim(1), pred.Dim(2), pred.Dim(3)
	plane := h * w
	data := pred.Data()
	out := make([]uint8, t*plane)
	for f := 0; f < t; f++ {
		base := f * c * plane
		for i := 0; i < plane; i++ {
			best, arg := data[base+i], 0
			for k := 1; k < c; k++ {
				if v := data[base+k*plane+i]; v > best {
					best, arg = v, k
				}
			}
			out[f*plane+i] = uint8(arg)
		}
	}
	return out
}

// IoUFixed labels (T,C,H,W) logits on the host and returns the mean
// per-frame IoU against gt, which holds T frames of H*W labels. With
// excludeLast the final frame is not scored; scoring zero frames yields
// NaN.
func IoUFixed(pred, gt *tensor.Tensor, excludeLast bool) (float64, error) {
	if err := checkPair(pred, gt); err != nil {
		return 0, err
	}
	labels := ToLabel(pred)
	g := gt.Data()
	plane := pred.Dim(2) * pred.Dim(3)

	var ious []float64
	for f := 0; f < frameEnd(pred.Dim(0), excludeLast); f++ {
		var inter, union int
		for i := f * plane; i < (f+1)*plane; i++ {
			fp, fg := labels[i] > 0, g[i] > 0
			if fp && fg {
				inter++
			}
			if fp || fg {
				union++
			}
		}
		if union == 0 {
			ious = append(ious, 1)
			continue
		}
		ious = append(ious, float64(inter)/float64(union))
	}
	return mean(ious), nil
}

// IoUFixedTensor computes the same score as IoUFixed with tensor ops.
func IoUFixedTensor(pred, gt *tensor.Tensor, excludeLast bool) (float64, error) {
	if err := checkPair(pred, gt); err != nil {
		return 0, err
	}
	t := pred.Dim(0)
	labels := tensor.Argmax(pred, 1)
	frames := gt.Reshape(t, pred.Dim(2), pred.Dim(3))

	var ious []float64
	for f := 0; f < frameEnd(t, excludeLast); f++ {
		p := tensor.Select(labels, 0, f)
		g := tensor.Select(frames, 0, f)
		inter := tensor.Sum(tensor.Mul(tensor.Greater(p, 0), tensor.Greater(g, 0)))
		union := tensor.Sum(tensor.Greater(tensor.Add(p, g), 0))
		if union == 0 {
			ious = append(ious, 1)
			continue
		}
		ious = append(ious, inter/union)
	}
	return mean(ious), nil
}

// FramesFirst returns batch item n of a (N,C,T,H,W) tensor as (T,C,H,W).
// A 4-D (N,C,H,W) input yields a single frame.
func FramesFirst(x *tensor.Tensor, n int) *tensor.Tensor {
	item := tensor.Select(x, 0, n)
	if item.Dims() == 3 {
		return item.Unsqueeze(0)
	}
	return tensor.Permute(item, 1, 0, 2, 3)
}

// ToOneHot expands integer labels into a (len(labels), numObjects) matrix.
func ToOneHot(labels []int, numObjects int) (*tensor.Tensor, error) {
	out := tensor.New(len(labels), numObjects)
	for i, l := range labels {
		if l < 0 || l >= numObjects {
			return nil, fmt.Errorf("metrics: label %d out of range [0,%d)", l, numObjects)
		}
		out.Set(1, i, l)
	}
	return out, nil
}

func checkPair(pred, gt *tensor.Tensor) error {
	if pred.Dims() != 4 {
		return fmt.Errorf("%w: prediction must be (T,C,H,W), got %v", ErrShapeMismatch, pred.Shape())
	}
	want := pred.Dim(0) * pred.Dim(2) * pred.Dim(3)
	if gt.Size() != want {
		return fmt.Errorf("%w: prediction %v, ground truth %v", ErrShapeMismatch, pred.Shape(), gt.Shape())
	}
	return nil
}

func frameEnd(t int, excludeLast bool) int {
	if excludeLast {
		return t - 1
	}
	return t
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
