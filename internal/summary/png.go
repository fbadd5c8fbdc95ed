package summary

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"vos3d/internal/tensor"
)

// PNGWriter stores each image of a batch as
// <Dir>/<step>/<tag>_<n>.png, with "/" in tags replaced by "_".
type PNGWriter struct {
	Dir string
}

func (p PNGWriter) AddImages(tag string, batch *tensor.Tensor, step int) error {
	if batch.Dims() != 4 || batch.Dim(1) != 3 {
		return fmt.Errorf("summary: %s: want (N,3,H,W) batch, got %v", tag, batch.Shape())
	}
	dir := filepath.Join(p.Dir, fmt.Sprintf("%06d", step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.ReplaceAll(tag, "/", "_")
	for n := 0; n < batch.Dim(0); n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", name, n))
		if err := writePNG(path, tensor.Select(batch, 0, n)); err != nil {
			return fmt.Errorf("summary: write %s: %w", path, err)
		}
	}
	return nil
}

func writePNG(path string, chw *tensor.Tensor) error {
	h, w := chw.Dim(1), chw.Dim(2)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(chw.At(0, y, x)),
				G: toByte(chw.At(1, y, x)),
				B: toByte(chw.At(2, y, x)),
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
