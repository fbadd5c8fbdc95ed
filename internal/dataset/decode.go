package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"vos3d/internal/tensor"
)

// ErrShortClip is returned when a clip has fewer frames than requested.
var ErrShortClip = errors.New("dataset: clip shorter than temporal window")

// DecodeClip decodes the first tw frames of c (all frames when tw <= 0),
// nearest-resized to size x size. It returns frames as (3,T,S,S) in [0,1]
// and masks as (T,S,S) with 1 on any non-black mask pixel.
func DecodeClip(c Clip, tw, size int) (frames, masks *tensor.Tensor, err error) {
	if tw <= 0 {
		tw = c.Len()
	}
	if c.Len() < tw {
		return nil, nil, fmt.Errorf("%w: %s has %d frames, want %d", ErrShortClip, c.Key, c.Len(), tw)
	}
	frames = tensor.New(3, tw, size, size)
	masks = tensor.New(tw, size, size)
	fd, md := frames.Data(), masks.Data()
	plane := size * size

	for t := 0; t < tw; t++ {
		img, err := decodeImage(c.Frames[t])
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s frame %d: %w", c.Key, t, err)
		}
		resample(img, size, func(i int, r, g, b uint32) {
			fd[(0*tw+t)*plane+i] = float32(r) / 0xffff
			fd[(1*tw+t)*plane+i] = float32(g) / 0xffff
			fd[(2*tw+t)*plane+i] = float32(b) / 0xffff
		})

		m, err := decodeImage(c.Masks[t])
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s mask %d: %w", c.Key, t, err)
		}
		resample(m, size, func(i int, r, g, b uint32) {
			if r|g|b != 0 {
				md[t*plane+i] = 1
			}
		})
	}
	return frames, masks, nil
}

// Batch decodes clips and stacks them into images (N,3,T,S,S) and masks
// (N,1,T,S,S).
func Batch(clips []Clip, tw, size int) (images, masks *tensor.Tensor, err error) {
	if len(clips) == 0 {
		return nil, nil, errors.New("dataset: empty batch")
	}
	images = tensor.New(len(clips), 3, tw, size, size)
	masks = tensor.New(len(clips), 1, tw, size, size)
	imgBlock, maskBlock := 3*tw*size*size, tw*size*size
	for n, c := range clips {
		f, m, err := DecodeClip(c, tw, size)
		if err != nil {
			return nil, nil, err
		}
		copy(images.Data()[n*imgBlock:], f.Data())
		copy(masks.Data()[n*maskBlock:], m.Data())
	}
	return images, masks, nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// resample visits a size x size nearest-neighbour grid over img, passing
// the row-major destination index and 16-bit RGB values.
func resample(img image.Image, size int, fn func(i int, r, g, b uint32)) {
	b := img.Bounds()
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*b.Dy()/size
		for x := 0; x < size; x++ {
			sx := b.Min.X + x*b.Dx()/size
			r, g, bl, _ := img.At(sx, sy).RGBA()
			fn(y*size+x, r, g, bl)
		}
	}
}
