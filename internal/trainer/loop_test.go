package trainer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vos3d/internal/backbone"
	"vos3d/internal/dataset"
	"vos3d/internal/dist"
	"vos3d/internal/model"
	"vos3d/internal/summary"
	"vos3d/internal/tensor"
)

func encodePNG(t *testing.T, size int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// writeShard stores one clip per entry of frames, keyed clip<i>.
func writeShard(t *testing.T, frames ...int) map[string][]string {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	add := func(name string, data []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}); err != nil {
			t.Fatalf("header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i, n := range frames {
		key := fmt.Sprintf("clip%d", i)
		add(key+".len", []byte(strconv.Itoa(n)))
		for f := 0; f < n; f++ {
			add(fmt.Sprintf("%s.%d.png", key, f), encodePNG(t, 16, func(x, y int) color.Color {
				return color.RGBA{R: uint8(16 * x), G: uint8(16 * y), B: uint8(40 * f), A: 255}
			}))
			add(fmt.Sprintf("%s.%d.mask.png", key, f), encodePNG(t, 16, func(x, y int) color.Color {
				if x >= 8 {
					return color.White
				}
				return color.Black
			}))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "clips-000000.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return map[string][]string{dir: {path}}
}

func tinyModel(t *testing.T, network string, tw int) model.Model {
	t.Helper()
	m, err := model.Select(model.DefaultRegistry(), model.Options{Network: network, TW: tw},
		map[string]string{network: network}, model.Env{Backbone: backbone.Tiny(), MDim: 8, Seed: 3})
	if err != nil {
		t.Fatalf("select %s: %v", network, err)
	}
	return m
}

func TestRunScoresClipsAndWritesSummaries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	rec := &summary.Recorder{}

	res, err := Run(ctx, RunConfig{
		Roots:        writeShard(t, 4, 2, 4),
		Steps:        2,
		BatchSize:    2,
		NumWorkers:   1,
		LogEvery:     1,
		Seed:         7,
		SampleSize:   32,
		Guidance:     true,
		SummaryEvery: 2,
		LearningRate: 0.1,
		LRSchedulers: []string{"exponential"},
		LRDecay:      0.5,
	}, Deps{Model: tinyModel(t, "Resnet3d", 4), Images: rec, Logger: &logger})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 2 {
		t.Fatalf("expected 2 steps, got %d", res.Steps)
	}
	if math.IsNaN(res.MeanIoU) || res.MeanIoU < 0 || res.MeanIoU > 1 {
		t.Fatalf("mean IoU out of range: %f", res.MeanIoU)
	}

	if got := strings.Count(logs.String(), `"message":"eval step"`); got != 2 {
		t.Fatalf("expected 2 step logs, got %d:\n%s", got, logs.String())
	}

	tags := strings.Join(rec.Tags(), ",")
	for _, want := range []string{"data/input0", "data/guidance3", "data/target3", "data/pred3"} {
		if !strings.Contains(tags, want) {
			t.Fatalf("missing summary tag %s in %s", want, tags)
		}
	}
	for _, e := range rec.Entries {
		if e.Step != 2 {
			t.Fatalf("summary written at step %d", e.Step)
		}
	}
}

func TestRunPredictOneScoresLastFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rec := &summary.Recorder{}
	res, err := Run(ctx, RunConfig{
		Roots:        writeShard(t, 8),
		Steps:        1,
		BatchSize:    1,
		NumWorkers:   1,
		SampleSize:   64,
		SummaryEvery: 1,
	}, Deps{Model: tinyModel(t, "Resnet3dPredictOne", 8), Images: rec})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if math.IsNaN(res.MeanIoU) {
		t.Fatalf("expected a scored step")
	}
	tags := strings.Join(rec.Tags(), ",")
	if !strings.HasSuffix(tags, "data/input7,data/target7,data/pred7") {
		t.Fatalf("expected only the last frame to be paired with the prediction, got %s", tags)
	}
}

func TestRunValidatesConfig(t *testing.T) {
	if _, err := Run(context.Background(), RunConfig{BatchSize: 1}, Deps{}); err == nil {
		t.Fatalf("expected error for zero steps")
	}
	if _, err := Run(context.Background(), RunConfig{Steps: 1, BatchSize: 1}, Deps{}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestScoreBatchMatchesPerfectPrediction(t *testing.T) {
	// mask: right half foreground over 2 frames of 4x4
	masks := tensor.New(1, 1, 2, 4, 4)
	pred := tensor.New(1, 2, 2, 4, 4)
	for f := 0; f < 2; f++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				if x >= 2 {
					masks.Set(1, 0, 0, f, y, x)
					pred.Set(1, 0, 1, f, y, x)
				} else {
					pred.Set(1, 0, 0, f, y, x)
				}
			}
		}
	}
	iou, err := scoreBatch(pred, masks)
	if err != nil {
		t.Fatalf("scoreBatch: %v", err)
	}
	if iou != 1 {
		t.Fatalf("expected IoU 1, got %f", iou)
	}

	// a 4-D prediction is scored against the last frame at its own size
	single := tensor.New(1, 2, 2, 2)
	for y := 0; y < 2; y++ {
		single.Set(1, 0, 1, y, 1)
		single.Set(1, 0, 0, y, 0)
	}
	iou, err = scoreBatch(single, masks)
	if err != nil {
		t.Fatalf("scoreBatch single: %v", err)
	}
	if iou != 1 {
		t.Fatalf("expected IoU 1 for downsampled last frame, got %f", iou)
	}
}

// foregroundModel predicts foreground everywhere, so a half-foreground
// mask scores exactly 0.5.
type foregroundModel struct {
	model.Model
}

func (m foregroundModel) ForwardT(x, guidance *tensor.Tensor, train bool) (model.Output, error) {
	n, t, h, w := x.Dim(0), x.Dim(2), x.Dim(3), x.Dim(4)
	pred := tensor.Cat(1, tensor.New(n, 1, t, h, w), tensor.Full(1, n, 1, t, h, w))
	return model.Output{Pred: pred}, nil
}

func startGroup(t *testing.T, world int) []*dist.Group {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups := make([]*dist.Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			opts := dist.Options{MasterAddr: "127.0.0.1", MasterPort: port, Rank: rank, WorldSize: world, Backoff: dist.DefaultBackoff()}
			if rank == 0 {
				opts.Listener = ln
			}
			groups[rank], errs[rank] = dist.Init(ctx, opts)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("init rank %d: %v", rank, err)
		}
	}
	t.Cleanup(func() {
		for _, g := range groups {
			g.Destroy()
		}
	})
	return groups
}

func TestRunReducesIoUOverGroupSize(t *testing.T) {
	groups := startGroup(t, 2)
	roots := writeShard(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results := make([]Result, len(groups))
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *dist.Group) {
			defer wg.Done()
			results[i], errs[i] = Run(ctx, RunConfig{
				Roots:      roots,
				Steps:      2,
				BatchSize:  1,
				NumWorkers: 1,
				SampleSize: 32,
			}, Deps{Model: foregroundModel{tinyModel(t, "Resnet3d", 4)}, Group: g})
		}(i, g)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
		if results[rank].MeanIoU != 0.5 {
			t.Fatalf("rank %d: expected mean IoU 0.5 over the group, got %f", rank, results[rank].MeanIoU)
		}
	}
}

func TestRunRejectsWorldSizeMismatch(t *testing.T) {
	groups := startGroup(t, 2)
	_, err := Run(context.Background(), RunConfig{
		Roots:     writeShard(t, 4),
		Steps:     1,
		BatchSize: 1,
		WorldSize: 3,
	}, Deps{Model: tinyModel(t, "Resnet3d", 4), Group: groups[0]})
	if err == nil || !strings.Contains(err.Error(), "world size 3") {
		t.Fatalf("expected a world size mismatch, got %v", err)
	}

	_, err = Run(context.Background(), RunConfig{
		Roots:     writeShard(t, 4),
		Steps:     1,
		BatchSize: 1,
		WorldSize: 2,
	}, Deps{Model: tinyModel(t, "Resnet3d", 4)})
	if err == nil {
		t.Fatalf("expected a mismatch against the single-process default")
	}
}

func TestRunFailsWhenEveryClipIsShort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := Run(ctx, RunConfig{
		Roots:      writeShard(t, 2, 2),
		Steps:      1,
		BatchSize:  1,
		NumWorkers: 1,
		SampleSize: 64,
	}, Deps{Model: tinyModel(t, "Resnet3dPredictOne", 8)})
	if !errors.Is(err, dataset.ErrShortClip) {
		t.Fatalf("expected ErrShortClip, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("Run hit the deadline instead of failing fast")
	}
}

func TestRunRejectsMaskGuidedModelWithoutGuidance(t *testing.T) {
	_, err := Run(context.Background(), RunConfig{
		Roots:     map[string][]string{"/nowhere": {"/nowhere/clips-000000.tar"}},
		Steps:     1,
		BatchSize: 1,
	}, Deps{Model: tinyModel(t, "Resnet3dMaskGuidance", 8)})
	if !errors.Is(err, model.ErrGuidanceRequired) {
		t.Fatalf("expected ErrGuidanceRequired before sampling, got %v", err)
	}
}
