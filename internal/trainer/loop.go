package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"vos3d/internal/dataset"
	"vos3d/internal/dist"
	"vos3d/internal/metrics"
	"vos3d/internal/model"
	"vos3d/internal/schedule"
	"vos3d/internal/summary"
	"vos3d/internal/tensor"
)

// RunConfig captures the knobs required by the evaluation loop.
type RunConfig struct {
	Roots        map[string][]string
	Steps        int
	BatchSize    int
	NumWorkers   int
	LogEvery     int
	Seed         int64
	SampleSize   int
	Guidance     bool
	SummaryEvery int

	// Network labels the exported metrics.
	Network      string
	LearningRate float64
	LRSchedulers []string
	LRDecay      float64
	// WorldSize is the expected size of Deps.Group. Zero accepts whatever
	// the group reports.
	WorldSize int
}

// Deps are the collaborators the loop runs against. Group and Images may
// be nil.
type Deps struct {
	Model  model.Model
	Group  *dist.Group
	Images summary.ImageWriter
	Logger *zerolog.Logger
}

// Result summarises a finished run.
type Result struct {
	Steps   int
	MeanIoU float64
}

// Run executes the evaluation workload.
//
// The model is never updated. The SGD groups and LR schedulers only trace
// the configured learning-rate plan, one scheduler step per eval step, so
// the exported learning-rate gauges follow what a training run would use.
func Run(ctx context.Context, cfg RunConfig, deps Deps) (Result, error) {
	if cfg.Steps <= 0 {
		return Result{}, errors.New("trainer: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Result{}, errors.New("trainer: batch size must be > 0")
	}
	if deps.Model == nil {
		return Result{}, errors.New("trainer: model is nil")
	}
	if deps.Model.Kind() == model.KindResnet3dMaskGuidance && !cfg.Guidance {
		return Result{}, fmt.Errorf("trainer: %s: %w", deps.Model.Name(), model.ErrGuidanceRequired)
	}
	if cfg.WorldSize > 0 && cfg.WorldSize != deps.Group.WorldSize() {
		return Result{}, fmt.Errorf("trainer: world size %d does not match process group of %d",
			cfg.WorldSize, deps.Group.WorldSize())
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 112
	}
	if cfg.Network == "" {
		cfg.Network = deps.Model.Name()
	}
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = *deps.Logger
	}

	opt := schedule.NewSGD(deps.Model.Parameters(), cfg.LearningRate, 0)
	scheds, err := schedule.GetLRSchedulers(opt, cfg.LRSchedulers, cfg.LRDecay, -1)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clipCh, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      cfg.Roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return Result{}, err
	}

	tw := deps.Model.TemporalWindow()
	batches := newBatcher(clipCh, samplerErr, tw, log)
	rank := strconv.Itoa(deps.Group.Rank())
	var (
		window metrics.Window
		iouSum float64
		scored int
	)

	for step := 1; step <= cfg.Steps; step++ {
		startData := time.Now()
		clips, err := batches.next(ctx, cfg.BatchSize)
		if err != nil {
			return Result{}, err
		}
		images, masks, err := dataset.Batch(clips, tw, cfg.SampleSize)
		if err != nil {
			return Result{}, err
		}
		var guidance *tensor.Tensor
		if cfg.Guidance {
			guidance = tensor.Select(masks, 2, 0)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		out, err := deps.Model.ForwardT(images, guidance, false)
		if err != nil {
			return Result{}, fmt.Errorf("trainer: step %d: %w", step, err)
		}
		forwardTime := time.Since(startCompute)

		iou, err := scoreBatch(out.Pred, masks)
		if err != nil {
			return Result{}, fmt.Errorf("trainer: step %d: %w", step, err)
		}
		if deps.Group != nil {
			reduced, err := dist.ReduceMean(ctx, deps.Group, tensor.Scalar(float32(iou)), 0)
			if err != nil {
				return Result{}, fmt.Errorf("trainer: reduce iou: %w", err)
			}
			iou = float64(reduced.Data()[0])
		}
		computeTime := time.Since(startCompute)

		window.Record(len(clips), dataTime, computeTime, iou)
		metrics.RecordEvalStep(cfg.Network, rank, len(clips), iou, forwardTime)
		if !math.IsNaN(iou) {
			iouSum += iou
			scored++
		}

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Info().
				Int("step", step).
				Float64("clips_per_sec", snap.ClipsPerSec).
				Float64("data_ms", snap.AvgDataMS).
				Float64("compute_ms", snap.AvgComputeMS).
				Float64("iou", snap.MeanIoU).
				Msg("eval step")
		}

		if deps.Images != nil && cfg.SummaryEvery > 0 && step%cfg.SummaryEvery == 0 && deps.Group.IsMainProcess() {
			if err := summary.ShowImageSummary(deps.Images, step, images, guidance, masks, out.Pred); err != nil {
				return Result{}, fmt.Errorf("trainer: image summary: %w", err)
			}
		}

		for _, s := range scheds {
			s.Step()
		}
		for _, g := range opt.Groups {
			metrics.RecordLearningRate(g.Name, g.LR)
		}
	}

	res := Result{Steps: cfg.Steps, MeanIoU: math.NaN()}
	if scored > 0 {
		res.MeanIoU = iouSum / float64(scored)
	}
	return res, nil
}

// batcher groups sampler clips into batches, skipping clips shorter than
// the temporal window.
type batcher struct {
	clips <-chan dataset.Clip
	errs  <-chan error
	tw    int
	log   zerolog.Logger

	// pass is the sampler pass being read; eligible counts its clips
	// long enough to use.
	pass     int
	eligible int
}

func newBatcher(clips <-chan dataset.Clip, errs <-chan error, tw int, log zerolog.Logger) *batcher {
	return &batcher{clips: clips, errs: errs, tw: tw, log: log}
}

// next returns batchSize clips. It fails with dataset.ErrShortClip once a
// full pass over the shards has produced no clip of tw frames.
func (b *batcher) next(ctx context.Context, batchSize int) ([]dataset.Clip, error) {
	batch := make([]dataset.Clip, 0, batchSize)
	for len(batch) < batchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-b.errs:
			if !ok {
				b.errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case clip, ok := <-b.clips:
			if !ok {
				if b.errs != nil {
					if err := <-b.errs; err != nil {
						return nil, err
					}
				}
				if b.eligible == 0 {
					return nil, b.shortPass()
				}
				return nil, errors.New("sampler closed")
			}
			if clip.Pass != b.pass {
				if b.eligible == 0 {
					return nil, b.shortPass()
				}
				b.pass, b.eligible = clip.Pass, 0
			}
			if clip.Len() < b.tw {
				b.log.Debug().Str("clip", clip.Key).Int("frames", clip.Len()).Msg("skipping short clip")
				continue
			}
			b.eligible++
			batch = append(batch, clip)
		}
	}
	return batch, nil
}

func (b *batcher) shortPass() error {
	return fmt.Errorf("%w: no clip in pass %d has %d frames", dataset.ErrShortClip, b.pass, b.tw)
}

// scoreBatch returns the mean IoU over the batch. Predictions without a
// time axis are scored against the last mask frame. Masks are resized to
// the prediction's resolution when they differ.
func scoreBatch(pred, masks *tensor.Tensor) (float64, error) {
	var sum float64
	var n int
	for i := 0; i < pred.Dim(0); i++ {
		frames := metrics.FramesFirst(pred, i)
		gt := tensor.Select(tensor.Select(masks, 0, i), 0, 0)
		if pred.Dims() == 4 {
			gt = tensor.Narrow(gt, 0, gt.Dim(0)-1, 1)
		}
		h, w := frames.Dim(2), frames.Dim(3)
		if gt.Dim(1) != h || gt.Dim(2) != w {
			gt = tensor.UpsampleNearest2d(gt.Unsqueeze(1), h, w)
		}
		iou, err := metrics.IoUFixed(frames, gt, false)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(iou) {
			continue
		}
		sum += iou
		n++
	}
	if n == 0 {
		return math.NaN(), nil
	}
	return sum / float64(n), nil
}
