package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"vos3d/internal/config"
	"vos3d/internal/dataset"
	"vos3d/internal/dist"
	"vos3d/internal/metrics"
	"vos3d/internal/summary"
	"vos3d/internal/trainer"
)

var overrides config.Overrides

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run the evaluation loop over WebDataset clip shards.",
	RunE:  runEval,
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&overrides.Network, "network", "", "override network name")
	f.StringVar(&overrides.Backbone, "backbone", "", "override backbone preset")
	f.StringVar(&overrides.TrainRootA, "train-root-a", "", "override training root A")
	f.StringVar(&overrides.TrainRootB, "train-root-b", "", "override training root B")
	f.IntVar(&overrides.Steps, "steps", 0, "number of evaluation steps")
	f.IntVar(&overrides.BatchSize, "batch-size", 0, "batch size")
	f.IntVar(&overrides.NumWorkers, "num-workers", 0, "number of data loader workers")
	f.Int64Var(&overrides.Seed, "seed", 0, "PRNG seed")
	f.IntVar(&overrides.LogEvery, "log-every", 0, "log every N steps")
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}

	roots := cfg.Roots()
	if len(roots) == 0 {
		return errors.New("no training roots configured")
	}
	shards, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		return err
	}
	for root, list := range shards {
		if len(list) == 0 {
			return fmt.Errorf("no shards discovered under %s", root)
		}
		logger.Info().Str("root", root).Int("shards", len(list)).Msg("discovered shards")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := dist.OptionsFromEnv()
	if err != nil {
		return err
	}
	opts.Logger = &logger
	group, err := dist.Init(ctx, opts)
	if err != nil {
		return fmt.Errorf("init process group: %w", err)
	}
	defer func() {
		if err := group.Destroy(); err != nil {
			logger.Warn().Err(err).Msg("destroy process group")
		}
	}()

	m, err := buildModel(cfg)
	if err != nil {
		return err
	}
	trainable, frozen := m.Store().Counts()
	logger.Info().
		Str("network", m.Name()).
		Int("tw", m.TemporalWindow()).
		Int("trainable", trainable).
		Int("frozen", frozen).
		Int("rank", group.Rank()).
		Int("world_size", group.WorldSize()).
		Msg("model ready")

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var images summary.ImageWriter
	if cfg.SummaryDir != "" && group.IsMainProcess() {
		images = summary.PNGWriter{Dir: cfg.SummaryDir}
	}

	res, err := trainer.Run(ctx, trainer.RunConfig{
		Roots:        shards,
		Steps:        cfg.Steps,
		BatchSize:    cfg.BatchSize,
		NumWorkers:   cfg.NumWorkers,
		LogEvery:     cfg.LogEvery,
		Seed:         cfg.Seed,
		SampleSize:   cfg.SampleSize,
		Guidance:     cfg.Guidance,
		SummaryEvery: cfg.SummaryEvery,
		Network:      cfg.Network,
		LearningRate: cfg.LearningRate,
		LRSchedulers: cfg.LRSchedulers,
		LRDecay:      cfg.LRDecay,
		WorldSize:    cfg.WorldSize,
	}, trainer.Deps{Model: m, Group: group, Images: images, Logger: &logger})
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	ev := logger.Info().Int("steps", res.Steps)
	if !math.IsNaN(res.MeanIoU) {
		ev = ev.Float64("mean_iou", res.MeanIoU)
	}
	ev.Msg("evaluation finished")
	return nil
}

func serveMetrics(addr string) *http.Server {
	metrics.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
